package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/interspecies/probed/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS probe_outcomes (
    id           UUID PRIMARY KEY,
    instance     TEXT NOT NULL,
    state        TEXT NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION NOT NULL,
    requester    TEXT NOT NULL,
    behaviour    TEXT,
    status       TEXT NOT NULL,
    score        DOUBLE PRECISION NOT NULL DEFAULT 0,
    modulated    BOOLEAN NOT NULL DEFAULT FALSE,
    duration_sec INTEGER NOT NULL DEFAULT 0,
    reason       TEXT,
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS probe_outcomes_instance_finished
    ON probe_outcomes (instance, finished_at DESC);
`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the outcome table exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Verify connection on startup.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases database resources.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) RecordOutcome(ctx context.Context, o types.ProbeOutcome) error {
	if err := validate(o); err != nil {
		return err
	}
	const insert = `
INSERT INTO probe_outcomes (
    id, instance, state, confidence, requester, behaviour, status,
    score, modulated, duration_sec, reason, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO NOTHING;
`
	_, err := p.pool.Exec(ctx, insert,
		o.ID,
		o.Instance,
		o.State,
		o.Confidence,
		o.Requester,
		nullString(o.Behaviour),
		string(o.Status),
		o.Score,
		o.Modulated,
		o.DurationSec,
		nullString(o.Reason),
		o.StartedAt,
		o.FinishedAt,
	)
	return err
}

func (p *PostgresStore) ListOutcomes(ctx context.Context, instance string, limit int) ([]types.ProbeOutcome, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const query = `
SELECT id::text, instance, state, confidence, requester, behaviour, status,
       score, modulated, duration_sec, reason, started_at, finished_at
  FROM probe_outcomes
 WHERE $1 = '' OR instance = $1
 ORDER BY finished_at DESC
 LIMIT $2;
`
	rows, err := p.pool.Query(ctx, query, strings.ToLower(strings.TrimSpace(instance)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []types.ProbeOutcome
	for rows.Next() {
		var o types.ProbeOutcome
		var status string
		var behaviour, reason sql.NullString
		if err := rows.Scan(&o.ID, &o.Instance, &o.State, &o.Confidence, &o.Requester, &behaviour, &status,
			&o.Score, &o.Modulated, &o.DurationSec, &reason, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		o.Status = types.ProbeStatus(status)
		if behaviour.Valid {
			o.Behaviour = behaviour.String
		}
		if reason.Valid {
			o.Reason = reason.String
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func nullString(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

var _ Store = (*PostgresStore)(nil)
