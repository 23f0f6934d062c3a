package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/interspecies/probed/pkg/types"
)

const defaultListLimit = 50

// ErrInvalidOutcome is returned when an outcome lacks its identity.
var ErrInvalidOutcome = errors.New("probe outcome requires id and instance")

// Store persists probe outcomes.
type Store interface {
	RecordOutcome(ctx context.Context, outcome types.ProbeOutcome) error
	// ListOutcomes returns the most recent outcomes first. An empty instance lists all.
	ListOutcomes(ctx context.Context, instance string, limit int) ([]types.ProbeOutcome, error)
	Close()
}

// NewMemoryStore returns an in-memory store keeping at most capacity outcomes.
func NewMemoryStore(capacity int) Store {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryStore{capacity: capacity}
}

type memoryStore struct {
	mu       sync.RWMutex
	capacity int
	outcomes []types.ProbeOutcome
}

func (m *memoryStore) RecordOutcome(ctx context.Context, outcome types.ProbeOutcome) error {
	if err := validate(outcome); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	if over := len(m.outcomes) - m.capacity; over > 0 {
		m.outcomes = m.outcomes[over:]
	}
	return nil
}

func (m *memoryStore) ListOutcomes(ctx context.Context, instance string, limit int) ([]types.ProbeOutcome, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	instance = strings.ToLower(strings.TrimSpace(instance))

	m.mu.RLock()
	var results []types.ProbeOutcome
	for _, o := range m.outcomes {
		if instance == "" || o.Instance == instance {
			results = append(results, o)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinishedAt.After(results[j].FinishedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *memoryStore) Close() {}

func validate(outcome types.ProbeOutcome) error {
	if strings.TrimSpace(outcome.ID) == "" || strings.TrimSpace(outcome.Instance) == "" {
		return ErrInvalidOutcome
	}
	return nil
}
