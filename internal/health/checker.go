package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/interspecies/probed/internal/metrics"
)

const defaultTelemetryStale = time.Minute

// TelemetrySource is an instance whose telemetry freshness gates readiness.
type TelemetrySource interface {
	Name() string
	LastTelemetryAt() time.Time
}

// Checker evaluates readiness of the orchestrator.
type Checker struct {
	metrics        *metrics.Store
	outboxCapacity int
	staleAfter     time.Duration
	sources        []TelemetrySource
}

// NewChecker constructs a readiness checker. staleAfter bounds how old the latest telemetry
// of each source may be; a non-positive value selects the default.
func NewChecker(store *metrics.Store, outboxCapacity int, staleAfter time.Duration, sources ...TelemetrySource) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultTelemetryStale
	}
	return &Checker{
		metrics:        store,
		outboxCapacity: outboxCapacity,
		staleAfter:     staleAfter,
		sources:        sources,
	}
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	var reasons []string

	if c.metrics != nil && c.outboxCapacity > 0 {
		snap := c.metrics.Snapshot()
		if snap.QueueDepth >= int64(c.outboxCapacity) {
			reasons = append(reasons, "outbox capacity exceeded")
		}
	}

	for _, src := range c.sources {
		last := src.LastTelemetryAt()
		switch {
		case last.IsZero():
			reasons = append(reasons, fmt.Sprintf("instance '%s' has not reported telemetry", src.Name()))
		case now.Sub(last) > c.staleAfter:
			reasons = append(reasons, fmt.Sprintf("instance '%s' telemetry stale (%s)", src.Name(), now.Sub(last).Round(time.Second)))
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		c.metrics.ObserveReadiness(ready, strings.Join(reasons, "; "))
	}
	return ready, reasons
}
