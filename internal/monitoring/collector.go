package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/resilience"
	"github.com/sells-group/callscore/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Calls created within the lookback window.
	CallsTotal    int     `json:"calls_total"`
	CallsNotified int     `json:"calls_notified"`
	CallsIgnored  int     `json:"calls_ignored"`
	CallsFailed   int     `json:"calls_failed"`
	CallsInFlight int     `json:"calls_in_flight"`
	FailRate      float64 `json:"fail_rate"`

	DeadLetters  int      `json:"dead_letters"`
	OpenCircuits []string `json:"open_circuits,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource is the store subset the collector reads.
type StatsSource interface {
	CallStats(ctx context.Context, since time.Time) (*store.CallStats, error)
}

// BreakerStates reports circuit breaker states by service.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store and the circuit breakers.
type Collector struct {
	stats    StatsSource
	breakers BreakerStates
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(stats StatsSource, breakers BreakerStates) *Collector {
	return &Collector{stats: stats, breakers: breakers}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.stats.CallStats(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: call stats")
	}

	for status, n := range stats.ByStatus {
		snap.CallsTotal += n
		switch status {
		case model.CallCRMNotified:
			snap.CallsNotified += n
		case model.CallIgnored:
			snap.CallsIgnored += n
		case model.CallFailed:
			snap.CallsFailed += n
		default:
			snap.CallsInFlight += n
		}
	}
	if finished := snap.CallsNotified + snap.CallsFailed; finished > 0 {
		snap.FailRate = float64(snap.CallsFailed) / float64(finished)
	}
	snap.DeadLetters = stats.DeadLetters

	if c.breakers != nil {
		for service, state := range c.breakers.States() {
			if state == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, service)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}
