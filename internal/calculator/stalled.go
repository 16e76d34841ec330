// Package calculator derives monitoring metrics from broker/profile-query
// history event logs: stalled-job counts and database/event-log match
// reconciliation.
package calculator

import (
	"time"

	"github.com/broker-protection/internal/models"
)

// Default policy for stalled-operation classification. The staleness
// timeout is a per-instance configuration because background-task contexts
// run with a much shorter budget than the resident agent.
const (
	DefaultLookbackWindow = 7 * 24 * time.Hour
	DefaultStaleTimeout   = 30 * time.Minute
)

// CalculatorResult holds stalled-operation counts, overall and per broker.
// Purely derived; never persisted.
type CalculatorResult struct {
	Total           int
	Stalled         int
	TotalByBroker   map[string]int
	StalledByBroker map[string]int
}

// StalledOperationCalculator classifies job instances within a bounded
// lookback window as completed or stalled for one job type. A job instance
// is one qualifying start event; it is stalled when no terminal event for
// the same (broker, profile query) pair exists at or after it within the
// window.
type StalledOperationCalculator struct {
	jobType      models.JobType
	lookback     time.Duration
	staleTimeout time.Duration
	now          func() time.Time
}

// Option customizes a calculator instance.
type Option func(*StalledOperationCalculator)

// WithLookbackWindow overrides the default 7-day lookback.
func WithLookbackWindow(d time.Duration) Option {
	return func(c *StalledOperationCalculator) { c.lookback = d }
}

// WithStaleTimeout overrides the default staleness timeout.
func WithStaleTimeout(d time.Duration) Option {
	return func(c *StalledOperationCalculator) { c.staleTimeout = d }
}

// WithClock injects the time source. Tests pin it.
func WithClock(now func() time.Time) Option {
	return func(c *StalledOperationCalculator) { c.now = now }
}

// NewStalledOperationCalculator creates a calculator for the given job type.
func NewStalledOperationCalculator(jobType models.JobType, opts ...Option) *StalledOperationCalculator {
	c := &StalledOperationCalculator{
		jobType:      jobType,
		lookback:     DefaultLookbackWindow,
		staleTimeout: DefaultStaleTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pairKey struct {
	brokerID       int64
	profileQueryID int64
}

// Calculate classifies every qualifying job instance in the input.
//
// Events older than the lookback window are invisible entirely. Start
// events newer than the staleness timeout are too recent to judge and are
// excluded from both totals. Terminal matching is presence-based per
// (broker, query) pair, not FIFO-paired per attempt; multiple retried
// starts are each counted as their own instance.
func (c *StalledOperationCalculator) Calculate(data []models.BrokerProfileQueryData) CalculatorResult {
	now := c.now()
	windowStart := now.Add(-c.lookback)
	staleCutoff := now.Add(-c.staleTimeout)

	result := CalculatorResult{
		TotalByBroker:   make(map[string]int),
		StalledByBroker: make(map[string]int),
	}

	for _, queryData := range data {
		brokerKey := queryData.Broker.Key()

		var visible []models.HistoryEvent
		for _, ev := range queryData.Events(c.jobType) {
			if ev.Date.Before(windowStart) || ev.Date.After(now) {
				continue
			}
			visible = append(visible, ev)
		}

		// Terminal events present in the window, keyed by pair.
		terminals := make(map[pairKey][]time.Time)
		for _, ev := range visible {
			if ev.Type.IsTerminalOf(c.jobType) {
				key := pairKey{ev.BrokerID, ev.ProfileQueryID}
				terminals[key] = append(terminals[key], ev.Date)
			}
		}

		for _, ev := range visible {
			if !ev.Type.IsStartOf(c.jobType) {
				continue
			}
			if ev.Date.After(staleCutoff) {
				// Still legitimately in flight.
				continue
			}

			result.Total++
			result.TotalByBroker[brokerKey]++

			if !hasTerminalAtOrAfter(terminals[pairKey{ev.BrokerID, ev.ProfileQueryID}], ev.Date) {
				result.Stalled++
				result.StalledByBroker[brokerKey]++
			}
		}
	}

	return result
}

func hasTerminalAtOrAfter(terminalDates []time.Time, start time.Time) bool {
	for _, d := range terminalDates {
		if !d.Before(start) {
			return true
		}
	}
	return false
}
