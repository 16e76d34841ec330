package runner

import (
	"context"

	"github.com/broker-protection/internal/circuitbreaker"
	"github.com/broker-protection/internal/queue"
)

// GuardedOperator wraps a BrokerOperator with a circuit breaker. When the
// automation service goes down, jobs fail fast instead of each burning a
// full retry budget against a dead endpoint.
type GuardedOperator struct {
	inner   BrokerOperator
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedOperator wraps operator with the given breaker; a nil breaker
// gets the default automation-service configuration.
func NewGuardedOperator(operator BrokerOperator, breaker *circuitbreaker.CircuitBreaker) *GuardedOperator {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("broker-automation"))
	}
	return &GuardedOperator{inner: operator, breaker: breaker}
}

// Scan implements BrokerOperator.
func (g *GuardedOperator) Scan(ctx context.Context, job queue.Job) (*ScanOutcome, error) {
	var outcome *ScanOutcome
	err := g.breaker.Execute(ctx, func() error {
		var err error
		outcome, err = g.inner.Scan(ctx, job)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// SubmitOptOut implements BrokerOperator.
func (g *GuardedOperator) SubmitOptOut(ctx context.Context, job queue.Job) error {
	return g.breaker.Execute(ctx, func() error {
		return g.inner.SubmitOptOut(ctx, job)
	})
}

// Stats exposes the breaker snapshot for the debug API.
func (g *GuardedOperator) Stats() *circuitbreaker.Stats {
	return g.breaker.GetStats()
}
