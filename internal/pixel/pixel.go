// Package pixel provides the fire-and-forget monitoring event sink used
// across the job engine. Events are named cases with string parameters;
// firing never blocks and never fails the caller.
package pixel

import (
	"sync"
	"time"

	"github.com/broker-protection/internal/logging"
)

// Well-known event names fired by the engine.
const (
	NameQueueBatchStarted       = "dbp.queue.batch-started"
	NameQueueBatchCompleted     = "dbp.queue.batch-completed"
	NameQueueBatchInterrupted   = "dbp.queue.batch-interrupted"
	NameQueueCannotInterrupt    = "dbp.queue.cannot-interrupt"
	NameQueueJobFailed          = "dbp.queue.job-failed"
	NameScanStalled             = "dbp.monitoring.scan-stalled"
	NameOptOutStalled           = "dbp.monitoring.opt-out-stalled"
	NameMatchesMismatch         = "dbp.monitoring.matches-mismatch"
	NameMatchesParity           = "dbp.monitoring.matches-parity"
	NameMismatchReadFailure     = "dbp.monitoring.mismatch-read-failure"
	NameSecretsBacklogAdded     = "dbp.secrets.backlog-added"
	NameSecretsBacklogFlushed   = "dbp.secrets.backlog-flushed"
	NameSecretsBacklogFlushFail = "dbp.secrets.backlog-flush-failed"
	NameSecretsDataLossRisk     = "dbp.secrets.teardown-with-backlog"
	NameTokenStorageError       = "dbp.secrets.token-storage-error"
	NameBrokerSyncFailed        = "dbp.brokersync.failed"
	NameBackgroundTaskStarted   = "dbp.scheduler.task-started"
	NameBackgroundTaskCompleted = "dbp.scheduler.task-completed"
	NameBackgroundTaskExpired   = "dbp.scheduler.task-expired"
)

// Event is one monitoring event.
type Event struct {
	Name   string
	Params map[string]string
	Time   time.Time
}

// Sink receives monitoring events. Implementations must not block the
// caller and must swallow their own delivery failures.
type Sink interface {
	Fire(event Event)
}

// Fire is a convenience for building and firing an event in one call.
func Fire(sink Sink, name string, params map[string]string) {
	if sink == nil {
		return
	}
	sink.Fire(Event{Name: name, Params: params, Time: time.Now()})
}

// LogSink writes events to the structured log. It is the default sink and
// the fallback when ClickHouse is not configured.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Fire implements Sink.
func (s *LogSink) Fire(event Event) {
	fields := map[string]interface{}{"pixel": event.Name}
	for k, v := range event.Params {
		fields[k] = v
	}
	s.logger.WithFields(fields).Info("Pixel fired")
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

// Fire implements Sink.
func (m MultiSink) Fire(event Event) {
	for _, s := range m {
		s.Fire(event)
	}
}

// NopSink discards every event. Used in tests where pixels are irrelevant.
type NopSink struct{}

// Fire implements Sink.
func (NopSink) Fire(Event) {}

// CaptureSink records events for assertions in tests. Safe for concurrent
// use because queue workers fire pixels from multiple goroutines.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// Fire implements Sink.
func (c *CaptureSink) Fire(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the captured events in firing order.
func (c *CaptureSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Names returns the fired event names in order.
func (c *CaptureSink) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.events))
	for i, e := range c.events {
		names[i] = e.Name
	}
	return names
}
