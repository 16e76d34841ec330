package models

import "time"

// JobType distinguishes the two classes of broker work.
type JobType string

const (
	JobTypeScan   JobType = "scan"
	JobTypeOptOut JobType = "optOut"
)

// HistoryEventType identifies one entry in a job's append-only event log.
type HistoryEventType string

const (
	EventScanStarted     HistoryEventType = "scanStarted"
	EventMatchesFound    HistoryEventType = "matchesFound"
	EventNoMatchFound    HistoryEventType = "noMatchFound"
	EventError           HistoryEventType = "error"
	EventOptOutStarted   HistoryEventType = "optOutStarted"
	EventOptOutRequested HistoryEventType = "optOutRequested"
	EventOptOutConfirmed HistoryEventType = "optOutConfirmed"
)

// HistoryEvent records one lifecycle transition for a (broker, profile query)
// job. Events are immutable once written.
type HistoryEvent struct {
	BrokerID       int64
	ProfileQueryID int64
	Type           HistoryEventType
	// MatchesFound carries the match count for EventMatchesFound and is
	// zero for every other event type.
	MatchesFound int
	Date         time.Time
}

// IsStartOf reports whether the event type opens a job instance of the
// given kind.
func (t HistoryEventType) IsStartOf(jobType JobType) bool {
	switch jobType {
	case JobTypeScan:
		return t == EventScanStarted
	case JobTypeOptOut:
		return t == EventOptOutStarted
	}
	return false
}

// IsTerminalOf reports whether the event type closes a job instance of the
// given kind. EventError is deliberately not terminal: an errored attempt
// with no terminal event still counts as stalled once it ages past the
// staleness timeout.
func (t HistoryEventType) IsTerminalOf(jobType JobType) bool {
	switch jobType {
	case JobTypeScan:
		return t == EventMatchesFound || t == EventNoMatchFound
	case JobTypeOptOut:
		return t == EventOptOutRequested || t == EventOptOutConfirmed
	}
	return false
}
