package models

import "time"

// OptOutJobData is the opt-out side of a broker/profile-query pair: one
// entry per extracted profile the broker exposed, with its own event log
// and an optional removal date once the broker confirms removal.
type OptOutJobData struct {
	ID                 int64
	BrokerID           int64
	ProfileQueryID     int64
	ExtractedProfileID int64
	HistoryEvents      []HistoryEvent
	RemovedDate        *time.Time
	CreatedAt          time.Time
}

// BrokerProfileQueryData aggregates everything the engine knows about one
// (broker, profile query) pair: the scan event log plus zero or more opt-out
// jobs. It is the unit the calculators and the job provider operate over.
type BrokerProfileQueryData struct {
	Broker            Broker
	ProfileQuery      ProfileQuery
	ScanHistoryEvents []HistoryEvent
	OptOutJobData     []OptOutJobData
}

// Events returns the history events relevant to the given job type. Scan
// events are stored directly on the pair; opt-out events are flattened from
// each opt-out job.
func (d BrokerProfileQueryData) Events(jobType JobType) []HistoryEvent {
	if jobType == JobTypeScan {
		return d.ScanHistoryEvents
	}
	var events []HistoryEvent
	for _, job := range d.OptOutJobData {
		events = append(events, job.HistoryEvents...)
	}
	return events
}

// LatestMatchesFound returns the match count from the most recent scan
// terminal event, or zero when the latest terminal is a no-match (or no
// terminal exists yet).
func (d BrokerProfileQueryData) LatestMatchesFound() int {
	var latest *HistoryEvent
	for i := range d.ScanHistoryEvents {
		ev := &d.ScanHistoryEvents[i]
		if !ev.Type.IsTerminalOf(JobTypeScan) {
			continue
		}
		if latest == nil || ev.Date.After(latest.Date) {
			latest = ev
		}
	}
	if latest == nil || latest.Type != EventMatchesFound {
		return 0
	}
	return latest.MatchesFound
}

// BackgroundTaskEventType records background scheduler session transitions.
type BackgroundTaskEventType string

const (
	BackgroundTaskStarted   BackgroundTaskEventType = "started"
	BackgroundTaskCompleted BackgroundTaskEventType = "completed"
	BackgroundTaskExpired   BackgroundTaskEventType = "expired"
)

// BackgroundTaskEvent is one scheduler session transition, persisted for
// diagnosing missed or truncated background runs.
type BackgroundTaskEvent struct {
	SessionID string
	Type      BackgroundTaskEventType
	Date      time.Time
}
