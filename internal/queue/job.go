// Package queue implements the broker profile job queue: building the
// runnable job list from database state and executing batches of scan and
// opt-out jobs on a bounded worker pool with interruption semantics.
package queue

import (
	"time"

	"github.com/broker-protection/internal/models"
)

// Job is one runnable unit of work against a broker site. Jobs are
// referenced by key, not identity, so interruption and deduplication can be
// expressed as set operations.
type Job struct {
	BrokerID       int64
	ProfileQueryID int64
	Type           models.JobType
	// OptOutJobID is set for opt-out jobs only.
	OptOutJobID int64
	BrokerKey   string
	// EligibleAt is the job's preferred run date. Zero means the job has
	// never run and is immediately eligible.
	EligibleAt time.Time
}

// JobKey is the stable identity of a job.
type JobKey struct {
	BrokerID       int64
	ProfileQueryID int64
	Type           models.JobType
	OptOutJobID    int64
}

// Key returns the job's stable identity.
func (j Job) Key() JobKey {
	return JobKey{
		BrokerID:       j.BrokerID,
		ProfileQueryID: j.ProfileQueryID,
		Type:           j.Type,
		OptOutJobID:    j.OptOutJobID,
	}
}

// SortPredicate orders jobs within a batch; it reports whether a should
// run before b.
type SortPredicate func(a, b Job) bool

// ByEligibility is the default ordering: most overdue first, scans before
// opt-outs on ties so fresh match data exists before removals run.
func ByEligibility(a, b Job) bool {
	if !a.EligibleAt.Equal(b.EligibleAt) {
		return a.EligibleAt.Before(b.EligibleAt)
	}
	if a.Type != b.Type {
		return a.Type == models.JobTypeScan
	}
	if a.BrokerID != b.BrokerID {
		return a.BrokerID < b.BrokerID
	}
	return a.ProfileQueryID < b.ProfileQueryID
}

// ByPriorityForBackgroundTask biases toward jobs most likely to complete
// within a shortened background time budget: opt-out confirmations are
// quick compared to full scans, so they run first.
func ByPriorityForBackgroundTask(a, b Job) bool {
	if a.Type != b.Type {
		return a.Type == models.JobTypeOptOut
	}
	return ByEligibility(a, b)
}
