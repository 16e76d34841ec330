package queue

import (
	"sort"
	"testing"
	"time"

	"github.com/broker-protection/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestByEligibility(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	jobs := []Job{
		{BrokerID: 3, ProfileQueryID: 1, Type: models.JobTypeOptOut, EligibleAt: newer},
		{BrokerID: 1, ProfileQueryID: 1, Type: models.JobTypeScan, EligibleAt: newer},
		{BrokerID: 2, ProfileQueryID: 1, Type: models.JobTypeScan, EligibleAt: older},
	}
	sort.SliceStable(jobs, func(i, j int) bool { return ByEligibility(jobs[i], jobs[j]) })

	// Most overdue first; scans before opt-outs on equal dates.
	assert.Equal(t, int64(2), jobs[0].BrokerID)
	assert.Equal(t, models.JobTypeScan, jobs[1].Type)
	assert.Equal(t, models.JobTypeOptOut, jobs[2].Type)
}

func TestByEligibility_TiesBreakOnIdentity(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Job{BrokerID: 1, ProfileQueryID: 2, Type: models.JobTypeScan, EligibleAt: at}
	b := Job{BrokerID: 1, ProfileQueryID: 1, Type: models.JobTypeScan, EligibleAt: at}

	assert.False(t, ByEligibility(a, b))
	assert.True(t, ByEligibility(b, a))
}

func TestByPriorityForBackgroundTask(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	jobs := []Job{
		{BrokerID: 1, ProfileQueryID: 1, Type: models.JobTypeScan, EligibleAt: older},
		{BrokerID: 2, ProfileQueryID: 1, Type: models.JobTypeOptOut, EligibleAt: newer},
		{BrokerID: 3, ProfileQueryID: 1, Type: models.JobTypeOptOut, EligibleAt: older},
	}
	sort.SliceStable(jobs, func(i, j int) bool { return ByPriorityForBackgroundTask(jobs[i], jobs[j]) })

	// Opt-outs run before scans regardless of eligibility, ordered by
	// eligibility among themselves.
	assert.Equal(t, int64(3), jobs[0].BrokerID)
	assert.Equal(t, int64(2), jobs[1].BrokerID)
	assert.Equal(t, models.JobTypeScan, jobs[2].Type)
}

func TestJobKeyIgnoresEligibility(t *testing.T) {
	a := Job{BrokerID: 1, ProfileQueryID: 2, Type: models.JobTypeScan, EligibleAt: time.Now()}
	b := Job{BrokerID: 1, ProfileQueryID: 2, Type: models.JobTypeScan}

	assert.Equal(t, a.Key(), b.Key())
}
