package queue

import (
	"context"
	"time"

	"github.com/broker-protection/internal/auth"
	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/storage"
)

// ProviderRepository is the database slice the job provider reads.
type ProviderRepository interface {
	FetchAllBrokerProfileQueryData(ctx context.Context) ([]models.BrokerProfileQueryData, error)
	FetchJobSchedule(ctx context.Context) ([]storage.ScheduleEntry, error)
}

// JobProvider builds the runnable job list from current broker, profile
// and schedule state. Scan jobs are always available; opt-out jobs are
// gated on authentication and a valid entitlement, so an unauthenticated
// (freemium) install runs scan-only batches.
type JobProvider struct {
	repo   ProviderRepository
	auth   auth.Authenticator
	logger *logging.Logger
	now    func() time.Time
}

// NewJobProvider creates a provider.
func NewJobProvider(repo ProviderRepository, authenticator auth.Authenticator, logger *logging.Logger) *JobProvider {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &JobProvider{
		repo:   repo,
		auth:   authenticator,
		logger: logger,
		now:    time.Now,
	}
}

// RunnableJobs returns the unordered set of jobs currently eligible to run
// for the requested job types. A job is eligible when its preferred run
// date has passed or it has never been scheduled. Ordering is the queue
// manager's concern.
func (p *JobProvider) RunnableJobs(ctx context.Context, includeScans, includeOptOuts bool) ([]Job, error) {
	data, err := p.repo.FetchAllBrokerProfileQueryData(ctx)
	if err != nil {
		return nil, err
	}

	schedule, err := p.repo.FetchJobSchedule(ctx)
	if err != nil {
		return nil, err
	}
	type scheduleKey struct {
		brokerID       int64
		profileQueryID int64
		jobType        models.JobType
	}
	preferredRun := make(map[scheduleKey]time.Time, len(schedule))
	for _, entry := range schedule {
		preferredRun[scheduleKey{entry.BrokerID, entry.ProfileQueryID, entry.JobType}] = entry.PreferredRunAt
	}

	if includeOptOuts {
		includeOptOuts = p.optOutsPermitted(ctx)
	}

	now := p.now()
	var jobs []Job

	for _, queryData := range data {
		if includeScans && !queryData.ProfileQuery.Deprecated {
			key := scheduleKey{queryData.Broker.ID, queryData.ProfileQuery.ID, models.JobTypeScan}
			eligibleAt, scheduled := preferredRun[key]
			if !scheduled || !eligibleAt.After(now) {
				jobs = append(jobs, Job{
					BrokerID:       queryData.Broker.ID,
					ProfileQueryID: queryData.ProfileQuery.ID,
					Type:           models.JobTypeScan,
					BrokerKey:      queryData.Broker.Key(),
					EligibleAt:     eligibleAt,
				})
			}
		}

		if !includeOptOuts {
			continue
		}
		for _, optOut := range queryData.OptOutJobData {
			if optOut.RemovedDate != nil {
				continue
			}
			key := scheduleKey{queryData.Broker.ID, queryData.ProfileQuery.ID, models.JobTypeOptOut}
			eligibleAt, scheduled := preferredRun[key]
			if scheduled && eligibleAt.After(now) {
				continue
			}
			jobs = append(jobs, Job{
				BrokerID:       queryData.Broker.ID,
				ProfileQueryID: queryData.ProfileQuery.ID,
				Type:           models.JobTypeOptOut,
				OptOutJobID:    optOut.ID,
				BrokerKey:      queryData.Broker.Key(),
				EligibleAt:     eligibleAt,
			})
		}
	}

	return jobs, nil
}

// optOutsPermitted checks authentication and entitlement. Entitlement
// check failures degrade to scan-only rather than failing the batch.
func (p *JobProvider) optOutsPermitted(ctx context.Context) bool {
	if p.auth == nil || !p.auth.IsUserAuthenticated() {
		return false
	}
	entitled, err := p.auth.HasValidEntitlement(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Entitlement check failed, running scan-only batch")
		return false
	}
	return entitled
}
