// Package runner executes individual scan and opt-out jobs: it drives the
// broker automation layer, keeps the history log and reschedules follow-up
// work.
package runner

import (
	"context"
	"time"

	apperrors "github.com/broker-protection/internal/errors"
	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/queue"
	"github.com/broker-protection/internal/retry"
)

// Default follow-up intervals. Rescan matches the brokers' weekly cadence;
// confirm gives a broker a few days to process an opt-out request before we
// check whether the match disappeared.
const (
	DefaultRescanInterval     = 168 * time.Hour
	DefaultConfirmInterval    = 72 * time.Hour
	DefaultErrorRetryInterval = 48 * time.Hour
)

// ScanOutcome is what the automation layer found on a broker page.
type ScanOutcome struct {
	ExtractedProfileIDs []int64
}

// BrokerOperator is the web-automation collaborator that actually visits
// broker sites. Implementations must honor context cancellation.
type BrokerOperator interface {
	Scan(ctx context.Context, job queue.Job) (*ScanOutcome, error)
	SubmitOptOut(ctx context.Context, job queue.Job) error
}

// Repository is the persistence surface the runner writes through.
type Repository interface {
	AppendScanHistoryEvent(ctx context.Context, ev models.HistoryEvent) error
	AppendOptOutHistoryEvent(ctx context.Context, optOutJobID int64, eventType models.HistoryEventType, date time.Time) error
	CreateOptOutJob(ctx context.Context, brokerID, profileQueryID, extractedProfileID int64) (int64, error)
	FetchOpenOptOutJobs(ctx context.Context, brokerID, profileQueryID int64) ([]models.OptOutJobData, error)
	MarkOptOutRemoved(ctx context.Context, optOutJobID int64, at time.Time) error
	UpdatePreferredRunDate(ctx context.Context, brokerID, profileQueryID int64, jobType models.JobType, at time.Time) error
}

// ProfileJobRunner implements queue.JobRunner on top of a BrokerOperator
// and the job repository.
type ProfileJobRunner struct {
	repo     Repository
	operator BrokerOperator
	retryCfg *retry.RetryConfig
	logger   *logging.Logger
	now      func() time.Time

	rescanInterval     time.Duration
	confirmInterval    time.Duration
	errorRetryInterval time.Duration
}

// RunnerConfig configures a ProfileJobRunner.
type RunnerConfig struct {
	Repository Repository
	Operator   BrokerOperator
	// Retry overrides the operator retry policy; default is 3 attempts.
	Retry  *retry.RetryConfig
	Logger *logging.Logger
	// Now overrides the clock in tests.
	Now func() time.Time

	RescanInterval     time.Duration
	ConfirmInterval    time.Duration
	ErrorRetryInterval time.Duration
}

// NewProfileJobRunner creates a runner.
func NewProfileJobRunner(cfg *RunnerConfig) (*ProfileJobRunner, error) {
	if cfg.Repository == nil {
		return nil, apperrors.NewInternalError("repository cannot be nil", nil)
	}
	if cfg.Operator == nil {
		return nil, apperrors.NewInternalError("broker operator cannot be nil", nil)
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	r := &ProfileJobRunner{
		repo:               cfg.Repository,
		operator:           cfg.Operator,
		retryCfg:           retryCfg,
		logger:             logger,
		now:                now,
		rescanInterval:     cfg.RescanInterval,
		confirmInterval:    cfg.ConfirmInterval,
		errorRetryInterval: cfg.ErrorRetryInterval,
	}
	if r.rescanInterval <= 0 {
		r.rescanInterval = DefaultRescanInterval
	}
	if r.confirmInterval <= 0 {
		r.confirmInterval = DefaultConfirmInterval
	}
	if r.errorRetryInterval <= 0 {
		r.errorRetryInterval = DefaultErrorRetryInterval
	}
	return r, nil
}

// Run executes one job.
func (r *ProfileJobRunner) Run(ctx context.Context, job queue.Job) error {
	switch job.Type {
	case models.JobTypeScan:
		return r.runScan(ctx, job)
	case models.JobTypeOptOut:
		return r.runOptOut(ctx, job)
	}
	return apperrors.NewQueueError("unknown job type: "+string(job.Type), nil)
}

func (r *ProfileJobRunner) runScan(ctx context.Context, job queue.Job) error {
	logger := r.logger.WithFields(map[string]interface{}{
		"broker": job.BrokerKey,
		"query":  job.ProfileQueryID,
		"type":   string(job.Type),
	})

	startedAt := r.now()
	if err := r.repo.AppendScanHistoryEvent(ctx, models.HistoryEvent{
		BrokerID:       job.BrokerID,
		ProfileQueryID: job.ProfileQueryID,
		Type:           models.EventScanStarted,
		Date:           startedAt,
	}); err != nil {
		return apperrors.NewDatabaseError("append scan started event", err)
	}

	var outcome *ScanOutcome
	result := retry.WithExponentialBackoff(ctx, r.retryCfg, func(ctx context.Context, attempt int) error {
		var err error
		outcome, err = r.operator.Scan(ctx, job)
		return err
	})
	if !result.Success {
		r.recordScanFailure(ctx, job, logger, result.LastError)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewBrokerError(job.BrokerKey, result.LastError)
	}

	now := r.now()
	matchEvent := models.HistoryEvent{
		BrokerID:       job.BrokerID,
		ProfileQueryID: job.ProfileQueryID,
		Type:           models.EventNoMatchFound,
		Date:           now,
	}
	if len(outcome.ExtractedProfileIDs) > 0 {
		matchEvent.Type = models.EventMatchesFound
		matchEvent.MatchesFound = len(outcome.ExtractedProfileIDs)
	}
	if err := r.repo.AppendScanHistoryEvent(ctx, matchEvent); err != nil {
		return apperrors.NewDatabaseError("append scan result event", err)
	}

	found := make(map[int64]bool, len(outcome.ExtractedProfileIDs))
	for _, extractedID := range outcome.ExtractedProfileIDs {
		found[extractedID] = true
		if _, err := r.repo.CreateOptOutJob(ctx, job.BrokerID, job.ProfileQueryID, extractedID); err != nil {
			logger.WithError(err).Warn("Failed to create opt-out job for extracted profile")
			continue
		}
	}
	if len(outcome.ExtractedProfileIDs) > 0 {
		// New matches are opted out as soon as the queue next runs.
		if err := r.repo.UpdatePreferredRunDate(ctx, job.BrokerID, job.ProfileQueryID, models.JobTypeOptOut, now); err != nil {
			logger.WithError(err).Warn("Failed to schedule opt-out run")
		}
	}

	r.confirmRemovals(ctx, job, found, logger)

	if err := r.repo.UpdatePreferredRunDate(ctx, job.BrokerID, job.ProfileQueryID, models.JobTypeScan, now.Add(r.rescanInterval)); err != nil {
		logger.WithError(err).Warn("Failed to schedule next scan")
	}

	logger.WithField("matches", len(outcome.ExtractedProfileIDs)).Info("Scan completed")
	return nil
}

// confirmRemovals closes open opt-out jobs whose extracted profile no
// longer appears on the broker page.
func (r *ProfileJobRunner) confirmRemovals(ctx context.Context, job queue.Job, found map[int64]bool, logger *logging.Logger) {
	open, err := r.repo.FetchOpenOptOutJobs(ctx, job.BrokerID, job.ProfileQueryID)
	if err != nil {
		logger.WithError(err).Warn("Failed to fetch open opt-out jobs for confirmation")
		return
	}

	now := r.now()
	for _, optOut := range open {
		if found[optOut.ExtractedProfileID] {
			continue
		}
		if err := r.repo.AppendOptOutHistoryEvent(ctx, optOut.ID, models.EventOptOutConfirmed, now); err != nil {
			logger.WithError(err).Warn("Failed to append opt-out confirmed event")
			continue
		}
		if err := r.repo.MarkOptOutRemoved(ctx, optOut.ID, now); err != nil {
			logger.WithError(err).Warn("Failed to mark opt-out removed")
		}
	}
}

func (r *ProfileJobRunner) recordScanFailure(ctx context.Context, job queue.Job, logger *logging.Logger, cause error) {
	logger.WithError(cause).Warn("Scan failed")
	now := r.now()
	if err := r.repo.AppendScanHistoryEvent(ctx, models.HistoryEvent{
		BrokerID:       job.BrokerID,
		ProfileQueryID: job.ProfileQueryID,
		Type:           models.EventError,
		Date:           now,
	}); err != nil {
		logger.WithError(err).Warn("Failed to append scan error event")
	}
	if err := r.repo.UpdatePreferredRunDate(ctx, job.BrokerID, job.ProfileQueryID, models.JobTypeScan, now.Add(r.errorRetryInterval)); err != nil {
		logger.WithError(err).Warn("Failed to schedule scan retry")
	}
}

func (r *ProfileJobRunner) runOptOut(ctx context.Context, job queue.Job) error {
	logger := r.logger.WithFields(map[string]interface{}{
		"broker":    job.BrokerKey,
		"query":     job.ProfileQueryID,
		"optOutJob": job.OptOutJobID,
		"type":      string(job.Type),
	})

	if err := r.repo.AppendOptOutHistoryEvent(ctx, job.OptOutJobID, models.EventOptOutStarted, r.now()); err != nil {
		return apperrors.NewDatabaseError("append opt-out started event", err)
	}

	result := retry.WithExponentialBackoff(ctx, r.retryCfg, func(ctx context.Context, attempt int) error {
		return r.operator.SubmitOptOut(ctx, job)
	})
	if !result.Success {
		logger.WithError(result.LastError).Warn("Opt-out submission failed")
		now := r.now()
		if err := r.repo.AppendOptOutHistoryEvent(ctx, job.OptOutJobID, models.EventError, now); err != nil {
			logger.WithError(err).Warn("Failed to append opt-out error event")
		}
		if err := r.repo.UpdatePreferredRunDate(ctx, job.BrokerID, job.ProfileQueryID, models.JobTypeOptOut, now.Add(r.errorRetryInterval)); err != nil {
			logger.WithError(err).Warn("Failed to schedule opt-out retry")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewBrokerError(job.BrokerKey, result.LastError)
	}

	now := r.now()
	if err := r.repo.AppendOptOutHistoryEvent(ctx, job.OptOutJobID, models.EventOptOutRequested, now); err != nil {
		return apperrors.NewDatabaseError("append opt-out requested event", err)
	}

	// A confirmation scan checks whether the broker honored the request.
	if err := r.repo.UpdatePreferredRunDate(ctx, job.BrokerID, job.ProfileQueryID, models.JobTypeScan, now.Add(r.confirmInterval)); err != nil {
		logger.WithError(err).Warn("Failed to schedule confirmation scan")
	}
	if err := r.repo.UpdatePreferredRunDate(ctx, job.BrokerID, job.ProfileQueryID, models.JobTypeOptOut, now.Add(r.rescanInterval)); err != nil {
		logger.WithError(err).Warn("Failed to schedule next opt-out run")
	}

	logger.Info("Opt-out requested")
	return nil
}
