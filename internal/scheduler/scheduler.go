// Package scheduler decides when the next background job session should
// run and drives one session within the host's wall-clock budget.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/pixel"
	"github.com/broker-protection/internal/queue"
	"github.com/google/uuid"
)

// Defaults. The budget stays well under the tens-of-minutes ceiling the
// host imposes so the queue is stopped before the host kills the process.
const (
	DefaultMinWait = time.Hour
	DefaultMaxWait = 24 * time.Hour
	DefaultBudget  = 25 * time.Minute
)

// Repository is the persistence surface the scheduler consumes.
type Repository interface {
	FetchFirstEligibleJobDate(ctx context.Context) (*time.Time, error)
	RecordBackgroundTaskEvent(ctx context.Context, ev models.BackgroundTaskEvent) error
}

// Queue is the job queue surface the scheduler drives.
type Queue interface {
	StartScheduledAllWithSort(ctx context.Context, sortPredicate queue.SortPredicate, errorHandler func(*queue.ErrorCollection), completion func())
	Stop()
}

// Scheduler owns background-session timing.
type Scheduler struct {
	repo   Repository
	queue  Queue
	pixels pixel.Sink
	logger *logging.Logger
	now    func() time.Time

	minWait time.Duration
	maxWait time.Duration
	budget  time.Duration
}

// Config configures a scheduler.
type Config struct {
	Repository Repository
	Queue      Queue
	Pixels     pixel.Sink
	Logger     *logging.Logger
	// Now overrides the clock in tests.
	Now func() time.Time

	MinWait time.Duration
	MaxWait time.Duration
	// Budget is the wall-clock limit for one background session.
	Budget time.Duration
}

// New creates a scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}

	s := &Scheduler{
		repo:    cfg.Repository,
		queue:   cfg.Queue,
		pixels:  cfg.Pixels,
		logger:  cfg.Logger,
		now:     cfg.Now,
		minWait: cfg.MinWait,
		maxWait: cfg.MaxWait,
		budget:  cfg.Budget,
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.minWait <= 0 {
		s.minWait = DefaultMinWait
	}
	if s.maxWait <= 0 {
		s.maxWait = DefaultMaxWait
	}
	if s.budget <= 0 {
		s.budget = DefaultBudget
	}
	return s, nil
}

// NextBeginDate computes the earliest begin date for the next background
// session: the first eligible job date clamped to [now+minWait, now+maxWait].
// No eligible job defaults to now+maxWait; an overdue job runs immediately.
func (s *Scheduler) NextBeginDate(ctx context.Context) (time.Time, error) {
	now := s.now()

	first, err := s.repo.FetchFirstEligibleJobDate(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch first eligible job date: %w", err)
	}
	if first == nil {
		return now.Add(s.maxWait), nil
	}
	if !first.After(now) {
		return now, nil
	}
	if first.Before(now.Add(s.minWait)) {
		return now.Add(s.minWait), nil
	}
	if first.After(now.Add(s.maxWait)) {
		return now.Add(s.maxWait), nil
	}
	return *first, nil
}

// RunBackgroundTask drives one background session: it starts a full batch
// biased toward jobs likely to finish quickly, waits for completion or the
// budget, and stops the queue on expiry. The report callback mirrors the
// host's task-completed acknowledgment and is invoked exactly once with a
// success flag. Cancelling ctx behaves like the host's expiration handler.
func (s *Scheduler) RunBackgroundTask(ctx context.Context, report func(success bool)) {
	sessionID := uuid.NewString()
	logger := s.logger.WithField("session", sessionID)

	var reportOnce sync.Once
	finish := func(success bool) {
		reportOnce.Do(func() {
			if report != nil {
				report(success)
			}
		})
	}

	s.recordEvent(ctx, sessionID, models.BackgroundTaskStarted, logger)
	pixel.Fire(s.pixels, pixel.NameBackgroundTaskStarted, map[string]string{"session": sessionID})

	var (
		collectionMu sync.Mutex
		collection   *queue.ErrorCollection
	)
	done := make(chan struct{})

	s.queue.StartScheduledAllWithSort(ctx, queue.ByPriorityForBackgroundTask,
		func(ec *queue.ErrorCollection) {
			collectionMu.Lock()
			collection = ec
			collectionMu.Unlock()
		},
		func() { close(done) },
	)

	timer := time.NewTimer(s.budget)
	defer timer.Stop()

	expired := false
	select {
	case <-done:
	case <-timer.C:
		expired = true
		s.queue.Stop()
		<-done
	case <-ctx.Done():
		expired = true
		s.queue.Stop()
		<-done
	}

	collectionMu.Lock()
	batchErr := collection
	collectionMu.Unlock()

	if expired {
		s.recordEvent(ctx, sessionID, models.BackgroundTaskExpired, logger)
		pixel.Fire(s.pixels, pixel.NameBackgroundTaskExpired, map[string]string{"session": sessionID})
		logger.Warn("Background session expired before the batch finished")
		finish(false)
		return
	}

	s.recordEvent(ctx, sessionID, models.BackgroundTaskCompleted, logger)
	pixel.Fire(s.pixels, pixel.NameBackgroundTaskCompleted, map[string]string{"session": sessionID})

	success := batchErr == nil || (batchErr.OneTimeError == nil && len(batchErr.OperationErrors) == 0)
	if !success {
		logger.WithError(batchErr).Warn("Background session finished with errors")
	} else {
		logger.Info("Background session completed")
	}
	finish(success)
}

// Run drives background sessions until ctx is cancelled: it sleeps until
// the next begin date, runs one session, and repeats. This is the
// long-lived-host analog of an OS background-task registration.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next, err := s.NextBeginDate(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to compute next begin date, falling back to minimum wait")
			next = s.now().Add(s.minWait)
		}

		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		s.logger.WithField("wait", wait.String()).Info("Next background session scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.RunBackgroundTask(ctx, nil)

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) recordEvent(ctx context.Context, sessionID string, eventType models.BackgroundTaskEventType, logger *logging.Logger) {
	ev := models.BackgroundTaskEvent{
		SessionID: sessionID,
		Type:      eventType,
		Date:      s.now(),
	}
	// Bookkeeping only; a failed write never aborts the session.
	if err := s.repo.RecordBackgroundTaskEvent(ctx, ev); err != nil {
		logger.WithError(err).Warn("Failed to record background task event")
	}
}
