package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/pixel"
	"github.com/broker-protection/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeSchedRepo struct {
	mu        sync.Mutex
	firstDate *time.Time
	fetchErr  error
	events    []models.BackgroundTaskEvent
	eventErr  error
}

func (f *fakeSchedRepo) FetchFirstEligibleJobDate(ctx context.Context) (*time.Time, error) {
	return f.firstDate, f.fetchErr
}

func (f *fakeSchedRepo) RecordBackgroundTaskEvent(ctx context.Context, ev models.BackgroundTaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.eventErr
}

func (f *fakeSchedRepo) eventTypes() []models.BackgroundTaskEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BackgroundTaskEventType
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeSchedQueue completes the batch when release is closed, or on Stop.
type fakeSchedQueue struct {
	mu         sync.Mutex
	release    chan struct{}
	collection *queue.ErrorCollection
	stopped    bool
	completion func()
	handler    func(*queue.ErrorCollection)
}

func (f *fakeSchedQueue) StartScheduledAllWithSort(ctx context.Context, sortPredicate queue.SortPredicate, errorHandler func(*queue.ErrorCollection), completion func()) {
	f.mu.Lock()
	f.handler = errorHandler
	f.completion = completion
	release := f.release
	collection := f.collection
	f.mu.Unlock()

	go func() {
		if release != nil {
			<-release
		}
		f.mu.Lock()
		if f.stopped {
			collection = &queue.ErrorCollection{OneTimeError: queue.ErrInterrupted}
		}
		f.mu.Unlock()
		errorHandler(collection)
		completion()
	}()
}

func (f *fakeSchedQueue) Stop() {
	f.mu.Lock()
	f.stopped = true
	release := f.release
	f.release = nil
	f.mu.Unlock()
	if release != nil {
		close(release)
	}
}

func newTestScheduler(t *testing.T, repo Repository, q Queue, budget time.Duration) *Scheduler {
	t.Helper()
	s, err := New(&Config{
		Repository: repo,
		Queue:      q,
		Pixels:     pixel.NopSink{},
		Now:        func() time.Time { return schedNow },
		Budget:     budget,
	})
	require.NoError(t, err)
	return s
}

func datePtr(t time.Time) *time.Time { return &t }

func TestNextBeginDate_NoEligibleJobDefaultsToMaxWait(t *testing.T) {
	s := newTestScheduler(t, &fakeSchedRepo{}, &fakeSchedQueue{}, 0)

	next, err := s.NextBeginDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schedNow.Add(DefaultMaxWait), next)
}

func TestNextBeginDate_OverdueJobRunsImmediately(t *testing.T) {
	repo := &fakeSchedRepo{firstDate: datePtr(schedNow.Add(-3 * time.Hour))}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, 0)

	next, err := s.NextBeginDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schedNow, next)
}

func TestNextBeginDate_ClampsToMinWait(t *testing.T) {
	repo := &fakeSchedRepo{firstDate: datePtr(schedNow.Add(10 * time.Minute))}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, 0)

	next, err := s.NextBeginDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schedNow.Add(DefaultMinWait), next)
}

func TestNextBeginDate_ClampsToMaxWait(t *testing.T) {
	repo := &fakeSchedRepo{firstDate: datePtr(schedNow.Add(96 * time.Hour))}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, 0)

	next, err := s.NextBeginDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schedNow.Add(DefaultMaxWait), next)
}

func TestNextBeginDate_InRangeDateIsUsedAsIs(t *testing.T) {
	first := schedNow.Add(6 * time.Hour)
	repo := &fakeSchedRepo{firstDate: datePtr(first)}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, 0)

	next, err := s.NextBeginDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, next)
}

func TestNextBeginDate_FetchFailureIsAnError(t *testing.T) {
	repo := &fakeSchedRepo{fetchErr: errors.New("database unreachable")}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, 0)

	_, err := s.NextBeginDate(context.Background())
	require.Error(t, err)
}

func TestRunBackgroundTask_CleanSessionReportsSuccess(t *testing.T) {
	repo := &fakeSchedRepo{}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, time.Minute)

	var (
		reports   int
		succeeded bool
	)
	s.RunBackgroundTask(context.Background(), func(success bool) {
		reports++
		succeeded = success
	})

	assert.Equal(t, 1, reports)
	assert.True(t, succeeded)
	assert.Equal(t, []models.BackgroundTaskEventType{
		models.BackgroundTaskStarted,
		models.BackgroundTaskCompleted,
	}, repo.eventTypes())
}

func TestRunBackgroundTask_BatchErrorsReportFailure(t *testing.T) {
	repo := &fakeSchedRepo{}
	q := &fakeSchedQueue{collection: &queue.ErrorCollection{
		OperationErrors: []error{errors.New("broker page broken")},
	}}
	s := newTestScheduler(t, repo, q, time.Minute)

	var succeeded bool
	s.RunBackgroundTask(context.Background(), func(success bool) { succeeded = success })

	assert.False(t, succeeded)
	assert.Contains(t, repo.eventTypes(), models.BackgroundTaskCompleted)
}

func TestRunBackgroundTask_BudgetExpiryStopsQueue(t *testing.T) {
	repo := &fakeSchedRepo{}
	q := &fakeSchedQueue{release: make(chan struct{})}
	s := newTestScheduler(t, repo, q, 20*time.Millisecond)

	var (
		reports   int
		succeeded = true
	)
	s.RunBackgroundTask(context.Background(), func(success bool) {
		reports++
		succeeded = success
	})

	assert.Equal(t, 1, reports)
	assert.False(t, succeeded)
	q.mu.Lock()
	assert.True(t, q.stopped)
	q.mu.Unlock()
	assert.Contains(t, repo.eventTypes(), models.BackgroundTaskExpired)
}

func TestRunBackgroundTask_ContextCancellationBehavesLikeExpiry(t *testing.T) {
	repo := &fakeSchedRepo{}
	q := &fakeSchedQueue{release: make(chan struct{})}
	s := newTestScheduler(t, repo, q, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var succeeded = true
	s.RunBackgroundTask(ctx, func(success bool) { succeeded = success })

	assert.False(t, succeeded)
	assert.Contains(t, repo.eventTypes(), models.BackgroundTaskExpired)
}

func TestRunBackgroundTask_EventWriteFailureDoesNotAbort(t *testing.T) {
	repo := &fakeSchedRepo{eventErr: errors.New("database unreachable")}
	s := newTestScheduler(t, repo, &fakeSchedQueue{}, time.Minute)

	var reports int
	s.RunBackgroundTask(context.Background(), func(success bool) { reports++ })

	assert.Equal(t, 1, reports)
}
