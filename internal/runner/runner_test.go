package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/broker-protection/internal/errors"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/queue"
	"github.com/broker-protection/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runnerNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type scheduleUpdate struct {
	jobType models.JobType
	at      time.Time
}

type fakeRunnerRepo struct {
	mu sync.Mutex

	scanEvents   []models.HistoryEvent
	optOutEvents map[int64][]models.HistoryEventType
	created      []int64
	openOptOuts  []models.OptOutJobData
	removed      []int64
	schedules    []scheduleUpdate

	scanEventErr error
}

func newFakeRunnerRepo() *fakeRunnerRepo {
	return &fakeRunnerRepo{optOutEvents: make(map[int64][]models.HistoryEventType)}
}

func (f *fakeRunnerRepo) AppendScanHistoryEvent(ctx context.Context, ev models.HistoryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanEventErr != nil {
		return f.scanEventErr
	}
	f.scanEvents = append(f.scanEvents, ev)
	return nil
}

func (f *fakeRunnerRepo) AppendOptOutHistoryEvent(ctx context.Context, optOutJobID int64, eventType models.HistoryEventType, date time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optOutEvents[optOutJobID] = append(f.optOutEvents[optOutJobID], eventType)
	return nil
}

func (f *fakeRunnerRepo) CreateOptOutJob(ctx context.Context, brokerID, profileQueryID, extractedProfileID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, extractedProfileID)
	return int64(1000 + len(f.created)), nil
}

func (f *fakeRunnerRepo) FetchOpenOptOutJobs(ctx context.Context, brokerID, profileQueryID int64) ([]models.OptOutJobData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openOptOuts, nil
}

func (f *fakeRunnerRepo) MarkOptOutRemoved(ctx context.Context, optOutJobID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, optOutJobID)
	return nil
}

func (f *fakeRunnerRepo) UpdatePreferredRunDate(ctx context.Context, brokerID, profileQueryID int64, jobType models.JobType, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = append(f.schedules, scheduleUpdate{jobType: jobType, at: at})
	return nil
}

func (f *fakeRunnerRepo) scanEventTypes() []models.HistoryEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.HistoryEventType
	for _, ev := range f.scanEvents {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeRunnerRepo) scheduleFor(jobType models.JobType) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.schedules) - 1; i >= 0; i-- {
		if f.schedules[i].jobType == jobType {
			return f.schedules[i].at, true
		}
	}
	return time.Time{}, false
}

type fakeOperator struct {
	mu          sync.Mutex
	scanOutcome *ScanOutcome
	scanErrs    []error
	scanCalls   int
	optOutErrs  []error
	optOutCalls int
}

func (f *fakeOperator) Scan(ctx context.Context, job queue.Job) (*ScanOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.scanCalls
	f.scanCalls++
	if call < len(f.scanErrs) {
		return nil, f.scanErrs[call]
	}
	return f.scanOutcome, nil
}

func (f *fakeOperator) SubmitOptOut(ctx context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.optOutCalls
	f.optOutCalls++
	if call < len(f.optOutErrs) {
		return f.optOutErrs[call]
	}
	return nil
}

func fastRetry(attempts int) *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestRunner(t *testing.T, repo Repository, operator BrokerOperator) *ProfileJobRunner {
	t.Helper()
	r, err := NewProfileJobRunner(&RunnerConfig{
		Repository: repo,
		Operator:   operator,
		Retry:      fastRetry(3),
		Now:        func() time.Time { return runnerNow },
	})
	require.NoError(t, err)
	return r
}

func testScanJob() queue.Job {
	return queue.Job{BrokerID: 1, ProfileQueryID: 10, Type: models.JobTypeScan, BrokerKey: "acme-data-1.0"}
}

func testOptOutJob() queue.Job {
	return queue.Job{BrokerID: 1, ProfileQueryID: 10, Type: models.JobTypeOptOut, OptOutJobID: 100, BrokerKey: "acme-data-1.0"}
}

func TestRunScan_MatchesCreateOptOutJobs(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{scanOutcome: &ScanOutcome{ExtractedProfileIDs: []int64{7, 8}}}
	r := newTestRunner(t, repo, operator)

	require.NoError(t, r.Run(context.Background(), testScanJob()))

	assert.Equal(t, []models.HistoryEventType{
		models.EventScanStarted,
		models.EventMatchesFound,
	}, repo.scanEventTypes())
	assert.Equal(t, []int64{7, 8}, repo.created)

	// New matches schedule an immediate opt-out run and the next scan.
	optOutAt, ok := repo.scheduleFor(models.JobTypeOptOut)
	require.True(t, ok)
	assert.Equal(t, runnerNow, optOutAt)
	scanAt, ok := repo.scheduleFor(models.JobTypeScan)
	require.True(t, ok)
	assert.Equal(t, runnerNow.Add(DefaultRescanInterval), scanAt)
}

func TestRunScan_NoMatches(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{scanOutcome: &ScanOutcome{}}
	r := newTestRunner(t, repo, operator)

	require.NoError(t, r.Run(context.Background(), testScanJob()))

	assert.Equal(t, []models.HistoryEventType{
		models.EventScanStarted,
		models.EventNoMatchFound,
	}, repo.scanEventTypes())
	assert.Empty(t, repo.created)
	_, scheduledOptOut := repo.scheduleFor(models.JobTypeOptOut)
	assert.False(t, scheduledOptOut)
}

func TestRunScan_TransientFailureIsRetried(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{
		scanErrs:    []error{errors.New("timeout"), errors.New("timeout")},
		scanOutcome: &ScanOutcome{ExtractedProfileIDs: []int64{7}},
	}
	r := newTestRunner(t, repo, operator)

	require.NoError(t, r.Run(context.Background(), testScanJob()))
	assert.Equal(t, 3, operator.scanCalls)
	assert.Equal(t, []int64{7}, repo.created)
}

func TestRunScan_PersistentFailureRecordsErrorAndReschedules(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{
		scanErrs: []error{errors.New("blocked"), errors.New("blocked"), errors.New("blocked")},
	}
	r := newTestRunner(t, repo, operator)

	err := r.Run(context.Background(), testScanJob())
	require.Error(t, err)

	var categorized *apperrors.CategorizedError
	require.ErrorAs(t, err, &categorized)
	assert.Equal(t, apperrors.CategoryBroker, categorized.Category)

	assert.Equal(t, []models.HistoryEventType{
		models.EventScanStarted,
		models.EventError,
	}, repo.scanEventTypes())
	retryAt, ok := repo.scheduleFor(models.JobTypeScan)
	require.True(t, ok)
	assert.Equal(t, runnerNow.Add(DefaultErrorRetryInterval), retryAt)
}

func TestRunScan_ConfirmsRemovalsForVanishedMatches(t *testing.T) {
	repo := newFakeRunnerRepo()
	repo.openOptOuts = []models.OptOutJobData{
		{ID: 100, ExtractedProfileID: 7},
		{ID: 101, ExtractedProfileID: 8},
	}
	// Profile 7 is still on the page; profile 8 vanished.
	operator := &fakeOperator{scanOutcome: &ScanOutcome{ExtractedProfileIDs: []int64{7}}}
	r := newTestRunner(t, repo, operator)

	require.NoError(t, r.Run(context.Background(), testScanJob()))

	assert.Equal(t, []int64{101}, repo.removed)
	assert.Equal(t, []models.HistoryEventType{models.EventOptOutConfirmed}, repo.optOutEvents[101])
	assert.Empty(t, repo.optOutEvents[100])
}

func TestRunScan_StartedEventWriteFailureAborts(t *testing.T) {
	repo := newFakeRunnerRepo()
	repo.scanEventErr = errors.New("database unreachable")
	operator := &fakeOperator{scanOutcome: &ScanOutcome{}}
	r := newTestRunner(t, repo, operator)

	err := r.Run(context.Background(), testScanJob())
	require.Error(t, err)
	assert.Equal(t, 0, operator.scanCalls)
}

func TestRunOptOut_SuccessSchedulesConfirmationScan(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{}
	r := newTestRunner(t, repo, operator)

	require.NoError(t, r.Run(context.Background(), testOptOutJob()))

	assert.Equal(t, []models.HistoryEventType{
		models.EventOptOutStarted,
		models.EventOptOutRequested,
	}, repo.optOutEvents[100])

	confirmAt, ok := repo.scheduleFor(models.JobTypeScan)
	require.True(t, ok)
	assert.Equal(t, runnerNow.Add(DefaultConfirmInterval), confirmAt)
	nextOptOut, ok := repo.scheduleFor(models.JobTypeOptOut)
	require.True(t, ok)
	assert.Equal(t, runnerNow.Add(DefaultRescanInterval), nextOptOut)
}

func TestRunOptOut_FailureRecordsErrorAndReschedules(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{
		optOutErrs: []error{errors.New("captcha"), errors.New("captcha"), errors.New("captcha")},
	}
	r := newTestRunner(t, repo, operator)

	err := r.Run(context.Background(), testOptOutJob())
	require.Error(t, err)

	assert.Equal(t, []models.HistoryEventType{
		models.EventOptOutStarted,
		models.EventError,
	}, repo.optOutEvents[100])
	retryAt, ok := repo.scheduleFor(models.JobTypeOptOut)
	require.True(t, ok)
	assert.Equal(t, runnerNow.Add(DefaultErrorRetryInterval), retryAt)
}

func TestRun_CancelledContextSurfacesCancellation(t *testing.T) {
	repo := newFakeRunnerRepo()
	operator := &fakeOperator{
		scanErrs: []error{context.Canceled, context.Canceled, context.Canceled},
	}
	r := newTestRunner(t, repo, operator)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, testScanJob())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_UnknownJobType(t *testing.T) {
	r := newTestRunner(t, newFakeRunnerRepo(), &fakeOperator{})

	err := r.Run(context.Background(), queue.Job{Type: models.JobType("audit")})
	require.Error(t, err)
}
