package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/pixel"
	"github.com/google/uuid"
)

// BatchKind is the priority class of a batch start request.
type BatchKind int

const (
	// BatchScheduled batches never preempt; an equal-priority batch already
	// running declines the request with ErrCannotInterrupt.
	BatchScheduled BatchKind = iota
	// BatchImmediate batches (user just saved a profile) interrupt whatever
	// is running.
	BatchImmediate
	// BatchManual batches come from the debug command entry point; they
	// bypass the scheduling gate and interrupt like immediate batches.
	BatchManual
)

func (k BatchKind) String() string {
	switch k {
	case BatchScheduled:
		return "scheduled"
	case BatchImmediate:
		return "immediate"
	case BatchManual:
		return "manual"
	}
	return "unknown"
}

// Command is the tagged debug/manual trigger accepted by Execute.
type Command string

const (
	CommandStartScanOperations   Command = "startScanOperations"
	CommandStartOptOutOperations Command = "startOptOutOperations"
	CommandStartAllOperations    Command = "startAllOperations"
)

// State reported by Status.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// JobRunner executes one job. Implementations must honor context
// cancellation between steps so interruption takes effect promptly.
type JobRunner interface {
	Run(ctx context.Context, job Job) error
}

// JobLister is the provider surface the manager consumes.
type JobLister interface {
	RunnableJobs(ctx context.Context, includeScans, includeOptOuts bool) ([]Job, error)
}

// Manager owns the job queue. It accepts high-level batch commands,
// enforces the cannot-start-while-running / interrupt-and-restart
// semantics, runs jobs on a bounded worker pool and reports results
// through per-batch callbacks.
type Manager struct {
	mu      sync.Mutex
	current *batch

	provider JobLister
	runner   JobRunner
	// willEnqueue is awaited best-effort before each batch so the host can
	// refresh broker definitions first. Its failure never blocks the batch.
	willEnqueue func(ctx context.Context) error
	workers     int
	sort        SortPredicate
	pixels      pixel.Sink
	logger      *logging.Logger
}

// ManagerConfig configures a queue manager.
type ManagerConfig struct {
	Provider    JobLister
	Runner      JobRunner
	WillEnqueue func(ctx context.Context) error
	// Workers is the worker-pool width; default 2.
	Workers int
	// Sort overrides the default ByEligibility ordering.
	Sort   SortPredicate
	Pixels pixel.Sink
	Logger *logging.Logger
}

// NewManager creates a queue manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("job provider cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("job runner cannot be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	sortPredicate := cfg.Sort
	if sortPredicate == nil {
		sortPredicate = ByEligibility
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Manager{
		provider:    cfg.Provider,
		runner:      cfg.Runner,
		willEnqueue: cfg.WillEnqueue,
		workers:     workers,
		sort:        sortPredicate,
		pixels:      cfg.Pixels,
		logger:      logger,
	}, nil
}

// batch is one invocation's worth of enqueued jobs.
type batch struct {
	id          string
	kind        BatchKind
	ctx         context.Context
	cancel      context.CancelFunc
	interrupted atomic.Bool
	errorHandler func(*ErrorCollection)
	completion   func()
	done         chan struct{}
}

// StartScheduledScans enqueues all runnable scan jobs unless a batch is
// already running.
func (m *Manager) StartScheduledScans(ctx context.Context, errorHandler func(*ErrorCollection), completion func()) {
	m.start(ctx, BatchScheduled, true, false, m.sort, errorHandler, completion)
}

// StartScheduledOptOuts enqueues all runnable opt-out jobs unless a batch
// is already running.
func (m *Manager) StartScheduledOptOuts(ctx context.Context, errorHandler func(*ErrorCollection), completion func()) {
	m.start(ctx, BatchScheduled, false, true, m.sort, errorHandler, completion)
}

// StartScheduledAll enqueues every runnable job unless a batch is already
// running.
func (m *Manager) StartScheduledAll(ctx context.Context, errorHandler func(*ErrorCollection), completion func()) {
	m.start(ctx, BatchScheduled, true, true, m.sort, errorHandler, completion)
}

// StartScheduledAllWithSort is StartScheduledAll with a caller-supplied
// ordering; background-task hosts inject ByPriorityForBackgroundTask here.
func (m *Manager) StartScheduledAllWithSort(ctx context.Context, sortPredicate SortPredicate, errorHandler func(*ErrorCollection), completion func()) {
	if sortPredicate == nil {
		sortPredicate = m.sort
	}
	m.start(ctx, BatchScheduled, true, true, sortPredicate, errorHandler, completion)
}

// StartImmediateScans always takes priority: a running batch is
// interrupted (its error handler receives ErrInterrupted) and the scan
// batch starts in its place. Used when a profile save demands an instant
// scan.
func (m *Manager) StartImmediateScans(ctx context.Context, errorHandler func(*ErrorCollection), completion func()) {
	m.start(ctx, BatchImmediate, true, false, m.sort, errorHandler, completion)
}

// Execute is the debug/manual entry point. It bypasses the scheduling gate
// but stays subject to the interruption rules.
func (m *Manager) Execute(ctx context.Context, cmd Command, errorHandler func(*ErrorCollection), completion func()) error {
	switch cmd {
	case CommandStartScanOperations:
		m.start(ctx, BatchManual, true, false, m.sort, errorHandler, completion)
	case CommandStartOptOutOperations:
		m.start(ctx, BatchManual, false, true, m.sort, errorHandler, completion)
	case CommandStartAllOperations:
		m.start(ctx, BatchManual, true, true, m.sort, errorHandler, completion)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

// Stop hard-cancels the running batch: queued jobs are dropped and
// in-flight jobs are cancelled cooperatively. Safe to call at any time;
// never blocks. Used when the host process is about to be suspended.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.interrupted.Store(true)
		m.current.cancel()
	}
}

// Status describes the queue for the debug API.
type Status struct {
	State     string `json:"state"`
	BatchID   string `json:"batchId,omitempty"`
	BatchKind string `json:"batchKind,omitempty"`
}

// Status reports whether a batch is running.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Status{State: StateIdle}
	}
	return Status{
		State:     StateRunning,
		BatchID:   m.current.id,
		BatchKind: m.current.kind.String(),
	}
}

// start applies the permitted gate and launches the batch goroutine.
func (m *Manager) start(ctx context.Context, kind BatchKind, includeScans, includeOptOuts bool, sortPredicate SortPredicate, errorHandler func(*ErrorCollection), completion func()) {
	m.mu.Lock()
	// Re-check after every wait: a concurrent preempting start may have
	// installed its own batch while the lock was released.
	for cur := m.current; cur != nil; cur = m.current {
		if kind == BatchScheduled {
			m.mu.Unlock()
			pixel.Fire(m.pixels, pixel.NameQueueCannotInterrupt, map[string]string{
				"running_batch": cur.id,
			})
			m.logger.WithField("running_batch", cur.id).Info("Declining batch start, queue already running")
			report(errorHandler, completion, &ErrorCollection{OneTimeError: ErrCannotInterrupt})
			return
		}

		// Higher-priority request: interrupt the running batch and wait for
		// it to wind down before starting.
		cur.interrupted.Store(true)
		cur.cancel()
		m.mu.Unlock()
		<-cur.done
		m.mu.Lock()
	}

	batchCtx, cancel := context.WithCancel(ctx)
	b := &batch{
		id:           uuid.NewString(),
		kind:         kind,
		ctx:          batchCtx,
		cancel:       cancel,
		errorHandler: errorHandler,
		completion:   completion,
		done:         make(chan struct{}),
	}
	m.current = b
	m.mu.Unlock()

	go m.runBatch(b, includeScans, includeOptOuts, sortPredicate)
}

// runBatch executes one batch to completion and reports its result.
func (m *Manager) runBatch(b *batch, includeScans, includeOptOuts bool, sortPredicate SortPredicate) {
	defer close(b.done)
	defer func() {
		m.mu.Lock()
		if m.current == b {
			m.current = nil
		}
		m.mu.Unlock()
		b.cancel()
	}()

	logger := m.logger.WithFields(map[string]interface{}{
		"batch": b.id,
		"kind":  b.kind.String(),
	})

	// Give the host a chance to refresh broker definitions first.
	if m.willEnqueue != nil {
		if err := m.willEnqueue(b.ctx); err != nil {
			pixel.Fire(m.pixels, pixel.NameBrokerSyncFailed, map[string]string{"error": err.Error()})
			logger.WithError(err).Warn("Pre-enqueue broker refresh failed, continuing with current definitions")
		}
	}

	jobs, err := m.provider.RunnableJobs(b.ctx, includeScans, includeOptOuts)
	if err != nil {
		if b.interrupted.Load() {
			m.finish(b, logger, &ErrorCollection{OneTimeError: ErrInterrupted})
			return
		}
		m.finish(b, logger, &ErrorCollection{OneTimeError: err})
		return
	}

	sort.SliceStable(jobs, func(i, j int) bool { return sortPredicate(jobs[i], jobs[j]) })

	pixel.Fire(m.pixels, pixel.NameQueueBatchStarted, map[string]string{
		"batch": b.id,
		"kind":  b.kind.String(),
		"jobs":  strconv.Itoa(len(jobs)),
	})
	logger.WithField("jobs", len(jobs)).Info("Batch started")

	var (
		wg              sync.WaitGroup
		errMu           sync.Mutex
		operationErrors []error
	)
	sem := make(chan struct{}, m.workers)

enqueue:
	for _, job := range jobs {
		select {
		case <-b.ctx.Done():
			break enqueue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()

			if b.ctx.Err() != nil {
				return
			}
			if err := m.runner.Run(b.ctx, job); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				// A broken broker must not block the rest of the batch.
				pixel.Fire(m.pixels, pixel.NameQueueJobFailed, map[string]string{
					"batch":  b.id,
					"broker": job.BrokerKey,
					"type":   string(job.Type),
				})
				logger.WithError(err).WithField("broker", job.BrokerKey).Warn("Job failed, continuing batch")
				errMu.Lock()
				operationErrors = append(operationErrors, fmt.Errorf("%s %s query %d: %w", job.Type, job.BrokerKey, job.ProfileQueryID, err))
				errMu.Unlock()
			}
		}(job)
	}
	wg.Wait()

	var collection *ErrorCollection
	switch {
	case b.interrupted.Load():
		collection = &ErrorCollection{OneTimeError: ErrInterrupted, OperationErrors: operationErrors}
		pixel.Fire(m.pixels, pixel.NameQueueBatchInterrupted, map[string]string{"batch": b.id})
	case len(operationErrors) > 0:
		collection = &ErrorCollection{OperationErrors: operationErrors}
	}

	m.finish(b, logger, collection)
}

func (m *Manager) finish(b *batch, logger *logging.Logger, collection *ErrorCollection) {
	// Go idle before reporting so callbacks observe a consistent status.
	m.mu.Lock()
	if m.current == b {
		m.current = nil
	}
	m.mu.Unlock()

	pixel.Fire(m.pixels, pixel.NameQueueBatchCompleted, map[string]string{
		"batch":       b.id,
		"interrupted": strconv.FormatBool(b.interrupted.Load()),
	})
	logger.Info("Batch finished")
	report(b.errorHandler, b.completion, collection)
}

func report(errorHandler func(*ErrorCollection), completion func(), collection *ErrorCollection) {
	if errorHandler != nil {
		errorHandler(collection)
	}
	if completion != nil {
		completion()
	}
}

// JobTypesFor reports the job types a command maps to; the debug API uses
// it for request validation messages.
func JobTypesFor(cmd Command) []models.JobType {
	switch cmd {
	case CommandStartScanOperations:
		return []models.JobType{models.JobTypeScan}
	case CommandStartOptOutOperations:
		return []models.JobType{models.JobTypeOptOut}
	case CommandStartAllOperations:
		return []models.JobType{models.JobTypeScan, models.JobTypeOptOut}
	}
	return nil
}
