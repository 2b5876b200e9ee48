package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evalbench/evalbench/api/batch"
	"github.com/evalbench/evalbench/internal/admission"
	"github.com/evalbench/evalbench/internal/executor"
	"github.com/evalbench/evalbench/internal/governor"
	"github.com/evalbench/evalbench/internal/invoker/contracts"
	"github.com/evalbench/evalbench/internal/progress"
	"github.com/evalbench/evalbench/internal/store"
	"github.com/evalbench/evalbench/internal/telemetry"
)

const (
	defaultRetention = 10 * time.Minute
)

var (
	// ErrJobNotFound is returned for operations on unknown or evicted jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrSchedulerClosed rejects submissions after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
	// ErrQueueFull rejects submissions once MaxQueuedJobs jobs are waiting.
	ErrQueueFull = errors.New("admission queue is full")
)

// Config tunes scheduler-wide behavior. Per-job behavior lives in JobConfig.
type Config struct {
	// GlobalMaxConcurrent caps test executions across all jobs. <= 0 means
	// only per-job max_concurrent applies.
	GlobalMaxConcurrent int
	// Retention is how long terminal job state stays queryable before
	// eviction. <= 0 uses the 10 minute default.
	Retention time.Duration
	// Debounce is the progress coalescing window. Zero uses the broadcaster
	// default; negative disables coalescing.
	Debounce time.Duration
	// MaxQueuedJobs bounds jobs waiting for dispatch. <= 0 means unbounded.
	MaxQueuedJobs int
}

func (c Config) withDefaults() Config {
	if c.Retention == 0 {
		c.Retention = defaultRetention
	}
	return c
}

type eventKind int

const (
	evJobRunning eventKind = iota
	evTestStarted
	evTestSettled
	evCancelRequested
	evAppendDone
)

type jobEvent struct {
	kind       eventKind
	running    batch.RunningTest
	settlement executor.Settlement
	reason     string
	infra      bool
}

// jobState is the scheduler's view of one admitted job. Counters and the
// current-test set are owned by the job's actor goroutine; Status commits
// happen under mu so cancellation and natural completion race safely.
type jobState struct {
	mu  sync.Mutex
	job batch.Job
	seq uint64

	nextTest   int // owned by the dispatch loop
	runningAnn atomic.Bool

	cancelCtx  context.Context
	cancelStop context.CancelFunc
	cancelFlag atomic.Bool
	cancelAt   time.Time

	events chan jobEvent

	// actor-owned bookkeeping
	completed      int
	failed         int
	discarded      int
	inFlight       int
	pendingAppends int
	current        map[string]batch.RunningTest
	results        []batch.TestResult
	warnings       []string
	reason         string
	draining       bool
	drainTo        batch.JobStatus
	durRecent      []time.Duration
}

func (js *jobState) status() batch.JobStatus {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.job.Status
}

// transition is the status compare-and-swap: it commits only moves the
// lifecycle machine allows and reports whether this caller won.
func (js *jobState) transition(next batch.JobStatus, at time.Time) bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	if !js.job.Status.CanTransition(next) {
		return false
	}
	js.job.Status = next
	switch {
	case next == batch.StatusRunning:
		started := at
		js.job.StartedAt = &started
	case next.Terminal():
		finished := at
		js.job.FinishedAt = &finished
	}
	return true
}

// Scheduler admits jobs, dispatches their tests in priority order under
// governor permits, and publishes recomputed progress snapshots. One
// dispatch loop serializes permit acquisition so higher-priority jobs are
// fully dispatched before lower-priority ones start; one actor goroutine
// per job owns its counters.
type Scheduler struct {
	cfg      Config
	admitter admission.Evaluator
	exec     executor.Executor
	gov      *governor.Governor
	progress *progress.Broadcaster
	store    store.Store
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*jobState
	queue  jobQueue
	seq    uint64
	closed bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	activeJobs    atomic.Int64
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	cancelledJobs atomic.Int64
}

// New builds and starts a scheduler over the given invoker and store.
func New(cfg Config, invoker contracts.ModelInvoker, st store.Store, logger zerolog.Logger) (*Scheduler, error) {
	if invoker == nil {
		return nil, fmt.Errorf("model invoker is required")
	}
	if st == nil {
		st = store.Discard{}
	}
	admitter, err := admission.NewEvaluator()
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	var bc *progress.Broadcaster
	switch {
	case cfg.Debounce == 0:
		bc = progress.New(logger)
	case cfg.Debounce < 0:
		bc = progress.NewWithDebounce(logger, 0)
	default:
		bc = progress.NewWithDebounce(logger, cfg.Debounce)
	}

	s := &Scheduler{
		cfg:      cfg,
		admitter: admitter,
		exec:     executor.New(invoker),
		gov:      governor.New(cfg.GlobalMaxConcurrent),
		progress: bc,
		store:    st,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		jobs:     map[string]*jobState{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s, nil
}

// Submit admits a job, assigns its identity, and enqueues it for dispatch.
// Rejections are synchronous; nothing about a rejected job is retained.
func (s *Scheduler) Submit(job batch.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = batch.StatusQueued
	job.CreatedAt = s.now()
	job.StartedAt = nil
	job.FinishedAt = nil
	job.Tests = append([]batch.TestSpec(nil), job.Tests...)

	if err := s.admitter.AdmitJob(job); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	js := &jobState{
		job:        job,
		cancelCtx:  ctx,
		cancelStop: cancel,
		events:     make(chan jobEvent, 3*len(job.Tests)+16),
		current:    map[string]batch.RunningTest{},
		results:    make([]batch.TestResult, 0, len(job.Tests)),
	}

	// Reserve the job id before any side effects so a concurrent duplicate
	// submission cannot slip past the check.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrSchedulerClosed
	}
	if _, dup := s.jobs[job.ID]; dup {
		s.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: duplicate job id %q", admission.ErrValidation, job.ID)
	}
	if s.cfg.MaxQueuedJobs > 0 {
		waiting := 0
		for _, other := range s.jobs {
			if other.status() == batch.StatusQueued {
				waiting++
			}
		}
		if waiting >= s.cfg.MaxQueuedJobs {
			s.mu.Unlock()
			cancel()
			return "", fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, waiting)
		}
	}
	s.seq++
	js.seq = s.seq
	s.jobs[job.ID] = js
	s.mu.Unlock()

	if err := s.gov.Register(job.ID, job.Config.MaxConcurrent, job.Config.ResourceLimits); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: %v", admission.ErrValidation, err)
	}

	// The queued snapshot goes out before the dispatcher can see the job,
	// so subscribers never observe status regress.
	s.publish(js, batch.ExecutionProgress{
		JobID:      job.ID,
		TotalTests: len(job.Tests),
		Status:     batch.StatusQueued,
		UpdatedAt:  job.CreatedAt,
	})

	s.mu.Lock()
	if s.closed {
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		s.gov.Unregister(job.ID)
		s.progress.Remove(job.ID)
		cancel()
		return "", ErrSchedulerClosed
	}
	heap.Push(&s.queue, js)
	queued := s.queue.Len()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJobActor(js)

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricQueueDepth, float64(queued), "jobs", nil, telemetry.Correlation{
		JobID:     job.ID,
		EmittedBy: "scheduler",
	})
	s.logger.Info().
		Str("job_id", job.ID).
		Int("tests", len(job.Tests)).
		Int("priority", job.Priority).
		Int("max_concurrent", job.Config.MaxConcurrent).
		Msg("job admitted")

	s.signalWake()
	return job.ID, nil
}

// Subscribe attaches a progress observer to a job.
func (s *Scheduler) Subscribe(jobID string) (progress.Subscription, error) {
	sub, err := s.progress.Subscribe(jobID)
	if err != nil {
		return progress.Subscription{}, fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	return sub, nil
}

// Progress returns the latest snapshot for a job still within retention.
func (s *Scheduler) Progress(jobID string) (batch.ExecutionProgress, error) {
	snapshot, ok := s.progress.Latest(jobID)
	if !ok {
		return batch.ExecutionProgress{}, fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	return snapshot, nil
}

// Results returns the countable results recorded in-process for a job.
func (s *Scheduler) Results(jobID string) ([]batch.TestResult, error) {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	return append([]batch.TestResult(nil), js.results...), nil
}

// QueueStats reports cross-job counts. Terminal counts survive eviction.
func (s *Scheduler) QueueStats() batch.QueueStats {
	stats := batch.QueueStats{
		Completed: int(s.completedJobs.Load()),
		Failed:    int(s.failedJobs.Load()),
		Cancelled: int(s.cancelledJobs.Load()),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, js := range s.jobs {
		switch js.status() {
		case batch.StatusQueued:
			stats.Waiting++
		case batch.StatusRunning:
			stats.Active++
		}
	}
	return stats
}

// GovernorStats exposes permit accounting for operational inspection.
func (s *Scheduler) GovernorStats() governor.Stats {
	return s.gov.Stats()
}

// Close stops dispatch, cancels every non-terminal job, and waits for
// actors to drain or ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	close(s.stop)
	for _, id := range ids {
		s.RequestCancellation(id, "scheduler shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop serves tests in strict priority order. Permit acquisition is
// non-blocking: when the highest-priority job cannot take a slot the loop
// parks until a permit frees or new work arrives, then re-picks the top of
// the heap, so a later higher-priority submission is never stuck behind a
// lower one.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		js, test, ok := s.peekWork()
		if !ok {
			return
		}
		if js == nil {
			if !s.park() {
				return
			}
			continue
		}

		permit, acquired, err := s.gov.TryAcquire(js.job.ID)
		if err != nil {
			// Finalized between peek and acquire; re-peek skips it.
			continue
		}
		if !acquired {
			if !s.park() {
				return
			}
			continue
		}
		if !s.commitWork(js) {
			s.gov.Release(permit)
			continue
		}
		s.announceRunning(js)
		s.wg.Add(1)
		go s.runTest(js, test, permit)
	}
}

// peekWork returns the next test of the highest-priority dispatchable job
// without claiming it. A nil jobState means no work is currently eligible.
func (s *Scheduler) peekWork() (*jobState, batch.TestSpec, bool) {
	select {
	case <-s.stop:
		return nil, batch.TestSpec{}, false
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		top := s.queue.Peek()
		if top.status().Terminal() || top.cancelFlag.Load() || top.nextTest >= len(top.job.Tests) {
			heap.Pop(&s.queue)
			continue
		}
		return top, top.job.Tests[top.nextTest], true
	}
	return nil, batch.TestSpec{}, true
}

// commitWork claims the peeked test once a permit is in hand. It reports
// false when the job was cancelled in between.
func (s *Scheduler) commitWork(js *jobState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if js.cancelFlag.Load() || js.status().Terminal() || js.nextTest >= len(js.job.Tests) {
		return false
	}
	js.nextTest++
	return true
}

// park blocks until dispatch conditions may have changed. It reports false
// on shutdown.
func (s *Scheduler) park() bool {
	select {
	case <-s.stop:
		return false
	case <-s.wake:
		return true
	case <-s.gov.ReleaseSignal():
		return true
	}
}

func (s *Scheduler) announceRunning(js *jobState) {
	if !js.runningAnn.CompareAndSwap(false, true) {
		return
	}
	js.events <- jobEvent{kind: evJobRunning}
}

func (s *Scheduler) runTest(js *jobState, test batch.TestSpec, permit governor.Permit) {
	defer s.wg.Done()

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricTestsInFlight,
		float64(s.gov.Stats().InFlight), "tests", nil,
		telemetry.Correlation{JobID: js.job.ID, EmittedBy: "scheduler"})

	started := s.now()
	js.events <- jobEvent{kind: evTestStarted, running: batch.RunningTest{
		TestID:    test.TestID,
		Model:     test.Model,
		StartedAt: started,
	}}

	settlement, err := s.exec.Run(js.cancelCtx, js.job.ID, test, js.job.Config)
	s.gov.Release(permit)
	if err != nil {
		settlement = executor.Settlement{
			Class: contracts.OutcomeInfrastructureFailure,
			Result: batch.TestResult{
				TestID:   test.TestID,
				JobID:    js.job.ID,
				Passed:   false,
				Error:    err.Error(),
				Duration: s.now().Sub(started),
				Attempts: 1,
			},
		}
	}

	telemetry.DefaultEmitter().EmitMetric(telemetry.MetricInvokerRTTMS,
		float64(settlement.Result.Duration.Milliseconds()), "ms",
		map[string]string{"outcome": string(settlement.Class)},
		telemetry.Correlation{JobID: js.job.ID, TestID: test.TestID, Model: test.Model, EmittedBy: "scheduler"})

	js.events <- jobEvent{kind: evTestSettled, settlement: settlement}
}
