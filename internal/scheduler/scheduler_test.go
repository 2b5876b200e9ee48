package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/evalbench/evalbench/api/batch"
	"github.com/evalbench/evalbench/internal/invoker/contracts"
	"github.com/evalbench/evalbench/internal/store"
	"github.com/evalbench/evalbench/internal/telemetry"
)

func newTestScheduler(t *testing.T, cfg Config, invoker contracts.ModelInvoker) *Scheduler {
	t.Helper()
	return newTestSchedulerWithStore(t, cfg, invoker, store.Discard{})
}

func newTestSchedulerWithStore(t *testing.T, cfg Config, invoker contracts.ModelInvoker, st store.Store) *Scheduler {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = -1 // deliver every snapshot in tests
	}
	s, err := New(cfg, invoker, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected scheduler construction error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

// faultyStore fails every append with a fixed error.
type faultyStore struct {
	err error
}

func (f faultyStore) Append(context.Context, batch.TestResult, bool) error { return f.err }

func (f faultyStore) Results(context.Context, string) ([]batch.TestResult, error) { return nil, nil }

func (f faultyStore) Replay(context.Context, string) (store.ReplayCounters, error) {
	return store.ReplayCounters{}, nil
}

func (f faultyStore) Jobs(context.Context) ([]string, error) { return nil, nil }

func (f faultyStore) Close() error { return nil }

func testsOf(n int) []batch.TestSpec {
	tests := make([]batch.TestSpec, 0, n)
	for i := 1; i <= n; i++ {
		tests = append(tests, batch.TestSpec{TestID: fmt.Sprintf("t%d", i), Model: "model-a", Input: "ping"})
	}
	return tests
}

func waitTerminal(t *testing.T, s *Scheduler, jobID string) batch.ExecutionProgress {
	t.Helper()
	sub, err := s.Subscribe(jobID)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	deadline := time.After(15 * time.Second)
	var last batch.ExecutionProgress
	for {
		select {
		case snapshot, ok := <-sub.C:
			if !ok {
				return last
			}
			if snapshot.Settled() > snapshot.TotalTests {
				t.Fatalf("counter invariant violated: %+v", snapshot)
			}
			last = snapshot
			if snapshot.Status.Terminal() {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("job %s did not settle in time (last %+v)", jobID, last)
		}
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int64
	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, req contracts.Request) (contracts.Output, error) {
		invocations.Add(1)
		time.Sleep(5 * time.Millisecond)
		return contracts.Output{Class: contracts.OutcomeSuccess, Text: "echo:" + req.Input}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	jobID, err := s.Submit(batch.Job{
		Tests:  testsOf(10),
		Config: batch.JobConfig{MaxConcurrent: 3},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	terminal := waitTerminal(t, s, jobID)
	if terminal.Status != batch.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", terminal.Status, terminal.Reason)
	}
	if terminal.CompletedTests != 10 || terminal.FailedTests != 0 || terminal.CancelledTests != 0 {
		t.Fatalf("unexpected terminal counters %+v", terminal)
	}
	if terminal.OverallProgressPercent != 100 {
		t.Fatalf("expected 100%%, got %f", terminal.OverallProgressPercent)
	}
	if got := invocations.Load(); got != 10 {
		t.Fatalf("expected 10 invocations, got %d", got)
	}

	results, err := s.Results(jobID)
	if err != nil {
		t.Fatalf("unexpected results error: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed || r.JobID != jobID {
			t.Fatalf("unexpected result %+v", r)
		}
	}
}

func TestConcurrencyNeverExceedsJobCap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		now := inFlight.Add(1)
		for {
			current := peak.Load()
			if now <= current || peak.CompareAndSwap(current, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	jobID, err := s.Submit(batch.Job{
		Tests:  testsOf(12),
		Config: batch.JobConfig{MaxConcurrent: 3},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitTerminal(t, s, jobID)

	if got := peak.Load(); got > 3 {
		t.Fatalf("per-job cap violated: observed %d concurrent", got)
	}
}

func TestGlobalCapBoundsAcrossJobs(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		now := inFlight.Add(1)
		for {
			current := peak.Load()
			if now <= current || peak.CompareAndSwap(current, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{GlobalMaxConcurrent: 2}, invoker)

	first, err := s.Submit(batch.Job{Tests: testsOf(6), Config: batch.JobConfig{MaxConcurrent: 5}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	second, err := s.Submit(batch.Job{Tests: testsOf(6), Config: batch.JobConfig{MaxConcurrent: 5}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitTerminal(t, s, first)
	waitTerminal(t, s, second)

	if got := peak.Load(); got > 2 {
		t.Fatalf("global cap violated: observed %d concurrent", got)
	}
}

func TestStopOnFirstFailureCancelsRemainder(t *testing.T) {
	t.Parallel()

	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, req contracts.Request) (contracts.Output, error) {
		if req.TestID == "t2" {
			return contracts.Output{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}, nil
		}
		time.Sleep(2 * time.Millisecond)
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	jobID, err := s.Submit(batch.Job{
		Tests:  testsOf(6),
		Config: batch.JobConfig{MaxConcurrent: 1, StopOnFirstFailure: true},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	terminal := waitTerminal(t, s, jobID)
	if terminal.Status != batch.StatusFailed {
		t.Fatalf("expected failed, got %s", terminal.Status)
	}
	if terminal.FailedTests != 1 {
		t.Fatalf("expected exactly one failed test, got %d", terminal.FailedTests)
	}
	if terminal.CompletedTests+terminal.FailedTests+terminal.CancelledTests != terminal.TotalTests {
		t.Fatalf("terminal snapshot must settle all tests: %+v", terminal)
	}
	if terminal.CancelledTests == 0 {
		t.Fatalf("expected remaining tests cancelled, got %+v", terminal)
	}
	if terminal.Reason == "" {
		t.Fatalf("expected failure reason on terminal snapshot")
	}
}

func TestCancellationIsCooperativeAndIdempotent(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 16)
	invoker := contracts.StaticInvoker{InvokeFn: func(ctx context.Context, _ contracts.Request) (contracts.Output, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return contracts.Output{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return contracts.Output{Class: contracts.OutcomeSuccess}, nil
		}
	}}
	s := newTestScheduler(t, Config{}, invoker)

	jobID, err := s.Submit(batch.Job{
		Tests:  testsOf(8),
		Config: batch.JobConfig{MaxConcurrent: 2},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	// Wait until tests are actually in flight, then cancel.
	<-started
	<-started
	if accepted := s.RequestCancellation(jobID, "operator request"); !accepted {
		t.Fatalf("expected first cancellation to be accepted")
	}
	if accepted := s.RequestCancellation(jobID, "again"); accepted {
		t.Fatalf("expected repeat cancellation to be rejected")
	}

	terminal := waitTerminal(t, s, jobID)
	if terminal.Status != batch.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", terminal.Status)
	}
	if terminal.CompletedTests != 0 || terminal.CancelledTests != 8 {
		t.Fatalf("unexpected terminal counters %+v", terminal)
	}

	if accepted := s.RequestCancellation(jobID, "too late"); accepted {
		t.Fatalf("expected cancellation of terminal job to be rejected")
	}
}

func TestCancelQueuedJobNeverDispatches(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var blockerStarted sync.Once
	startedBlocking := make(chan struct{})
	var dispatched atomic.Int64
	invoker := contracts.StaticInvoker{InvokeFn: func(ctx context.Context, req contracts.Request) (contracts.Output, error) {
		if req.JobID != "" {
			dispatched.Add(1)
		}
		blockerStarted.Do(func() { close(startedBlocking) })
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{GlobalMaxConcurrent: 1}, invoker)

	blocker, err := s.Submit(batch.Job{Tests: testsOf(1), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-startedBlocking

	// Queued behind the blocker; cancel before any of its tests dispatch.
	queued, err := s.Submit(batch.Job{Tests: testsOf(4), Config: batch.JobConfig{MaxConcurrent: 2}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if accepted := s.RequestCancellation(queued, "cancel while queued"); !accepted {
		t.Fatalf("expected cancellation of queued job to be accepted")
	}

	terminal := waitTerminal(t, s, queued)
	if terminal.Status != batch.StatusCancelled || terminal.CancelledTests != 4 {
		t.Fatalf("unexpected terminal snapshot %+v", terminal)
	}

	close(gate)
	waitTerminal(t, s, blocker)
	if got := dispatched.Load(); got != 1 {
		t.Fatalf("expected only the blocker to dispatch, got %d invocations", got)
	}
}

func TestHigherPriorityJobDispatchesFirst(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	startedBlocking := make(chan struct{})
	var blockerOnce sync.Once

	var mu sync.Mutex
	var order []string
	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, req contracts.Request) (contracts.Output, error) {
		if req.Input == "block" {
			blockerOnce.Do(func() { close(startedBlocking) })
			<-release
			return contracts.Output{Class: contracts.OutcomeSuccess}, nil
		}
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{GlobalMaxConcurrent: 1}, invoker)

	blocker, err := s.Submit(batch.Job{
		Tests:  []batch.TestSpec{{TestID: "b1", Model: "model-a", Input: "block"}},
		Config: batch.JobConfig{MaxConcurrent: 1},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-startedBlocking

	low, err := s.Submit(batch.Job{Priority: 1, Tests: testsOf(3), Config: batch.JobConfig{MaxConcurrent: 2}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	high, err := s.Submit(batch.Job{Priority: 10, Tests: testsOf(3), Config: batch.JobConfig{MaxConcurrent: 2}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	close(release)
	waitTerminal(t, s, blocker)
	waitTerminal(t, s, high)
	waitTerminal(t, s, low)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 6 {
		t.Fatalf("expected 6 recorded invocations, got %d", len(order))
	}
	for i, jobID := range order[:3] {
		if jobID != high {
			t.Fatalf("invocation %d should belong to the high-priority job, order %v", i, order)
		}
	}
	_ = low
}

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, contracts.StaticInvoker{})

	if _, err := s.Submit(batch.Job{Config: batch.JobConfig{MaxConcurrent: 1}}); err == nil {
		t.Fatalf("expected empty job reject")
	}
	if _, err := s.Submit(batch.Job{Tests: testsOf(1), Config: batch.JobConfig{MaxConcurrent: 0}}); err == nil {
		t.Fatalf("expected max_concurrent=0 reject")
	}
	if _, err := s.Submit(batch.Job{
		Tests: []batch.TestSpec{
			{TestID: "dup", Model: "m"},
			{TestID: "dup", Model: "m"},
		},
		Config: batch.JobConfig{MaxConcurrent: 1},
	}); err == nil {
		t.Fatalf("expected duplicate test_id reject")
	}
}

func TestStoreFailureWarningReachesTerminalSnapshot(t *testing.T) {
	t.Parallel()

	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestSchedulerWithStore(t, Config{}, invoker, faultyStore{err: errors.New("disk full")})

	jobID, err := s.Submit(batch.Job{Tests: testsOf(1), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	terminal := waitTerminal(t, s, jobID)
	if terminal.Status != batch.StatusCompleted {
		t.Fatalf("plain append failure must not fail the job, got %s", terminal.Status)
	}
	if len(terminal.Warnings) == 0 {
		t.Fatalf("expected append failure warning on terminal snapshot, got %+v", terminal)
	}
	if !strings.Contains(terminal.Warnings[0], "store append failed") {
		t.Fatalf("unexpected warning %q", terminal.Warnings[0])
	}
}

func TestStoreUnavailableEscalatesJobToFailed(t *testing.T) {
	t.Parallel()

	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestSchedulerWithStore(t, Config{}, invoker,
		faultyStore{err: fmt.Errorf("%w: no backend", store.ErrUnavailable)})

	jobID, err := s.Submit(batch.Job{Tests: testsOf(2), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	terminal := waitTerminal(t, s, jobID)
	if terminal.Status != batch.StatusFailed {
		t.Fatalf("expected unavailable store to fail the job, got %s", terminal.Status)
	}
	if len(terminal.Warnings) == 0 || terminal.Reason == "" {
		t.Fatalf("expected warning and reason on terminal snapshot, got %+v", terminal)
	}
}

func TestFanOutMeetsWallTimeBound(t *testing.T) {
	t.Parallel()

	const perTest = 50 * time.Millisecond
	var inFlight, peak atomic.Int64
	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		now := inFlight.Add(1)
		for {
			current := peak.Load()
			if now <= current || peak.CompareAndSwap(current, now) {
				break
			}
		}
		time.Sleep(perTest)
		inFlight.Add(-1)
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	start := time.Now()
	jobID, err := s.Submit(batch.Job{Tests: testsOf(10), Config: batch.JobConfig{MaxConcurrent: 3}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	terminal := waitTerminal(t, s, jobID)
	elapsed := time.Since(start)

	if terminal.Status != batch.StatusCompleted {
		t.Fatalf("expected completed, got %s", terminal.Status)
	}
	if got := peak.Load(); got < 3 {
		t.Fatalf("dispatch never reached the concurrency cap, peak %d", got)
	}
	// Serial execution would take 10x the per-test latency; fan-out at
	// width 3 must land well under that.
	if serial := 10 * perTest; elapsed >= serial*8/10 {
		t.Fatalf("wall time %v suggests serialized dispatch (serial would be %v)", elapsed, serial)
	}
}

func TestEstimatedTimeUsesRecentDurations(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, contracts.StaticInvoker{})
	js := &jobState{
		job: batch.Job{
			ID:     "job-window",
			Tests:  testsOf(20),
			Config: batch.JobConfig{MaxConcurrent: 4},
		},
		current: map[string]batch.RunningTest{},
	}
	// Two early slow samples must be pushed out of the window by the
	// following fast ones.
	recordDuration(js, time.Hour)
	recordDuration(js, time.Hour)
	for i := 0; i < etaWindow; i++ {
		recordDuration(js, 100*time.Millisecond)
	}
	js.completed = 12

	snapshot := s.buildSnapshot(js)
	// 8 remaining at width 4: two rounds of the recent 100ms average.
	if snapshot.EstimatedTimeRemaining != 200*time.Millisecond {
		t.Fatalf("expected windowed ETA 200ms, got %v", snapshot.EstimatedTimeRemaining)
	}
}

func TestTelemetryCarriesJobCorrelation(t *testing.T) {
	// Swaps the process-default emitter, so not parallel.
	sink := telemetry.NewMemorySink()
	pipeline := telemetry.NewPipeline(sink, telemetry.Config{QueueCapacity: 256})
	telemetry.SetDefaultEmitter(pipeline)
	defer telemetry.SetDefaultEmitter(nil)

	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	jobID, err := s.Submit(batch.Job{Tests: testsOf(4), Config: batch.JobConfig{MaxConcurrent: 2}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitTerminal(t, s, jobID)
	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected pipeline close error: %v", err)
	}

	events := sink.EventsForJob(jobID)
	if len(events) == 0 {
		t.Fatalf("expected telemetry correlated to %s", jobID)
	}
	rtt := 0
	for _, event := range events {
		if event.Correlation.EmittedBy != "scheduler" {
			t.Fatalf("unexpected emitter on %+v", event)
		}
		if event.Kind == telemetry.EventKindMetric && event.Metric != nil && event.Metric.Name == telemetry.MetricInvokerRTTMS {
			rtt++
		}
	}
	if rtt != 4 {
		t.Fatalf("expected one rtt sample per test, got %d", rtt)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	startedBlocking := make(chan struct{})
	var blockerOnce sync.Once
	invoker := contracts.StaticInvoker{InvokeFn: func(ctx context.Context, _ contracts.Request) (contracts.Output, error) {
		blockerOnce.Do(func() { close(startedBlocking) })
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{GlobalMaxConcurrent: 1, MaxQueuedJobs: 1}, invoker)

	blocker, err := s.Submit(batch.Job{Tests: testsOf(1), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-startedBlocking
	// Wait for the running snapshot so the blocker no longer counts as waiting.
	deadline := time.After(10 * time.Second)
	for {
		snapshot, err := s.Progress(blocker)
		if err != nil {
			t.Fatalf("unexpected progress error: %v", err)
		}
		if snapshot.Status == batch.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("blocker never reached running")
		case <-time.After(time.Millisecond):
		}
	}

	// One job may wait behind the blocker; a second must be rejected.
	waiting, err := s.Submit(batch.Job{Tests: testsOf(1), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if _, err := s.Submit(batch.Job{Tests: testsOf(1), Config: batch.JobConfig{MaxConcurrent: 1}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(gate)
	waitTerminal(t, s, blocker)
	waitTerminal(t, s, waiting)
}

func TestLateSubscriberSeesCurrentStateFirst(t *testing.T) {
	t.Parallel()

	var done atomic.Int64
	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		time.Sleep(3 * time.Millisecond)
		done.Add(1)
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	jobID, err := s.Submit(batch.Job{Tests: testsOf(20), Config: batch.JobConfig{MaxConcurrent: 2}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	// Join mid-flight: wait until at least 60% of tests completed.
	deadline := time.After(10 * time.Second)
	for done.Load() < 12 {
		select {
		case <-deadline:
			t.Fatalf("tests did not progress")
		case <-time.After(time.Millisecond):
		}
	}

	sub, err := s.Subscribe(jobID)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case first, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed before first snapshot")
		}
		if first.Settled() == 0 && !first.Status.Terminal() {
			t.Fatalf("late subscriber saw stale zero state: %+v", first)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("late subscriber received no snapshot")
	}
	waitTerminal(t, s, jobID)
}

func TestQueueStatsTracksLifecycle(t *testing.T) {
	t.Parallel()

	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{}, invoker)

	first, err := s.Submit(batch.Job{Tests: testsOf(2), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitTerminal(t, s, first)

	second, err := s.Submit(batch.Job{Tests: testsOf(2), Config: batch.JobConfig{MaxConcurrent: 1}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitTerminal(t, s, second)

	stats := s.QueueStats()
	if stats.Completed != 2 {
		t.Fatalf("expected 2 completed jobs, got %+v", stats)
	}
	if stats.Failed != 0 || stats.Cancelled != 0 {
		t.Fatalf("unexpected terminal counts %+v", stats)
	}
}

func TestResultsUnknownJob(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, contracts.StaticInvoker{})
	if _, err := s.Results("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := s.Subscribe("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGovernorStatsSettleToZero(t *testing.T) {
	t.Parallel()

	invoker := contracts.StaticInvoker{InvokeFn: func(_ context.Context, _ contracts.Request) (contracts.Output, error) {
		return contracts.Output{Class: contracts.OutcomeSuccess}, nil
	}}
	s := newTestScheduler(t, Config{GlobalMaxConcurrent: 2}, invoker)

	jobID, err := s.Submit(batch.Job{Tests: testsOf(5), Config: batch.JobConfig{MaxConcurrent: 2}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitTerminal(t, s, jobID)

	stats := s.GovernorStats()
	if stats.InFlight != 0 {
		t.Fatalf("expected all permits released, got %+v", stats)
	}
	if stats.Acquired != stats.Released {
		t.Fatalf("permit accounting mismatch %+v", stats)
	}
}
