package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evalbench/evalbench/api/batch"
)

func TestAcquireRequiresRegistration(t *testing.T) {
	t.Parallel()

	g := New(0)
	if _, err := g.Acquire(context.Background(), "ghost"); !errors.Is(err, ErrJobNotRegistered) {
		t.Fatalf("expected ErrJobNotRegistered, got %v", err)
	}
}

func TestEffectiveBoundIsMinOfJobAndGlobal(t *testing.T) {
	t.Parallel()

	// Global cap 2 under a per-job cap of 5: never more than 2 in flight.
	g := New(2)
	if err := g.Register("job-1", 5, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := g.Acquire(context.Background(), "job-1")
			if err != nil {
				t.Errorf("unexpected acquire error: %v", err)
				return
			}
			now := inFlight.Add(1)
			for {
				current := peak.Load()
				if now <= current || peak.CompareAndSwap(current, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			g.Release(permit)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent holders, observed %d", got)
	}
	stats := g.Stats()
	if stats.Acquired != 10 || stats.Released != 10 || stats.InFlight != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPerJobBoundWithoutGlobalCap(t *testing.T) {
	t.Parallel()

	g := New(0)
	if err := g.Register("job-1", 1, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	first, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, "job-1"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted while slot held, got %v", err)
	}

	g.Release(first)
	second, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	g.Release(second)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	g := New(1)
	if err := g.Register("job-1", 1, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	permit, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	g.Release(permit)
	g.Release(permit)

	stats := g.Stats()
	if stats.Released != 1 || stats.InFlight != 0 {
		t.Fatalf("expected single release, got %+v", stats)
	}

	// The global slot must be whole again.
	again, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected reacquire error: %v", err)
	}
	g.Release(again)
}

func TestCancelledWaitRollsBackJobSlot(t *testing.T) {
	t.Parallel()

	// Job slot free, global slot held by another job: a cancelled wait on
	// the global semaphore must return the job slot it already took.
	g := New(1)
	if err := g.Register("job-a", 1, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := g.Register("job-b", 1, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	holder, err := g.Acquire(context.Background(), "job-a")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, "job-b"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	g.Release(holder)
	permit, err := g.Acquire(context.Background(), "job-b")
	if err != nil {
		t.Fatalf("expected job-b slot back after rollback, got %v", err)
	}
	g.Release(permit)
}

func TestTryAcquireIsNonBlocking(t *testing.T) {
	t.Parallel()

	g := New(1)
	if err := g.Register("job-1", 2, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	first, ok, err := g.TryAcquire("job-1")
	if err != nil || !ok {
		t.Fatalf("expected first try-acquire to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, err := g.TryAcquire("job-1"); err != nil || ok {
		t.Fatalf("expected second try-acquire to fail fast on the global cap, ok=%v err=%v", ok, err)
	}
	if _, _, err := g.TryAcquire("ghost"); !errors.Is(err, ErrJobNotRegistered) {
		t.Fatalf("expected ErrJobNotRegistered, got %v", err)
	}

	g.Release(first)
	select {
	case <-g.ReleaseSignal():
	case <-time.After(time.Second):
		t.Fatalf("expected a release signal")
	}
	if _, ok, err := g.TryAcquire("job-1"); err != nil || !ok {
		t.Fatalf("expected slot back after release, ok=%v err=%v", ok, err)
	}
}

func TestReleaseAfterJobIDReuse(t *testing.T) {
	t.Parallel()

	// A permit issued before Unregister must release the slots it was
	// issued from, not block on the fresh registration under the same id.
	g := New(1)
	if err := g.Register("job-1", 1, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	stale, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	g.Unregister("job-1")
	if err := g.Register("job-1", 1, batch.ResourceLimits{}); err != nil {
		t.Fatalf("unexpected re-register error: %v", err)
	}

	released := make(chan struct{})
	go func() {
		g.Release(stale)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("release blocked against the reused job id")
	}

	// The fresh registration has its slot whole and the global slot is back.
	permit, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected acquire after reuse: %v", err)
	}
	g.Release(permit)
}

func TestResourceReservationAccounting(t *testing.T) {
	t.Parallel()

	g := New(0)
	limits := batch.ResourceLimits{MemoryMB: 512, CPUPercent: 25}
	if err := g.Register("job-1", 2, limits); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	permit, err := g.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	stats := g.Stats()
	if stats.ReservedMemoryMB != 512 || stats.ReservedCPUPct != 25 {
		t.Fatalf("unexpected reservation %+v", stats)
	}
	g.Release(permit)
	stats = g.Stats()
	if stats.ReservedMemoryMB != 0 || stats.ReservedCPUPct != 0 {
		t.Fatalf("expected reservation returned, got %+v", stats)
	}
}
