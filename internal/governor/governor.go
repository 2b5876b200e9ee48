package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/evalbench/evalbench/api/batch"
)

var (
	// ErrJobNotRegistered is returned when acquiring for an unknown job.
	ErrJobNotRegistered = errors.New("job is not registered with the governor")
	// ErrResourceExhausted indicates the wait was abandoned because the job
	// was cancelled while blocked on a permit. It is early cancellation of
	// that test, not an infrastructure fault.
	ErrResourceExhausted = errors.New("permit wait abandoned")
)

// Permit authorizes exactly one concurrent test execution. It holds the
// slots it was issued from, so releasing stays correct even if the job id
// was unregistered and reused in between.
type Permit struct {
	jobID    string
	governor *Governor
	slots    *jobSlots
	released *atomic.Bool
	limits   batch.ResourceLimits
}

// JobID returns the job the permit was issued for.
func (p Permit) JobID() string {
	return p.jobID
}

// Stats reports governor counters.
type Stats struct {
	InFlight         int64
	Acquired         int64
	Released         int64
	Exhausted        int64
	ReservedMemoryMB int64
	ReservedCPUPct   int64
}

type jobSlots struct {
	sem    chan struct{}
	limits batch.ResourceLimits
}

// Governor is the counting-semaphore choke point bounding concurrent test
// executions: per-job max_concurrent plus an optional global cross-job cap.
// The effective bound is the minimum of the two. No lock is held while a
// caller blocks waiting for a slot.
type Governor struct {
	global   chan struct{}
	released chan struct{}

	mu   sync.Mutex
	jobs map[string]*jobSlots

	inFlight      atomic.Int64
	acquired      atomic.Int64
	releasedCount atomic.Int64
	exhausted     atomic.Int64

	reservedMemoryMB atomic.Int64
	reservedCPUPct   atomic.Int64
}

// New builds a governor. globalCap <= 0 means no cross-job ceiling.
func New(globalCap int) *Governor {
	g := &Governor{
		jobs:     map[string]*jobSlots{},
		released: make(chan struct{}, 1),
	}
	if globalCap > 0 {
		g.global = make(chan struct{}, globalCap)
	}
	return g
}

// Register installs per-job slots before dispatch begins.
func (g *Governor) Register(jobID string, maxConcurrent int, limits batch.ResourceLimits) error {
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if maxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1")
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.jobs[jobID]; exists {
		return fmt.Errorf("job %q already registered", jobID)
	}
	g.jobs[jobID] = &jobSlots{
		sem:    make(chan struct{}, maxConcurrent),
		limits: limits,
	}
	return nil
}

// Unregister removes per-job slots once the job is terminal.
func (g *Governor) Unregister(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, jobID)
}

// Acquire blocks until a slot frees on both the job and global semaphores,
// or fails fast with ErrResourceExhausted when ctx is cancelled while
// waiting.
func (g *Governor) Acquire(ctx context.Context, jobID string) (Permit, error) {
	g.mu.Lock()
	slots, ok := g.jobs[jobID]
	g.mu.Unlock()
	if !ok {
		return Permit{}, fmt.Errorf("%w: %q", ErrJobNotRegistered, jobID)
	}

	select {
	case slots.sem <- struct{}{}:
	case <-ctx.Done():
		g.exhausted.Add(1)
		return Permit{}, fmt.Errorf("%w: %v", ErrResourceExhausted, ctx.Err())
	}

	if g.global != nil {
		select {
		case g.global <- struct{}{}:
		case <-ctx.Done():
			<-slots.sem
			g.exhausted.Add(1)
			return Permit{}, fmt.Errorf("%w: %v", ErrResourceExhausted, ctx.Err())
		}
	}

	return g.issuePermit(jobID, slots), nil
}

// TryAcquire takes a slot without blocking. It reports false when either
// semaphore is full.
func (g *Governor) TryAcquire(jobID string) (Permit, bool, error) {
	g.mu.Lock()
	slots, ok := g.jobs[jobID]
	g.mu.Unlock()
	if !ok {
		return Permit{}, false, fmt.Errorf("%w: %q", ErrJobNotRegistered, jobID)
	}

	select {
	case slots.sem <- struct{}{}:
	default:
		return Permit{}, false, nil
	}
	if g.global != nil {
		select {
		case g.global <- struct{}{}:
		default:
			<-slots.sem
			return Permit{}, false, nil
		}
	}
	return g.issuePermit(jobID, slots), true, nil
}

// ReleaseSignal returns a channel that receives after any release. Signals
// coalesce; a waiter must re-check availability after each receive.
func (g *Governor) ReleaseSignal() <-chan struct{} {
	return g.released
}

func (g *Governor) issuePermit(jobID string, slots *jobSlots) Permit {
	g.inFlight.Add(1)
	g.acquired.Add(1)
	g.reservedMemoryMB.Add(int64(slots.limits.MemoryMB))
	g.reservedCPUPct.Add(int64(slots.limits.CPUPercent))
	released := &atomic.Bool{}
	return Permit{jobID: jobID, governor: g, slots: slots, released: released, limits: slots.limits}
}

// Release returns the permit's slots. Releasing twice is a no-op.
func (g *Governor) Release(p Permit) {
	if p.governor != g || p.released == nil {
		return
	}
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.slots != nil {
		<-p.slots.sem
	}
	if g.global != nil {
		<-g.global
	}
	g.inFlight.Add(-1)
	g.releasedCount.Add(1)
	g.reservedMemoryMB.Add(-int64(p.limits.MemoryMB))
	g.reservedCPUPct.Add(-int64(p.limits.CPUPercent))
	select {
	case g.released <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of governor counters.
func (g *Governor) Stats() Stats {
	return Stats{
		InFlight:         g.inFlight.Load(),
		Acquired:         g.acquired.Load(),
		Released:         g.releasedCount.Load(),
		Exhausted:        g.exhausted.Load(),
		ReservedMemoryMB: g.reservedMemoryMB.Load(),
		ReservedCPUPct:   g.reservedCPUPct.Load(),
	}
}
