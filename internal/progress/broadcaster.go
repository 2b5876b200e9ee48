package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evalbench/evalbench/api/batch"
)

const defaultDebounce = 100 * time.Millisecond

// ErrUnknownJob is returned when subscribing to a job never published.
var ErrUnknownJob = errors.New("no progress published for job")

// Subscription is one observer's snapshot stream. C delivers the current
// snapshot first, then updates; it is closed after the terminal snapshot.
type Subscription struct {
	C      <-chan batch.ExecutionProgress
	cancel func()
}

// Unsubscribe detaches the observer. Safe to call repeatedly and after the
// job has completed.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriber struct {
	ch     chan batch.ExecutionProgress
	closed bool
}

// offer delivers latest-wins: a slow subscriber misses intermediate
// snapshots but the buffered slot always converges on the newest one.
func (s *subscriber) offer(snapshot batch.ExecutionProgress) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- snapshot:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscriber) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type jobHub struct {
	mu        sync.Mutex
	latest    batch.ExecutionProgress
	hasLatest bool
	terminal  bool
	dirty     bool
	timer     *time.Timer
	subs      map[int]*subscriber
	nextSubID int
}

// Broadcaster fans recomputed progress snapshots out to any number of
// subscribers per job. Bursts within the debounce window coalesce into one
// delivery; terminal snapshots flush immediately and are never dropped.
type Broadcaster struct {
	mu       sync.Mutex
	jobs     map[string]*jobHub
	debounce time.Duration
	logger   zerolog.Logger
}

// New builds a broadcaster with the default 100ms coalescing window.
func New(logger zerolog.Logger) *Broadcaster {
	return NewWithDebounce(logger, defaultDebounce)
}

// NewWithDebounce builds a broadcaster with an explicit coalescing window.
// debounce <= 0 delivers every snapshot individually.
func NewWithDebounce(logger zerolog.Logger, debounce time.Duration) *Broadcaster {
	return &Broadcaster{
		jobs:     map[string]*jobHub{},
		debounce: debounce,
		logger:   logger,
	}
}

// Publish records a recomputed snapshot and schedules fan-out. Only the
// scheduler calls this; UpdatedAt is clamped so a subscriber never observes
// time moving backwards.
func (b *Broadcaster) Publish(jobID string, snapshot batch.ExecutionProgress) error {
	if jobID == "" || snapshot.JobID != jobID {
		return fmt.Errorf("snapshot job_id %q does not match %q", snapshot.JobID, jobID)
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}

	hub := b.hub(jobID)
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.terminal {
		return nil
	}
	if hub.hasLatest && snapshot.UpdatedAt.Before(hub.latest.UpdatedAt) {
		snapshot.UpdatedAt = hub.latest.UpdatedAt
	}
	hub.latest = snapshot
	hub.hasLatest = true

	if snapshot.Status.Terminal() {
		hub.terminal = true
		if hub.timer != nil {
			hub.timer.Stop()
			hub.timer = nil
		}
		b.flushLocked(hub)
		for _, sub := range hub.subs {
			sub.close()
		}
		hub.subs = map[int]*subscriber{}
		b.logger.Debug().Str("job_id", jobID).Str("status", string(snapshot.Status)).Msg("terminal progress snapshot delivered")
		return nil
	}

	if b.debounce <= 0 {
		b.flushLocked(hub)
		return nil
	}
	hub.dirty = true
	if hub.timer == nil {
		hub.timer = time.AfterFunc(b.debounce, func() { b.flush(jobID) })
	}
	return nil
}

// Subscribe attaches an observer to a job's snapshot stream. The current
// snapshot is delivered first, so a late joiner never starts from a stale
// zero state. Subscribing to a finished job yields the terminal snapshot
// and a closed channel.
func (b *Broadcaster) Subscribe(jobID string) (Subscription, error) {
	b.mu.Lock()
	hub, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	sub := &subscriber{ch: make(chan batch.ExecutionProgress, 1)}
	if hub.hasLatest {
		sub.offer(hub.latest)
	}
	if hub.terminal {
		sub.close()
		return Subscription{C: sub.ch, cancel: func() {}}, nil
	}

	id := hub.nextSubID
	hub.nextSubID++
	hub.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			hub.mu.Lock()
			defer hub.mu.Unlock()
			if existing, present := hub.subs[id]; present {
				delete(hub.subs, id)
				existing.close()
			}
		})
	}
	return Subscription{C: sub.ch, cancel: cancel}, nil
}

// Latest returns the newest snapshot published for a job.
func (b *Broadcaster) Latest(jobID string) (batch.ExecutionProgress, bool) {
	b.mu.Lock()
	hub, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return batch.ExecutionProgress{}, false
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.latest, hub.hasLatest
}

// Remove drops a job's hub after the retention window. Any remaining
// subscribers are closed.
func (b *Broadcaster) Remove(jobID string) {
	b.mu.Lock()
	hub, ok := b.jobs[jobID]
	delete(b.jobs, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.timer != nil {
		hub.timer.Stop()
		hub.timer = nil
	}
	for _, sub := range hub.subs {
		sub.close()
	}
	hub.subs = map[int]*subscriber{}
}

func (b *Broadcaster) hub(jobID string) *jobHub {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub, ok := b.jobs[jobID]
	if !ok {
		hub = &jobHub{subs: map[int]*subscriber{}}
		b.jobs[jobID] = hub
	}
	return hub
}

func (b *Broadcaster) flush(jobID string) {
	b.mu.Lock()
	hub, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.timer = nil
	if !hub.dirty || hub.terminal {
		return
	}
	b.flushLocked(hub)
}

func (b *Broadcaster) flushLocked(hub *jobHub) {
	hub.dirty = false
	if !hub.hasLatest {
		return
	}
	for _, sub := range hub.subs {
		sub.offer(hub.latest)
	}
}
