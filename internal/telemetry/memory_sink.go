package telemetry

import (
	"context"
	"sync"
)

// MemorySink captures exported events for test assertions. Scheduler tests
// run jobs concurrently, so the filtering helpers slice the capture by the
// job correlation rather than assuming a single producer.
type MemorySink struct {
	mu       sync.Mutex
	captured []Event
}

// NewMemorySink returns an empty capture sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Export records the event in memory.
func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, event)
	return nil
}

// Events returns a copy of everything captured, in export order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.captured))
	copy(out, s.captured)
	return out
}

// EventsForJob returns the captured events correlated to one job.
func (s *MemorySink) EventsForJob(jobID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, event := range s.captured {
		if event.Correlation.JobID == jobID {
			out = append(out, event)
		}
	}
	return out
}

// MetricValues returns every captured sample of one metric, in export order.
func (s *MemorySink) MetricValues(name string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, event := range s.captured {
		if event.Kind == EventKindMetric && event.Metric != nil && event.Metric.Name == name {
			out = append(out, event.Metric.Value)
		}
	}
	return out
}

// Reset discards everything captured so far.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = s.captured[:0]
}
