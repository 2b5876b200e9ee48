package store

import (
	"context"
	"errors"

	"github.com/evalbench/evalbench/api/batch"
)

// ErrUnavailable indicates the durable backend cannot accept writes. The
// scheduler escalates the affected job to failed; other jobs continue.
var ErrUnavailable = errors.New("durable store unavailable")

// ReplayCounters are per-job aggregates rebuilt from the append log.
type ReplayCounters struct {
	Completed int
	Failed    int
	Discarded int
}

// Store is the system of record for terminal test results. Appends are
// fire-and-forget from the scheduler's perspective: a failure is logged and
// surfaced as a warning on the terminal snapshot, never blocking progress.
type Store interface {
	// Append records one terminal result. discarded marks results of tests
	// that finished after cancellation was accepted; they are retained for
	// analytics but excluded from replayed counters' completed/failed.
	Append(ctx context.Context, result batch.TestResult, discarded bool) error
	// Results returns every result appended for a job, in append order.
	Results(ctx context.Context, jobID string) ([]batch.TestResult, error)
	// Replay rebuilds per-job counters from the append log.
	Replay(ctx context.Context, jobID string) (ReplayCounters, error)
	// Jobs lists every job_id present in the append log.
	Jobs(ctx context.Context) ([]string, error)
	Close() error
}

// Discard is a no-op store for wiring where durability is not needed.
type Discard struct{}

func (Discard) Append(context.Context, batch.TestResult, bool) error { return nil }

func (Discard) Results(context.Context, string) ([]batch.TestResult, error) { return nil, nil }

func (Discard) Replay(context.Context, string) (ReplayCounters, error) {
	return ReplayCounters{}, nil
}

func (Discard) Jobs(context.Context) ([]string, error) { return nil, nil }

func (Discard) Close() error { return nil }
