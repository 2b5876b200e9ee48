package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalbench/evalbench/api/batch"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func result(jobID, testID string, passed bool) batch.TestResult {
	r := batch.TestResult{
		TestID:   testID,
		JobID:    jobID,
		Passed:   passed,
		Duration: 120 * time.Millisecond,
		Attempts: 1,
	}
	if passed {
		r.Output = "ok"
	} else {
		r.Error = "timeout"
	}
	return r
}

func TestAppendAndResultsRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, result("job-1", "t1", true), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.Append(ctx, result("job-1", "t2", false), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.Append(ctx, result("job-2", "t1", true), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	results, err := s.Results(ctx, "job-1")
	if err != nil {
		t.Fatalf("unexpected results error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results for job-1, got %d", len(results))
	}
	if results[0].TestID != "t1" || results[1].TestID != "t2" {
		t.Fatalf("expected append order, got %+v", results)
	}
	if !results[0].Passed || results[0].Output != "ok" {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Passed || results[1].Error != "timeout" {
		t.Fatalf("unexpected second result %+v", results[1])
	}
	if results[0].Duration != 120*time.Millisecond {
		t.Fatalf("duration not preserved: %v", results[0].Duration)
	}
}

func TestReplayExcludesDiscardedFromCounters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, result("job-1", "t1", true), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.Append(ctx, result("job-1", "t2", true), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.Append(ctx, result("job-1", "t3", false), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	// Finished after cancellation was accepted: retained, not counted.
	if err := s.Append(ctx, result("job-1", "t4", true), true); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	counters, err := s.Replay(ctx, "job-1")
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if counters.Completed != 2 || counters.Failed != 1 || counters.Discarded != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestJobsListsDistinctJobIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, result("job-b", "t1", true), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.Append(ctx, result("job-a", "t1", true), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := s.Append(ctx, result("job-b", "t2", false), false); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	jobs, err := s.Jobs(ctx)
	if err != nil {
		t.Fatalf("unexpected jobs error: %v", err)
	}
	if len(jobs) != 2 || jobs[0] != "job-b" || jobs[1] != "job-a" {
		t.Fatalf("expected first-seen order [job-b job-a], got %v", jobs)
	}
}

func TestReplayUnknownJobIsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	counters, err := s.Replay(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if counters != (ReplayCounters{}) {
		t.Fatalf("expected zero counters, got %+v", counters)
	}
}

func TestAppendRejectsInvalidResults(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	bad := batch.TestResult{TestID: "t1"} // missing job_id, attempts
	if err := s.Append(context.Background(), bad, false); err == nil {
		t.Fatalf("expected invalid result reject")
	}
}
