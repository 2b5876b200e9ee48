package batch

import (
	"fmt"
	"time"
)

// JobStatus is the job lifecycle state machine.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Validate enforces supported job status values.
func (s JobStatus) Validate() error {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported job status: %q", s)
	}
}

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the status machine allows s -> next.
// Transitions are monotonic: queued -> running -> one terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ResourceLimits bounds approximate per-slot resource consumption.
type ResourceLimits struct {
	MemoryMB   int `json:"memory_mb,omitempty"`
	CPUPercent int `json:"cpu_percent,omitempty"`
}

// Validate enforces non-negative resource limits.
func (r ResourceLimits) Validate() error {
	if r.MemoryMB < 0 {
		return fmt.Errorf("memory_mb must be >= 0")
	}
	if r.CPUPercent < 0 || r.CPUPercent > 100 {
		return fmt.Errorf("cpu_percent must be in [0,100]")
	}
	return nil
}

// JobConfig controls execution of one submitted batch.
type JobConfig struct {
	MaxConcurrent      int            `json:"max_concurrent"`
	TimeoutPerTest     time.Duration  `json:"timeout_per_test"`
	RetryFailed        bool           `json:"retry_failed"`
	MaxRetries         int            `json:"max_retries"`
	StopOnFirstFailure bool           `json:"stop_on_first_failure"`
	ResourceLimits     ResourceLimits `json:"resource_limits"`
}

// Validate enforces admission-time configuration invariants.
func (c JobConfig) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1")
	}
	if c.TimeoutPerTest < 0 {
		return fmt.Errorf("timeout_per_test must be >= 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return c.ResourceLimits.Validate()
}

// TestSpec describes one independent test within a job.
type TestSpec struct {
	TestID  string        `json:"test_id"`
	Model   string        `json:"model"`
	Input   string        `json:"input"`
	Timeout time.Duration `json:"timeout,omitempty"` // overrides JobConfig.TimeoutPerTest when > 0
}

// Validate enforces required test fields.
func (t TestSpec) Validate() error {
	if t.TestID == "" {
		return fmt.Errorf("test_id is required")
	}
	if t.Model == "" {
		return fmt.Errorf("model is required")
	}
	if t.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	return nil
}

// Job is one batch of independent tests submitted under a single configuration.
// Tests are immutable once the job enters running.
type Job struct {
	ID         string     `json:"id"`
	Tests      []TestSpec `json:"tests"`
	Config     JobConfig  `json:"configuration"`
	Priority   int        `json:"priority"`
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Validate enforces admission invariants: non-empty tests, unique test IDs,
// and a valid configuration.
func (j Job) Validate() error {
	if len(j.Tests) == 0 {
		return fmt.Errorf("tests must not be empty")
	}
	if err := j.Config.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(j.Tests))
	for i, test := range j.Tests {
		if err := test.Validate(); err != nil {
			return fmt.Errorf("tests[%d] invalid: %w", i, err)
		}
		if _, dup := seen[test.TestID]; dup {
			return fmt.Errorf("duplicate test_id: %q", test.TestID)
		}
		seen[test.TestID] = struct{}{}
	}
	if j.Status != "" {
		if err := j.Status.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TestResult is the single terminal record for a test that finished.
// Cancelled tests that never started produce no TestResult.
type TestResult struct {
	TestID   string        `json:"test_id"`
	JobID    string        `json:"job_id"`
	Passed   bool          `json:"passed"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempt_count"`
}

// Validate enforces result identity and attempt invariants.
func (r TestResult) Validate() error {
	if r.TestID == "" || r.JobID == "" {
		return fmt.Errorf("test_id and job_id are required")
	}
	if r.Attempts < 1 {
		return fmt.Errorf("attempt_count must be >= 1")
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration must be >= 0")
	}
	if r.Passed && r.Error != "" {
		return fmt.Errorf("passed result must not carry an error")
	}
	return nil
}

// RunningTest identifies one test presently executing.
type RunningTest struct {
	TestID    string    `json:"test_id"`
	Model     string    `json:"model"`
	StartedAt time.Time `json:"started_at"`
}

// ExecutionProgress is a fully-recomputed progress snapshot, never a delta.
// Subscribers must treat it as read-only.
type ExecutionProgress struct {
	JobID                  string        `json:"job_id"`
	TotalTests             int           `json:"total_tests"`
	CompletedTests         int           `json:"completed_tests"`
	FailedTests            int           `json:"failed_tests"`
	CancelledTests         int           `json:"cancelled_tests"`
	CurrentTests           []RunningTest `json:"current_tests,omitempty"`
	OverallProgressPercent float64       `json:"overall_progress_percent"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	Status                 JobStatus     `json:"status"`
	Reason                 string        `json:"reason,omitempty"`
	Warnings               []string      `json:"warnings,omitempty"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Settled returns the count of tests with a terminal disposition.
func (p ExecutionProgress) Settled() int {
	return p.CompletedTests + p.FailedTests + p.CancelledTests
}

// Validate enforces the progress counter invariant: settled <= total, with
// equality exactly when the status is terminal.
func (p ExecutionProgress) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := p.Status.Validate(); err != nil {
		return err
	}
	if p.CompletedTests < 0 || p.FailedTests < 0 || p.CancelledTests < 0 || p.TotalTests < 0 {
		return fmt.Errorf("counters must be >= 0")
	}
	if p.Settled() > p.TotalTests {
		return fmt.Errorf("settled tests %d exceed total %d", p.Settled(), p.TotalTests)
	}
	if p.Status.Terminal() && p.Settled() != p.TotalTests {
		return fmt.Errorf("terminal snapshot must settle all %d tests, got %d", p.TotalTests, p.Settled())
	}
	return nil
}

// QueueStats reports cross-job counts for operational visibility.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
