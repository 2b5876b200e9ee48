package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evalbench/evalbench/api/batch"
	"github.com/evalbench/evalbench/internal/invoker/contracts"
)

const defaultTimeoutPerTest = 30 * time.Second

// Settlement is the tagged terminal disposition of one test execution.
// Cancelled settlements carry no countable TestResult: the scheduler records
// the test as cancelled and discards any late output.
type Settlement struct {
	Class  contracts.OutcomeClass
	Result batch.TestResult
}

// Discarded reports whether the execution was cancelled and its result
// must not count toward completed/failed.
func (s Settlement) Discarded() bool {
	return s.Class == contracts.OutcomeCancelled
}

// SleepFunc waits for the backoff delay, honoring ctx cancellation.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs a single test: invoke the model under a timeout, retry
// retryable failures with exponential backoff, and produce one settlement.
// It mutates no shared state; counter updates stay with the scheduler.
type Executor struct {
	invoker contracts.ModelInvoker
	sleep   SleepFunc
	now     func() time.Time
}

// New builds an executor over the given model invoker.
func New(invoker contracts.ModelInvoker) Executor {
	return NewWithClock(invoker, defaultSleep, time.Now)
}

// NewWithClock wires explicit sleep/clock functions for tests.
func NewWithClock(invoker contracts.ModelInvoker, sleep SleepFunc, now func() time.Time) Executor {
	if sleep == nil {
		sleep = defaultSleep
	}
	if now == nil {
		now = time.Now
	}
	return Executor{invoker: invoker, sleep: sleep, now: now}
}

// Run executes one test to settlement. ctx carries job-level cancellation;
// a cancelled ctx at any checkpoint yields a cancelled settlement.
func (e Executor) Run(ctx context.Context, jobID string, spec batch.TestSpec, cfg batch.JobConfig) (Settlement, error) {
	if e.invoker == nil {
		return Settlement{}, fmt.Errorf("model invoker is not configured")
	}
	if err := spec.Validate(); err != nil {
		return Settlement{}, err
	}

	timeout := cfg.TimeoutPerTest
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeoutPerTest
	}
	maxAttempts := 1
	if cfg.RetryFailed {
		maxAttempts = 1 + cfg.MaxRetries
	}

	started := e.now()
	var last contracts.Output
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return e.cancelled(jobID, spec, started, attempts), nil
		}
		attempts = attempt

		output := e.attempt(ctx, jobID, spec, timeout, attempt)
		last = output

		switch output.Class {
		case contracts.OutcomeSuccess:
			return Settlement{
				Class: contracts.OutcomeSuccess,
				Result: batch.TestResult{
					TestID:   spec.TestID,
					JobID:    jobID,
					Passed:   true,
					Output:   output.Text,
					Duration: e.now().Sub(started),
					Attempts: attempts,
				},
			}, nil
		case contracts.OutcomeCancelled:
			return e.cancelled(jobID, spec, started, attempts), nil
		}

		if output.Retryable && attempt < maxAttempts {
			if err := e.sleep(ctx, Delay(attempt)); err != nil {
				return e.cancelled(jobID, spec, started, attempts), nil
			}
			continue
		}
		break
	}

	return Settlement{
		Class: last.Class,
		Result: batch.TestResult{
			TestID:   spec.TestID,
			JobID:    jobID,
			Passed:   false,
			Output:   last.Text,
			Error:    failureReason(last),
			Duration: e.now().Sub(started),
			Attempts: attempts,
		},
	}, nil
}

func (e Executor) attempt(ctx context.Context, jobID string, spec batch.TestSpec, timeout time.Duration, attempt int) contracts.Output {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.invoker.Invoke(attemptCtx, contracts.Request{
		JobID:   jobID,
		TestID:  spec.TestID,
		Model:   spec.Model,
		Input:   spec.Input,
		Attempt: attempt,
		Timeout: timeout,
	})
	if err != nil {
		return normalizeInvokeError(ctx, err)
	}
	if err := output.Validate(); err != nil {
		return contracts.Output{
			Class:     contracts.OutcomeInfrastructureFailure,
			Retryable: true,
			Reason:    fmt.Sprintf("invoker_output_invalid: %v", err),
		}
	}
	return output
}

func (e Executor) cancelled(jobID string, spec batch.TestSpec, started time.Time, attempts int) Settlement {
	if attempts < 1 {
		attempts = 1
	}
	return Settlement{
		Class: contracts.OutcomeCancelled,
		Result: batch.TestResult{
			TestID:   spec.TestID,
			JobID:    jobID,
			Passed:   false,
			Error:    "cancelled",
			Duration: e.now().Sub(started),
			Attempts: attempts,
		},
	}
}

func normalizeInvokeError(ctx context.Context, err error) contracts.Output {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return contracts.Output{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "timeout"}
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return contracts.Output{Class: contracts.OutcomeCancelled, Reason: "cancelled"}
	default:
		return contracts.Output{
			Class:     contracts.OutcomeInfrastructureFailure,
			Retryable: true,
			Reason:    fmt.Sprintf("invoker_error: %v", err),
		}
	}
}

func failureReason(output contracts.Output) string {
	if output.Class == contracts.OutcomeTimeout {
		return "timeout"
	}
	if output.Reason != "" {
		return output.Reason
	}
	return string(output.Class)
}
