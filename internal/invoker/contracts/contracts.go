package contracts

import (
	"context"
	"fmt"
	"time"
)

// OutcomeClass is the normalized invocation-outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess               OutcomeClass = "success"
	OutcomeTimeout               OutcomeClass = "timeout"
	OutcomeOverload              OutcomeClass = "overload"
	OutcomeBlocked               OutcomeClass = "blocked"
	OutcomeInfrastructureFailure OutcomeClass = "infrastructure_failure"
	OutcomeCancelled             OutcomeClass = "cancelled"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeOverload, OutcomeBlocked, OutcomeInfrastructureFailure, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Request is passed to invoker implementations per attempt.
type Request struct {
	JobID   string
	TestID  string
	Model   string
	Input   string
	Attempt int
	Timeout time.Duration
}

// Validate enforces required invocation fields.
func (r Request) Validate() error {
	if r.JobID == "" || r.TestID == "" {
		return fmt.Errorf("job_id and test_id are required")
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1")
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	return nil
}

// Output is an invoker-normalized attempt result. Invoker failures surface
// here as non-success classes, never as scheduler faults.
type Output struct {
	Class     OutcomeClass
	Text      string
	Reason    string
	Retryable bool
	BackoffMS int64
}

// Validate enforces normalized output invariants.
func (o Output) Validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Class != OutcomeSuccess && o.Reason == "" {
		return fmt.Errorf("reason is required for non-success outputs")
	}
	if o.BackoffMS < 0 {
		return fmt.Errorf("backoff_ms must be >= 0")
	}
	return nil
}

// ModelInvoker is the opaque external model-invocation seam. Implementations
// honor ctx cancellation and deadlines cooperatively; a call may keep running
// in the background after ctx is done.
type ModelInvoker interface {
	InvokerID() string
	Invoke(ctx context.Context, req Request) (Output, error)
}

// StaticInvoker is a small utility invoker for tests and static wiring.
type StaticInvoker struct {
	ID       string
	InvokeFn func(ctx context.Context, req Request) (Output, error)
}

func (s StaticInvoker) InvokerID() string {
	if s.ID == "" {
		return "static"
	}
	return s.ID
}

func (s StaticInvoker) Invoke(ctx context.Context, req Request) (Output, error) {
	if s.InvokeFn != nil {
		return s.InvokeFn(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return Output{}, err
	}
	return Output{Class: OutcomeSuccess}, nil
}
