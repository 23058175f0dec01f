package engine

import (
	"context"
	"time"
)

// Applier performs the single mutating call behind one operation.
// Implementations translate provider errors into the EngineError classes.
type Applier interface {
	Apply(ctx context.Context, op Operation) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, op Operation) error

// Apply calls f(ctx, op).
func (f ApplierFunc) Apply(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// Client is the capability shape shared by every service client:
// a fully paginated read of the current snapshot and a single write.
// S is the service-specific snapshot type.
type Client[S any] interface {
	Applier

	// Read fetches every managed entity. A listing that could not be
	// completed is returned as an error, never as a shorter snapshot.
	Read(ctx context.Context) (S, error)
}

// DesiredBuilder derives the desired snapshot of one service from the
// team data set. Warnings describe records that could not be mapped.
type DesiredBuilder[S any] func(ctx context.Context) (desired S, warnings []string, err error)

// DiffFunc computes the operations transforming current into desired.
// It must be pure and deterministic.
type DiffFunc[S any] func(desired, current S) []Operation

// Pipeline is one service's read, diff and apply chain with its types erased.
type Pipeline interface {
	// Service returns the service name.
	Service() string

	// Plan reads desired and current state and computes the plan. Reads
	// run through retry when it is not nil.
	Plan(ctx context.Context, retry Retrier) (*Plan, error)

	// Applier returns the write side used by the executor.
	Applier() Applier
}

// Retrier runs a read call under a retry policy. Executor implements it.
type Retrier interface {
	Retry(ctx context.Context, service, call string, fn func(ctx context.Context) error) error
}

// PlanGuard inspects a plan before execution.
type PlanGuard interface {
	Check(ctx context.Context, plan *Plan) (*GuardResult, error)
}

// GuardResult is the verdict of a plan guard.
type GuardResult struct {
	// Allowed is false if any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking or not.
	Violations []GuardViolation `json:"violations,omitempty"`
}

// GuardViolation is a single plan guard finding.
type GuardViolation struct {
	Policy   string `json:"policy"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
}

// Blocking reports whether the violation prevents execution.
func (v GuardViolation) Blocking() bool {
	return v.Severity == "error" || v.Severity == "critical"
}

// Recorder receives execution measurements. Implementations must be safe
// for concurrent use by several services.
type Recorder interface {
	// OperationCompleted records the final outcome of one operation.
	OperationCompleted(service string, kind Kind, op OperationType, outcome OutcomeStatus, d time.Duration)

	// OperationRetried records one retry of an operation.
	OperationRetried(service string, kind Kind)

	// ErrorRecorded records a classified error.
	ErrorRecorded(service string, class ErrorClass)
}

type noopRecorder struct{}

func (noopRecorder) OperationCompleted(string, Kind, OperationType, OutcomeStatus, time.Duration) {}
func (noopRecorder) OperationRetried(string, Kind)                                                 {}
func (noopRecorder) ErrorRecorded(string, ErrorClass)                                              {}
