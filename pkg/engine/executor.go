package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// RetryPolicy bounds how an operation is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the delay before the first retry. It doubles on each retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// CallTimeout bounds every individual write call.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		CallTimeout: 30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (0-based) after err.
// Throttled errors wait at least as long as the service asked.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	// Exponential backoff: delay = base * 2^attempt
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if IsThrottled(err) {
		if ra := RetryAfterOf(err); ra > delay {
			delay = ra
		}
	}
	return delay
}

// Executor walks a plan and applies each operation through an Applier.
// Operations run sequentially in plan order.
type Executor struct {
	policy   RetryPolicy
	recorder Recorder
	tracer   trace.Tracer
	logger   zerolog.Logger

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithTracer sets the tracer used for per-operation spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithSleep replaces the backoff wait. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// NewExecutor creates an executor with the given retry policy.
func NewExecutor(policy RetryPolicy, opts ...ExecutorOption) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy:   policy,
		recorder: noopRecorder{},
		tracer:   noop.NewTracerProvider().Tracer("engine"),
		logger:   zerolog.Nop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan in the given mode. In dry-run mode no write method is
// called and every operation is recorded as skipped. In apply mode a
// failed operation never stops the remaining ones; cancellation is
// honored before each operation and between retries.
func (e *Executor) Execute(ctx context.Context, plan *Plan, applier Applier, mode Mode) *ExecutionResult {
	result := &ExecutionResult{
		Mode:      mode,
		StartedAt: time.Now(),
	}
	if plan == nil {
		result.CompletedAt = time.Now()
		return result
	}
	result.Service = plan.Service

	log := e.logger.With().Str("service", plan.Service).Str("mode", string(mode)).Logger()

	for i, op := range plan.Operations {
		if mode != ModeApply {
			result.record(OperationOutcome{Operation: op, Status: OutcomeSkipped, Reason: "dry run"})
			continue
		}

		if err := ctx.Err(); err != nil {
			cancelErr := NewPermanentError("execution cancelled", err).
				WithCode(ErrCodeCancelled).
				WithService(plan.Service)
			for _, rest := range plan.Operations[i:] {
				result.record(OperationOutcome{Operation: rest, Status: OutcomeSkipped, Reason: "cancelled"})
			}
			if result.FirstError == nil {
				result.FirstError = cancelErr
			}
			log.Warn().Int("skipped", len(plan.Operations)-i).Msg("Execution cancelled")
			break
		}

		outcome := e.executeOperation(ctx, op, applier, log)
		result.record(outcome)
	}

	result.CompletedAt = time.Now()
	log.Info().
		Int("applied", result.Summary.Applied).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Msg("Plan executed")
	return result
}

func (e *Executor) executeOperation(
	ctx context.Context,
	op Operation,
	applier Applier,
	log zerolog.Logger,
) OperationOutcome {
	ctx, span := e.tracer.Start(ctx, "operation "+string(op.Type),
		trace.WithAttributes(
			attribute.String("service", op.Service),
			attribute.String("kind", string(op.Kind)),
			attribute.String("key", op.Key),
		))
	defer span.End()

	start := time.Now()
	outcome := OperationOutcome{Operation: op}

	attempts, err := e.attempt(ctx, op.Service, op.Kind, op.String(), e.policy.CallTimeout, log,
		func(ctx context.Context) error {
			return applier.Apply(ctx, op)
		})
	outcome.Attempts = attempts

	outcome.Duration = time.Since(start)
	if err == nil {
		outcome.Status = OutcomeApplied
		log.Info().Str("operation", op.String()).Msg("Applied")
	} else {
		outcome.Status = OutcomeFailed
		outcome.Error = classify(err).WithService(op.Service).WithResource(op.Key).WithOperation(string(op.Type))
		outcome.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("operation", op.String()).Int("attempts", outcome.Attempts).Msg("Operation failed")
	}
	e.recorder.OperationCompleted(op.Service, op.Kind, op.Type, outcome.Status, outcome.Duration)
	return outcome
}

// Retry runs a read call of service under the retry policy. Reads are
// bounded by the HTTP client's own timeout, so no per-attempt deadline is
// added.
func (e *Executor) Retry(ctx context.Context, service, call string, fn func(ctx context.Context) error) error {
	log := e.logger.With().Str("service", service).Logger()
	_, err := e.attempt(ctx, service, KindRead, call, 0, log, fn)
	return err
}

// attempt calls fn until it succeeds, fails with a non-retryable error or
// the attempt ceiling is reached. A positive timeout bounds each call.
// Cancellation is checked before every attempt and during backoff.
func (e *Executor) attempt(
	ctx context.Context,
	service string,
	kind Kind,
	call string,
	timeout time.Duration,
	log zerolog.Logger,
	fn func(ctx context.Context) error,
) (int, error) {
	var err error
	attempts := 0
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = NewPermanentError("cancelled", cerr).WithCode(ErrCodeCancelled)
			}
			break
		}
		attempts = attempt + 1

		callCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err = fn(callCtx)
		cancel()

		if err == nil {
			return attempts, nil
		}

		// A call cut off by its own timeout is transient; one cut off
		// because the run was cancelled is not retried.
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !IsRetryable(err) {
			err = NewTransientError("call timed out", err).WithCode(ErrCodeTimeout)
		}

		e.recorder.ErrorRecorded(service, ClassOf(err))

		if !IsRetryable(err) || attempts >= e.policy.MaxAttempts {
			break
		}

		backoff := e.policy.Backoff(attempt, err)
		log.Warn().Err(err).
			Str("call", call).
			Int("attempt", attempts).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Retrying after failure")
		e.recorder.OperationRetried(service, kind)

		if werr := e.sleep(ctx, backoff); werr != nil {
			err = NewPermanentError("cancelled during backoff", werr).WithCode(ErrCodeCancelled)
			break
		}
	}
	return attempts, err
}

// classify converts err to a fresh EngineError so callers can annotate it.
func classify(err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		cp := *ee
		return &cp
	}
	return newError(ClassOf(err), "operation failed", err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	}
}
