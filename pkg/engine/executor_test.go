package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Mock applier for testing
type mockApplier struct {
	mu      sync.Mutex
	calls   []string
	results map[string][]error
}

func newMockApplier() *mockApplier {
	return &mockApplier{results: make(map[string][]error)}
}

// failWith queues errors returned by successive calls for key.
func (m *mockApplier) failWith(key string, errs ...error) {
	m.results[key] = append(m.results[key], errs...)
}

func (m *mockApplier) Apply(ctx context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op.Key)
	queue := m.results[op.Key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.results[op.Key] = queue[1:]
	return err
}

func (m *mockApplier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Mock recorder for testing
type mockRecorder struct {
	mu        sync.Mutex
	completed map[OutcomeStatus]int
	retries   int
	errors    map[ErrorClass]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{completed: map[OutcomeStatus]int{}, errors: map[ErrorClass]int{}}
}

func (m *mockRecorder) OperationCompleted(_ string, _ Kind, _ OperationType, outcome OutcomeStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[outcome]++
}

func (m *mockRecorder) OperationRetried(string, Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockRecorder) ErrorRecorded(_ string, class ErrorClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[class]++
}

func testPlan(keys ...string) *Plan {
	ops := make([]Operation, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, Operation{Type: OperationUpdate, Kind: "test.entity", Key: k})
	}
	return NewPlan("test", ops, nil)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(maxAttempts int, opts ...ExecutorOption) (*Executor, *sleepRecorder) {
	sr := &sleepRecorder{}
	policy := RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
	opts = append([]ExecutorOption{WithSleep(sr.sleep)}, opts...)
	return NewExecutor(policy, opts...), sr
}

func TestExecute_DryRunMakesNoWrites(t *testing.T) {
	applier := newMockApplier()
	exec, _ := newTestExecutor(3)

	result := exec.Execute(context.Background(), testPlan("a", "b", "c"), applier, ModeDryRun)

	if got := applier.callCount(); got != 0 {
		t.Errorf("Apply called %d times in dry run", got)
	}
	if got, want := result.Summary, (ExecutionSummary{Skipped: 3}); got != want {
		t.Errorf("Summary = %+v, want %+v", got, want)
	}
	if !result.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}
	for _, o := range result.Outcomes {
		if o.Reason != "dry run" {
			t.Errorf("%s: reason = %q, want %q", o.Operation.Key, o.Reason, "dry run")
		}
	}
}

func TestExecute_PermanentFailureDoesNotStopPlan(t *testing.T) {
	applier := newMockApplier()
	applier.failWith("b", NewPermanentError("validation failed", nil))
	rec := newMockRecorder()
	exec, _ := newTestExecutor(3, WithRecorder(rec))

	result := exec.Execute(context.Background(), testPlan("a", "b", "c", "d"), applier, ModeApply)

	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, applier.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got, want := result.Summary, (ExecutionSummary{Applied: 3, Failed: 1}); got != want {
		t.Errorf("Summary = %+v, want %+v", got, want)
	}
	if result.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}
	if result.FirstError == nil {
		t.Fatal("FirstError is nil")
	}
	if got := result.FirstError.Class; got != ErrorClassPermanent {
		t.Errorf("FirstError.Class = %q, want %q", got, ErrorClassPermanent)
	}
	if got := result.FirstError.Resource; got != "b" {
		t.Errorf("FirstError.Resource = %q, want %q", got, "b")
	}
	if got := result.FirstError.Service; got != "test" {
		t.Errorf("FirstError.Service = %q, want %q", got, "test")
	}
	if got := result.Outcomes[1].Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if rec.retries != 0 {
		t.Errorf("retries = %d, want 0", rec.retries)
	}
	if got := rec.completed[OutcomeApplied]; got != 3 {
		t.Errorf("applied recorded = %d, want 3", got)
	}
}

func TestExecute_RetriesTransientUntilSuccess(t *testing.T) {
	applier := newMockApplier()
	applier.failWith("a", NewTransientError("connection reset", nil), NewTransientError("connection reset", nil))
	exec, sleeps := newTestExecutor(4)

	result := exec.Execute(context.Background(), testPlan("a"), applier, ModeApply)

	if !result.Succeeded() {
		t.Fatalf("Succeeded() = false: %v", result.FirstError)
	}
	if got := result.Outcomes[0].Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, sleeps.delays); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_RetryCeiling(t *testing.T) {
	applier := newMockApplier()
	for i := 0; i < 10; i++ {
		applier.failWith("a", NewTransientError("bad gateway", nil))
	}
	exec, sleeps := newTestExecutor(3)

	result := exec.Execute(context.Background(), testPlan("a"), applier, ModeApply)

	if got := applier.callCount(); got != 3 {
		t.Errorf("Apply called %d times, want 3", got)
	}
	if got := len(sleeps.delays); got != 2 {
		t.Errorf("slept %d times, want 2", got)
	}
	if got := result.Outcomes[0].Status; got != OutcomeFailed {
		t.Errorf("status = %q, want %q", got, OutcomeFailed)
	}
	if got := result.FirstError.Class; got != ErrorClassTransient {
		t.Errorf("FirstError.Class = %q, want %q", got, ErrorClassTransient)
	}
}

func TestExecute_ConflictIsNotRetried(t *testing.T) {
	applier := newMockApplier()
	applier.failWith("a", NewConflictError("already exists", nil))
	exec, _ := newTestExecutor(5)

	result := exec.Execute(context.Background(), testPlan("a"), applier, ModeApply)

	if got := applier.callCount(); got != 1 {
		t.Errorf("Apply called %d times, want 1", got)
	}
	if got := result.FirstError.Class; got != ErrorClassConflict {
		t.Errorf("FirstError.Class = %q, want %q", got, ErrorClassConflict)
	}
}

func TestExecute_ThrottledHonorsRetryAfter(t *testing.T) {
	applier := newMockApplier()
	applier.failWith("a", NewThrottledError("rate limited", nil).WithRetryAfter(30*time.Second))
	exec, sleeps := newTestExecutor(2)

	result := exec.Execute(context.Background(), testPlan("a"), applier, ModeApply)

	if !result.Succeeded() {
		t.Fatalf("Succeeded() = false: %v", result.FirstError)
	}
	if diff := cmp.Diff([]time.Duration{30 * time.Second}, sleeps.delays); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_TimeoutIsTransient(t *testing.T) {
	calls := 0
	applier := ApplierFunc(func(ctx context.Context, op Operation) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	sr := &sleepRecorder{}
	exec := NewExecutor(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, CallTimeout: 10 * time.Millisecond}, WithSleep(sr.sleep))

	result := exec.Execute(context.Background(), testPlan("a"), applier, ModeApply)

	if !result.Succeeded() {
		t.Fatalf("Succeeded() = false: %v", result.FirstError)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestExecute_CancellationBeforeNextOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	applier := ApplierFunc(func(_ context.Context, op Operation) error {
		if op.Key == "a" {
			cancel()
		}
		return nil
	})
	exec, _ := newTestExecutor(3)

	result := exec.Execute(ctx, testPlan("a", "b", "c"), applier, ModeApply)

	if got, want := result.Summary, (ExecutionSummary{Applied: 1, Skipped: 2}); got != want {
		t.Errorf("Summary = %+v, want %+v", got, want)
	}
	if result.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}
	if result.FirstError == nil {
		t.Fatal("FirstError is nil")
	}
	if got := result.FirstError.Code; got != ErrCodeCancelled {
		t.Errorf("FirstError.Code = %q, want %q", got, ErrCodeCancelled)
	}
	if !errors.Is(result.FirstError, context.Canceled) {
		t.Errorf("FirstError = %v, want it to wrap context.Canceled", result.FirstError)
	}
}

func TestRetry_ReadCalls(t *testing.T) {
	transient := NewTransientError("connection reset", nil)
	throttled := NewThrottledError("secondary rate limit", nil).WithRetryAfter(45 * time.Second)
	permanent := NewPermanentError("bad credentials", nil)

	tests := []struct {
		name       string
		failures   []error
		wantCalls  int
		wantSleeps []time.Duration
		wantClass  ErrorClass
	}{
		{"first call succeeds", nil, 1, nil, ""},
		{"transient then success", []error{transient}, 2, []time.Duration{time.Second}, ""},
		{"throttled waits retry-after", []error{throttled}, 2, []time.Duration{45 * time.Second}, ""},
		{"permanent is not retried", []error{permanent}, 1, nil, ErrorClassPermanent},
		{"ceiling", []error{transient, transient, transient, transient}, 3, []time.Duration{time.Second, 2 * time.Second}, ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newMockRecorder()
			exec, sleeps := newTestExecutor(3, WithRecorder(rec))

			calls := 0
			err := exec.Retry(context.Background(), "test", "read current state", func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if diff := cmp.Diff(tt.wantSleeps, sleeps.delays); diff != "" {
				t.Errorf("backoff mismatch (-want +got):\n%s", diff)
			}
			if got := ClassOf(err); got != tt.wantClass {
				t.Errorf("ClassOf(err) = %q, want %q (err: %v)", got, tt.wantClass, err)
			}
			if rec.retries != len(tt.wantSleeps) {
				t.Errorf("retries recorded = %d, want %d", rec.retries, len(tt.wantSleeps))
			}
		})
	}
}

func TestRetry_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := exec.Retry(ctx, "test", "read current state", func(context.Context) error {
		calls++
		return NewTransientError("connection reset", nil)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeCancelled {
		t.Errorf("err = %v, want code %s", err, ErrCodeCancelled)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	transient := NewTransientError("x", nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt, transient); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	throttled := NewThrottledError("x", nil).WithRetryAfter(time.Minute)
	if got := p.Backoff(0, throttled); got != time.Minute {
		t.Errorf("Backoff(throttled) = %v, want %v", got, time.Minute)
	}
}
