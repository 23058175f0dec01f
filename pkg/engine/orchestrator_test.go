package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeSnapshot map[string]string

type fakeClient struct {
	current fakeSnapshot
	readErr error
	applier *mockApplier

	mu sync.Mutex
	// failReads is consumed one error per Read before readErr applies.
	failReads []error
	reads     int
}

func (c *fakeClient) Read(context.Context) (fakeSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if len(c.failReads) > 0 {
		err := c.failReads[0]
		c.failReads = c.failReads[1:]
		return nil, err
	}
	return c.current, c.readErr
}

func (c *fakeClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *fakeClient) Apply(ctx context.Context, op Operation) error {
	return c.applier.Apply(ctx, op)
}

func diffFake(desired, current fakeSnapshot) []Operation {
	var ops []Operation
	Reconcile(desired, current,
		func(k string, d string) {
			ops = append(ops, Operation{Type: OperationCreate, Kind: "fake.item", Key: k})
		},
		func(k string, d, c string) {
			var ch Changes
			ch.String("value", c, d)
			if !ch.Empty() {
				ops = append(ops, Operation{Type: OperationUpdate, Kind: "fake.item", Key: k, Changes: ch})
			}
		},
		func(k string, c string) {
			ops = append(ops, Operation{Type: OperationDelete, Kind: "fake.item", Key: k})
		},
	)
	return ops
}

func fakeFactory(name string, desired fakeSnapshot, client *fakeClient) ServiceFactory {
	return ServiceFactory{
		Name: name,
		Build: func(context.Context) (Pipeline, error) {
			return NewPipeline[fakeSnapshot](name,
				func(context.Context) (fakeSnapshot, []string, error) { return desired, nil, nil },
				client, diffFake, nil), nil
		},
	}
}

type denyAllGuard struct{}

func (denyAllGuard) Check(context.Context, *Plan) (*GuardResult, error) {
	return &GuardResult{
		Allowed:    false,
		Violations: []GuardViolation{{Policy: "deny-all", Severity: "error", Message: "no"}},
	}, nil
}

func TestOrchestrator_ServiceIsolation(t *testing.T) {
	goodApplier := newMockApplier()
	good := fakeFactory("good", fakeSnapshot{"a": "1"}, &fakeClient{current: fakeSnapshot{}, applier: goodApplier})
	missingCredential := ServiceFactory{
		Name: "broken",
		Build: func(context.Context) (Pipeline, error) {
			return nil, NewConfigurationError("token not set", nil).WithCode(ErrCodeMissingCredential)
		},
	}
	unreadable := fakeFactory("unreadable", fakeSnapshot{}, &fakeClient{
		readErr: NewTransientError("listing incomplete", nil),
		applier: newMockApplier(),
	})

	exec, _ := newTestExecutor(1)
	orch := NewOrchestrator(exec)
	report := orch.Run(context.Background(), []ServiceFactory{good, missingCredential, unreadable}, ModeApply)

	if len(report.Services) != 3 {
		t.Fatalf("len(Services) = %d, want 3", len(report.Services))
	}

	broken := report.Services[0]
	if broken.Service != "broken" || broken.Status != ServiceStatusFailed {
		t.Errorf("Services[0] = %s/%s, want broken/failed", broken.Service, broken.Status)
	}
	if broken.Error.Class != ErrorClassConfiguration {
		t.Errorf("broken class = %q, want %q", broken.Error.Class, ErrorClassConfiguration)
	}
	if broken.Error.Service != "broken" {
		t.Errorf("broken error service = %q, want %q", broken.Error.Service, "broken")
	}

	ok := report.Services[1]
	if ok.Service != "good" || ok.Status != ServiceStatusSucceeded {
		t.Errorf("Services[1] = %s/%s, want good/succeeded", ok.Service, ok.Status)
	}
	if got := ok.Result.Summary.Applied; got != 1 {
		t.Errorf("good applied = %d, want 1", got)
	}
	if got := goodApplier.callCount(); got != 1 {
		t.Errorf("good Apply called %d times, want 1", got)
	}

	if got := report.Services[2].Status; got != ServiceStatusFailed {
		t.Errorf("unreadable status = %q, want %q", got, ServiceStatusFailed)
	}
	if got := report.Services[2].Error.Class; got != ErrorClassTransient {
		t.Errorf("unreadable class = %q, want %q", got, ErrorClassTransient)
	}

	if report.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}
	if got := len(report.Failed()); got != 2 {
		t.Errorf("len(Failed()) = %d, want 2", got)
	}
}

func TestOrchestrator_RetriesTransientRead(t *testing.T) {
	applier := newMockApplier()
	client := &fakeClient{
		current:   fakeSnapshot{},
		failReads: []error{NewTransientError("connection reset by peer", nil)},
		applier:   applier,
	}
	svc := fakeFactory("svc", fakeSnapshot{"a": "1"}, client)

	exec, sleeps := newTestExecutor(3)
	report := NewOrchestrator(exec).Run(context.Background(), []ServiceFactory{svc}, ModeApply)

	sr := report.Services[0]
	if sr.Status != ServiceStatusSucceeded {
		t.Fatalf("status = %q, want %q (error: %v)", sr.Status, ServiceStatusSucceeded, sr.Error)
	}
	if got := client.readCount(); got != 2 {
		t.Errorf("reads = %d, want 2", got)
	}
	if diff := cmp.Diff([]time.Duration{time.Second}, sleeps.delays); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
	if got := applier.callCount(); got != 1 {
		t.Errorf("Apply called %d times, want 1", got)
	}
}

func TestOrchestrator_ReadRetryLimits(t *testing.T) {
	tests := []struct {
		name      string
		readErr   error
		wantReads int
		wantClass ErrorClass
	}{
		{"transient gives up at the ceiling", NewTransientError("bad gateway", nil), 3, ErrorClassTransient},
		{"throttled gives up at the ceiling", NewThrottledError("rate limited", nil).WithRetryAfter(time.Minute), 3, ErrorClassThrottled},
		{"permanent is read once", NewPermanentError("bad credentials", nil), 1, ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := newMockApplier()
			client := &fakeClient{readErr: tt.readErr, applier: applier}
			svc := fakeFactory("svc", fakeSnapshot{"a": "1"}, client)

			exec, _ := newTestExecutor(3)
			report := NewOrchestrator(exec).Run(context.Background(), []ServiceFactory{svc}, ModeApply)

			sr := report.Services[0]
			if sr.Status != ServiceStatusFailed {
				t.Errorf("status = %q, want %q", sr.Status, ServiceStatusFailed)
			}
			if got := client.readCount(); got != tt.wantReads {
				t.Errorf("reads = %d, want %d", got, tt.wantReads)
			}
			if sr.Error == nil || sr.Error.Class != tt.wantClass {
				t.Errorf("error = %v, want class %q", sr.Error, tt.wantClass)
			}
			if got := applier.callCount(); got != 0 {
				t.Errorf("Apply called %d times after a failed read", got)
			}
		})
	}
}

func TestOrchestrator_DryRunPurity(t *testing.T) {
	applier := newMockApplier()
	svc := fakeFactory("svc", fakeSnapshot{"a": "1", "b": "2"}, &fakeClient{current: fakeSnapshot{"b": "3", "c": "4"}, applier: applier})

	exec, _ := newTestExecutor(3)
	report := NewOrchestrator(exec).Run(context.Background(), []ServiceFactory{svc}, ModeDryRun)

	if !report.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}
	if got := applier.callCount(); got != 0 {
		t.Errorf("Apply called %d times in dry run", got)
	}
	if got, want := report.Services[0].Plan.Summary(), (PlanSummary{Creates: 1, Updates: 1, Deletes: 1}); got != want {
		t.Errorf("Summary() = %+v, want %+v", got, want)
	}
}

func TestOrchestrator_PanicIsContained(t *testing.T) {
	panicking := ServiceFactory{Name: "panics", Build: func(context.Context) (Pipeline, error) { panic("boom") }}
	applier := newMockApplier()
	good := fakeFactory("good", fakeSnapshot{"a": "1"}, &fakeClient{current: fakeSnapshot{}, applier: applier})

	exec, _ := newTestExecutor(1)
	report := NewOrchestrator(exec).Run(context.Background(), []ServiceFactory{panicking, good}, ModeApply)

	if got := report.Services[0].Status; got != ServiceStatusSucceeded {
		t.Errorf("good status = %q, want %q", got, ServiceStatusSucceeded)
	}
	if got := report.Services[1].Status; got != ServiceStatusFailed {
		t.Errorf("panics status = %q, want %q", got, ServiceStatusFailed)
	}
	if msg := report.Services[1].Error.Message; !strings.Contains(msg, "boom") {
		t.Errorf("error message = %q, want it to mention the panic", msg)
	}
}

func TestOrchestrator_GuardBlocksOnlyExecution(t *testing.T) {
	applier := newMockApplier()
	svc := fakeFactory("svc", fakeSnapshot{"a": "1"}, &fakeClient{current: fakeSnapshot{}, applier: applier})

	exec, _ := newTestExecutor(1)
	report := NewOrchestrator(exec, WithPlanGuard(denyAllGuard{})).Run(context.Background(), []ServiceFactory{svc}, ModeApply)

	sr := report.Services[0]
	if sr.Status != ServiceStatusBlocked {
		t.Errorf("status = %q, want %q", sr.Status, ServiceStatusBlocked)
	}
	if sr.Plan == nil {
		t.Error("blocked service has no plan")
	}
	if sr.Result != nil {
		t.Error("blocked service was executed")
	}
	if got := applier.callCount(); got != 0 {
		t.Errorf("Apply called %d times on a blocked plan", got)
	}
	if report.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	applier := newMockApplier()
	applier.failWith("a", NewPermanentError("rejected", errors.New("422")))
	svc := fakeFactory("svc", fakeSnapshot{"a": "1", "b": "2"}, &fakeClient{current: fakeSnapshot{}, applier: applier})

	exec, _ := newTestExecutor(1)
	report := NewOrchestrator(exec).Run(context.Background(), []ServiceFactory{svc}, ModeApply)

	sr := report.Services[0]
	if sr.Status != ServiceStatusPartial {
		t.Errorf("status = %q, want %q", sr.Status, ServiceStatusPartial)
	}
	if got, want := sr.Result.Summary, (ExecutionSummary{Applied: 1, Failed: 1}); got != want {
		t.Errorf("Summary = %+v, want %+v", got, want)
	}
	if sr.Error.Resource != "a" {
		t.Errorf("error resource = %q, want %q", sr.Error.Resource, "a")
	}
}

func TestFormatText(t *testing.T) {
	plan := NewPlan("github", []Operation{
		{Type: OperationCreate, Kind: "github.team", Key: "rust-lang/compiler", Changes: []FieldDiff{{Field: "members", NewValue: "alice"}}},
		{Type: OperationUpdate, Kind: "github.team", Key: "rust-lang/infra", Changes: []FieldDiff{{Field: "members", OldValue: "alice", NewValue: "alice, bob"}}},
		{Type: OperationUpdate, Kind: "mailgun.list", Key: "a@example.com", Changes: []FieldDiff{{Field: "secrets.token", OldValue: SensitiveValue, NewValue: SensitiveValue, Sensitive: true}}},
		{Type: OperationDelete, Kind: "github.team", Key: "rust-lang/legacy", Description: "12 members"},
	}, nil, "person dave has no github account")
	report := &Report{Services: []*ServiceReport{{Service: "github", Status: ServiceStatusSucceeded, Plan: plan}}}

	var buf bytes.Buffer
	FormatText(&buf, report, true)
	out := buf.String()

	for _, want := range []string{
		"# github",
		`+ github team "rust-lang/compiler" will be created`,
		`members: "alice" → "alice, bob"`,
		"secrets.token: (sensitive) → (sensitive)",
		`- github team "rust-lang/legacy" will be deleted (12 members)`,
		"! person dave has no github account",
		"Plan: 1 to create, 2 to update, 1 to delete.",
		"All 1 service(s) succeeded.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("output contains color codes:\n%s", out)
	}
}

func TestFormatText_FailedService(t *testing.T) {
	report := &Report{Services: []*ServiceReport{{
		Service: "github",
		Status:  ServiceStatusFailed,
		Error:   NewConfigurationError("GITHUB_TOKEN is not set", nil).WithService("github"),
	}}}

	var buf bytes.Buffer
	FormatText(&buf, report, true)

	for _, want := range []string{"GITHUB_TOKEN is not set", "1 of 1 service(s) failed: github"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestFormatJSON(t *testing.T) {
	plan := NewPlan("zulip", []Operation{{Type: OperationCreate, Kind: "zulip.group", Key: "t-infra"}}, nil)
	report := &Report{RunID: "run", Mode: ModeDryRun, Services: []*ServiceReport{{Service: "zulip", Status: ServiceStatusSucceeded, Plan: plan}}}

	var buf bytes.Buffer
	if err := FormatJSON(&buf, report); err != nil {
		t.Fatalf("FormatJSON() error = %v", err)
	}

	var decoded struct {
		RunID     string `json:"run_id"`
		Succeeded bool   `json:"succeeded"`
		Services  []struct {
			Service string      `json:"service"`
			Summary PlanSummary `json:"summary"`
		} `json:"services"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if decoded.RunID != "run" {
		t.Errorf("run_id = %q, want %q", decoded.RunID, "run")
	}
	if !decoded.Succeeded {
		t.Error("succeeded = false, want true")
	}
	if len(decoded.Services) != 1 {
		t.Fatalf("len(services) = %d, want 1", len(decoded.Services))
	}
	if got := decoded.Services[0].Summary.Creates; got != 1 {
		t.Errorf("creates = %d, want 1", got)
	}
}
