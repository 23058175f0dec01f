package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// ServiceFactory builds the pipeline of one service. Build runs inside the
// service's own task, so a missing credential fails that service only.
type ServiceFactory struct {
	Name  string
	Build func(ctx context.Context) (Pipeline, error)
}

// ServiceReport is the outcome of one service's run.
type ServiceReport struct {
	Service  string           `json:"service"`
	Status   ServiceStatus    `json:"status"`
	Plan     *Plan            `json:"plan,omitempty"`
	Guard    *GuardResult     `json:"guard,omitempty"`
	Result   *ExecutionResult `json:"result,omitempty"`
	Error    *EngineError     `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`

	pipeline Pipeline
}

// Succeeded returns true if the service completed without a reported failure.
func (s *ServiceReport) Succeeded() bool {
	return s.Status.IsSuccess()
}

// Report aggregates every selected service.
type Report struct {
	RunID       string           `json:"run_id"`
	Mode        Mode             `json:"mode"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Services    []*ServiceReport `json:"services"`
}

// Succeeded returns true only if every selected service succeeded.
func (r *Report) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Services {
		if !s.Succeeded() {
			return false
		}
	}
	return true
}

// Plans returns the plans of every service that produced one, in service order.
func (r *Report) Plans() []*Plan {
	var plans []*Plan
	for _, s := range r.Services {
		if s.Plan != nil {
			plans = append(plans, s.Plan)
		}
	}
	return plans
}

// Failed returns the reports of services that did not succeed.
func (r *Report) Failed() []*ServiceReport {
	var out []*ServiceReport
	for _, s := range r.Services {
		if !s.Succeeded() {
			out = append(out, s)
		}
	}
	return out
}

// Orchestrator runs the selected services' pipelines.
type Orchestrator struct {
	executor *Executor
	guard    PlanGuard
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPlanGuard sets the guard evaluated against every plan.
func WithPlanGuard(g PlanGuard) OrchestratorOption {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

// WithOrchestratorTracer sets the tracer used for per-service spans.
func WithOrchestratorTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an orchestrator that executes plans with executor.
func NewOrchestrator(executor *Executor, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		executor: executor,
		tracer:   noop.NewTracerProvider().Tracer("engine"),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run plans every service concurrently and, in apply mode, executes the
// plans that passed the guard. One service's failure never cancels or
// affects another.
func (o *Orchestrator) Run(ctx context.Context, services []ServiceFactory, mode Mode) *Report {
	report := o.PlanAll(ctx, services)
	report.Mode = mode
	o.ExecuteAll(ctx, report, mode)
	return report
}

// PlanAll builds, reads, diffs and guards every service without writing.
func (o *Orchestrator) PlanAll(ctx context.Context, services []ServiceFactory) *Report {
	report := &Report{
		RunID:     uuid.New().String(),
		Mode:      ModeDryRun,
		StartedAt: time.Now(),
		Services:  make([]*ServiceReport, len(services)),
	}

	// A plain group: errors are recorded per service, never returned,
	// so no sibling is cancelled.
	var g errgroup.Group
	for i, svc := range services {
		g.Go(func() error {
			report.Services[i] = o.planService(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(report.Services, func(i, j int) bool {
		return report.Services[i].Service < report.Services[j].Service
	})
	report.CompletedAt = time.Now()
	return report
}

// ExecuteAll runs the executor on every planned service concurrently.
// Services that failed planning or were blocked are left untouched.
func (o *Orchestrator) ExecuteAll(ctx context.Context, report *Report, mode Mode) {
	report.Mode = mode

	var g errgroup.Group
	for _, sr := range report.Services {
		if sr.Plan == nil || sr.Status != ServiceStatusSucceeded {
			continue
		}
		g.Go(func() error {
			o.executeService(ctx, sr, mode)
			return nil
		})
	}
	_ = g.Wait()
	report.CompletedAt = time.Now()
}

func (o *Orchestrator) planService(ctx context.Context, svc ServiceFactory) (sr *ServiceReport) {
	start := time.Now()
	sr = &ServiceReport{Service: svc.Name, Status: ServiceStatusSucceeded}
	log := o.logger.With().Str("service", svc.Name).Logger()

	ctx, span := o.tracer.Start(ctx, "plan "+svc.Name, trace.WithAttributes(attribute.String("service", svc.Name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			sr.fail(NewPermanentError(fmt.Sprintf("pipeline panicked: %v", r), nil).WithCode(ErrCodeInternal))
			log.Error().Interface("panic", r).Msg("Service pipeline panicked")
		}
		sr.Duration = time.Since(start)
		if sr.Error != nil {
			span.RecordError(sr.Error)
			span.SetStatus(codes.Error, sr.Error.Error())
		}
	}()

	p, err := svc.Build(ctx)
	if err != nil {
		sr.fail(classify(err))
		log.Error().Err(err).Msg("Failed to initialize service")
		return sr
	}
	sr.pipeline = p

	var retry Retrier
	if o.executor != nil {
		retry = o.executor
	}
	plan, err := p.Plan(ctx, retry)
	if err != nil {
		sr.fail(classify(err))
		log.Error().Err(err).Msg("Failed to compute plan")
		return sr
	}
	sr.Plan = plan

	summary := plan.Summary()
	log.Info().
		Int("creates", summary.Creates).
		Int("updates", summary.Updates).
		Int("deletes", summary.Deletes).
		Int("warnings", len(plan.Warnings)).
		Msg("Plan computed")

	if o.guard == nil {
		return sr
	}
	verdict, err := o.guard.Check(ctx, plan)
	if err != nil {
		sr.fail(classify(err).WithCode(ErrCodePolicyDenied))
		log.Error().Err(err).Msg("Failed to evaluate plan guard")
		return sr
	}
	sr.Guard = verdict
	if !verdict.Allowed {
		sr.Status = ServiceStatusBlocked
		sr.Error = NewPermanentError("plan rejected by policy", nil).
			WithCode(ErrCodePolicyDenied).
			WithService(svc.Name)
		log.Warn().Int("violations", len(verdict.Violations)).Msg("Plan blocked by policy")
	}
	return sr
}

func (o *Orchestrator) executeService(ctx context.Context, sr *ServiceReport, mode Mode) {
	start := time.Now()
	log := o.logger.With().Str("service", sr.Service).Logger()

	ctx, span := o.tracer.Start(ctx, "execute "+sr.Service, trace.WithAttributes(
		attribute.String("service", sr.Service),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			sr.fail(NewPermanentError(fmt.Sprintf("executor panicked: %v", r), nil).WithCode(ErrCodeInternal))
			log.Error().Interface("panic", r).Msg("Service execution panicked")
		}
		sr.Duration += time.Since(start)
	}()

	sr.Result = o.executor.Execute(ctx, sr.Plan, sr.pipeline.Applier(), mode)
	if !sr.Result.Succeeded() {
		sr.Status = ServiceStatusPartial
		sr.Error = sr.Result.FirstError
		span.SetStatus(codes.Error, "operations failed")
	}
}

func (s *ServiceReport) fail(err *EngineError) {
	if err.Service == "" {
		err.Service = s.Service
	}
	s.Status = ServiceStatusFailed
	s.Error = err
}
