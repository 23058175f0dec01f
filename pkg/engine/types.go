package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SensitiveValue replaces the old and new values of a field whose content must not be shown.
const SensitiveValue = "(sensitive)"

// Kind names the entity type an operation targets, e.g. "github.team".
type Kind string

// KindRead labels retries of a service's read calls in metrics.
const KindRead Kind = "read"

// LayerFunc returns the dependency layer of a kind. Lower layers are
// created first and deleted last.
type LayerFunc func(Kind) int

// FieldDiff describes a single field change within an operation.
type FieldDiff struct {
	// Field is the logical field name, e.g. "members" or "permission".
	Field string `json:"field"`

	// OldValue is the rendered current value. Empty for creates.
	OldValue string `json:"old_value"`

	// NewValue is the rendered desired value. Empty for deletes.
	NewValue string `json:"new_value"`

	// Sensitive marks values that were replaced by SensitiveValue.
	Sensitive bool `json:"sensitive,omitempty"`
}

// Operation is a single pending change to one entity of one service.
// Operations are data; nothing happens until an executor applies them.
type Operation struct {
	// ID is assigned by NewPlan.
	ID string `json:"id"`

	// Service is the owning service name.
	Service string `json:"service"`

	// Type is create, update or delete.
	Type OperationType `json:"type"`

	// Kind is the entity kind.
	Kind Kind `json:"kind"`

	// Key is the normalized identity of the entity within its kind.
	Key string `json:"key"`

	// Changes lists the fields that differ. For creates, every desired field.
	Changes []FieldDiff `json:"changes,omitempty"`

	// Payload is the typed, service-specific input for the write call:
	// the full desired record for creates, the changed fields plus
	// identifying context for updates, identifying context for deletes.
	Payload any `json:"-"`

	// Sensitive marks operations whose payload holds decrypted secrets.
	Sensitive bool `json:"sensitive,omitempty"`

	// Description is a short human detail, e.g. "12 members".
	Description string `json:"description,omitempty"`
}

// String returns a one-line description of the operation.
func (o Operation) String() string {
	s := fmt.Sprintf("%s %s %q", o.Type, o.Kind, o.Key)
	if o.Description != "" {
		s += " (" + o.Description + ")"
	}
	return s
}

// Plan is the ordered set of operations for one service.
// A plan is not modified after NewPlan returns it.
type Plan struct {
	// ID uniquely identifies this plan instance.
	ID string `json:"id"`

	// Service is the owning service name.
	Service string `json:"service"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Operations in execution order.
	Operations []Operation `json:"operations"`

	// Warnings are non-actionable findings, e.g. unresolved members.
	Warnings []string `json:"warnings,omitempty"`
}

// PlanSummary holds counts of planned operations.
type PlanSummary struct {
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Total returns the number of operations.
func (s PlanSummary) Total() int {
	return s.Creates + s.Updates + s.Deletes
}

// NewPlan assigns identifiers to ops and orders them: creates and updates
// by ascending layer, then deletes by descending layer, ties broken by key.
func NewPlan(service string, ops []Operation, layer LayerFunc, warnings ...string) *Plan {
	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	for i := range sorted {
		sorted[i].ID = uuid.New().String()
		sorted[i].Service = service
	}
	sortOperations(sorted, layer)

	w := append([]string(nil), warnings...)
	sort.Strings(w)

	return &Plan{
		ID:         uuid.New().String(),
		Service:    service,
		CreatedAt:  time.Now().UTC(),
		Operations: sorted,
		Warnings:   w,
	}
}

func sortOperations(ops []Operation, layer LayerFunc) {
	if layer == nil {
		layer = func(Kind) int { return 0 }
	}
	sort.SliceStable(ops, func(i, j int) bool {
		oi, oj := ops[i], ops[j]

		iDel := oi.Type == OperationDelete
		jDel := oj.Type == OperationDelete
		if iDel != jDel {
			return !iDel
		}

		li, lj := layer(oi.Kind), layer(oj.Kind)
		if li != lj {
			if iDel {
				return li > lj
			}
			return li < lj
		}

		if oi.Key != oj.Key {
			return oi.Key < oj.Key
		}
		return operationPriority(oi.Type) < operationPriority(oj.Type)
	})
}

// operationPriority orders operations on the same key.
func operationPriority(op OperationType) int {
	switch op {
	case OperationCreate:
		return 0
	case OperationUpdate:
		return 1
	default:
		return 2
	}
}

// Summary returns counts of creates, updates and deletes.
func (p *Plan) Summary() PlanSummary {
	var s PlanSummary
	if p == nil {
		return s
	}
	for _, op := range p.Operations {
		switch op.Type {
		case OperationCreate:
			s.Creates++
		case OperationUpdate:
			s.Updates++
		case OperationDelete:
			s.Deletes++
		}
	}
	return s
}

// IsEmpty returns true if the plan holds no operations.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Operations) == 0
}

// Canonical returns a stable textual form of the plan content with
// identifiers and timestamps excluded. Two plans computing the same
// changes have the same canonical form.
func (p *Plan) Canonical() string {
	var b strings.Builder
	if p == nil {
		return ""
	}
	fmt.Fprintf(&b, "service %s\n", p.Service)
	for _, op := range p.Operations {
		fmt.Fprintf(&b, "%s %s %s\n", op.Type, op.Kind, op.Key)
		for _, c := range op.Changes {
			fmt.Fprintf(&b, "  %s %q %q\n", c.Field, c.OldValue, c.NewValue)
		}
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(&b, "warning %s\n", w)
	}
	return b.String()
}

// OperationOutcome records what happened to one operation.
type OperationOutcome struct {
	Operation Operation     `json:"operation"`
	Status    OutcomeStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason,omitempty"`
	Error     *EngineError  `json:"error,omitempty"`
}

// ExecutionSummary aggregates outcomes for one service.
type ExecutionSummary struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ExecutionResult is the per-operation record of executing one plan.
type ExecutionResult struct {
	Service     string             `json:"service"`
	Mode        Mode               `json:"mode"`
	Outcomes    []OperationOutcome `json:"outcomes"`
	Summary     ExecutionSummary   `json:"summary"`
	FirstError  *EngineError       `json:"first_error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Succeeded returns true if no operation failed.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Summary.Failed == 0 && r.FirstError == nil
}

func (r *ExecutionResult) record(o OperationOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case OutcomeApplied:
		r.Summary.Applied++
	case OutcomeFailed:
		r.Summary.Failed++
		if r.FirstError == nil {
			r.FirstError = o.Error
		}
	case OutcomeSkipped:
		r.Summary.Skipped++
	}
}
