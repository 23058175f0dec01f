package policy

import (
	"time"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks execution of the offending plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks execution of the offending plan.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity stop execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated against plans.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Limits are the thresholds exposed to policies as input.limits.
type Limits struct {
	// MaxDeletions is the largest number of deletions a plan may carry.
	// Zero disables the check.
	MaxDeletions int `json:"max_deletions"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Service    string             `json:"service"`
	PlanID     string             `json:"plan_id"`
	Operations []engine.Operation `json:"operations"`
	Summary    engine.PlanSummary `json:"summary"`
	Limits     Limits             `json:"limits"`
	Timestamp  time.Time          `json:"timestamp"`
}

// NewInput builds the policy input of a plan.
func NewInput(plan *engine.Plan, limits Limits, now time.Time) *Input {
	ops := plan.Operations
	if ops == nil {
		ops = []engine.Operation{}
	}
	return &Input{
		Service:    plan.Service,
		PlanID:     plan.ID,
		Operations: ops,
		Summary:    plan.Summary(),
		Limits:     limits,
		Timestamp:  now,
	}
}
