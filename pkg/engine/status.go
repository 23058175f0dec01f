package engine

import (
	"encoding/json"
	"fmt"
)

// OperationType represents the type of change an operation makes to an entity.
type OperationType string

const (
	// OperationCreate indicates the entity is absent and must be created.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates the entity exists but some fields differ.
	OperationUpdate OperationType = "update"

	// OperationDelete indicates the entity exists but is no longer desired.
	OperationDelete OperationType = "delete"
)

// IsDestructive returns true if the operation removes an entity.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete
}

// Symbol returns the single character used to mark the operation in rendered plans.
func (o OperationType) Symbol() string {
	switch o {
	case OperationCreate:
		return "+"
	case OperationUpdate:
		return "~"
	case OperationDelete:
		return "-"
	default:
		return "?"
	}
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o OperationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *OperationType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = OperationType(str)
	return o.Validate()
}

// OutcomeStatus represents what happened to a single operation during execution.
type OutcomeStatus string

const (
	// OutcomeApplied indicates the write call succeeded.
	OutcomeApplied OutcomeStatus = "applied"

	// OutcomeFailed indicates the write call failed permanently or exhausted its retries.
	OutcomeFailed OutcomeStatus = "failed"

	// OutcomeSkipped indicates no write call was made (dry run or cancellation).
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Validate checks if the outcome status is valid.
func (s OutcomeStatus) Validate() error {
	switch s {
	case OutcomeApplied, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome status: %s", s)
	}
}

// Mode selects whether the executor performs writes.
type Mode string

const (
	// ModeDryRun renders the plan without calling any write method.
	ModeDryRun Mode = "dry-run"

	// ModeApply performs the writes.
	ModeApply Mode = "apply"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeDryRun, ModeApply:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s", m)
	}
}

// ServiceStatus is the aggregate outcome of one service's pipeline.
type ServiceStatus string

const (
	// ServiceStatusSucceeded indicates every step and operation succeeded.
	ServiceStatusSucceeded ServiceStatus = "succeeded"

	// ServiceStatusPartial indicates the plan ran but some operations failed.
	ServiceStatusPartial ServiceStatus = "partial"

	// ServiceStatusFailed indicates the pipeline aborted before or during execution.
	ServiceStatusFailed ServiceStatus = "failed"

	// ServiceStatusBlocked indicates the plan guard refused the plan.
	ServiceStatusBlocked ServiceStatus = "blocked"
)

// IsSuccess returns true if the status counts as a successful run.
func (s ServiceStatus) IsSuccess() bool {
	return s == ServiceStatusSucceeded
}

// Validate checks if the service status is valid.
func (s ServiceStatus) Validate() error {
	switch s {
	case ServiceStatusSucceeded, ServiceStatusPartial, ServiceStatusFailed, ServiceStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid service status: %s", s)
	}
}
