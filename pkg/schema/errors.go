package schema

import "fmt"

// Primitive-level issue codes. These appear in Issue.Code, tagged with the
// phase that produced them.
const (
	CodeContractMissing         = "primitive_contract_missing"
	CodeExecutorMissing         = "primitive_executor_missing"
	CodeExecutionFailed         = "primitive_execution_failed"
	CodeInputInvalid            = "primitive_input_invalid"
	CodeInputMissing            = "primitive_input_missing"
	CodePreconditionFailed      = "primitive_precondition_failed"
	CodeOutputInvalid           = "primitive_output_invalid"
	CodeOutputForbiddenKey      = "primitive_output_forbidden_key"
	CodeOutputCircularReference = "primitive_output_circular_reference"
	CodePostconditionFailed     = "primitive_postcondition_failed"
	CodeConditionInvalid        = "primitive_condition_invalid"
)

// Composition and checkpoint error codes.
const (
	CodeSelfLoopDetected      = "composition_self_loop_detected"
	CodeCycleDetected         = "composition_cycle_detected"
	CodeMissingPrimitive      = "composition_missing_primitive"
	CodeMissingDependency     = "composition_missing_dependency"
	CodeSetupFailed           = "composition_setup_failed"
	CodeOperatorSetupFailed   = "composition_operator_setup_failed"
	CodeRuntimeFailed         = "composition_runtime_failed"
	CodeOperatorTerminated    = "composition_operator_terminated"
	CodeOperatorEscalated     = "composition_operator_escalated"
	CodeOperatorBranchInvalid = "composition_operator_branch_unresolved"

	CodeCheckpointNotFound      = "checkpoint_not_found"
	CodeCheckpointInvalid       = "checkpoint_invalid"
	CodeCheckpointMismatch      = "checkpoint_composition_mismatch"
	CodeCheckpointPersistFailed = "checkpoint_persist_failed"
	CodeCheckpointStoreVolatile = "checkpoint_store_volatile"
)

// ConductError is the structured error type for all engine operations.
type ConductError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	PrimitiveID string         `json:"primitive_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *ConductError) Error() string {
	if e.PrimitiveID != "" {
		return fmt.Sprintf("[%s] primitive %s: %s", e.Code, e.PrimitiveID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductError.
func NewError(code, message string) *ConductError {
	return &ConductError{Code: code, Message: message}
}

// NewErrorf creates a new ConductError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductError {
	return &ConductError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPrimitive attaches a primitive ID to the error.
func (e *ConductError) WithPrimitive(id string) *ConductError {
	e.PrimitiveID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductError) WithCause(err error) *ConductError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductError) WithDetails(details map[string]any) *ConductError {
	e.Details = details
	return e
}
