package schema

import "time"

// ExecStatus is the outcome classification of a primitive execution.
type ExecStatus string

const (
	StatusSuccess ExecStatus = "success"
	StatusPartial ExecStatus = "partial"
	StatusFailed  ExecStatus = "failed"
)

// IssuePhase tags an issue with the validation/execution phase it came from.
type IssuePhase string

const (
	PhaseInput     IssuePhase = "input"
	PhaseOutput    IssuePhase = "output"
	PhaseCondition IssuePhase = "condition"
	PhaseExecution IssuePhase = "execution"
)

// Issue is one typed problem detected while executing a primitive.
type Issue struct {
	Phase   IssuePhase `json:"phase"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Field   string     `json:"field,omitempty"`
}

// EvidenceEntry records one observable fact produced during execution:
// handler output provenance, operator events, condition diagnostics.
// Entries of Kind "llm" carry token usage consumed by the budget_cap
// operator.
type EvidenceEntry struct {
	Kind      string         `json:"kind"`
	Source    string         `json:"source,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Tokens    int            `json:"tokens,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// PrimitiveResult is the report for one primitive execution.
type PrimitiveResult struct {
	PrimitiveID string          `json:"primitive_id"`
	Status      ExecStatus      `json:"status"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Issues      []Issue         `json:"issues,omitempty"`
	Evidence    []EvidenceEntry `json:"evidence,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMs  int64           `json:"duration_ms"`
}

// DeriveStatus computes the result status from the recorded issues:
// any input/condition/execution issue or an invalid output fails the
// primitive; postcondition issues alone degrade it to partial.
func (r *PrimitiveResult) DeriveStatus() ExecStatus {
	partial := false
	for _, is := range r.Issues {
		switch is.Phase {
		case PhaseInput, PhaseExecution:
			return StatusFailed
		case PhaseCondition:
			if is.Code == CodePreconditionFailed || is.Code == CodeConditionInvalid {
				return StatusFailed
			}
			partial = true
		case PhaseOutput:
			if is.Code == CodePostconditionFailed {
				partial = true
			} else {
				return StatusFailed
			}
		}
	}
	if partial {
		return StatusPartial
	}
	return StatusSuccess
}

// Failed reports whether the result is a hard failure.
func (r *PrimitiveResult) Failed() bool {
	return r.Status == StatusFailed
}

// StepResult is a PrimitiveResult positioned inside a composition run.
type StepResult struct {
	PrimitiveResult
	Position int `json:"position"` // index in the execution order
}
