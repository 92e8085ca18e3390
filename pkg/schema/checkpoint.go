package schema

import "time"

// CheckpointReason records why a checkpoint was created.
type CheckpointReason string

const (
	CheckpointManual     CheckpointReason = "manual"
	CheckpointOperator   CheckpointReason = "operator"
	CheckpointFailure    CheckpointReason = "failure"
	CheckpointTimeout    CheckpointReason = "timeout"
	CheckpointInterval   CheckpointReason = "interval"
	CheckpointCompletion CheckpointReason = "completion"
)

// ExecutionCheckpoint is a durable, resumable snapshot of a run. The
// composition and state are deep copies; mutating a live run never mutates a
// saved checkpoint.
type ExecutionCheckpoint struct {
	ID          string           `json:"id"`
	ExecutionID string           `json:"execution_id"`
	Composition Composition      `json:"composition"`
	Order       []string         `json:"order"`
	NextIndex   int              `json:"next_index"`
	State       map[string]any   `json:"state,omitempty"`
	MissingKeys []string         `json:"missing_keys,omitempty"`

	ContinueOnFailure bool             `json:"continue_on_failure,omitempty"`
	Reason            CheckpointReason `json:"reason"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Validate checks the structural invariants a checkpoint must satisfy before
// a run may resume from it.
func (c *ExecutionCheckpoint) Validate() error {
	if c.ID == "" {
		return NewError(CodeCheckpointInvalid, "checkpoint has no id")
	}
	if c.ExecutionID == "" {
		return NewError(CodeCheckpointInvalid, "checkpoint has no execution id")
	}
	if c.NextIndex < 0 || c.NextIndex > len(c.Order) {
		return NewErrorf(CodeCheckpointInvalid,
			"checkpoint next_index %d out of range [0, %d]", c.NextIndex, len(c.Order))
	}
	if len(c.Order) != len(c.Composition.Primitives) {
		return NewErrorf(CodeCheckpointInvalid,
			"checkpoint order length %d does not match composition primitive count %d",
			len(c.Order), len(c.Composition.Primitives))
	}
	return nil
}
