package schema

import "time"

// ActionKind discriminates the operator action union.
type ActionKind int

const (
	ActionContinue ActionKind = iota
	ActionCheckpoint
	ActionSkip
	ActionRetry
	ActionBranch
	ActionTerminate
	ActionEscalate
)

func (k ActionKind) String() string {
	switch k {
	case ActionContinue:
		return "continue"
	case ActionCheckpoint:
		return "checkpoint"
	case ActionSkip:
		return "skip"
	case ActionRetry:
		return "retry"
	case ActionBranch:
		return "branch"
	case ActionTerminate:
		return "terminate"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// EscalationLevel names the authority an escalation hands control to.
type EscalationLevel string

const (
	EscalateAgent     EscalationLevel = "agent"
	EscalateTeam      EscalationLevel = "team"
	EscalateHuman     EscalationLevel = "human"
	EscalateEmergency EscalationLevel = "emergency"
)

// Action is the tagged union an operator callback returns. Only the fields
// relevant to the Kind are populated.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Retry
	Delay time.Duration `json:"delay,omitempty"`

	// Branch
	Target string `json:"target,omitempty"`

	// Skip / Terminate / Escalate
	Reason string `json:"reason,omitempty"`

	// Checkpoint
	Snapshot map[string]any `json:"snapshot,omitempty"`
	Terminal bool           `json:"terminal,omitempty"` // checkpoint-then-terminate

	// Escalate
	Level EscalationLevel `json:"level,omitempty"`

	// Operator that produced the action, and free-form extras.
	OperatorID string         `json:"operator_id,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Priority orders simultaneous actions from operators bound to the same
// primitive: escalate and terminate outrank branch, then retry, skip,
// checkpoint, and finally continue.
func (a Action) Priority() int {
	switch a.Kind {
	case ActionEscalate, ActionTerminate:
		return 5
	case ActionBranch:
		return 4
	case ActionRetry:
		return 3
	case ActionSkip:
		return 2
	case ActionCheckpoint:
		return 1
	default:
		return 0
	}
}

// Convenience constructors keep callback bodies terse.

func Continue() Action { return Action{Kind: ActionContinue} }

func Retry(delay time.Duration) Action { return Action{Kind: ActionRetry, Delay: delay} }

func Branch(target string) Action { return Action{Kind: ActionBranch, Target: target} }

func Skip(reason string) Action { return Action{Kind: ActionSkip, Reason: reason} }

func Terminate(reason string) Action { return Action{Kind: ActionTerminate, Reason: reason} }

func CheckpointWith(snapshot map[string]any, terminal bool) Action {
	return Action{Kind: ActionCheckpoint, Snapshot: snapshot, Terminal: terminal}
}

func Escalate(level EscalationLevel, reason string) Action {
	if level == "" {
		level = EscalateHuman
	}
	return Action{Kind: ActionEscalate, Level: level, Reason: reason}
}
