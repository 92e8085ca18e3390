package schema

import "encoding/json"

// Primitive is an atomic, contract-validated unit of work. Primitives are
// immutable once defined; a composition references them by ID.
type Primitive struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Intent   string    `json:"intent,omitempty"`
	Actions  []string  `json:"actions,omitempty"`
	Inputs   []string  `json:"inputs,omitempty"`  // required input names
	Outputs  []string  `json:"outputs,omitempty"` // declared output names
	Contract *Contract `json:"contract,omitempty"`
}

// Contract declares the typed input/output surface of a primitive plus the
// pre/postcondition expressions an external validator checks around execution.
type Contract struct {
	Inputs         []ContractField `json:"inputs,omitempty"`
	Outputs        []ContractField `json:"outputs,omitempty"`
	Preconditions  []string        `json:"preconditions,omitempty"`
	Postconditions []string        `json:"postconditions,omitempty"`
}

// ContractField is one typed field in a contract. Type is a coarse kind
// (string, number, bool, object, array, any); Schema optionally carries a
// full JSON Schema for structural validation.
type ContractField struct {
	Name     string          `json:"name"`
	Type     string          `json:"type,omitempty"`
	Required bool            `json:"required,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

// RelationKind enumerates the explicit edge kinds between primitives.
type RelationKind string

const (
	RelationDependsOn RelationKind = "depends_on"
	RelationBlocks    RelationKind = "blocks"
	RelationEnables   RelationKind = "enables"
)

// Relationship is one typed edge between two primitives in a composition.
// For depends_on, From depends on To (To runs first). For blocks and
// enables, From runs before To.
type Relationship struct {
	Kind RelationKind `json:"kind"`
	From string       `json:"from"`
	To   string       `json:"to"`
}

// OperatorType enumerates the control-flow decorator kinds.
type OperatorType string

const (
	OpParallel       OperatorType = "parallel"
	OpConditional    OperatorType = "conditional"
	OpLoop           OperatorType = "loop"
	OpRetry          OperatorType = "retry"
	OpCircuitBreaker OperatorType = "circuit_breaker"
	OpFallback       OperatorType = "fallback"
	OpQuorum         OperatorType = "quorum"
	OpConsensus      OperatorType = "consensus"
	OpTimebox        OperatorType = "timebox"
	OpBudgetCap      OperatorType = "budget_cap"
	OpGate           OperatorType = "gate"
	OpInterrupt      OperatorType = "interrupt"
	OpEscalate       OperatorType = "escalate"
	OpThrottle       OperatorType = "throttle"
	OpCheckpoint     OperatorType = "checkpoint"
	OpPersist        OperatorType = "persist"
	OpSequence       OperatorType = "sequence"
	OpMerge          OperatorType = "merge"
	OpFanout         OperatorType = "fanout"
	OpFanin          OperatorType = "fanin"
	OpBackoff        OperatorType = "backoff"
	OpMonitor        OperatorType = "monitor"
	OpReplay         OperatorType = "replay"
	OpCache          OperatorType = "cache"
	OpReduce         OperatorType = "reduce"
)

// Operator is a control-flow decorator bound to a composition. Operators do
// not own primitives; they observe the ones listed in Inputs and may redirect
// flow toward the ones listed in Outputs.
//
// Conditions are strings of the form "<boolean-expression> [=> <target-id>]".
type Operator struct {
	ID         string         `json:"id"`
	Type       OperatorType   `json:"type"`
	Inputs     []string       `json:"inputs,omitempty"`
	Outputs    []string       `json:"outputs,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Conditions []string       `json:"conditions,omitempty"`
}

// ParamString returns a string parameter or the fallback.
func (o *Operator) ParamString(key, fallback string) string {
	if v, ok := o.Params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ParamNumber returns a numeric parameter or the fallback. JSON-decoded
// params arrive as float64; int and int64 are accepted for programmatic use.
func (o *Operator) ParamNumber(key string, fallback float64) float64 {
	switch v := o.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// Composition is a named DAG of primitives, relationships, and operators.
// The declared primitive order doubles as the topological tie-break priority.
type Composition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Primitives    []Primitive    `json:"primitives"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Operators     []Operator     `json:"operators,omitempty"`

	// GraphVersion selects edge-derivation rules: 0 is legacy (dense
	// input×output edges for every operator), >=1 uses per-type edge styles.
	GraphVersion int `json:"graph_version,omitempty"`
}

// Primitive returns the primitive with the given ID, or nil.
func (c *Composition) Primitive(id string) *Primitive {
	for i := range c.Primitives {
		if c.Primitives[i].ID == id {
			return &c.Primitives[i]
		}
	}
	return nil
}

// PrimitiveIDs returns the declared primitive IDs in order.
func (c *Composition) PrimitiveIDs() []string {
	ids := make([]string, len(c.Primitives))
	for i := range c.Primitives {
		ids[i] = c.Primitives[i].ID
	}
	return ids
}
