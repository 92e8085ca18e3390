package engine

import (
	"context"
	"fmt"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// baseOp provides continue-everything defaults so interpreters only spell
// out the callbacks they care about.
type baseOp struct{}

func (baseOp) BeforeExecute(context.Context, *OpContext) schema.Action {
	return schema.Continue()
}

func (baseOp) AfterPrimitive(context.Context, *OpContext, *schema.Primitive, *schema.PrimitiveResult) schema.Action {
	return schema.Continue()
}

func (baseOp) AfterExecute(context.Context, *OpContext, []*schema.PrimitiveResult) schema.Action {
	return schema.Continue()
}

// conditionalOp branches after its input completes: conditions are evaluated
// in order and the first match wins. The branch target is the condition's
// own "=> target", or the operator output slot at the condition's index, or
// the default/defaultTarget parameter. No match skips.
type conditionalOp struct{ baseOp }

func (o *conditionalOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, _ *schema.PrimitiveResult) schema.Action {
	cond, idx, diags := oc.Runtime.MatchCondition(oc.State)
	for _, d := range diags {
		oc.AddDiagnostic(d)
	}
	if cond == nil {
		return schema.Skip("no condition matched")
	}
	target := cond.Target
	if target == "" && idx < len(oc.Operator.Outputs) {
		target = oc.Operator.Outputs[idx]
	}
	if target == "" {
		target = oc.Operator.ParamString("defaultTarget", oc.Operator.ParamString("default", ""))
	}
	if target == "" {
		return schema.Skip("matched condition has no target")
	}
	return schema.Branch(target)
}

// gateOp guards progress: a matching condition halts the run, by terminate
// (default) or by a terminal checkpoint per the onFail/action parameter.
type gateOp struct{ baseOp }

func (o *gateOp) BeforeExecute(_ context.Context, oc *OpContext) schema.Action {
	cond, _, diags := oc.Runtime.MatchCondition(oc.State)
	for _, d := range diags {
		oc.AddDiagnostic(d)
	}
	if cond == nil {
		return schema.Continue()
	}
	mode := oc.Operator.ParamString("onFail", oc.Operator.ParamString("action", "terminate"))
	if mode == "checkpoint" {
		return schema.CheckpointWith(oc.State, true)
	}
	return schema.Terminate(fmt.Sprintf("gate %s tripped on %q", oc.Operator.ID, cond.Source))
}

// interruptOp terminates immediately when it has no usable conditions, or
// when any condition matches.
type interruptOp struct{ baseOp }

func (o *interruptOp) BeforeExecute(_ context.Context, oc *OpContext) schema.Action {
	if !oc.Runtime.HasValidConditions() {
		return schema.Terminate(fmt.Sprintf("interrupt %s is unconditional", oc.Operator.ID))
	}
	cond, _, diags := oc.Runtime.MatchCondition(oc.State)
	for _, d := range diags {
		oc.AddDiagnostic(d)
	}
	if cond != nil {
		return schema.Terminate(fmt.Sprintf("interrupt %s tripped on %q", oc.Operator.ID, cond.Source))
	}
	return schema.Continue()
}

// escalateOp unconditionally hands control to a configured authority level.
type escalateOp struct{ baseOp }

func (o *escalateOp) BeforeExecute(_ context.Context, oc *OpContext) schema.Action {
	level := schema.EscalationLevel(oc.Operator.ParamString("level", string(schema.EscalateHuman)))
	return schema.Escalate(level, fmt.Sprintf("escalated by operator %s", oc.Operator.ID))
}

// fallbackOp branches to the next untried output when a bound primitive
// fails; exhausting the output list terminates.
type fallbackOp struct {
	baseOp
	tried int
}

func (o *fallbackOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, res *schema.PrimitiveResult) schema.Action {
	if !res.Failed() {
		return schema.Continue()
	}
	if o.tried >= len(oc.Operator.Outputs) {
		return schema.Terminate(fmt.Sprintf("fallback %s exhausted all %d alternatives", oc.Operator.ID, len(oc.Operator.Outputs)))
	}
	target := oc.Operator.Outputs[o.tried]
	o.tried++
	return schema.Branch(target)
}

// checkpointOp (also registered for persist) unconditionally snapshots
// current shared state.
type checkpointOp struct{ baseOp }

func (o *checkpointOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, _ *schema.PrimitiveResult) schema.Action {
	return schema.CheckpointWith(oc.State, false)
}
