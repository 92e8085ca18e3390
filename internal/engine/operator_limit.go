package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// loopOp repeats its input block. Each completed pass bumps the iteration
// counter; once maxIterations (default 100) is reached the loop ends
// gracefully. Otherwise an exit condition may end or redirect the loop, and
// with no match the flow branches back to the first input.
type loopOp struct {
	baseOp
	iterations int
}

func (o *loopOp) AfterExecute(_ context.Context, oc *OpContext, _ []*schema.PrimitiveResult) schema.Action {
	o.iterations++
	maxIter := int(oc.Operator.ParamNumber("maxIterations", 100))
	if o.iterations >= maxIter {
		return schema.Continue()
	}

	cond, _, diags := oc.Runtime.MatchCondition(oc.State)
	for _, d := range diags {
		oc.AddDiagnostic(d)
	}
	if cond != nil {
		if cond.Target != "" {
			return schema.Branch(cond.Target)
		}
		return schema.Continue()
	}

	if len(oc.Operator.Inputs) == 0 {
		return schema.Continue()
	}
	return schema.Branch(oc.Operator.Inputs[0])
}

// timeboxOp bounds a section's wall-clock time. The deadline comes from
// timeoutMs/limitMs (default 60s) counted from the first bound primitive, or
// from an explicit RFC 3339 "deadline" parameter. Past the deadline each
// completion either terminates or checkpoints per onTimeout.
type timeboxOp struct {
	baseOp
	deadline time.Time
}

func (o *timeboxOp) BeforeExecute(_ context.Context, oc *OpContext) schema.Action {
	if !o.deadline.IsZero() {
		return schema.Continue()
	}
	if iso := oc.Operator.ParamString("deadline", ""); iso != "" {
		if t, err := time.Parse(time.RFC3339, iso); err == nil {
			o.deadline = t
			return schema.Continue()
		}
		oc.AddDiagnostic(fmt.Sprintf("timebox %s: unparseable deadline %q, using duration limit", oc.Operator.ID, iso))
	}
	limit := time.Duration(oc.Operator.ParamNumber("timeoutMs", oc.Operator.ParamNumber("limitMs", 60000))) * time.Millisecond
	o.deadline = time.Now().Add(limit)
	return schema.Continue()
}

func (o *timeboxOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, _ *schema.PrimitiveResult) schema.Action {
	if o.deadline.IsZero() || time.Now().Before(o.deadline) {
		return schema.Continue()
	}
	if oc.Operator.ParamString("onTimeout", "terminate") == "checkpoint" {
		return schema.CheckpointWith(oc.State, true)
	}
	return schema.Terminate(fmt.Sprintf("timebox %s expired at %s", oc.Operator.ID, o.deadline.Format(time.RFC3339)))
}

// budgetCapOp accumulates token usage from LLM-kind evidence entries and
// terminates once the cumulative total exceeds maxTokens (default 100000).
type budgetCapOp struct {
	baseOp
	spent int
}

func (o *budgetCapOp) AfterPrimitive(_ context.Context, oc *OpContext, _ *schema.Primitive, res *schema.PrimitiveResult) schema.Action {
	for _, ev := range res.Evidence {
		if ev.Kind == "llm" {
			o.spent += ev.Tokens
		}
	}
	maxTokens := int(oc.Operator.ParamNumber("maxTokens", 100000))
	if o.spent > maxTokens {
		return schema.Terminate(fmt.Sprintf("budget_cap %s exceeded: %d of %d tokens", oc.Operator.ID, o.spent, maxTokens))
	}
	return schema.Continue()
}
