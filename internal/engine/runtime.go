package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nateschmiedehaus/conduct/internal/condition"
	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// OpContext is the view an interpreter callback gets of the run. State is a
// read-only snapshot; writes go through Output, which the loop sanitizes and
// merges into shared state after the callback returns (before the winning
// action is chosen, so a losing operator's state effects still land).
type OpContext struct {
	Operator    *schema.Operator
	Runtime     *OperatorRuntime
	State       map[string]any
	ExecutionID string
	SessionID   string

	Output      map[string]any
	diagnostics []string
}

// Emit stages a state write to be merged by the loop.
func (oc *OpContext) Emit(key string, value any) {
	if oc.Output == nil {
		oc.Output = make(map[string]any)
	}
	oc.Output[key] = value
}

// AddDiagnostic records a non-fatal observation the loop forwards to the
// evidence ledger (invalid conditions, coverage gaps).
func (oc *OpContext) AddDiagnostic(msg string) {
	oc.diagnostics = append(oc.diagnostics, msg)
}

// Interpreter is the uniform three-callback contract every operator type
// implements. One instance exists per operator per run; instances may carry
// private state (circuit breaker counters, loop iterations, throttle
// windows) across callbacks.
type Interpreter interface {
	// BeforeExecute runs before a bound primitive starts.
	BeforeExecute(ctx context.Context, oc *OpContext) schema.Action
	// AfterPrimitive runs after one bound primitive's result is known.
	AfterPrimitive(ctx context.Context, oc *OpContext, p *schema.Primitive, res *schema.PrimitiveResult) schema.Action
	// AfterExecute runs once, when every input primitive has completed.
	AfterExecute(ctx context.Context, oc *OpContext, results []*schema.PrimitiveResult) schema.Action
}

// parsedCond pairs a condition source with its parse outcome. A condition
// that fails to parse never matches; the error becomes a diagnostic instead
// of a run failure.
type parsedCond struct {
	Src  string
	Cond *condition.Cond
	Err  error
}

// OperatorRuntime pairs an operator with its interpreter and per-run
// bookkeeping. It lives for one run only; checkpoints capture its effects,
// never the runtime itself.
type OperatorRuntime struct {
	Operator *schema.Operator
	Interp   Interpreter

	Attempts  int
	StartTime time.Time
	Started   bool

	conds     []parsedCond
	completed map[string]*schema.PrimitiveResult
	inputs    map[string]struct{}
	fired     bool // AfterExecute already ran for the current pass
}

// BoundTo reports whether the runtime observes the given primitive.
func (rt *OperatorRuntime) BoundTo(pid string) bool {
	_, ok := rt.inputs[pid]
	return ok
}

// MarkCompleted records one input primitive's result.
func (rt *OperatorRuntime) MarkCompleted(pid string, res *schema.PrimitiveResult) {
	if _, ok := rt.inputs[pid]; !ok {
		return
	}
	rt.completed[pid] = res
}

// ReadyForAfterExecute reports whether every input has completed and the
// after-execute callback has not fired for this pass yet.
func (rt *OperatorRuntime) ReadyForAfterExecute() bool {
	return !rt.fired && len(rt.completed) == len(rt.inputs) && len(rt.inputs) > 0
}

// CompletedResults returns the input results in the operator's declared
// input order.
func (rt *OperatorRuntime) CompletedResults() []*schema.PrimitiveResult {
	out := make([]*schema.PrimitiveResult, 0, len(rt.completed))
	for _, pid := range rt.Operator.Inputs {
		if res, ok := rt.completed[pid]; ok {
			out = append(out, res)
		}
	}
	return out
}

// ResetFrom clears completion bookkeeping for primitives at or after the
// given order position, so a backward branch re-arms after-execute.
func (rt *OperatorRuntime) ResetFrom(pos map[string]int, target int) {
	changed := false
	for pid := range rt.completed {
		if p, ok := pos[pid]; ok && p >= target {
			delete(rt.completed, pid)
			changed = true
		}
	}
	if changed {
		rt.fired = false
	}
}

// MatchCondition evaluates the operator's conditions in declared order
// against a state snapshot. It returns the first matching condition and its
// index, plus diagnostics for any condition that could not be parsed.
// Evaluation is total: an invalid condition reports not-matched.
func (rt *OperatorRuntime) MatchCondition(state map[string]any) (*condition.Cond, int, []string) {
	var diags []string
	for i, pc := range rt.conds {
		if pc.Err != nil {
			diags = append(diags, fmt.Sprintf("condition %q rejected: %v", pc.Src, pc.Err))
			continue
		}
		if pc.Cond.Eval(state) {
			return pc.Cond, i, diags
		}
	}
	return nil, -1, diags
}

// HasValidConditions reports whether at least one condition parsed.
func (rt *OperatorRuntime) HasValidConditions() bool {
	for _, pc := range rt.conds {
		if pc.Err == nil {
			return true
		}
	}
	return false
}

// newInterpreter resolves the interpreter for an operator type. The bool is
// false for unknown types, which the runtime builder turns into a fatal
// setup error.
func newInterpreter(t schema.OperatorType) (Interpreter, bool) {
	switch t {
	case schema.OpConditional:
		return &conditionalOp{}, true
	case schema.OpGate:
		return &gateOp{}, true
	case schema.OpInterrupt:
		return &interruptOp{}, true
	case schema.OpEscalate:
		return &escalateOp{}, true
	case schema.OpFallback:
		return &fallbackOp{}, true
	case schema.OpRetry:
		return &retryOp{}, true
	case schema.OpCircuitBreaker:
		return newCircuitBreakerOp(), true
	case schema.OpThrottle:
		return &throttleOp{}, true
	case schema.OpParallel:
		return &parallelOp{}, true
	case schema.OpQuorum:
		return &quorumOp{}, true
	case schema.OpConsensus:
		return &consensusOp{}, true
	case schema.OpLoop:
		return &loopOp{}, true
	case schema.OpTimebox:
		return &timeboxOp{}, true
	case schema.OpBudgetCap:
		return &budgetCapOp{}, true
	case schema.OpCheckpoint, schema.OpPersist:
		return &checkpointOp{}, true
	case schema.OpSequence, schema.OpMerge, schema.OpFanout, schema.OpFanin,
		schema.OpBackoff, schema.OpMonitor, schema.OpReplay, schema.OpCache,
		schema.OpReduce:
		return &passthroughOp{}, true
	default:
		return nil, false
	}
}

// buildRuntimes constructs one runtime per operator and indexes them by
// every input primitive they reference. Parallel operators are additionally
// collected for the fan-out fast path.
func buildRuntimes(comp *schema.Composition, lim condition.Limits) ([]*OperatorRuntime, map[string][]*OperatorRuntime, []*OperatorRuntime, error) {
	runtimes := make([]*OperatorRuntime, 0, len(comp.Operators))
	byInput := make(map[string][]*OperatorRuntime)
	var parallel []*OperatorRuntime

	for i := range comp.Operators {
		op := &comp.Operators[i]
		interp, ok := newInterpreter(op.Type)
		if !ok {
			return nil, nil, nil, schema.NewErrorf(schema.CodeOperatorSetupFailed,
				"operator %s has unknown type %q", op.ID, op.Type)
		}

		rt := &OperatorRuntime{
			Operator:  op,
			Interp:    interp,
			completed: make(map[string]*schema.PrimitiveResult, len(op.Inputs)),
			inputs:    make(map[string]struct{}, len(op.Inputs)),
		}
		for _, src := range op.Conditions {
			cond, err := condition.Parse(src, lim)
			rt.conds = append(rt.conds, parsedCond{Src: src, Cond: cond, Err: err})
		}
		for _, pid := range op.Inputs {
			rt.inputs[pid] = struct{}{}
			byInput[pid] = append(byInput[pid], rt)
		}

		runtimes = append(runtimes, rt)
		if op.Type == schema.OpParallel {
			parallel = append(parallel, rt)
		}
	}
	return runtimes, byInput, parallel, nil
}

// resolveAction picks the winning action when several operators bound to the
// same primitive answered the same callback: escalate and terminate outrank
// branch, retry, skip, checkpoint, and continue. The first action at the
// highest priority wins.
func resolveAction(actions []schema.Action) schema.Action {
	best := schema.Continue()
	bestPrio := -1
	for _, a := range actions {
		if p := a.Priority(); p > bestPrio {
			best = a
			bestPrio = p
		}
	}
	return best
}
