package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nateschmiedehaus/conduct/internal/condition"
	"github.com/nateschmiedehaus/conduct/internal/contract"
	"github.com/nateschmiedehaus/conduct/internal/evidence"
	"github.com/nateschmiedehaus/conduct/internal/logging"
	"github.com/nateschmiedehaus/conduct/internal/sanitize"
	"github.com/nateschmiedehaus/conduct/internal/state"
	"github.com/nateschmiedehaus/conduct/internal/store"
	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// DefaultMaxSaveFailures is how many consecutive checkpoint-save failures a
// run tolerates before aborting.
const DefaultMaxSaveFailures = 3

// DefaultParallelTimeout bounds each member of a parallel group.
const DefaultParallelTimeout = 120 * time.Second

// Handler performs a primitive's actual work. It may return an error or
// panic; both become a failed execution issue on the step result.
type Handler func(ctx context.Context, p *schema.Primitive, input map[string]any) (map[string]any, []schema.EvidenceEntry, error)

// Governor receives retry notifications. Opaque to the engine beyond that.
type Governor interface {
	NotifyRetry(ctx context.Context, executionID, primitiveID string, attempt int, delay time.Duration)
}

// Config wires the engine's collaborators. Zero fields get working defaults:
// an in-memory checkpoint store, the reference contract validator, the
// default sanitizer and condition limits, and a correlation-aware logger.
type Config struct {
	Store           store.CheckpointStore
	Validator       contract.Validator
	Ledger          evidence.Ledger
	Governor        Governor
	Logger          *slog.Logger
	Sanitizer       *sanitize.Sanitizer
	ConditionLimits condition.Limits
}

// RunOptions configures one composition run.
type RunOptions struct {
	SessionID              string
	ContinueOnFailure      bool
	CheckpointInterval     int // steps between interval checkpoints; 0 disables
	CheckpointOnFailure    bool
	CheckpointOnCompletion bool

	// AllowVolatile accepts checkpointing into a non-durable store.
	AllowVolatile   bool
	MaxSaveFailures int
	StepBuffer      int
}

// Engine executes primitives and compositions.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an Engine, filling in defaults for unset collaborators.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore(0, 0)
	}
	if cfg.Validator == nil {
		cfg.Validator = contract.New()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = sanitize.New(sanitize.DefaultConfig())
	}
	if cfg.ConditionLimits.MaxTokens == 0 {
		cfg.ConditionLimits = condition.DefaultLimits()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(logging.NewCorrelationHandler(slog.Default().Handler()))
	}
	return &Engine{cfg: cfg, log: log, handlers: make(map[string]Handler)}
}

// RegisterHandler binds the work function for a primitive ID.
func (e *Engine) RegisterHandler(primitiveID string, h Handler) {
	e.mu.Lock()
	e.handlers[primitiveID] = h
	e.mu.Unlock()
}

func (e *Engine) handlerFor(primitiveID string) (Handler, bool) {
	e.mu.RLock()
	h, ok := e.handlers[primitiveID]
	e.mu.RUnlock()
	return h, ok
}

// ExecutePrimitive runs a single primitive through the full validation
// pipeline: input shape, preconditions, handler, output sanitation, output
// shape, postconditions. Failures are reported on the result, never thrown.
func (e *Engine) ExecutePrimitive(ctx context.Context, p *schema.Primitive, input map[string]any) *schema.PrimitiveResult {
	return e.runPrimitive(ctx, p, input)
}

func (e *Engine) runPrimitive(ctx context.Context, p *schema.Primitive, input map[string]any) *schema.PrimitiveResult {
	ctx = logging.WithPrimitiveID(ctx, p.ID)
	res := &schema.PrimitiveResult{
		PrimitiveID: p.ID,
		Input:       input,
		StartedAt:   time.Now(),
	}
	finish := func() *schema.PrimitiveResult {
		res.CompletedAt = time.Now()
		res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
		res.Status = res.DeriveStatus()
		return res
	}

	res.Issues = append(res.Issues, e.cfg.Validator.ValidateInput(p, input)...)
	res.Issues = append(res.Issues, e.cfg.Validator.ValidatePreconditions(p, input)...)
	if res.DeriveStatus() == schema.StatusFailed {
		return finish()
	}

	h, ok := e.handlerFor(p.ID)
	if !ok {
		res.Issues = append(res.Issues, schema.Issue{
			Phase:   schema.PhaseExecution,
			Code:    schema.CodeExecutorMissing,
			Message: fmt.Sprintf("no handler registered for primitive %s", p.ID),
		})
		return finish()
	}

	output, ev, err := callHandler(ctx, h, p, input)
	res.Evidence = append(res.Evidence, ev...)
	if err != nil {
		res.Issues = append(res.Issues, schema.Issue{
			Phase:   schema.PhaseExecution,
			Code:    schema.CodeExecutionFailed,
			Message: err.Error(),
		})
		return finish()
	}

	clean, err := e.cfg.Sanitizer.Map(output)
	if err != nil {
		res.Issues = append(res.Issues, violationIssue(err))
		return finish()
	}
	res.Output = clean

	res.Issues = append(res.Issues, e.cfg.Validator.ValidateOutput(p, clean)...)
	res.Issues = append(res.Issues, e.cfg.Validator.ValidatePostconditions(p, input, clean)...)
	return finish()
}

// callHandler invokes the handler, converting a panic into an error.
func callHandler(ctx context.Context, h Handler, p *schema.Primitive, input map[string]any) (out map[string]any, ev []schema.EvidenceEntry, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, p, input)
}

// violationIssue maps a sanitizer violation onto its output-phase issue code.
func violationIssue(err error) schema.Issue {
	code := schema.CodeOutputInvalid
	var v *sanitize.Violation
	field := ""
	if errors.As(err, &v) {
		field = v.Key
		switch v.Kind {
		case "forbidden_key":
			code = schema.CodeOutputForbiddenKey
		case "circular_reference":
			code = schema.CodeOutputCircularReference
		}
	}
	return schema.Issue{
		Phase:   schema.PhaseOutput,
		Code:    code,
		Field:   field,
		Message: err.Error(),
	}
}

// ExecuteComposition compiles the composition, seeds shared state from the
// sanitized inputs, and streams step results over the returned channel. Each
// result is delivered before execution continues; the caller cancels a run
// via the context. Setup failures arrive as a single synthetic failed step,
// so every run ends with at least one terminal result.
func (e *Engine) ExecuteComposition(ctx context.Context, comp *schema.Composition, inputs map[string]any, opts RunOptions) <-chan schema.StepResult {
	steps := make(chan schema.StepResult, stepBuffer(opts))
	go func() {
		defer close(steps)
		r, err := e.newRun(comp, inputs, opts, steps)
		if err != nil {
			sendStep(ctx, steps, syntheticStep(0, "", errorCode(err, schema.CodeSetupFailed), err))
			return
		}
		r.loop(ctx)
	}()
	return steps
}

func stepBuffer(opts RunOptions) int {
	if opts.StepBuffer > 0 {
		return opts.StepBuffer
	}
	return 1
}

func sendStep(ctx context.Context, steps chan<- schema.StepResult, s schema.StepResult) bool {
	select {
	case steps <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// syntheticStep fabricates a terminal failed step for run-level errors.
func syntheticStep(pos int, pid, code string, err error) schema.StepResult {
	now := time.Now()
	return schema.StepResult{
		Position: pos,
		PrimitiveResult: schema.PrimitiveResult{
			PrimitiveID: pid,
			Status:      schema.StatusFailed,
			Issues: []schema.Issue{{
				Phase:   schema.PhaseExecution,
				Code:    code,
				Message: err.Error(),
			}},
			StartedAt:   now,
			CompletedAt: now,
		},
	}
}

func errorCode(err error, fallback string) string {
	var ce *schema.ConductError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return fallback
}

// run is the per-execution state machine.
type run struct {
	e    *Engine
	comp *schema.Composition
	opts RunOptions

	order []string
	pos   map[string]int
	idx   int
	next  int // resume index a checkpoint taken right now should carry

	st          *state.Shared
	runtimes    []*OperatorRuntime
	byInput     map[string][]*OperatorRuntime
	parallelOps []*OperatorRuntime

	executionID  string
	steps        chan<- schema.StepResult
	saveFailures int
	stepsSince   int
}

func (e *Engine) newRun(comp *schema.Composition, inputs map[string]any, opts RunOptions, steps chan<- schema.StepResult) (*run, error) {
	if opts.MaxSaveFailures <= 0 {
		opts.MaxSaveFailures = DefaultMaxSaveFailures
	}
	if err := e.checkDurability(comp, opts); err != nil {
		return nil, err
	}

	order, err := ResolveExecutionOrder(comp)
	if err != nil {
		return nil, err
	}
	runtimes, byInput, parallelOps, err := buildRuntimes(comp, e.cfg.ConditionLimits)
	if err != nil {
		return nil, err
	}

	st := state.New(e.cfg.Sanitizer)
	if err := st.Merge(inputs); err != nil {
		return nil, schema.NewError(schema.CodeSetupFailed, "run inputs rejected").WithCause(err)
	}

	pos := make(map[string]int, len(order))
	for i, pid := range order {
		pos[pid] = i
	}

	return &run{
		e:           e,
		comp:        comp,
		opts:        opts,
		order:       order,
		pos:         pos,
		st:          st,
		runtimes:    runtimes,
		byInput:     byInput,
		parallelOps: parallelOps,
		executionID: uuid.NewString(),
		steps:       steps,
	}, nil
}

// checkDurability refuses checkpoint-enabled runs on a volatile store unless
// the caller opted in. Compositions carrying checkpoint or persist operators
// count as checkpoint-enabled even when no option asks for one.
func (e *Engine) checkDurability(comp *schema.Composition, opts RunOptions) error {
	enabled := opts.CheckpointInterval > 0 || opts.CheckpointOnFailure || opts.CheckpointOnCompletion
	if comp != nil {
		for i := range comp.Operators {
			if t := comp.Operators[i].Type; t == schema.OpCheckpoint || t == schema.OpPersist {
				enabled = true
				break
			}
		}
	}
	if enabled && !e.cfg.Store.IsDurable() && !opts.AllowVolatile {
		return schema.NewError(schema.CodeCheckpointStoreVolatile,
			"checkpoint store is volatile; set AllowVolatile to accept data loss")
	}
	return nil
}

func (r *run) loop(ctx context.Context) {
	ctx = logging.WithExecutionID(ctx, r.executionID)
	if r.opts.SessionID != "" {
		ctx = logging.WithSessionID(ctx, r.opts.SessionID)
	}
	r.e.log.InfoContext(ctx, "composition run starting",
		"composition", r.comp.ID, "primitives", len(r.order))

	for r.idx < len(r.order) {
		if ctx.Err() != nil {
			r.emitSynthetic(ctx, r.idx, "", schema.CodeRuntimeFailed, ctx.Err())
			return
		}
		if rt := r.parallelGroup(); rt != nil {
			if !r.runParallelGroup(ctx, rt) {
				return
			}
			continue
		}
		if !r.step(ctx) {
			return
		}
	}

	r.next = len(r.order)
	if r.opts.CheckpointOnCompletion {
		r.saveCheckpoint(ctx, schema.CheckpointCompletion, nil)
	}
	r.e.log.InfoContext(ctx, "composition run completed", "composition", r.comp.ID)
}

// step executes one primitive of the order. Returns false when the run ends.
func (r *run) step(ctx context.Context) bool {
	pid := r.order[r.idx]
	prim := r.comp.Primitive(pid)
	pctx := logging.WithPrimitiveID(ctx, pid)
	r.next = r.idx

	act, ok := r.phaseBefore(pctx, pid)
	if !ok {
		return false
	}
	switch act.Kind {
	case schema.ActionSkip:
		return r.skipPrimitive(pctx, prim, act)
	case schema.ActionBranch, schema.ActionTerminate, schema.ActionEscalate, schema.ActionCheckpoint:
		cont, handled := r.applyControl(pctx, pid, act)
		if handled {
			return cont
		}
	}

	// Execute, looping while an operator asks for a retry. Every attempt is
	// reported to the caller at this step's position.
	var res *schema.PrimitiveResult
	attempt := 0
	for {
		res = r.executeStep(pctx, prim)
		act = r.phaseAfter(pctx, prim, res)
		if act.Kind != schema.ActionRetry {
			break
		}
		attempt++
		if !r.emitResult(pctx, res, r.idx) {
			return false
		}
		r.record(pctx, "retry", pid, act.OperatorID, schema.EvidenceEntry{
			Kind: "operator", Summary: fmt.Sprintf("retry %d after %s", attempt, act.Delay),
		})
		if r.e.cfg.Governor != nil {
			r.e.cfg.Governor.NotifyRetry(pctx, r.executionID, pid, attempt, act.Delay)
		}
		if err := waitBackoff(pctx, act.Delay); err != nil {
			r.emitSynthetic(pctx, r.idx, pid, schema.CodeRuntimeFailed, err)
			return false
		}
	}

	if !r.emitResult(pctx, res, r.idx) {
		return false
	}
	r.next = r.idx + 1

	if res.Failed() {
		r.st.MarkMissing(prim.Outputs...)
	} else if !r.deferMerge(pid) {
		if err := r.st.Merge(res.Output); err != nil {
			r.e.log.WarnContext(pctx, "step output rejected by state", "error", err)
			r.st.MarkMissing(prim.Outputs...)
		}
	}
	for _, rt := range r.byInput[pid] {
		rt.MarkCompleted(pid, res)
	}

	afterActs := r.fireAfterExecute(pctx, pid)
	final := resolveAction(append(afterActs, act))
	if final.Kind != schema.ActionContinue {
		cont, handled := r.applyControl(pctx, pid, final)
		if handled {
			return cont
		}
	}

	r.idx++
	if !r.checkpointPolicies(pctx, res.Failed()) {
		return false
	}
	if res.Failed() && !r.opts.ContinueOnFailure {
		r.e.log.WarnContext(pctx, "run halted on failed step", "primitive", pid)
		return false
	}
	return true
}

// checkpointPolicies applies interval and on-failure checkpointing after a
// step has been accounted for.
func (r *run) checkpointPolicies(ctx context.Context, failed bool) bool {
	r.stepsSince++
	if r.opts.CheckpointInterval > 0 && r.stepsSince >= r.opts.CheckpointInterval {
		r.stepsSince = 0
		if !r.saveCheckpoint(ctx, schema.CheckpointInterval, nil) {
			return false
		}
	}
	if failed && r.opts.CheckpointOnFailure {
		if !r.saveCheckpoint(ctx, schema.CheckpointFailure, nil) {
			return false
		}
	}
	return true
}

// skipPrimitive records a skipped step: a partial result with no output,
// declared outputs marked missing so dependents fail fast.
func (r *run) skipPrimitive(ctx context.Context, prim *schema.Primitive, act schema.Action) bool {
	r.record(ctx, "skip", prim.ID, act.OperatorID, schema.EvidenceEntry{
		Kind: "operator", Summary: act.Reason,
	})
	now := time.Now()
	res := &schema.PrimitiveResult{
		PrimitiveID: prim.ID,
		Status:      schema.StatusPartial,
		Evidence: []schema.EvidenceEntry{{
			Kind:      "operator",
			Source:    act.OperatorID,
			Summary:   "skipped: " + act.Reason,
			Timestamp: now,
		}},
		StartedAt:   now,
		CompletedAt: now,
	}
	if !r.emitResult(ctx, res, r.idx) {
		return false
	}
	r.st.MarkMissing(prim.Outputs...)
	for _, rt := range r.byInput[prim.ID] {
		rt.MarkCompleted(prim.ID, res)
	}
	afterActs := r.fireAfterExecute(ctx, prim.ID)
	if final := resolveAction(afterActs); final.Kind != schema.ActionContinue {
		cont, handled := r.applyControl(ctx, prim.ID, final)
		if handled {
			return cont
		}
	}
	r.idx++
	return true
}

// executeStep resolves the primitive's inputs from shared state and runs it.
// A required input that is absent or known-missing fails the step without
// invoking the handler.
func (r *run) executeStep(ctx context.Context, prim *schema.Primitive) *schema.PrimitiveResult {
	started := time.Now()
	input := make(map[string]any, len(prim.Inputs))
	var issues []schema.Issue
	for _, name := range prim.Inputs {
		if r.st.IsMissing(name) {
			issues = append(issues, schema.Issue{
				Phase:   schema.PhaseInput,
				Code:    schema.CodeInputMissing,
				Field:   name,
				Message: fmt.Sprintf("required input %q failed upstream", name),
			})
			continue
		}
		v, ok := r.st.Get(name)
		if !ok {
			issues = append(issues, schema.Issue{
				Phase:   schema.PhaseInput,
				Code:    schema.CodeInputMissing,
				Field:   name,
				Message: fmt.Sprintf("required input %q is absent from shared state", name),
			})
			continue
		}
		input[name] = v
	}
	if len(issues) > 0 {
		now := time.Now()
		return &schema.PrimitiveResult{
			PrimitiveID: prim.ID,
			Status:      schema.StatusFailed,
			Input:       input,
			Issues:      issues,
			StartedAt:   started,
			CompletedAt: now,
			DurationMs:  now.Sub(started).Milliseconds(),
		}
	}

	res := r.e.runPrimitive(ctx, prim, input)
	r.record(ctx, "primitive", prim.ID, "", schema.EvidenceEntry{
		Kind: "execution", Summary: string(res.Status),
	})
	return res
}

// phaseBefore runs BeforeExecute on every operator bound to the primitive,
// sleeping and re-evaluating while the winning action is a retry (throttle
// windows, breaker probes). Returns ok=false when the run must end.
func (r *run) phaseBefore(ctx context.Context, pid string) (schema.Action, bool) {
	rts := r.byInput[pid]
	for {
		snapshot := r.st.Snapshot()
		actions := make([]schema.Action, 0, len(rts))
		for _, rt := range rts {
			if !rt.Started {
				rt.Started = true
				rt.StartTime = time.Now()
				r.record(ctx, "start", pid, rt.Operator.ID, schema.EvidenceEntry{
					Kind: "operator", Summary: string(rt.Operator.Type),
				})
				if _, gap := rt.Interp.(*passthroughOp); gap {
					r.record(ctx, "coverage_gap", pid, rt.Operator.ID, schema.EvidenceEntry{
						Kind:    "operator",
						Summary: fmt.Sprintf("operator type %s has no runtime semantics", rt.Operator.Type),
					})
				}
			}
			oc := r.opContext(rt, snapshot)
			a := rt.Interp.BeforeExecute(ctx, oc)
			if a.OperatorID == "" {
				a.OperatorID = rt.Operator.ID
			}
			r.applyOpEffects(ctx, pid, rt, oc)
			actions = append(actions, a)
		}
		act := resolveAction(actions)
		if act.Kind != schema.ActionRetry {
			return act, true
		}
		r.record(ctx, "retry", pid, act.OperatorID, schema.EvidenceEntry{
			Kind: "operator", Summary: fmt.Sprintf("deferred %s before start", act.Delay),
		})
		if err := waitBackoff(ctx, act.Delay); err != nil {
			r.emitSynthetic(ctx, r.idx, pid, schema.CodeRuntimeFailed, err)
			return act, false
		}
	}
}

// phaseAfter runs AfterPrimitive on every operator bound to the primitive
// and resolves their actions.
func (r *run) phaseAfter(ctx context.Context, prim *schema.Primitive, res *schema.PrimitiveResult) schema.Action {
	rts := r.byInput[prim.ID]
	if len(rts) == 0 {
		return schema.Continue()
	}
	snapshot := r.st.Snapshot()
	actions := make([]schema.Action, 0, len(rts))
	for _, rt := range rts {
		oc := r.opContext(rt, snapshot)
		a := rt.Interp.AfterPrimitive(ctx, oc, prim, res)
		if a.OperatorID == "" {
			a.OperatorID = rt.Operator.ID
		}
		r.applyOpEffects(ctx, prim.ID, rt, oc)
		actions = append(actions, a)
	}
	return resolveAction(actions)
}

// fireAfterExecute runs AfterExecute once per operator whose inputs have all
// completed, applying state effects and returning any control actions.
// Retries are meaningless at this point and are dropped.
func (r *run) fireAfterExecute(ctx context.Context, pid string) []schema.Action {
	var actions []schema.Action
	for _, rt := range r.byInput[pid] {
		if !rt.ReadyForAfterExecute() {
			continue
		}
		rt.fired = true
		snapshot := r.st.Snapshot()
		oc := r.opContext(rt, snapshot)
		a := rt.Interp.AfterExecute(ctx, oc, rt.CompletedResults())
		if a.OperatorID == "" {
			a.OperatorID = rt.Operator.ID
		}
		r.applyOpEffects(ctx, pid, rt, oc)
		if a.Kind == schema.ActionRetry {
			continue
		}
		actions = append(actions, a)
	}
	return actions
}

// applyControl enacts a resolved non-continue action. handled=true means the
// caller must stop its normal flow and return cont.
func (r *run) applyControl(ctx context.Context, pid string, act schema.Action) (cont bool, handled bool) {
	switch act.Kind {
	case schema.ActionBranch:
		tgt, ok := r.pos[act.Target]
		if !ok {
			err := schema.NewErrorf(schema.CodeOperatorBranchInvalid,
				"operator %s branched to unknown primitive %q", act.OperatorID, act.Target)
			r.emitSynthetic(ctx, r.idx, pid, schema.CodeOperatorBranchInvalid, err)
			return false, true
		}
		r.record(ctx, "branch", pid, act.OperatorID, schema.EvidenceEntry{
			Kind: "operator", Summary: "branch to " + act.Target,
		})
		if tgt <= r.idx {
			for _, rt := range r.runtimes {
				rt.ResetFrom(r.pos, tgt)
			}
		}
		r.idx = tgt
		r.next = tgt
		return true, true

	case schema.ActionTerminate:
		r.record(ctx, "terminate", pid, act.OperatorID, schema.EvidenceEntry{
			Kind: "operator", Summary: act.Reason,
		})
		r.emitSynthetic(ctx, r.idx, pid, schema.CodeOperatorTerminated,
			errors.New(act.Reason))
		return false, true

	case schema.ActionEscalate:
		r.record(ctx, "escalate", pid, act.OperatorID, schema.EvidenceEntry{
			Kind: "operator", Summary: fmt.Sprintf("to %s: %s", act.Level, act.Reason),
		})
		r.emitSynthetic(ctx, r.idx, pid, schema.CodeOperatorEscalated,
			fmt.Errorf("escalated to %s: %s", act.Level, act.Reason))
		return false, true

	case schema.ActionCheckpoint:
		r.record(ctx, "checkpoint", pid, act.OperatorID, schema.EvidenceEntry{
			Kind: "operator", Summary: act.Reason, Data: act.Meta,
		})
		if !r.saveCheckpoint(ctx, schema.CheckpointOperator, &act) {
			return false, true
		}
		if act.Terminal {
			r.e.log.InfoContext(ctx, "run paused by terminal checkpoint", "operator", act.OperatorID)
			return false, true
		}
		return true, false
	}
	return true, false
}

// deferMerge reports whether the primitive's outputs are merged by a group
// operator's AfterExecute instead of directly by the loop. Parallel, quorum,
// and consensus reconcile sibling outputs themselves; a direct merge would
// let later siblings clobber earlier ones before reconciliation.
func (r *run) deferMerge(pid string) bool {
	for _, rt := range r.byInput[pid] {
		switch rt.Operator.Type {
		case schema.OpParallel, schema.OpQuorum, schema.OpConsensus:
			return true
		}
	}
	return false
}

func (r *run) opContext(rt *OperatorRuntime, snapshot map[string]any) *OpContext {
	return &OpContext{
		Operator:    rt.Operator,
		Runtime:     rt,
		State:       snapshot,
		ExecutionID: r.executionID,
		SessionID:   r.opts.SessionID,
	}
}

// applyOpEffects merges an operator's staged writes into shared state and
// forwards its diagnostics to the ledger. Effects land even when the
// operator's action loses the priority vote.
func (r *run) applyOpEffects(ctx context.Context, pid string, rt *OperatorRuntime, oc *OpContext) {
	if len(oc.Output) > 0 {
		if err := r.st.Merge(oc.Output); err != nil {
			r.e.log.WarnContext(ctx, "operator output rejected by state",
				"operator", rt.Operator.ID, "error", err)
			r.record(ctx, "diagnostic", pid, rt.Operator.ID, schema.EvidenceEntry{
				Kind: "diagnostic", Summary: err.Error(),
			})
		}
	}
	for _, d := range oc.diagnostics {
		r.record(ctx, "diagnostic", pid, rt.Operator.ID, schema.EvidenceEntry{
			Kind: "diagnostic", Summary: d,
		})
	}
}

func (r *run) record(ctx context.Context, event, pid, opID string, ev schema.EvidenceEntry) {
	if r.e.cfg.Ledger == nil {
		return
	}
	// Best-effort: a ledger failure never affects the run.
	_ = r.e.cfg.Ledger.Record(ctx, evidence.Entry{
		SessionID:   r.opts.SessionID,
		ExecutionID: r.executionID,
		PrimitiveID: pid,
		OperatorID:  opID,
		Event:       event,
		Evidence:    ev,
		Timestamp:   time.Now().UTC(),
	})
}

func (r *run) emitResult(ctx context.Context, res *schema.PrimitiveResult, pos int) bool {
	return sendStep(ctx, r.steps, schema.StepResult{PrimitiveResult: *res, Position: pos})
}

func (r *run) emitSynthetic(ctx context.Context, pos int, pid, code string, err error) {
	sendStep(ctx, r.steps, syntheticStep(pos, pid, code, err))
}

// parallelGroup reports a parallel operator whose whole input set is the
// next contiguous block of the order, with no other operator bound to any of
// those primitives.
func (r *run) parallelGroup() *OperatorRuntime {
	for _, rt := range r.parallelOps {
		k := len(rt.inputs)
		if rt.Started || k < 2 || r.idx+k > len(r.order) {
			continue
		}
		eligible := true
		for _, pid := range r.order[r.idx : r.idx+k] {
			if !rt.BoundTo(pid) || len(r.byInput[pid]) != 1 {
				eligible = false
				break
			}
		}
		if eligible {
			return rt
		}
	}
	return nil
}

// runParallelGroup executes a parallel operator's input block concurrently,
// racing each member against the group's per-item timeout. Member results
// are reported, each at its own order index, once the whole group resolves.
func (r *run) runParallelGroup(ctx context.Context, rt *OperatorRuntime) bool {
	k := len(rt.inputs)
	block := r.order[r.idx : r.idx+k]
	r.next = r.idx

	rt.Started = true
	rt.StartTime = time.Now()
	r.record(ctx, "start", "", rt.Operator.ID, schema.EvidenceEntry{
		Kind: "operator", Summary: fmt.Sprintf("parallel group of %d", k),
	})

	snapshot := r.st.Snapshot()
	oc := r.opContext(rt, snapshot)
	before := rt.Interp.BeforeExecute(ctx, oc)
	if before.OperatorID == "" {
		before.OperatorID = rt.Operator.ID
	}
	r.applyOpEffects(ctx, "", rt, oc)
	if before.Kind != schema.ActionContinue && before.Kind != schema.ActionRetry {
		cont, handled := r.applyControl(ctx, "", before)
		if handled {
			return cont
		}
	}

	timeout := groupTimeout(rt.Operator)
	results := make([]*schema.PrimitiveResult, k)
	var wg sync.WaitGroup
	for i, pid := range block {
		wg.Add(1)
		go func(i int, pid string) {
			defer wg.Done()
			results[i] = r.runGroupMember(ctx, pid, timeout)
		}(i, pid)
	}
	wg.Wait()

	for i, res := range results {
		if !r.emitResult(ctx, res, r.idx+i) {
			return false
		}
	}
	r.next = r.idx + k

	anyFailed := false
	for i, pid := range block {
		res := results[i]
		prim := r.comp.Primitive(pid)
		if res.Failed() {
			anyFailed = true
			r.st.MarkMissing(prim.Outputs...)
		}
		snapshot := r.st.Snapshot()
		oc := r.opContext(rt, snapshot)
		pa := rt.Interp.AfterPrimitive(ctx, oc, prim, res)
		if pa.OperatorID == "" {
			pa.OperatorID = rt.Operator.ID
		}
		r.applyOpEffects(ctx, pid, rt, oc)
		if pa.Kind == schema.ActionTerminate || pa.Kind == schema.ActionEscalate {
			cont, handled := r.applyControl(ctx, pid, pa)
			if handled {
				return cont
			}
		}
		rt.MarkCompleted(pid, res)
	}

	afterActs := r.fireAfterExecute(ctx, block[len(block)-1])
	if final := resolveAction(afterActs); final.Kind != schema.ActionContinue {
		cont, handled := r.applyControl(ctx, block[len(block)-1], final)
		if handled {
			return cont
		}
	}

	r.idx += k
	r.stepsSince += k - 1
	if !r.checkpointPolicies(ctx, anyFailed) {
		return false
	}
	if anyFailed && !r.opts.ContinueOnFailure {
		r.e.log.WarnContext(ctx, "run halted on failed parallel member", "operator", rt.Operator.ID)
		return false
	}
	return true
}

// runGroupMember races one member against the group timeout. A member that
// times out yields a synthetic failed result; its goroutine is left to drain
// without aborting siblings.
func (r *run) runGroupMember(ctx context.Context, pid string, timeout time.Duration) *schema.PrimitiveResult {
	prim := r.comp.Primitive(pid)
	mctx, cancel := context.WithTimeout(logging.WithPrimitiveID(ctx, pid), timeout)
	defer cancel()

	done := make(chan *schema.PrimitiveResult, 1)
	go func() {
		done <- r.executeStep(mctx, prim)
	}()

	started := time.Now()
	select {
	case res := <-done:
		return res
	case <-mctx.Done():
		now := time.Now()
		return &schema.PrimitiveResult{
			PrimitiveID: pid,
			Status:      schema.StatusFailed,
			Issues: []schema.Issue{{
				Phase:   schema.PhaseExecution,
				Code:    schema.CodeExecutionFailed,
				Message: fmt.Sprintf("parallel member timed out after %s", timeout),
			}},
			StartedAt:   started,
			CompletedAt: now,
			DurationMs:  now.Sub(started).Milliseconds(),
		}
	}
}

func groupTimeout(op *schema.Operator) time.Duration {
	ms := op.ParamNumber("timeoutMs",
		op.ParamNumber("maxDurationMs",
			op.ParamNumber("timeboxMs", 0)))
	if ms <= 0 {
		return DefaultParallelTimeout
	}
	return time.Duration(ms) * time.Millisecond
}
