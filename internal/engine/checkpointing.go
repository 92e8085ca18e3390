package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nateschmiedehaus/conduct/internal/sanitize"
	"github.com/nateschmiedehaus/conduct/internal/state"
	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// buildCheckpoint snapshots the run. Everything is deep-copied on the way
// in; a saved checkpoint never aliases live run state.
func (r *run) buildCheckpoint(reason schema.CheckpointReason, snapshot map[string]any) *schema.ExecutionCheckpoint {
	if snapshot == nil {
		snapshot = r.st.Snapshot()
	}
	return &schema.ExecutionCheckpoint{
		ID:                uuid.NewString(),
		ExecutionID:       r.executionID,
		Composition:       *r.comp,
		Order:             sanitize.DeepCopyStrings(r.order),
		NextIndex:         r.next,
		State:             snapshot,
		MissingKeys:       r.st.MissingKeys(),
		ContinueOnFailure: r.opts.ContinueOnFailure,
		Reason:            reason,
		CreatedAt:         time.Now().UTC(),
	}
}

// saveCheckpoint persists a checkpoint, tolerating up to MaxSaveFailures
// consecutive failures. Past the limit the run aborts with a persistence
// error distinct from an ordinary runtime failure. act, when set, carries an
// operator-provided snapshot; it is sanitized like any other write.
func (r *run) saveCheckpoint(ctx context.Context, reason schema.CheckpointReason, act *schema.Action) bool {
	var snapshot map[string]any
	if act != nil && act.Snapshot != nil {
		clean, err := r.e.cfg.Sanitizer.Map(act.Snapshot)
		if err != nil {
			r.e.log.WarnContext(ctx, "operator checkpoint snapshot rejected, using shared state",
				"operator", act.OperatorID, "error", err)
		} else {
			snapshot = clean
		}
	}

	cp := r.buildCheckpoint(reason, snapshot)
	if err := r.e.cfg.Store.SaveCheckpoint(ctx, cp); err != nil {
		r.saveFailures++
		r.e.log.WarnContext(ctx, "checkpoint save failed",
			"checkpoint", cp.ID, "failures", r.saveFailures, "error", err)
		if r.saveFailures > r.opts.MaxSaveFailures {
			r.emitSynthetic(ctx, r.idx, "", schema.CodeCheckpointPersistFailed,
				schema.NewErrorf(schema.CodeCheckpointPersistFailed,
					"checkpoint persistence failed %d times", r.saveFailures).WithCause(err))
			return false
		}
		return true
	}
	r.saveFailures = 0
	r.e.log.DebugContext(ctx, "checkpoint saved",
		"checkpoint", cp.ID, "reason", string(reason), "next_index", cp.NextIndex)
	return true
}

// Resume loads a checkpoint and re-enters the execution loop with the
// order, state, missing keys, and index inherited rather than recomputed.
// Load and validation failures arrive as a single synthetic failed step.
func (e *Engine) Resume(ctx context.Context, checkpointID string, opts RunOptions) <-chan schema.StepResult {
	steps := make(chan schema.StepResult, stepBuffer(opts))
	go func() {
		defer close(steps)
		cp, err := e.cfg.Store.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			sendStep(ctx, steps, syntheticStep(0, "", errorCode(err, schema.CodeCheckpointNotFound), err))
			return
		}
		r, err := e.newRunFromCheckpoint(cp, opts, steps)
		if err != nil {
			sendStep(ctx, steps, syntheticStep(cp.NextIndex, "", errorCode(err, schema.CodeCheckpointInvalid), err))
			return
		}
		r.loop(ctx)
	}()
	return steps
}

func (e *Engine) newRunFromCheckpoint(cp *schema.ExecutionCheckpoint, opts RunOptions, steps chan<- schema.StepResult) (*run, error) {
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if err := verifyCheckpointComposition(cp); err != nil {
		return nil, err
	}
	if opts.MaxSaveFailures <= 0 {
		opts.MaxSaveFailures = DefaultMaxSaveFailures
	}
	// The run's failure policy travels with the checkpoint.
	opts.ContinueOnFailure = cp.ContinueOnFailure

	comp := &cp.Composition
	if err := e.checkDurability(comp, opts); err != nil {
		return nil, err
	}
	runtimes, byInput, parallelOps, err := buildRuntimes(comp, e.cfg.ConditionLimits)
	if err != nil {
		return nil, err
	}

	st := state.New(e.cfg.Sanitizer)
	if err := st.Restore(cp.State, cp.MissingKeys); err != nil {
		return nil, schema.NewError(schema.CodeCheckpointInvalid,
			"checkpoint state rejected by sanitizer").WithCause(err)
	}

	order := sanitize.DeepCopyStrings(cp.Order)
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
		idx:         cp.NextIndex,
		next:        cp.NextIndex,
		st:          st,
		runtimes:    runtimes,
		byInput:     byInput,
		parallelOps: parallelOps,
		executionID: cp.ExecutionID,
		steps:       steps,
	}, nil
}

// verifyCheckpointComposition checks that the saved order is a permutation
// of exactly the saved composition's primitives.
func verifyCheckpointComposition(cp *schema.ExecutionCheckpoint) error {
	ids := make(map[string]struct{}, len(cp.Composition.Primitives))
	for i := range cp.Composition.Primitives {
		ids[cp.Composition.Primitives[i].ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(cp.Order))
	for _, pid := range cp.Order {
		if _, ok := ids[pid]; !ok {
			return schema.NewErrorf(schema.CodeCheckpointMismatch,
				"checkpoint order references primitive %s missing from composition", pid)
		}
		if _, dup := seen[pid]; dup {
			return schema.NewErrorf(schema.CodeCheckpointMismatch,
				"checkpoint order repeats primitive %s", pid)
		}
		seen[pid] = struct{}{}
	}
	return nil
}
