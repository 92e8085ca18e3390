package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateschmiedehaus/conduct/internal/condition"
	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// opCtx builds an OpContext with a fresh runtime for one operator.
func opCtx(t *testing.T, op *schema.Operator, state map[string]any) *OpContext {
	t.Helper()
	comp := &schema.Composition{ID: "c", Operators: []schema.Operator{*op}}
	runtimes, _, _, err := buildRuntimes(comp, condition.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, runtimes, 1)
	return &OpContext{
		Operator:    runtimes[0].Operator,
		Runtime:     runtimes[0],
		State:       state,
		ExecutionID: "exec-1",
		SessionID:   "sess-1",
	}
}

func okResult(pid string, output map[string]any) *schema.PrimitiveResult {
	return &schema.PrimitiveResult{PrimitiveID: pid, Status: schema.StatusSuccess, Output: output}
}

func failResult(pid string) *schema.PrimitiveResult {
	return &schema.PrimitiveResult{PrimitiveID: pid, Status: schema.StatusFailed}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		base     time.Duration
		attempt  int
		want     time.Duration
	}{
		{"constant", "constant", time.Second, 3, time.Second},
		{"empty is constant", "", 500 * time.Millisecond, 5, 500 * time.Millisecond},
		{"linear", "linear", time.Second, 3, 3 * time.Second},
		{"exponential first", "exponential", time.Second, 1, time.Second},
		{"exponential third", "exponential", time.Second, 3, 4 * time.Second},
		{"exponential clamped", "exponential", time.Second, 30, MaxBackoff},
		{"linear clamped", "linear", 10 * time.Second, 100, MaxBackoff},
		{"negative base", "constant", -time.Second, 1, 0},
		{"zero attempt treated as first", "linear", time.Second, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.strategy, tt.base, tt.attempt))
		})
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	base := 4 * time.Second
	for i := 0; i < 50; i++ {
		d := ComputeBackoff("exponential_jitter", base, 2)
		// attempt 2 doubles to 8s, jitter adds up to 25%.
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.Less(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, MaxBackoff)
	}
}

func TestRetryOpRetriesThenTerminates(t *testing.T) {
	op := &schema.Operator{ID: "r", Type: schema.OpRetry, Inputs: []string{"a"},
		Params: map[string]any{"maxRetries": float64(2), "delayMs": float64(0)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()
	p := &schema.Primitive{ID: "a"}

	act := interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, schema.ActionRetry, act.Kind)
	act = interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, schema.ActionRetry, act.Kind)
	act = interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, schema.ActionTerminate, act.Kind)
}

func TestRetryOpMaxAttemptsOverride(t *testing.T) {
	op := &schema.Operator{ID: "r", Type: schema.OpRetry, Inputs: []string{"a"},
		Params: map[string]any{"maxAttempts": float64(1)}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterPrimitive(context.Background(), oc, &schema.Primitive{ID: "a"}, failResult("a"))
	assert.Equal(t, schema.ActionTerminate, act.Kind)
}

func TestRetryOpSuccessResetsAttempts(t *testing.T) {
	op := &schema.Operator{ID: "r", Type: schema.OpRetry, Inputs: []string{"a"},
		Params: map[string]any{"delayMs": float64(0)}}
	oc := opCtx(t, op, nil)
	ctx := context.Background()
	p := &schema.Primitive{ID: "a"}

	oc.Runtime.Interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, 1, oc.Runtime.Attempts)
	oc.Runtime.Interp.AfterPrimitive(ctx, oc, p, okResult("a", nil))
	assert.Equal(t, 0, oc.Runtime.Attempts)
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	op := &schema.Operator{ID: "cb", Type: schema.OpCircuitBreaker, Inputs: []string{"a"},
		Params: map[string]any{"failureThreshold": float64(2), "resetTimeoutMs": float64(0)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()
	p := &schema.Primitive{ID: "a"}

	assert.Equal(t, schema.ActionContinue, interp.BeforeExecute(ctx, oc).Kind)
	interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	interp.AfterPrimitive(ctx, oc, p, failResult("a"))

	// With a zero reset timeout the open breaker immediately half-opens and
	// lets a probe through; a success closes it again.
	assert.Equal(t, schema.ActionContinue, interp.BeforeExecute(ctx, oc).Kind)
	interp.AfterPrimitive(ctx, oc, p, okResult("a", nil))
	assert.Equal(t, schema.ActionContinue, interp.BeforeExecute(ctx, oc).Kind)
}

func TestCircuitBreakerSkipsWhileOpen(t *testing.T) {
	op := &schema.Operator{ID: "cb", Type: schema.OpCircuitBreaker, Inputs: []string{"a"},
		Params: map[string]any{"failureThreshold": float64(1), "resetTimeoutMs": float64(60000)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()

	interp.AfterPrimitive(ctx, oc, &schema.Primitive{ID: "a"}, failResult("a"))
	act := interp.BeforeExecute(ctx, oc)
	assert.Equal(t, schema.ActionSkip, act.Kind)
	assert.Contains(t, act.Reason, "circuit")
}

func TestThrottleOpLimitsRate(t *testing.T) {
	op := &schema.Operator{ID: "th", Type: schema.OpThrottle, Inputs: []string{"a"},
		Params: map[string]any{"maxRate": float64(2), "rateWindowMs": float64(60000)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()

	assert.Equal(t, schema.ActionContinue, interp.BeforeExecute(ctx, oc).Kind)
	assert.Equal(t, schema.ActionContinue, interp.BeforeExecute(ctx, oc).Kind)
	act := interp.BeforeExecute(ctx, oc)
	assert.Equal(t, schema.ActionRetry, act.Kind)
	assert.Greater(t, act.Delay, time.Duration(0))
}

func TestParallelMergeArrayStrategy(t *testing.T) {
	op := &schema.Operator{ID: "par", Type: schema.OpParallel, Inputs: []string{"p1", "p2"},
		Params: map[string]any{"collisionStrategy": "array"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("p1", map[string]any{"x": float64(1), "only": "a"}),
		okResult("p2", map[string]any{"x": float64(2)}),
	})

	assert.Equal(t, schema.ActionContinue, act.Kind)
	assert.Equal(t, []any{float64(1), float64(2)}, oc.Output["x"])
	assert.Equal(t, "a", oc.Output["only"])
	assert.Equal(t, 1, act.Meta["collisions"])
}

func TestParallelMergeNamespaceStrategy(t *testing.T) {
	op := &schema.Operator{ID: "par", Type: schema.OpParallel, Inputs: []string{"p1", "p2", "p3"},
		Params: map[string]any{"collisionStrategy": "namespace"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("p1", map[string]any{"x": "one"}),
		okResult("p2", map[string]any{"x": "two"}),
		okResult("p3", map[string]any{"x": "three"}),
	})

	assert.Equal(t, schema.ActionContinue, act.Kind)
	assert.NotContains(t, oc.Output, "x")
	assert.Equal(t, "one", oc.Output["p1.x"])
	assert.Equal(t, "two", oc.Output["p2.x"])
	assert.Equal(t, "three", oc.Output["p3.x"])
}

func TestParallelMergeHaltsByDefault(t *testing.T) {
	op := &schema.Operator{ID: "par", Type: schema.OpParallel, Inputs: []string{"p1", "p2"}}
	oc := opCtx(t, op, map[string]any{"n": float64(1)})

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("p1", map[string]any{"x": float64(1)}),
		okResult("p2", map[string]any{"x": float64(2)}),
	})

	assert.Equal(t, schema.ActionCheckpoint, act.Kind)
	assert.True(t, act.Terminal)
	assert.Equal(t, "x", act.Meta["halted_on_key"])
}

func TestParallelMergeArrayHaltsOnStructuredCollision(t *testing.T) {
	op := &schema.Operator{ID: "par", Type: schema.OpParallel, Inputs: []string{"p1", "p2"},
		Params: map[string]any{"collisionStrategy": "array"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("p1", map[string]any{"x": map[string]any{"a": 1}}),
		okResult("p2", map[string]any{"x": map[string]any{"b": 2}}),
	})
	assert.Equal(t, schema.ActionCheckpoint, act.Kind)
	assert.True(t, act.Terminal)
}

func TestParallelMergeSkipsFailedResults(t *testing.T) {
	op := &schema.Operator{ID: "par", Type: schema.OpParallel, Inputs: []string{"p1", "p2"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("p1", map[string]any{"x": float64(1)}),
		failResult("p2"),
	})
	assert.Equal(t, schema.ActionContinue, act.Kind)
	assert.Equal(t, float64(1), oc.Output["x"])
}

func TestQuorumMajorityWins(t *testing.T) {
	op := &schema.Operator{ID: "q", Type: schema.OpQuorum, Inputs: []string{"v1", "v2", "v3"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("v1", map[string]any{"verdict": "yes"}),
		okResult("v2", map[string]any{"verdict": "yes"}),
		okResult("v3", map[string]any{"verdict": "no"}),
	})

	assert.Equal(t, schema.ActionContinue, act.Kind)
	assert.Equal(t, "yes", oc.Output["verdict"])
	assert.Equal(t, 2, act.Meta["votes"])
	assert.Equal(t, 2, act.Meta["required"])
	assert.Equal(t, []string{"v3"}, act.Meta["dissent"])
}

func TestQuorumNotReachedEscalates(t *testing.T) {
	op := &schema.Operator{ID: "q", Type: schema.OpQuorum, Inputs: []string{"v1", "v2", "v3"},
		Params: map[string]any{"required": float64(3)}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("v1", map[string]any{"verdict": "yes"}),
		okResult("v2", map[string]any{"verdict": "yes"}),
		failResult("v3"),
	})

	assert.Equal(t, schema.ActionEscalate, act.Kind)
	assert.Equal(t, schema.EscalateHuman, act.Level)
	assert.Equal(t, []string{"v3"}, act.Meta["failures"])
}

func TestConsensusUnanimity(t *testing.T) {
	op := &schema.Operator{ID: "cons", Type: schema.OpConsensus, Inputs: []string{"a", "b"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("a", map[string]any{"answer": float64(42)}),
		okResult("b", map[string]any{"answer": float64(42)}),
	})
	assert.Equal(t, schema.ActionContinue, act.Kind)
	assert.Equal(t, float64(42), oc.Output["answer"])
}

func TestConsensusMajorityResolution(t *testing.T) {
	op := &schema.Operator{ID: "cons", Type: schema.OpConsensus, Inputs: []string{"a", "b", "c"},
		Params: map[string]any{"resolution": "majority"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("a", map[string]any{"answer": "x"}),
		okResult("b", map[string]any{"answer": "x"}),
		okResult("c", map[string]any{"answer": "y"}),
	})
	assert.Equal(t, schema.ActionContinue, act.Kind)
	assert.Equal(t, "x", oc.Output["answer"])
}

func TestConsensusSplitEscalates(t *testing.T) {
	op := &schema.Operator{ID: "cons", Type: schema.OpConsensus, Inputs: []string{"a", "b"}}
	oc := opCtx(t, op, nil)

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, []*schema.PrimitiveResult{
		okResult("a", map[string]any{"answer": "x"}),
		okResult("b", map[string]any{"answer": "y"}),
	})
	assert.Equal(t, schema.ActionEscalate, act.Kind)
	positions, ok := act.Meta["positions"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, positions, 2)
}

func TestLoopBranchesBackUntilExit(t *testing.T) {
	op := &schema.Operator{ID: "loop", Type: schema.OpLoop, Inputs: []string{"body"},
		Conditions: []string{"done == true"},
		Params:     map[string]any{"maxIterations": float64(10)}}
	oc := opCtx(t, op, map[string]any{"done": false})
	interp := oc.Runtime.Interp
	ctx := context.Background()

	act := interp.AfterExecute(ctx, oc, nil)
	assert.Equal(t, schema.ActionBranch, act.Kind)
	assert.Equal(t, "body", act.Target)

	oc.State = map[string]any{"done": true}
	act = interp.AfterExecute(ctx, oc, nil)
	assert.Equal(t, schema.ActionContinue, act.Kind)
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	op := &schema.Operator{ID: "loop", Type: schema.OpLoop, Inputs: []string{"body"},
		Params: map[string]any{"maxIterations": float64(2)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()

	assert.Equal(t, schema.ActionBranch, interp.AfterExecute(ctx, oc, nil).Kind)
	assert.Equal(t, schema.ActionContinue, interp.AfterExecute(ctx, oc, nil).Kind)
}

func TestLoopExitConditionWithTarget(t *testing.T) {
	op := &schema.Operator{ID: "loop", Type: schema.OpLoop, Inputs: []string{"body"},
		Conditions: []string{"overflow == true => cleanup"}}
	oc := opCtx(t, op, map[string]any{"overflow": true})

	act := oc.Runtime.Interp.AfterExecute(context.Background(), oc, nil)
	assert.Equal(t, schema.ActionBranch, act.Kind)
	assert.Equal(t, "cleanup", act.Target)
}

func TestTimeboxTerminatesPastDeadline(t *testing.T) {
	op := &schema.Operator{ID: "tb", Type: schema.OpTimebox, Inputs: []string{"a"},
		Params: map[string]any{"timeoutMs": float64(0)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()
	p := &schema.Primitive{ID: "a"}

	assert.Equal(t, schema.ActionContinue, interp.BeforeExecute(ctx, oc).Kind)
	time.Sleep(time.Millisecond)
	act := interp.AfterPrimitive(ctx, oc, p, okResult("a", nil))
	assert.Equal(t, schema.ActionTerminate, act.Kind)
}

func TestTimeboxCheckpointsOnTimeout(t *testing.T) {
	op := &schema.Operator{ID: "tb", Type: schema.OpTimebox, Inputs: []string{"a"},
		Params: map[string]any{"timeoutMs": float64(0), "onTimeout": "checkpoint"}}
	oc := opCtx(t, op, map[string]any{"n": float64(1)})
	interp := oc.Runtime.Interp
	ctx := context.Background()

	interp.BeforeExecute(ctx, oc)
	time.Sleep(time.Millisecond)
	act := interp.AfterPrimitive(ctx, oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
	assert.Equal(t, schema.ActionCheckpoint, act.Kind)
	assert.True(t, act.Terminal)
}

func TestTimeboxWithinDeadlineContinues(t *testing.T) {
	op := &schema.Operator{ID: "tb", Type: schema.OpTimebox, Inputs: []string{"a"},
		Params: map[string]any{"timeoutMs": float64(60000)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()

	interp.BeforeExecute(ctx, oc)
	act := interp.AfterPrimitive(ctx, oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
	assert.Equal(t, schema.ActionContinue, act.Kind)
}

func TestBudgetCapTerminatesWhenExceeded(t *testing.T) {
	op := &schema.Operator{ID: "cap", Type: schema.OpBudgetCap, Inputs: []string{"a"},
		Params: map[string]any{"maxTokens": float64(100)}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()
	p := &schema.Primitive{ID: "a"}

	res := okResult("a", nil)
	res.Evidence = []schema.EvidenceEntry{{Kind: "llm", Tokens: 60}}
	assert.Equal(t, schema.ActionContinue, interp.AfterPrimitive(ctx, oc, p, res).Kind)

	res2 := okResult("a", nil)
	res2.Evidence = []schema.EvidenceEntry{{Kind: "llm", Tokens: 60}, {Kind: "handler", Tokens: 999}}
	act := interp.AfterPrimitive(ctx, oc, p, res2)
	assert.Equal(t, schema.ActionTerminate, act.Kind)
	assert.Contains(t, act.Reason, "budget_cap")
}

func TestConditionalBranching(t *testing.T) {
	t.Run("condition target wins", func(t *testing.T) {
		op := &schema.Operator{ID: "cond", Type: schema.OpConditional, Inputs: []string{"a"},
			Outputs:    []string{"slot0"},
			Conditions: []string{"n > 5 => high"}}
		oc := opCtx(t, op, map[string]any{"n": float64(9)})
		act := oc.Runtime.Interp.AfterPrimitive(context.Background(), oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
		assert.Equal(t, schema.ActionBranch, act.Kind)
		assert.Equal(t, "high", act.Target)
	})
	t.Run("output slot by index", func(t *testing.T) {
		op := &schema.Operator{ID: "cond", Type: schema.OpConditional, Inputs: []string{"a"},
			Outputs:    []string{"low", "high"},
			Conditions: []string{"n > 100", "n > 5"}}
		oc := opCtx(t, op, map[string]any{"n": float64(9)})
		act := oc.Runtime.Interp.AfterPrimitive(context.Background(), oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
		assert.Equal(t, schema.ActionBranch, act.Kind)
		assert.Equal(t, "high", act.Target)
	})
	t.Run("no match skips", func(t *testing.T) {
		op := &schema.Operator{ID: "cond", Type: schema.OpConditional, Inputs: []string{"a"},
			Conditions: []string{"n > 100"}}
		oc := opCtx(t, op, map[string]any{"n": float64(1)})
		act := oc.Runtime.Interp.AfterPrimitive(context.Background(), oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
		assert.Equal(t, schema.ActionSkip, act.Kind)
	})
	t.Run("default target parameter", func(t *testing.T) {
		op := &schema.Operator{ID: "cond", Type: schema.OpConditional, Inputs: []string{"a"},
			Conditions: []string{"n > 0"},
			Params:     map[string]any{"defaultTarget": "next"}}
		oc := opCtx(t, op, map[string]any{"n": float64(1)})
		act := oc.Runtime.Interp.AfterPrimitive(context.Background(), oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
		assert.Equal(t, schema.ActionBranch, act.Kind)
		assert.Equal(t, "next", act.Target)
	})
}

func TestGateTripsOnMatch(t *testing.T) {
	op := &schema.Operator{ID: "g", Type: schema.OpGate, Inputs: []string{"a"},
		Conditions: []string{"errors > 3"}}
	oc := opCtx(t, op, map[string]any{"errors": float64(5)})
	act := oc.Runtime.Interp.BeforeExecute(context.Background(), oc)
	assert.Equal(t, schema.ActionTerminate, act.Kind)

	oc2 := opCtx(t, op, map[string]any{"errors": float64(0)})
	assert.Equal(t, schema.ActionContinue, oc2.Runtime.Interp.BeforeExecute(context.Background(), oc2).Kind)
}

func TestGateCheckpointMode(t *testing.T) {
	op := &schema.Operator{ID: "g", Type: schema.OpGate, Inputs: []string{"a"},
		Conditions: []string{"errors > 3"},
		Params:     map[string]any{"onFail": "checkpoint"}}
	oc := opCtx(t, op, map[string]any{"errors": float64(5)})
	act := oc.Runtime.Interp.BeforeExecute(context.Background(), oc)
	assert.Equal(t, schema.ActionCheckpoint, act.Kind)
	assert.True(t, act.Terminal)
}

func TestGateWithInvalidConditionReportsDiagnostic(t *testing.T) {
	op := &schema.Operator{ID: "g", Type: schema.OpGate, Inputs: []string{"a"},
		Conditions: []string{"state.__proto__ == 1"}}
	oc := opCtx(t, op, map[string]any{"errors": float64(5)})
	act := oc.Runtime.Interp.BeforeExecute(context.Background(), oc)
	assert.Equal(t, schema.ActionContinue, act.Kind)
	require.NotEmpty(t, oc.diagnostics)
	assert.Contains(t, oc.diagnostics[0], "forbidden")
}

func TestInterruptUnconditionalTerminates(t *testing.T) {
	op := &schema.Operator{ID: "i", Type: schema.OpInterrupt, Inputs: []string{"a"}}
	oc := opCtx(t, op, nil)
	act := oc.Runtime.Interp.BeforeExecute(context.Background(), oc)
	assert.Equal(t, schema.ActionTerminate, act.Kind)
}

func TestEscalateOpUsesConfiguredLevel(t *testing.T) {
	op := &schema.Operator{ID: "esc", Type: schema.OpEscalate, Inputs: []string{"a"},
		Params: map[string]any{"level": "emergency"}}
	oc := opCtx(t, op, nil)
	act := oc.Runtime.Interp.BeforeExecute(context.Background(), oc)
	assert.Equal(t, schema.ActionEscalate, act.Kind)
	assert.Equal(t, schema.EscalateEmergency, act.Level)
}

func TestFallbackWalksAlternatives(t *testing.T) {
	op := &schema.Operator{ID: "fb", Type: schema.OpFallback, Inputs: []string{"a"},
		Outputs: []string{"alt1", "alt2"}}
	oc := opCtx(t, op, nil)
	interp := oc.Runtime.Interp
	ctx := context.Background()
	p := &schema.Primitive{ID: "a"}

	act := interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, "alt1", act.Target)
	act = interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, "alt2", act.Target)
	act = interp.AfterPrimitive(ctx, oc, p, failResult("a"))
	assert.Equal(t, schema.ActionTerminate, act.Kind)
}

func TestCheckpointOpSnapshotsState(t *testing.T) {
	op := &schema.Operator{ID: "cp", Type: schema.OpCheckpoint, Inputs: []string{"a"}}
	oc := opCtx(t, op, map[string]any{"n": float64(2)})
	act := oc.Runtime.Interp.AfterPrimitive(context.Background(), oc, &schema.Primitive{ID: "a"}, okResult("a", nil))
	assert.Equal(t, schema.ActionCheckpoint, act.Kind)
	assert.False(t, act.Terminal)
	assert.Equal(t, float64(2), act.Snapshot["n"])
}

func TestBuildRuntimesUnknownType(t *testing.T) {
	comp := &schema.Composition{ID: "c", Operators: []schema.Operator{{ID: "op", Type: "teleport"}}}
	_, _, _, err := buildRuntimes(comp, condition.DefaultLimits())
	require.Error(t, err)
	assert.Equal(t, schema.CodeOperatorSetupFailed, errCode(t, err))
}

func TestOperatorRuntimeCompletionTracking(t *testing.T) {
	comp := &schema.Composition{ID: "c", Operators: []schema.Operator{
		{ID: "par", Type: schema.OpParallel, Inputs: []string{"a", "b"}},
	}}
	runtimes, byInput, parallel, err := buildRuntimes(comp, condition.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, runtimes, 1)
	assert.Len(t, byInput["a"], 1)
	assert.Len(t, parallel, 1)

	rt := runtimes[0]
	assert.True(t, rt.BoundTo("a"))
	assert.False(t, rt.BoundTo("z"))
	assert.False(t, rt.ReadyForAfterExecute())

	rt.MarkCompleted("a", okResult("a", nil))
	rt.MarkCompleted("z", okResult("z", nil)) // not an input, ignored
	assert.False(t, rt.ReadyForAfterExecute())

	rt.MarkCompleted("b", okResult("b", nil))
	assert.True(t, rt.ReadyForAfterExecute())

	results := rt.CompletedResults()
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].PrimitiveID)
	assert.Equal(t, "b", results[1].PrimitiveID)

	// A backward branch to b re-arms the runtime.
	rt.fired = true
	rt.ResetFrom(map[string]int{"a": 0, "b": 1}, 1)
	assert.False(t, rt.fired)
	assert.False(t, rt.ReadyForAfterExecute())
}
