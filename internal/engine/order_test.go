package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

func comp(ids ...string) *schema.Composition {
	c := &schema.Composition{ID: "c"}
	for _, id := range ids {
		c.Primitives = append(c.Primitives, schema.Primitive{ID: id})
	}
	return c
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce), "expected *schema.ConductError, got %v", err)
	return ce.Code
}

func TestResolveOrderDeclaredOrderWithoutEdges(t *testing.T) {
	order, err := ResolveExecutionOrder(comp("c", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestResolveOrderDependsOn(t *testing.T) {
	c := comp("a", "b")
	// a depends on b, so b runs first despite declared order.
	c.Relationships = []schema.Relationship{
		{Kind: schema.RelationDependsOn, From: "a", To: "b"},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestResolveOrderBlocksAndEnables(t *testing.T) {
	c := comp("z", "y", "x")
	c.Relationships = []schema.Relationship{
		{Kind: schema.RelationBlocks, From: "x", To: "y"},
		{Kind: schema.RelationEnables, From: "y", To: "z"},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, order)
}

func TestResolveOrderDeclaredOrderBreaksTies(t *testing.T) {
	// Diamond: root before left/right, both before sink. left and right are
	// simultaneously ready; declared order decides.
	c := comp("root", "right", "left", "sink")
	c.Relationships = []schema.Relationship{
		{Kind: schema.RelationBlocks, From: "root", To: "left"},
		{Kind: schema.RelationBlocks, From: "root", To: "right"},
		{Kind: schema.RelationDependsOn, From: "sink", To: "left"},
		{Kind: schema.RelationDependsOn, From: "sink", To: "right"},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "right", "left", "sink"}, order)
}

func TestResolveOrderIsDeterministic(t *testing.T) {
	c := comp("a", "b", "c", "d", "e")
	c.Relationships = []schema.Relationship{
		{Kind: schema.RelationBlocks, From: "a", To: "d"},
		{Kind: schema.RelationBlocks, From: "b", To: "e"},
	}
	first, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := ResolveExecutionOrder(c)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolveOrderCycle(t *testing.T) {
	c := comp("a", "b")
	c.Relationships = []schema.Relationship{
		{Kind: schema.RelationBlocks, From: "a", To: "b"},
		{Kind: schema.RelationBlocks, From: "b", To: "a"},
	}
	_, err := ResolveExecutionOrder(c)
	require.Error(t, err)
	assert.Equal(t, schema.CodeCycleDetected, errCode(t, err))
}

func TestResolveOrderSelfLoop(t *testing.T) {
	c := comp("a", "b")
	c.Relationships = []schema.Relationship{
		{Kind: schema.RelationBlocks, From: "a", To: "a"},
	}
	_, err := ResolveExecutionOrder(c)
	require.Error(t, err)
	assert.Equal(t, schema.CodeSelfLoopDetected, errCode(t, err))
}

func TestResolveOrderSetupErrors(t *testing.T) {
	t.Run("nil composition", func(t *testing.T) {
		_, err := ResolveExecutionOrder(nil)
		assert.Equal(t, schema.CodeSetupFailed, errCode(t, err))
	})
	t.Run("no primitives", func(t *testing.T) {
		_, err := ResolveExecutionOrder(&schema.Composition{ID: "empty"})
		assert.Equal(t, schema.CodeSetupFailed, errCode(t, err))
	})
	t.Run("duplicate primitive", func(t *testing.T) {
		_, err := ResolveExecutionOrder(comp("a", "a"))
		assert.Equal(t, schema.CodeSetupFailed, errCode(t, err))
	})
	t.Run("unknown relation kind", func(t *testing.T) {
		c := comp("a", "b")
		c.Relationships = []schema.Relationship{{Kind: "causes", From: "a", To: "b"}}
		_, err := ResolveExecutionOrder(c)
		assert.Equal(t, schema.CodeSetupFailed, errCode(t, err))
	})
}

func TestResolveOrderMissingReferences(t *testing.T) {
	t.Run("relationship to unknown primitive", func(t *testing.T) {
		c := comp("a")
		c.Relationships = []schema.Relationship{
			{Kind: schema.RelationBlocks, From: "a", To: "ghost"},
		}
		_, err := ResolveExecutionOrder(c)
		assert.Equal(t, schema.CodeMissingDependency, errCode(t, err))
	})
	t.Run("operator input unknown", func(t *testing.T) {
		c := comp("a")
		c.Operators = []schema.Operator{
			{ID: "op", Type: schema.OpRetry, Inputs: []string{"ghost"}},
		}
		_, err := ResolveExecutionOrder(c)
		assert.Equal(t, schema.CodeMissingPrimitive, errCode(t, err))
	})
	t.Run("operator output unknown", func(t *testing.T) {
		c := comp("a")
		c.Operators = []schema.Operator{
			{ID: "op", Type: schema.OpFanout, Inputs: []string{"a"}, Outputs: []string{"ghost"}},
		}
		_, err := ResolveExecutionOrder(c)
		assert.Equal(t, schema.CodeMissingPrimitive, errCode(t, err))
	})
}

func TestResolveOrderSequenceStyle(t *testing.T) {
	// Versioned graphs chain a sequence operator's inputs in listed order.
	c := comp("c", "b", "a")
	c.GraphVersion = 1
	c.Operators = []schema.Operator{
		{ID: "seq", Type: schema.OpSequence, Inputs: []string{"a", "b", "c"}},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestResolveOrderLegacyDense(t *testing.T) {
	// GraphVersion 0 derives dense input×output edges even for sequence-style
	// operators, so inputs keep their declared relative order.
	c := comp("b", "a", "out")
	c.Operators = []schema.Operator{
		{ID: "seq", Type: schema.OpSequence, Inputs: []string{"a", "b"}, Outputs: []string{"out"}},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "out"}, order)
}

func TestResolveOrderFanoutStyle(t *testing.T) {
	// Fanout orders only the first input before the outputs.
	c := comp("w2", "w1", "src", "aux")
	c.GraphVersion = 1
	c.Operators = []schema.Operator{
		{ID: "fan", Type: schema.OpFanout, Inputs: []string{"src", "aux"}, Outputs: []string{"w1", "w2"}},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	// src precedes w1 and w2; aux is unconstrained and keeps declared position.
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["src"], pos["w1"])
	assert.Less(t, pos["src"], pos["w2"])
}

func TestResolveOrderParallelDense(t *testing.T) {
	c := comp("join", "p2", "p1")
	c.GraphVersion = 1
	c.Operators = []schema.Operator{
		{ID: "par", Type: schema.OpParallel, Inputs: []string{"p1", "p2"}, Outputs: []string{"join"}},
	}
	order, err := ResolveExecutionOrder(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1", "join"}, order)
}

func TestResolveActionPriority(t *testing.T) {
	win := resolveAction([]schema.Action{
		schema.Continue(),
		schema.CheckpointWith(nil, false),
		schema.Skip("s"),
		schema.Retry(0),
		schema.Branch("t"),
		schema.Terminate("stop"),
	})
	assert.Equal(t, schema.ActionTerminate, win.Kind)

	// First at the highest priority wins.
	win = resolveAction([]schema.Action{
		schema.Branch("first"),
		schema.Branch("second"),
	})
	assert.Equal(t, "first", win.Target)

	win = resolveAction(nil)
	assert.Equal(t, schema.ActionContinue, win.Kind)
}
