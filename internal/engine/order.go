// Package engine implements the composition execution core: the graph
// compiler that turns a composition into a linear execution order, the
// operator runtime that interposes on primitive execution, and the execution
// loop with its checkpoint/resume protocol.
package engine

import (
	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// edgeStyle selects how an operator's input/output bindings become ordering
// edges. Dense covers both checkpoint-style and parallel-style operators:
// every input precedes every output with no ordering among inputs.
type edgeStyle int

const (
	styleDense edgeStyle = iota
	styleSequence
	styleFanout
)

// operatorEdgeStyle maps an operator type to its edge derivation style for
// versioned compositions. Legacy compositions (GraphVersion 0) use dense
// edges for every operator regardless of type.
func operatorEdgeStyle(t schema.OperatorType) edgeStyle {
	switch t {
	case schema.OpParallel, schema.OpQuorum, schema.OpConsensus,
		schema.OpCheckpoint, schema.OpPersist,
		schema.OpFanin, schema.OpReduce, schema.OpMerge, schema.OpFallback:
		return styleDense
	case schema.OpFanout, schema.OpConditional:
		return styleFanout
	default:
		// retry, loop, timebox, budget_cap, throttle, gate, escalate,
		// interrupt, monitor, backoff, cache, replay, sequence
		return styleSequence
	}
}

// graph accumulates ordering edges between primitives.
type graph struct {
	nodes []string
	index map[string]int
	adj   map[string]map[string]struct{} // from → set of to
}

func newGraph(ids []string) (*graph, error) {
	g := &graph{
		nodes: ids,
		index: make(map[string]int, len(ids)),
		adj:   make(map[string]map[string]struct{}, len(ids)),
	}
	for i, id := range ids {
		if id == "" {
			return nil, schema.NewErrorf(schema.CodeSetupFailed, "primitive at index %d has empty ID", i)
		}
		if _, dup := g.index[id]; dup {
			return nil, schema.NewErrorf(schema.CodeSetupFailed, "duplicate primitive ID: %s", id)
		}
		g.index[id] = i
		g.adj[id] = make(map[string]struct{})
	}
	return g, nil
}

// addEdge records "from runs before to". Self-loops are invalid whether they
// come from an explicit relationship or an operator binding.
func (g *graph) addEdge(from, to string) error {
	if from == to {
		return schema.NewErrorf(schema.CodeSelfLoopDetected, "primitive %s ordered before itself", from)
	}
	g.adj[from][to] = struct{}{}
	return nil
}

// ResolveExecutionOrder compiles a composition into a linear execution order.
// Explicit relationships and operator bindings are folded into one edge set,
// then sorted with Kahn's algorithm. Ties among ready primitives are broken
// by the composition's declared primitive order, so an unchanged composition
// always compiles to the same order.
func ResolveExecutionOrder(comp *schema.Composition) ([]string, error) {
	if comp == nil {
		return nil, schema.NewError(schema.CodeSetupFailed, "composition is nil")
	}
	if len(comp.Primitives) == 0 {
		return nil, schema.NewErrorf(schema.CodeSetupFailed, "composition %s has no primitives", comp.ID)
	}

	g, err := newGraph(comp.PrimitiveIDs())
	if err != nil {
		return nil, err
	}

	// Explicit relationships. For depends_on, the dependency runs first; for
	// blocks and enables, the declaring primitive runs first.
	for _, rel := range comp.Relationships {
		if _, ok := g.index[rel.From]; !ok {
			return nil, schema.NewErrorf(schema.CodeMissingDependency,
				"relationship references unknown primitive %s", rel.From)
		}
		if _, ok := g.index[rel.To]; !ok {
			return nil, schema.NewErrorf(schema.CodeMissingDependency,
				"relationship references unknown primitive %s", rel.To)
		}
		switch rel.Kind {
		case schema.RelationDependsOn:
			err = g.addEdge(rel.To, rel.From)
		case schema.RelationBlocks, schema.RelationEnables:
			err = g.addEdge(rel.From, rel.To)
		default:
			err = schema.NewErrorf(schema.CodeSetupFailed,
				"relationship %s -> %s has unknown kind %q", rel.From, rel.To, rel.Kind)
		}
		if err != nil {
			return nil, err
		}
	}

	// Operator-derived edges.
	for i := range comp.Operators {
		if err := addOperatorEdges(g, &comp.Operators[i], comp.GraphVersion); err != nil {
			return nil, err
		}
	}

	return g.kahn()
}

func addOperatorEdges(g *graph, op *schema.Operator, graphVersion int) error {
	for _, id := range op.Inputs {
		if _, ok := g.index[id]; !ok {
			return schema.NewErrorf(schema.CodeMissingPrimitive,
				"operator %s references unknown input primitive %s", op.ID, id)
		}
	}
	for _, id := range op.Outputs {
		if _, ok := g.index[id]; !ok {
			return schema.NewErrorf(schema.CodeMissingPrimitive,
				"operator %s references unknown output primitive %s", op.ID, id)
		}
	}

	style := operatorEdgeStyle(op.Type)
	if graphVersion == 0 {
		style = styleDense
	}

	switch style {
	case styleSequence:
		// Inputs chain in listed order; the last input precedes each output.
		for i := 1; i < len(op.Inputs); i++ {
			if err := g.addEdge(op.Inputs[i-1], op.Inputs[i]); err != nil {
				return err
			}
		}
		if len(op.Inputs) > 0 {
			last := op.Inputs[len(op.Inputs)-1]
			for _, out := range op.Outputs {
				if err := g.addEdge(last, out); err != nil {
					return err
				}
			}
		}

	case styleFanout:
		// The first input precedes every output; no ordering among inputs.
		if len(op.Inputs) > 0 {
			first := op.Inputs[0]
			for _, out := range op.Outputs {
				if err := g.addEdge(first, out); err != nil {
					return err
				}
			}
		}

	default: // styleDense
		for _, in := range op.Inputs {
			for _, out := range op.Outputs {
				if err := g.addEdge(in, out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// kahn runs a stable topological sort. Among ready nodes the one earliest in
// declared order is taken first.
func (g *graph) kahn() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.nodes {
		inDegree[id] = 0
	}
	for _, tos := range g.adj {
		for to := range tos {
			inDegree[to]++
		}
	}

	done := make(map[string]bool, len(g.nodes))
	sorted := make([]string, 0, len(g.nodes))
	for len(sorted) < len(g.nodes) {
		next := ""
		for _, id := range g.nodes {
			if !done[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			return nil, schema.NewError(schema.CodeCycleDetected, "composition contains a cycle")
		}
		done[next] = true
		sorted = append(sorted, next)
		for to := range g.adj[next] {
			inDegree[to]--
		}
	}
	return sorted, nil
}
