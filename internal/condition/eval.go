package condition

// Eval evaluates the condition against a read-only state snapshot and
// reports whether it matched. Evaluation is total: missing paths resolve to
// nil, mismatched comparisons are false, and nothing here can panic or grow
// beyond the structure fixed at parse time.
func (c *Cond) Eval(state map[string]any) bool {
	if c == nil || c.root == nil {
		return false
	}
	return truthy(c.root.eval(state))
}

func (n *litNode) eval(_ map[string]any) any { return n.val }

func (n *pathNode) eval(state map[string]any) any {
	v, _ := n.resolve(state)
	return v
}

// resolve walks the path through nested maps. The second return reports
// whether every segment was present.
func (n *pathNode) resolve(state map[string]any) (any, bool) {
	var cur any = state
	for _, seg := range n.segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (n *existsNode) eval(state map[string]any) any {
	_, ok := n.path.resolve(state)
	return ok
}

func (n *notNode) eval(state map[string]any) any {
	return !truthy(n.inner.eval(state))
}

func (n *binNode) eval(state map[string]any) any {
	switch n.op {
	case tokAnd:
		return truthy(n.left.eval(state)) && truthy(n.right.eval(state))
	case tokOr:
		return truthy(n.left.eval(state)) || truthy(n.right.eval(state))
	}

	l := n.left.eval(state)
	r := n.right.eval(state)

	switch n.op {
	case tokEq:
		return looseEqual(l, r)
	case tokNeq:
		return !looseEqual(l, r)
	case tokLt, tokLte, tokGt, tokGte:
		return ordered(n.op, l, r)
	}
	return false
}

// truthy follows JSON semantics: nil, false, 0, and "" are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		if f, ok := toNumber(v); ok {
			return f != 0
		}
		return true
	}
}

func looseEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toNumber(l); ok {
		if rf, ok := toNumber(r); ok {
			return lf == rf
		}
		return false
	}
	switch lt := l.(type) {
	case string:
		rt, ok := r.(string)
		return ok && lt == rt
	case bool:
		rt, ok := r.(bool)
		return ok && lt == rt
	}
	return false
}

// ordered compares numbers numerically and strings lexicographically.
// Any other operand combination does not match.
func ordered(op tokenKind, l, r any) bool {
	if lf, lok := toNumber(l); lok {
		rf, rok := toNumber(r)
		if !rok {
			return false
		}
		switch op {
		case tokLt:
			return lf < rf
		case tokLte:
			return lf <= rf
		case tokGt:
			return lf > rf
		case tokGte:
			return lf >= rf
		}
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case tokLt:
		return ls < rs
	case tokLte:
		return ls <= rs
	case tokGt:
		return ls > rs
	case tokGte:
		return ls >= rs
	}
	return false
}

// toNumber widens any numeric representation the state may hold to float64.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
