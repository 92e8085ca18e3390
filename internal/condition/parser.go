package condition

import (
	"fmt"
	"strings"
)

// node is an immutable AST node.
type node interface {
	eval(state map[string]any) any
}

type litNode struct{ val any } // float64, string, bool, or nil

type pathNode struct{ segments []string }

type existsNode struct{ path *pathNode }

type notNode struct{ inner node }

type binNode struct {
	op          tokenKind
	left, right node
}

// Cond is one parsed condition: a boolean expression plus an optional branch
// target taken from the "=> target" suffix.
type Cond struct {
	Source string
	Target string
	root   node
}

// Parse compiles a condition string under the given limits. Any limit
// violation, forbidden path segment, or syntax error is reported as a parse
// error; a parsed Cond can always be evaluated safely.
func Parse(src string, lim Limits) (*Cond, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, &lexError{pos: 0, msg: "empty condition"}
	}

	toks, err := tokenize(trimmed, lim)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks, lim: lim, forbidden: forbiddenSet(lim)}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}

	cond := &Cond{Source: trimmed, root: root}

	// Optional "=> target" suffix.
	if p.peek().kind == tokArrow {
		p.next()
		t := p.next()
		if t.kind != tokIdent {
			return nil, &lexError{pos: t.pos, msg: "expected target identifier after '=>'"}
		}
		cond.Target = t.text
	}

	if t := p.peek(); t.kind != tokEOF {
		return nil, &lexError{pos: t.pos, msg: fmt.Sprintf("unexpected trailing input %q", t.text)}
	}
	return cond, nil
}

func forbiddenSet(lim Limits) map[string]struct{} {
	keys := lim.ForbiddenKeys
	if keys == nil {
		keys = DefaultLimits().ForbiddenKeys
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

type parser struct {
	toks      []token
	pos       int
	lim       Limits
	forbidden map[string]struct{}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) depthCheck(depth int, at token) error {
	max := p.lim.MaxDepth
	if max <= 0 {
		max = DefaultLimits().MaxDepth
	}
	if depth >= max {
		return &lexError{pos: at.pos, msg: fmt.Sprintf("nesting depth %d exceeded", max)}
	}
	return nil
}

// parseExpr = parseAnd { "||" parseAnd }
func (p *parser) parseExpr(depth int) (node, error) {
	if err := p.depthCheck(depth, p.peek()); err != nil {
		return nil, err
	}
	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &binNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

// parseAnd = parseUnary { "&&" parseUnary }
func (p *parser) parseAnd(depth int) (node, error) {
	if err := p.depthCheck(depth, p.peek()); err != nil {
		return nil, err
	}
	left, err := p.parseUnary(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &binNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

// parseUnary = "!" parseUnary | parseComparison
func (p *parser) parseUnary(depth int) (node, error) {
	if err := p.depthCheck(depth, p.peek()); err != nil {
		return nil, err
	}
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison(depth + 1)
}

// parseComparison = operand [ cmpOp operand ]
func (p *parser) parseComparison(depth int) (node, error) {
	if err := p.depthCheck(depth, p.peek()); err != nil {
		return nil, err
	}
	left, err := p.parseOperand(depth + 1)
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokEq, tokNeq, tokLt, tokLte, tokGt, tokGte:
		p.next()
		right, err := p.parseOperand(depth + 1)
		if err != nil {
			return nil, err
		}
		return &binNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

// parseOperand = literal | path | exists "(" path ")" | "(" expr ")"
func (p *parser) parseOperand(depth int) (node, error) {
	if err := p.depthCheck(depth, p.peek()); err != nil {
		return nil, err
	}
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &litNode{val: t.num}, nil
	case tokString:
		return &litNode{val: t.text}, nil
	case tokTrue:
		return &litNode{val: true}, nil
	case tokFalse:
		return &litNode{val: false}, nil
	case tokNull:
		return &litNode{val: nil}, nil

	case tokLParen:
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, &lexError{pos: c.pos, msg: "expected ')'"}
		}
		return inner, nil

	case tokIdent:
		if t.text == "exists" && p.peek().kind == tokLParen {
			p.next()
			inner, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if c := p.next(); c.kind != tokRParen {
				return nil, &lexError{pos: c.pos, msg: "expected ')' after exists path"}
			}
			return &existsNode{path: inner}, nil
		}
		return p.parsePathFrom(t)

	default:
		return nil, &lexError{pos: t.pos, msg: "expected literal, path, or '('"}
	}
}

// parsePath reads a fresh dotted path starting at the next token.
func (p *parser) parsePath() (*pathNode, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, &lexError{pos: t.pos, msg: "expected path identifier"}
	}
	return p.parsePathFrom(t)
}

// parsePathFrom continues a dotted path whose first segment is already read.
// Forbidden segments are rejected here so no expression can ever address a
// prototype-polluting key, no matter how it is spelled.
func (p *parser) parsePathFrom(first token) (*pathNode, error) {
	segs := []string{first.text}
	for p.peek().kind == tokDot {
		p.next()
		t := p.next()
		if t.kind != tokIdent && t.kind != tokTrue && t.kind != tokFalse && t.kind != tokNull {
			return nil, &lexError{pos: t.pos, msg: "expected identifier after '.'"}
		}
		segs = append(segs, t.text)
	}
	for _, s := range segs {
		if _, bad := p.forbidden[strings.ToLower(s)]; bad {
			return nil, &lexError{pos: first.pos, msg: fmt.Sprintf("forbidden path segment %q", s)}
		}
	}
	return &pathNode{segments: segs}, nil
}
