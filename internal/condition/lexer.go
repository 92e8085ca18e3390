// Package condition implements the sandboxed boolean expression language
// operators use to branch against shared execution state.
//
// A condition string has the form
//
//	<boolean-expression> [=> <target-primitive-id>]
//
// The expression grammar supports literals (numbers, single/double quoted
// strings, true, false, null), dotted state paths, exists(path), !, &&, ||,
// comparisons, and parentheses. Everything is evaluated against a read-only
// snapshot of shared state; the evaluator is total and never panics.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Limits bounds the work a single parse/eval may do. Expressions over any
// bound are rejected at parse time.
type Limits struct {
	MaxTokens     int
	MaxDepth      int
	MaxStringLen  int
	ForbiddenKeys []string
}

// DefaultLimits returns the bounds used by the operator runtime.
func DefaultLimits() Limits {
	return Limits{
		MaxTokens:     256,
		MaxDepth:      32,
		MaxStringLen:  512,
		ForbiddenKeys: []string{"__proto__", "constructor", "prototype"},
	}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokNot      // !
	tokAnd      // &&
	tokOr       // ||
	tokEq       // ==
	tokNeq      // !=
	tokLt       // <
	tokLte      // <=
	tokGt       // >
	tokGte      // >=
	tokLParen   // (
	tokRParen   // )
	tokDot      // .
	tokArrow    // =>
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lexError is returned for malformed or over-budget input.
type lexError struct {
	pos int
	msg string
}

func (e *lexError) Error() string {
	return fmt.Sprintf("condition: %s at offset %d", e.msg, e.pos)
}

// tokenize splits src into tokens, enforcing MaxTokens and MaxStringLen.
func tokenize(src string, lim Limits) ([]token, error) {
	var toks []token
	i := 0
	n := len(src)

	push := func(t token) error {
		toks = append(toks, t)
		if lim.MaxTokens > 0 && len(toks) > lim.MaxTokens {
			return &lexError{pos: t.pos, msg: fmt.Sprintf("token budget of %d exceeded", lim.MaxTokens)}
		}
		return nil
	}

	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			if err := push(token{kind: tokLParen, pos: i}); err != nil {
				return nil, err
			}
			i++
		case c == ')':
			if err := push(token{kind: tokRParen, pos: i}); err != nil {
				return nil, err
			}
			i++
		case c == '.':
			if err := push(token{kind: tokDot, pos: i}); err != nil {
				return nil, err
			}
			i++

		case c == '&':
			if i+1 >= n || src[i+1] != '&' {
				return nil, &lexError{pos: i, msg: "expected '&&'"}
			}
			if err := push(token{kind: tokAnd, pos: i}); err != nil {
				return nil, err
			}
			i += 2
		case c == '|':
			if i+1 >= n || src[i+1] != '|' {
				return nil, &lexError{pos: i, msg: "expected '||'"}
			}
			if err := push(token{kind: tokOr, pos: i}); err != nil {
				return nil, err
			}
			i += 2

		case c == '!':
			if i+1 < n && src[i+1] == '=' {
				if err := push(token{kind: tokNeq, pos: i}); err != nil {
					return nil, err
				}
				i += 2
			} else {
				if err := push(token{kind: tokNot, pos: i}); err != nil {
					return nil, err
				}
				i++
			}
		case c == '=':
			if i+1 < n && src[i+1] == '=' {
				if err := push(token{kind: tokEq, pos: i}); err != nil {
					return nil, err
				}
				i += 2
			} else if i+1 < n && src[i+1] == '>' {
				if err := push(token{kind: tokArrow, pos: i}); err != nil {
					return nil, err
				}
				i += 2
			} else {
				return nil, &lexError{pos: i, msg: "expected '==' or '=>'"}
			}
		case c == '<':
			if i+1 < n && src[i+1] == '=' {
				if err := push(token{kind: tokLte, pos: i}); err != nil {
					return nil, err
				}
				i += 2
			} else {
				if err := push(token{kind: tokLt, pos: i}); err != nil {
					return nil, err
				}
				i++
			}
		case c == '>':
			if i+1 < n && src[i+1] == '=' {
				if err := push(token{kind: tokGte, pos: i}); err != nil {
					return nil, err
				}
				i += 2
			} else {
				if err := push(token{kind: tokGt, pos: i}); err != nil {
					return nil, err
				}
				i++
			}

		case c == '\'' || c == '"':
			quote := c
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if src[i] == '\\' && i+1 < n {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
				if lim.MaxStringLen > 0 && sb.Len() > lim.MaxStringLen {
					return nil, &lexError{pos: start, msg: fmt.Sprintf("string literal exceeds %d bytes", lim.MaxStringLen)}
				}
			}
			if !closed {
				return nil, &lexError{pos: start, msg: "unterminated string literal"}
			}
			if err := push(token{kind: tokString, text: sb.String(), pos: start}); err != nil {
				return nil, err
			}

		case c >= '0' && c <= '9' || (c == '-' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9'):
			start := i
			i++
			for i < n && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '+' || src[i] == '-') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &lexError{pos: start, msg: fmt.Sprintf("invalid number %q", src[start:i])}
			}
			if err := push(token{kind: tokNumber, num: f, text: src[start:i], pos: start}); err != nil {
				return nil, err
			}

		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			kind := tokIdent
			switch word {
			case "true":
				kind = tokTrue
			case "false":
				kind = tokFalse
			case "null", "nil":
				kind = tokNull
			}
			if err := push(token{kind: kind, text: word, pos: start}); err != nil {
				return nil, err
			}

		default:
			return nil, &lexError{pos: i, msg: fmt.Sprintf("unexpected character %q", string(c))}
		}
	}

	toks = append(toks, token{kind: tokEOF, pos: n})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '-'
}
