package condition

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndEval(t *testing.T) {
	state := map[string]any{
		"n":     float64(4),
		"name":  "alpha",
		"ready": true,
		"stats": map[string]any{"errors": float64(0), "depth": map[string]any{"max": float64(7)}},
	}

	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"number equality", "n == 4", true},
		{"number inequality", "n != 4", false},
		{"less than", "n < 10", true},
		{"greater or equal", "n >= 4", true},
		{"string comparison", "name == 'alpha'", true},
		{"double quoted string", `name == "alpha"`, true},
		{"bool literal", "ready == true", true},
		{"bare path truthiness", "ready", true},
		{"nested path", "stats.depth.max > 5", true},
		{"missing path is falsy", "missing.path", false},
		{"missing path equals null", "missing.path == null", true},
		{"exists on present path", "exists(stats.errors)", true},
		{"exists on absent path", "exists(stats.warnings)", false},
		{"negation", "!ready", false},
		{"and", "n > 1 && name == 'alpha'", true},
		{"or short circuit", "n > 100 || ready", true},
		{"parentheses", "(n > 100 || n < 5) && ready", true},
		{"numeric zero is falsy", "stats.errors", false},
		{"string ordering", "name < 'beta'", true},
		{"mismatched comparison is false", "name > 3", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := Parse(tt.src, DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, tt.want, cond.Eval(state))
		})
	}
}

func TestParseTargetSuffix(t *testing.T) {
	cond, err := Parse("n > 2 => handle-overflow", DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "handle-overflow", cond.Target)
	assert.True(t, cond.Eval(map[string]any{"n": float64(3)}))
}

func TestParseRejectsForbiddenPaths(t *testing.T) {
	for _, src := range []string{
		"constructor == 1",
		"state.constructor == 1",
		"a.__proto__.b == 2",
		"obj.prototype",
		"a.CONSTRUCTOR == 1",
		"exists(x.__proto__)",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src, DefaultLimits())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "forbidden")
		})
	}
}

func TestParseEnforcesBounds(t *testing.T) {
	t.Run("token budget", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("a == 1")
		for i := 0; i < 200; i++ {
			sb.WriteString(" && a == 1")
		}
		_, err := Parse(sb.String(), Limits{MaxTokens: 64, MaxDepth: 32, MaxStringLen: 512})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token budget")
	})

	t.Run("nesting depth", func(t *testing.T) {
		src := strings.Repeat("(", 40) + "a" + strings.Repeat(")", 40)
		_, err := Parse(src, DefaultLimits())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "depth")
	})

	t.Run("string literal length", func(t *testing.T) {
		src := "name == '" + strings.Repeat("x", 600) + "'"
		_, err := Parse(src, DefaultLimits())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "string literal")
	})
}

func TestParseSyntaxErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		"a ==",
		"a && ",
		"(a == 1",
		"a = 1",
		"a & b",
		"'unterminated",
		"a == 1 => ",
		"a == 1 extra",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src, DefaultLimits())
			assert.Error(t, err)
		})
	}
}

func TestEvalIsTotal(t *testing.T) {
	// A parsed condition never panics, whatever the state shape.
	cond, err := Parse("a.b.c > 1 && exists(a.b) || !a", DefaultLimits())
	require.NoError(t, err)

	states := []map[string]any{
		nil,
		{},
		{"a": "not a map"},
		{"a": map[string]any{"b": []any{1, 2}}},
		{"a": map[string]any{"b": map[string]any{"c": "nan"}}},
	}
	for _, st := range states {
		assert.NotPanics(t, func() { cond.Eval(st) })
	}
}

func TestEvalNumericWidening(t *testing.T) {
	cond, err := Parse("n == 4", DefaultLimits())
	require.NoError(t, err)
	for _, v := range []any{4, int32(4), int64(4), uint(4), float32(4), float64(4)} {
		assert.True(t, cond.Eval(map[string]any{"n": v}), "value %T", v)
	}
}
