package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

func prim(contract *schema.Contract) *schema.Primitive {
	return &schema.Primitive{ID: "p1", Contract: contract}
}

func TestValidateInputMissingContract(t *testing.T) {
	v := New()
	issues := v.ValidateInput(prim(nil), map[string]any{"n": 1})
	require.Len(t, issues, 1)
	assert.Equal(t, schema.CodeContractMissing, issues[0].Code)
	assert.Equal(t, schema.PhaseInput, issues[0].Phase)
}

func TestValidateInputRequiredField(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Inputs: []schema.ContractField{
			{Name: "n", Type: "number", Required: true},
			{Name: "label", Type: "string"},
		},
	})

	assert.Empty(t, v.ValidateInput(p, map[string]any{"n": float64(1)}))

	issues := v.ValidateInput(p, map[string]any{})
	require.Len(t, issues, 1)
	assert.Equal(t, "n", issues[0].Field)
	assert.Equal(t, schema.CodeInputInvalid, issues[0].Code)
}

func TestValidateInputTypeMismatch(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Inputs: []schema.ContractField{{Name: "n", Type: "number", Required: true}},
	})

	issues := v.ValidateInput(p, map[string]any{"n": "four"})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "not of type number")
}

func TestValidateInputAcceptsNumericKinds(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Inputs: []schema.ContractField{{Name: "n", Type: "number", Required: true}},
	})

	for _, val := range []any{1, int64(1), float64(1)} {
		assert.Empty(t, v.ValidateInput(p, map[string]any{"n": val}), "value %T", val)
	}
}

func TestValidateOutputWithJSONSchema(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Outputs: []schema.ContractField{{
			Name:     "summary",
			Required: true,
			Schema:   json.RawMessage(`{"type":"string","minLength":3}`),
		}},
	})

	assert.Empty(t, v.ValidateOutput(p, map[string]any{"summary": "done"}))

	issues := v.ValidateOutput(p, map[string]any{"summary": "x"})
	require.Len(t, issues, 1)
	assert.Equal(t, schema.CodeOutputInvalid, issues[0].Code)
	assert.Contains(t, issues[0].Message, "schema validation")
}

func TestValidatePreconditions(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Preconditions: []string{"input.n > 0"},
	})

	assert.Empty(t, v.ValidatePreconditions(p, map[string]any{"n": 5}))

	issues := v.ValidatePreconditions(p, map[string]any{"n": -1})
	require.Len(t, issues, 1)
	assert.Equal(t, schema.CodePreconditionFailed, issues[0].Code)
	assert.Equal(t, schema.PhaseCondition, issues[0].Phase)
}

func TestValidatePreconditionsCompileError(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Preconditions: []string{"input.n >"},
	})

	issues := v.ValidatePreconditions(p, map[string]any{"n": 1})
	require.Len(t, issues, 1)
	assert.Equal(t, schema.CodeConditionInvalid, issues[0].Code)
}

func TestValidatePostconditions(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Postconditions: []string{"output.n == input.n * 2"},
	})

	assert.Empty(t, v.ValidatePostconditions(p,
		map[string]any{"n": 2}, map[string]any{"n": 4}))

	issues := v.ValidatePostconditions(p,
		map[string]any{"n": 2}, map[string]any{"n": 5})
	require.Len(t, issues, 1)
	assert.Equal(t, schema.CodePostconditionFailed, issues[0].Code)
}

func TestValidateConditionsSkippedWithoutContract(t *testing.T) {
	v := New()
	assert.Empty(t, v.ValidatePreconditions(prim(nil), nil))
	assert.Empty(t, v.ValidatePostconditions(prim(nil), nil, nil))
}

func TestValidateNonBooleanCondition(t *testing.T) {
	v := New()
	p := prim(&schema.Contract{
		Preconditions: []string{"input.n + 1"},
	})

	issues := v.ValidatePreconditions(p, map[string]any{"n": 1})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "not satisfied")
}
