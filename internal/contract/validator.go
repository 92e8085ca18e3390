// Package contract provides the reference implementation of the contract
// validator collaborator: it checks a primitive's declared input/output
// shape and evaluates its pre/postcondition expressions.
package contract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// Validator checks a primitive's contract around execution. Each method
// returns the list of issues found; an empty list means the phase passed.
type Validator interface {
	ValidateInput(p *schema.Primitive, input map[string]any) []schema.Issue
	ValidatePreconditions(p *schema.Primitive, input map[string]any) []schema.Issue
	ValidateOutput(p *schema.Primitive, output map[string]any) []schema.Issue
	ValidatePostconditions(p *schema.Primitive, input, output map[string]any) []schema.Issue
}

// New returns the default Validator. Compiled schemas and expressions are
// cached and reused across calls; safe for concurrent use.
func New() Validator {
	return &validator{
		schemas:  make(map[string]*jsonschema.Schema),
		programs: make(map[string]*vm.Program),
	}
}

type validator struct {
	mu       sync.Mutex
	schemas  map[string]*jsonschema.Schema
	programs map[string]*vm.Program
}

func (v *validator) ValidateInput(p *schema.Primitive, input map[string]any) []schema.Issue {
	if p.Contract == nil {
		return []schema.Issue{{
			Phase:   schema.PhaseInput,
			Code:    schema.CodeContractMissing,
			Message: fmt.Sprintf("primitive %s declares no contract", p.ID),
		}}
	}
	return v.validateFields(p.Contract.Inputs, input, schema.PhaseInput, schema.CodeInputInvalid)
}

func (v *validator) ValidateOutput(p *schema.Primitive, output map[string]any) []schema.Issue {
	if p.Contract == nil {
		return []schema.Issue{{
			Phase:   schema.PhaseOutput,
			Code:    schema.CodeContractMissing,
			Message: fmt.Sprintf("primitive %s declares no contract", p.ID),
		}}
	}
	return v.validateFields(p.Contract.Outputs, output, schema.PhaseOutput, schema.CodeOutputInvalid)
}

func (v *validator) ValidatePreconditions(p *schema.Primitive, input map[string]any) []schema.Issue {
	if p.Contract == nil {
		return nil
	}
	env := map[string]any{"input": orEmpty(input)}
	return v.validateExprs(p.Contract.Preconditions, env, schema.PhaseCondition, schema.CodePreconditionFailed)
}

func (v *validator) ValidatePostconditions(p *schema.Primitive, input, output map[string]any) []schema.Issue {
	if p.Contract == nil {
		return nil
	}
	env := map[string]any{"input": orEmpty(input), "output": orEmpty(output)}
	return v.validateExprs(p.Contract.Postconditions, env, schema.PhaseCondition, schema.CodePostconditionFailed)
}

func (v *validator) validateFields(fields []schema.ContractField, data map[string]any, phase schema.IssuePhase, code string) []schema.Issue {
	var issues []schema.Issue
	for _, f := range fields {
		val, present := data[f.Name]
		if !present {
			if f.Required {
				issues = append(issues, schema.Issue{
					Phase:   phase,
					Code:    code,
					Field:   f.Name,
					Message: fmt.Sprintf("required field %q is missing", f.Name),
				})
			}
			continue
		}
		if f.Type != "" && !kindMatches(f.Type, val) {
			issues = append(issues, schema.Issue{
				Phase:   phase,
				Code:    code,
				Field:   f.Name,
				Message: fmt.Sprintf("field %q is not of type %s", f.Name, f.Type),
			})
			continue
		}
		if len(f.Schema) > 0 {
			sch, err := v.compileSchema(string(f.Schema))
			if err != nil {
				issues = append(issues, schema.Issue{
					Phase:   phase,
					Code:    code,
					Field:   f.Name,
					Message: fmt.Sprintf("field %q has an invalid schema: %v", f.Name, err),
				})
				continue
			}
			if err := sch.Validate(val); err != nil {
				issues = append(issues, schema.Issue{
					Phase:   phase,
					Code:    code,
					Field:   f.Name,
					Message: fmt.Sprintf("field %q failed schema validation: %v", f.Name, err),
				})
			}
		}
	}
	return issues
}

func (v *validator) validateExprs(exprs []string, env map[string]any, phase schema.IssuePhase, code string) []schema.Issue {
	var issues []schema.Issue
	for _, src := range exprs {
		prg, err := v.compileExpr(src, env)
		if err != nil {
			issues = append(issues, schema.Issue{
				Phase:   phase,
				Code:    schema.CodeConditionInvalid,
				Message: fmt.Sprintf("condition %q does not compile: %v", src, err),
			})
			continue
		}
		out, err := vm.Run(prg, env)
		if err != nil {
			issues = append(issues, schema.Issue{
				Phase:   phase,
				Code:    code,
				Message: fmt.Sprintf("condition %q errored: %v", src, err),
			})
			continue
		}
		if ok, isBool := out.(bool); !isBool || !ok {
			issues = append(issues, schema.Issue{
				Phase:   phase,
				Code:    code,
				Message: fmt.Sprintf("condition %q not satisfied", src),
			})
		}
	}
	return issues
}

// compileSchema compiles and caches a JSON Schema document.
func (v *validator) compileSchema(raw string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.schemas[raw]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("contract.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("contract.json")
	if err != nil {
		return nil, err
	}
	v.schemas[raw] = sch
	return sch, nil
}

// compileExpr compiles and caches an expr program.
func (v *validator) compileExpr(src string, env map[string]any) (*vm.Program, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, ok := v.programs[src]; ok {
		return prg, nil
	}
	prg, err := expr.Compile(src,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}
	v.programs[src] = prg
	return prg, nil
}

func kindMatches(kind string, v any) bool {
	switch kind {
	case "any", "":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	case "number", "integer":
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
