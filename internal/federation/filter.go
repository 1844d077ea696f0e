package federation

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/roach88/fkg/internal/model"
)

// TrustFilter applies a remote's trust policy to incoming entities: first
// the entity type allow-list, then the optional CEL expression.
//
// The expression sees three variables: `entity` (the flat record, header
// fields included), `entity_type` and `authority`. It must evaluate to a bool;
// true keeps the entity.
type TrustFilter struct {
	trust   model.Trust
	program cel.Program
}

// NewTrustFilter compiles t.Filter. An empty filter keeps every entity
// whose type is allowed.
func NewTrustFilter(t model.Trust) (*TrustFilter, error) {
	f := &TrustFilter{trust: t}
	if t.Filter == "" {
		return f, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("authority", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(t.Filter)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("trust filter compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("trust filter must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("trust filter program creation error: %w", err)
	}
	f.program = prg
	return f, nil
}

// Allows reports whether e passes the policy. An evaluation error is
// returned alongside false; callers treat it as a rejection.
func (f *TrustFilter) Allows(e model.Entity) (bool, error) {
	if !f.trust.AllowsType(e.Type) {
		return false, nil
	}
	if f.program == nil {
		return true, nil
	}

	out, _, err := f.program.Eval(map[string]any{
		"entity":      celValue(e.Map()),
		"entity_type": e.Type,
		"authority":   e.AuthorityID,
	})
	if err != nil {
		return false, fmt.Errorf("trust filter on %s: %w", e.ID, err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trust filter on %s: result is %T, not bool", e.ID, out.Value())
	}
	return keep, nil
}

// celValue converts decoded JSON into values CEL has native types for.
// Records are decoded with json.Number, which CEL would treat as a string.
func celValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = celValue(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = celValue(val)
		}
		return out
	default:
		return v
	}
}
