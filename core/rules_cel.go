package core

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELRule forces Main when a boolean CEL expression holds for the descriptor.
//
// The expression sees:
//
//	id        string
//	kind      string
//	source    string
//	preferred string          ("auto" or "background")
//	env       map(string, dyn) the payload env seed
type CELRule struct {
	name   string
	reason string
	expr   string
	prg    cel.Program
}

// NewCELRule compiles expr once. Compile errors and non-bool expressions are
// rejected here, not at evaluation time.
func NewCELRule(name, reason, expr string) (*CELRule, error) {
	env, err := newRuleCELEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %s: compile: %w", name, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %s: expression must be bool, got %s", name, t)
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("rule %s: program: %w", name, err)
	}

	return &CELRule{name: name, reason: reason, expr: expr, prg: prg}, nil
}

func newRuleCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("preferred", cel.StringType),
		cel.Variable("env", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func (r *CELRule) Name() string   { return r.name }
func (r *CELRule) Cost() RuleCost { return CostMetadata }

// Expression returns the source expression.
func (r *CELRule) Expression() string { return r.expr }

func (r *CELRule) Evaluate(d WorkDescriptor) (Verdict, error) {
	env := d.Payload.Env
	if env == nil {
		env = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"id":        d.ID,
		"kind":      d.Kind,
		"source":    d.Payload.Source,
		"preferred": d.PreferredAffinity.String(),
		"env":       env,
	})
	if err != nil {
		return Abstain, fmt.Errorf("eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return Abstain, fmt.Errorf("result not bool")
	}
	if !matched {
		return Abstain, nil
	}
	reason := r.reason
	if reason == "" {
		reason = "matched " + r.expr
	}
	return ForceMain(reason), nil
}
