package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// EvalCondition evaluates a boolean expression against the session variables.
// Non-boolean results are an error rather than a truthiness guess.
func EvalCondition(expression string, vars map[string]any) (bool, error) {
	out, err := expr.Eval(expression, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// EvalValue evaluates an expression and returns whatever it produces; used by
// setVariable nodes that compute derived values.
func EvalValue(expression string, vars map[string]any) (any, error) {
	out, err := expr.Eval(expression, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return out, nil
}
