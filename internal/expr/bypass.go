package expr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment builds and compiles CEL bypass conditions against the incoming
// request shape.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to bypass conditions.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Rule wraps a compiled CEL bypass condition.
type Rule struct {
	source  string
	program cel.Program
}

// Compile prepares a bypass condition, ensuring the expression yields a
// boolean. Compile errors are configuration errors and surface at setup time.
func (e *Environment) Compile(expression string) (Rule, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return Rule{}, fmt.Errorf("expr: empty bypass condition")
	}
	ast, issues := e.env.Compile(trimmed)
	if issues != nil && issues.Err() != nil {
		return Rule{}, fmt.Errorf("expr: compile %q: %w", trimmed, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Rule{}, fmt.Errorf("expr: %q does not yield a boolean", trimmed)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Rule{}, fmt.Errorf("expr: program %q: %w", trimmed, err)
	}
	return Rule{source: trimmed, program: program}, nil
}

// CompileAll compiles every bypass condition, failing on the first error.
func (e *Environment) CompileAll(expressions []string) (RuleSet, error) {
	rules := make(RuleSet, 0, len(expressions))
	for _, expression := range expressions {
		rule, err := e.Compile(expression)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Source returns the original CEL expression for logging.
func (r Rule) Source() string { return r.source }

func (r Rule) eval(activation map[string]any) (bool, error) {
	val, _, err := r.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", r.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if b, ok := v.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", r.source, val)
}

// RuleSet is an ordered set of bypass conditions.
type RuleSet []Rule

// Match reports whether any condition authorizes bypassing the cache for the
// request. Evaluation errors count as no match: a broken condition must never
// take the cache out of the path.
func (s RuleSet) Match(r *http.Request) (bool, error) {
	if len(s) == 0 {
		return false, nil
	}
	activation := requestActivation(r)
	for _, rule := range s {
		matched, err := rule.eval(activation)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func requestActivation(r *http.Request) map[string]any {
	query := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	headers := map[string]string{}
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"host":    r.Host,
		"query":   query,
		"headers": headers,
	}
}
