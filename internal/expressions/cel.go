package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/rendis/toolforge/pkg/schema"
)

// CELEngine evaluates step conditions written in Common Expression Language.
// Pipeline variables are exposed as the map variable "vars", so a condition
// reads like `vars.user.age >= 18 && has(vars.address)`.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine with the "vars" environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression with data bound to "vars". data must be a
// map[string]any or nil.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewValidationError("condition", "empty CEL expression")
	}

	vars, _ := data.(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}

	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]any{"vars": vars})
	if err != nil {
		return nil, schema.NewValidationError("condition", fmt.Sprintf("evaluate %q: %s", expression, err)).
			WithCause(err).
			WithDetails(expressionDetails(expression))
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewValidationError("condition", fmt.Sprintf("compile %q: %s", expression, issues.Err())).
			WithCause(issues.Err()).
			WithDetails(expressionDetails(expression))
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewValidationError("condition", fmt.Sprintf("program %q: %s", expression, err)).
			WithCause(err).
			WithDetails(expressionDetails(expression))
	}
	return prg, nil
}

// existencePattern matches the shorthand conditions "name", "!name" and dotted paths.
var existencePattern = regexp.MustCompile(`^(!?)\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)$`)

// Condition decides whether a pipeline step runs.
//
// A bare variable path is an existence test ("user" runs the step when user is
// set, "!user" when it is not). Anything else is a CEL expression that must
// produce a boolean.
func (e *CELEngine) Condition(ctx context.Context, condition string, vars map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	if m := existencePattern.FindStringSubmatch(condition); m != nil && m[2] != "true" && m[2] != "false" {
		_, found := Lookup(vars, SplitPath(m[2]))
		if m[1] == "!" {
			return !found, nil
		}
		return found, nil
	}

	out, err := e.Evaluate(ctx, condition, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewValidationError("condition",
			fmt.Sprintf("condition %q produced %T, want bool", condition, out)).
			WithDetails(expressionDetails(condition))
	}
	return b, nil
}

var (
	varsFieldPattern = regexp.MustCompile(`\bvars\.([A-Za-z_][A-Za-z0-9_]*)`)
	varsIndexPattern = regexp.MustCompile(`\bvars\[\s*["']([^"']+)["']\s*\]`)
	varsBarePattern  = regexp.MustCompile(`\bvars\b`)
)

// ConditionReferences returns the top-level variable names a condition reads.
// all is true when the condition touches "vars" in a way that cannot be
// narrowed to names, such as size(vars) or a computed index.
func ConditionReferences(condition string) (names []string, all bool) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil, false
	}
	if m := existencePattern.FindStringSubmatch(condition); m != nil && m[2] != "true" && m[2] != "false" {
		return []string{RootName(m[2])}, false
	}

	for _, m := range varsFieldPattern.FindAllStringSubmatch(condition, -1) {
		names = append(names, m[1])
	}
	for _, m := range varsIndexPattern.FindAllStringSubmatch(condition, -1) {
		names = append(names, m[1])
	}
	rest := varsFieldPattern.ReplaceAllString(condition, "")
	rest = varsIndexPattern.ReplaceAllString(rest, "")
	return names, varsBarePattern.MatchString(rest)
}

var _ Engine = (*CELEngine)(nil)
