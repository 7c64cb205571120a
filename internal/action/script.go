package action

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"ontoflow/internal/domain"
)

// ScriptConnector evaluates a CEL expression against the intent input.
// Config: expression. Expressions are pure and cost-bounded, so a hostile
// action definition cannot loop forever or touch the host.
type ScriptConnector struct {
	CostLimit uint64

	env *cel.Env
}

func NewScriptConnector(costLimit uint64) (*ScriptConnector, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("script connector env: %w", err)
	}
	if costLimit == 0 {
		costLimit = 1_000_000
	}
	return &ScriptConnector{CostLimit: costLimit, env: env}, nil
}

func (c *ScriptConnector) Execute(ctx context.Context, config, input domain.Metadata) (domain.Metadata, error) {
	expression, _ := config["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("script connector: expression is required")
	}
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("script connector: compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast, cel.CostLimit(c.CostLimit))
	if err != nil {
		return nil, fmt.Errorf("script connector: program: %w", err)
	}
	if input == nil {
		input = domain.Metadata{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"input": map[string]any(input)})
	if err != nil {
		return nil, fmt.Errorf("script connector: eval: %w", err)
	}
	return domain.Metadata{"result": nativeValue(out)}, nil
}

// nativeValue lowers a CEL value to plain Go so the attempt output stays
// JSON-serializable.
func nativeValue(v ref.Val) any {
	switch v.(type) {
	case traits.Lister:
		if n, err := v.ConvertToNative(reflect.TypeOf([]any{})); err == nil {
			return n
		}
	case traits.Mapper:
		if n, err := v.ConvertToNative(reflect.TypeOf(map[string]any{})); err == nil {
			return n
		}
	}
	return v.Value()
}
