// Package builtin holds the tools bound into the registry at startup.
package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/mohammad-safakhou/linsight/internal/tools"
)

var mathEnv = map[string]interface{}{
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"abs":   math.Abs,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
	"log":   math.Log,
	"log10": math.Log10,
	"pi":    math.Pi,
	"e":     math.E,
}

// Calculator evaluates arithmetic expressions.
func Calculator() tools.Tool {
	return &tools.Func{
		ToolName:        "calculator",
		ToolDescription: "Evaluate an arithmetic expression such as \"37*41\" or \"sqrt(2)*pi\". Returns the numeric result.",
		Parameters: tools.ObjectSchema(map[string]interface{}{
			"expression": tools.Prop("string", "arithmetic expression to evaluate"),
		}, "expression"),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			src, _ := args["expression"].(string)
			return Evaluate(src)
		},
	}
}

// Evaluate computes src and formats the result without trailing zeros.
func Evaluate(src string) (string, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", fmt.Errorf("expression is empty")
	}
	program, err := expr.Compile(src, expr.Env(mathEnv))
	if err != nil {
		return "", fmt.Errorf("compile %q: %w", src, err)
	}
	out, err := expr.Run(program, mathEnv)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", src, err)
	}
	switch v := out.(type) {
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return "", fmt.Errorf("evaluate %q: result is not finite", src)
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return fmt.Sprint(v), nil
	}
}
