package domain

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

var conditionEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("old_record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("operation", cel.StringType),
		cel.Variable("table", cel.StringType),
	)
})

// conditionCacheSize bounds the compiled programs kept across webhook updates.
const conditionCacheSize = 1024

var conditionPrograms = sync.OnceValue(func() *lru.Cache[string, cel.Program] {
	c, _ := lru.New[string, cel.Program](conditionCacheSize)
	return c
})

func compileCondition(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := conditionPrograms().Get(expr); ok {
		return cached, nil
	}
	env, err := conditionEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("condition must evaluate to bool")
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	conditionPrograms().Add(expr, prg)
	return prg, nil
}

// EvalCondition evaluates a CEL condition against c. Variables: record, old_record, operation, table.
func EvalCondition(expr string, c table.Change) (bool, error) {
	prg, err := compileCondition(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"record":     orEmpty(c.New),
		"old_record": orEmpty(c.Old),
		"operation":  string(c.Op),
		"table":      c.Table.String(),
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("condition did not return bool")
	}
	return v, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
