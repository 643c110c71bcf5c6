package fanout

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/rzbill/fanq/internal/envelope"
)

// Filter is a compiled subscription predicate. The zero value matches
// everything.
//
// Expressions see:
//
//	attributes      map(string, string)
//	size            int (result payload bytes)
//	produced_at_ms  int
//	text            string (result payload)
//	json            dyn (parsed result payload, null when not JSON)
type Filter struct {
	expr string
	prog cel.Program
}

var filterEnv = mustFilterEnv()

func mustFilterEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("size", cel.IntType),
		cel.Variable("produced_at_ms", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("fanout: build CEL env: %v", err))
	}
	return env
}

// CompileFilter parses and type-checks expr. Blank expressions match all.
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	ast, iss := filterEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return Filter{}, fmt.Errorf("%w: %q yields %s, want bool", ErrInvalidFilter, expr, ast.OutputType())
	}
	prog, err := filterEnv.Program(ast)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return Filter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f Filter) String() string { return f.expr }

// Match evaluates the filter. Evaluation errors (a missing json field, say)
// count as no match.
func (f Filter) Match(ev *envelope.ProcessedEvent) bool {
	if f.prog == nil {
		return true
	}
	var doc any
	_ = json.Unmarshal(ev.ResultPayload, &doc)
	attrs := ev.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"attributes":     attrs,
		"size":           int64(len(ev.ResultPayload)),
		"produced_at_ms": ev.ProducedAt.UnixMilli(),
		"text":           string(ev.ResultPayload),
		"json":           doc,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
