package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"
	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// condition is a gate whose routing decision is a CUE expression over the
// row's fields, e.g. "amount > 1000" or `region == "eu"`.
//
// The expression is parsed once. Each evaluation builds it against a scope
// holding the row. Decimals enter CUE as exact numbers and timestamps as
// RFC 3339 strings.
type condition struct {
	expr   ast.Expr
	source string
	kind   ir.RouteKind

	// A cue.Context is not safe for concurrent use.
	mu  sync.Mutex
	ctx *cue.Context
}

func newCondition(cfg ir.IRObject) (plugin.Plugin, error) {
	src, err := requireString(cfg, "expr")
	if err != nil {
		return nil, err
	}
	result, err := optString(cfg, "result", string(ir.RouteBoolean))
	if err != nil {
		return nil, err
	}
	kind := ir.RouteKind(result)
	if kind != ir.RouteBoolean && kind != ir.RouteLabel {
		return nil, fmt.Errorf("option \"result\" must be %q or %q, got %q", ir.RouteBoolean, ir.RouteLabel, result)
	}
	expr, err := parser.ParseExpr("condition", src)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", src, err)
	}
	return &condition{expr: expr, source: src, kind: kind, ctx: cuecontext.New()}, nil
}

func (c *condition) Name() string { return "condition" }

func (c *condition) Classification() ir.RouteKind { return c.kind }

// Evaluate returns a bool, a string, or for any other concrete result the
// Go value CUE decodes to. The engine refuses results that disagree with
// the classification.
func (c *condition) Evaluate(_ context.Context, row ir.Row, _ plugin.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope := c.ctx.CompileString("{}")
	for _, k := range row.Keys() {
		v, err := c.cueValue(row[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		scope = scope.FillPath(cue.MakePath(cue.Str(k)), v)
	}
	if err := scope.Err(); err != nil {
		return nil, fmt.Errorf("build scope: %w", err)
	}

	res := c.ctx.BuildExpr(c.expr, cue.Scope(scope))
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	if err := res.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("evaluate %q: result is not concrete: %w", c.source, err)
	}

	switch res.Kind() {
	case cue.BoolKind:
		return res.Bool()
	case cue.StringKind:
		return res.String()
	case cue.IntKind:
		return res.Int64()
	default:
		var out any
		if err := res.Decode(&out); err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", c.source, err)
		}
		return out, nil
	}
}

func (c *condition) cueValue(v any) (cue.Value, error) {
	switch val := v.(type) {
	case *apd.Decimal:
		return c.ctx.CompileString(val.Text('f')), nil
	case time.Time:
		return c.ctx.Encode(val.Format(time.RFC3339Nano)), nil
	case ir.Row:
		return c.ctx.Encode(map[string]any(val)), nil
	default:
		ev := c.ctx.Encode(val)
		return ev, ev.Err()
	}
}
