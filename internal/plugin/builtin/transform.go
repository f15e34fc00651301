package builtin

import (
	"context"
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

type passthrough struct{}

func newPassthrough(ir.IRObject) (plugin.Plugin, error) { return passthrough{}, nil }

func (passthrough) Name() string { return "passthrough" }

func (passthrough) Process(_ context.Context, row ir.Row, _ plugin.Context) plugin.Result {
	return plugin.Success(row)
}

// setTransform overwrites fields with the constants in its "fields" option.
type setTransform struct {
	fields ir.Row
}

func newSet(cfg ir.IRObject) (plugin.Plugin, error) {
	v, ok := cfg["fields"]
	if !ok {
		return nil, fmt.Errorf("option %q is required", "fields")
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("option \"fields\" must be an object, got %T", v)
	}
	return &setTransform{fields: rowFromIR(obj)}, nil
}

func (t *setTransform) Name() string { return "set" }

func (t *setTransform) Process(_ context.Context, row ir.Row, _ plugin.Context) plugin.Result {
	out := row.Clone()
	for k, v := range t.fields {
		out[k] = v
	}
	return plugin.Success(out)
}

// splitTransform expands a list field: one output row per element, with
// the element stored under "as" (default: the field itself).
type splitTransform struct {
	field string
	as    string
}

func newSplit(cfg ir.IRObject) (plugin.Plugin, error) {
	field, err := requireString(cfg, "field")
	if err != nil {
		return nil, err
	}
	as, err := optString(cfg, "as", field)
	if err != nil {
		return nil, err
	}
	return &splitTransform{field: field, as: as}, nil
}

func (t *splitTransform) Name() string { return "split" }

func (t *splitTransform) Process(_ context.Context, row ir.Row, _ plugin.Context) plugin.Result {
	list, ok := row[t.field].([]any)
	if !ok {
		return plugin.Failure("split_not_a_list", fmt.Sprintf("field %q is %T, not a list", t.field, row[t.field]), false)
	}
	if len(list) == 0 {
		return plugin.Failure("split_empty", fmt.Sprintf("field %q is empty", t.field), false)
	}
	rows := make([]ir.Row, len(list))
	for i, elem := range list {
		out := row.Clone()
		if t.as != t.field {
			delete(out, t.field)
		}
		out[t.as] = elem
		rows[i] = out
	}
	return plugin.Expand(rows...)
}

// failTransform fails rows whose field renders equal to "equals". Rows
// without the field pass through.
type failTransform struct {
	field     string
	equals    string
	class     string
	retryable bool
}

func newFail(cfg ir.IRObject) (plugin.Plugin, error) {
	t := &failTransform{}
	var err error
	if t.field, err = requireString(cfg, "field"); err != nil {
		return nil, err
	}
	if t.equals, err = optString(cfg, "equals", ""); err != nil {
		return nil, err
	}
	if t.class, err = optString(cfg, "class", "injected_failure"); err != nil {
		return nil, err
	}
	if t.retryable, err = optBool(cfg, "retryable"); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *failTransform) Name() string { return "fail" }

func (t *failTransform) Process(_ context.Context, row ir.Row, _ plugin.Context) plugin.Result {
	v, ok := row[t.field]
	if ok && fmt.Sprint(v) == t.equals {
		return plugin.Failure(t.class, fmt.Sprintf("%s = %v", t.field, v), t.retryable)
	}
	return plugin.Success(row)
}
