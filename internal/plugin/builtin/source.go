package builtin

import (
	"context"
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// rowsSource emits rows listed in its config. Rows missing a field named
// in "required" are emitted as invalid records.
type rowsSource struct {
	rows     []ir.Row
	required []string
}

func newRows(cfg ir.IRObject) (plugin.Plugin, error) {
	s := &rowsSource{}
	if v, ok := cfg["rows"]; ok {
		arr, ok := v.(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("option \"rows\" must be a list, got %T", v)
		}
		for i, e := range arr {
			obj, ok := e.(ir.IRObject)
			if !ok {
				return nil, fmt.Errorf("rows[%d] must be an object, got %T", i, e)
			}
			s.rows = append(s.rows, rowFromIR(obj))
		}
	}
	var err error
	if s.required, err = optStrings(cfg, "required"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *rowsSource) Name() string { return "rows" }

func (s *rowsSource) Load(ctx context.Context, emit func(plugin.Record) error) error {
	for _, row := range s.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := plugin.Record{Row: row.Clone()}
		for _, f := range s.required {
			if v, ok := row[f]; !ok || v == nil {
				rec.Err = fmt.Errorf("required field %q is missing", f)
				rec.Class = "missing_required_field"
				break
			}
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}
