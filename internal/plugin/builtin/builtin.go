// Package builtin provides the reference plugins used by the CLI and the
// scenario harness.
//
//	rows         source       rows inline in config
//	passthrough  transform    returns the row unchanged
//	set          transform    sets fields to constant values
//	split        transform    expands a list field into one row per element
//	fail         transform    fails rows whose field matches a value
//	condition    gate         evaluates a CUE expression against the row
//	collect      aggregation  counts a batch and sums a field
//	memory       sink         keeps rows in memory
//	jsonl        sink         appends rows to a JSON Lines file
package builtin

import (
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// Register adds every builtin plugin to r.
func Register(r *plugin.Registry) {
	r.Register("rows", newRows)
	r.Register("passthrough", newPassthrough)
	r.Register("set", newSet)
	r.Register("split", newSplit)
	r.Register("fail", newFail)
	r.Register("condition", newCondition)
	r.Register("collect", newCollect)
	r.Register("memory", newMemory)
	r.Register("jsonl", newJSONL)
}

// NewRegistry returns a registry holding the builtin plugins.
func NewRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	Register(r)
	return r
}

func optString(cfg ir.IRObject, key, def string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(ir.IRString)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, v)
	}
	return string(s), nil
}

func requireString(cfg ir.IRObject, key string) (string, error) {
	s, err := optString(cfg, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("option %q is required", key)
	}
	return s, nil
}

func optBool(cfg ir.IRObject, key string) (bool, error) {
	v, ok := cfg[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(ir.IRBool)
	if !ok {
		return false, fmt.Errorf("option %q must be a bool, got %T", key, v)
	}
	return bool(b), nil
}

func optStrings(cfg ir.IRObject, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok {
		return nil, nil
	}
	arr, ok := v.(ir.IRArray)
	if !ok {
		return nil, fmt.Errorf("option %q must be a list, got %T", key, v)
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("option %q[%d] must be a string, got %T", key, i, e)
		}
		out[i] = string(s)
	}
	return out, nil
}

// rowFromIR converts a config object into a row.
func rowFromIR(obj ir.IRObject) ir.Row {
	row := make(ir.Row, len(obj))
	for k, v := range obj {
		row[k] = ir.FromIRValue(v)
	}
	return row
}
