package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// Written is one row delivered to a memory sink.
type Written struct {
	TokenID string
	Row     ir.Row
}

// MemorySink keeps written rows in memory.
type MemorySink struct {
	mu   sync.Mutex
	rows []Written
}

func newMemory(ir.IRObject) (plugin.Plugin, error) { return NewMemorySink(), nil }

// NewMemorySink returns an empty memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, row ir.Row, pc plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, Written{TokenID: pc.TokenID, Row: row.Clone()})
	return nil
}

// Rows returns a copy of everything written so far.
func (s *MemorySink) Rows() []Written {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Written, len(s.rows))
	copy(out, s.rows)
	return out
}

// jsonlSink appends one canonical JSON object per row to a file. Typed
// values are rendered as strings: decimals in their exact form, floats in
// shortest form, timestamps as RFC 3339.
type jsonlSink struct {
	path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func newJSONL(cfg ir.IRObject) (plugin.Plugin, error) {
	path, err := requireString(cfg, "path")
	if err != nil {
		return nil, err
	}
	return &jsonlSink{path: path}, nil
}

func (s *jsonlSink) Name() string { return "jsonl" }

func (s *jsonlSink) Write(_ context.Context, row ir.Row, _ plugin.Context) error {
	obj, err := jsonObject(row)
	if err != nil {
		return err
	}
	line, err := ir.MarshalCanonical(obj)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", s.path, err)
		}
		s.f, s.w = f, bufio.NewWriter(f)
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	// Rows are durable before Write returns.
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Flush closes the file. A later Write reopens it.
func (s *jsonlSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.w.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f, s.w = nil, nil
	return err
}

func jsonObject(row ir.Row) (ir.IRObject, error) {
	obj := make(ir.IRObject, len(row))
	for k, v := range row {
		jv, err := jsonValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if jv != nil {
			obj[k] = jv
		}
	}
	return obj, nil
}

// jsonValue maps a row value to an IR value. Null fields are omitted.
func jsonValue(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *apd.Decimal:
		return ir.IRString(val.String()), nil
	case float64:
		return ir.IRString(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case time.Time:
		return ir.IRString(val.Format(time.RFC3339Nano)), nil
	case []any:
		arr := make(ir.IRArray, 0, len(val))
		for i, e := range val {
			je, err := jsonValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			if je != nil {
				arr = append(arr, je)
			}
		}
		return arr, nil
	case map[string]any:
		return jsonObject(val)
	case ir.Row:
		return jsonObject(val)
	default:
		return ir.ToIRValue(val)
	}
}
