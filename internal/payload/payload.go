// Package payload stores row data by content address.
//
// Rows are encoded as tagged canonical JSON so typed values (decimals,
// timestamps, floats) restore exactly. Tokens hold only the reference.
// Reads restore a row against a schema and refuse to return an empty row
// for a non-empty payload.
package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/apd/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/tokenline/internal/ir"
)

// DefaultCacheSize is the number of decoded payloads kept in memory.
const DefaultCacheSize = 4096

// Backend persists payload text. *store.Store implements it.
type Backend interface {
	WritePayload(ctx context.Context, ref, data string) error
	ReadPayload(ctx context.Context, ref string) (string, error)
}

// Store is the payload store: put(row) -> ref, get(ref, schema) -> row.
type Store struct {
	backend Backend
	cache   *lru.Cache[string, ir.IRObject]
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store) error

// WithCacheSize sets the decoded-payload cache size.
func WithCacheSize(n int) Option {
	return func(s *Store) error {
		c, err := lru.New[string, ir.IRObject](n)
		if err != nil {
			return fmt.Errorf("payload cache: %w", err)
		}
		s.cache = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) error {
		s.logger = l
		return nil
	}
}

// New returns a payload store over backend.
func New(backend Backend, opts ...Option) (*Store, error) {
	s := &Store{backend: backend, logger: slog.Default()}
	for _, opt := range append([]Option{WithCacheSize(DefaultCacheSize)}, opts...) {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Ref computes the content address of a row without storing it.
func Ref(row ir.Row) (string, error) {
	obj, err := Encode(row)
	if err != nil {
		return "", err
	}
	return ir.Hash(ir.DomainPayload, obj)
}

// Put stores a row and returns its reference. Identical rows share a
// reference.
func (s *Store) Put(ctx context.Context, row ir.Row) (string, error) {
	obj, err := Encode(row)
	if err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}
	ref, err := ir.Hash(ir.DomainPayload, obj)
	if err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}
	if s.cache.Contains(ref) {
		return ref, nil
	}
	if err := s.backend.WritePayload(ctx, ref, string(data)); err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}
	s.cache.Add(ref, obj)
	return ref, nil
}

// GetRaw returns every stored field of a payload.
func (s *Store) GetRaw(ctx context.Context, ref string) (ir.Row, error) {
	obj, ok := s.cache.Get(ref)
	if !ok {
		data, err := s.backend.ReadPayload(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("get payload %s: %w", ref, err)
		}
		obj, err = ir.ParseObject(data)
		if err != nil {
			return nil, fmt.Errorf("get payload %s: %w", ref, err)
		}
		s.cache.Add(ref, obj)
	}
	row, err := Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", ref, err)
	}
	return row, nil
}

// Get returns a payload restored against schema.
func (s *Store) Get(ctx context.Context, ref string, schema ir.Schema) (ir.Row, error) {
	raw, err := s.GetRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	row, err := Restore(raw, schema)
	if err != nil {
		var e *ir.Error
		if errors.As(err, &e) {
			e.Details = map[string]string{"payload_ref": ref}
		}
		s.logger.Error("payload restore failed", "ref", ref, "error", err)
		return nil, err
	}
	return row, nil
}

// Restore projects a raw row onto schema. Dynamic schemas keep every
// field. Fixed schemas keep declared fields, widening ints to the declared
// float or decimal type and parsing string-encoded decimals and
// timestamps. Restoring a non-empty row to nothing is a DataLossGuard
// error.
func Restore(raw ir.Row, schema ir.Schema) (ir.Row, error) {
	if schema.IsDynamic() {
		return raw.Clone(), nil
	}

	row := make(ir.Row, len(schema.Fields))
	for _, f := range schema.Fields {
		v, ok := raw[f.Name]
		if !ok {
			continue
		}
		cv, err := coerce(v, f.Type)
		if err != nil {
			return nil, &ir.Error{
				Code:    ir.ErrCodeSchema,
				Message: "payload field does not match declared type",
				Fields:  []string{f.Name},
				Err:     err,
			}
		}
		row[f.Name] = cv
	}

	if len(raw) > 0 && len(row) == 0 {
		return nil, &ir.Error{
			Code:    ir.ErrCodeDataLossGuard,
			Message: fmt.Sprintf("restoring against schema %v dropped all %d fields", schema.Names(), len(raw)),
			Fields:  raw.Keys(),
		}
	}
	return row, nil
}

func coerce(v any, t ir.FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case ir.FieldDecimal:
		switch val := v.(type) {
		case *apd.Decimal:
			return val, nil
		case int64:
			return apd.New(val, 0), nil
		case string:
			d, _, err := apd.NewFromString(val)
			return d, err
		}
	case ir.FieldFloat:
		switch val := v.(type) {
		case float64:
			return val, nil
		case int64:
			return float64(val), nil
		}
	case ir.FieldTimestamp:
		switch val := v.(type) {
		case time.Time:
			return val, nil
		case string:
			return time.Parse(time.RFC3339Nano, val)
		}
	case ir.FieldInt:
		if val, ok := v.(int64); ok {
			return val, nil
		}
	case ir.FieldString:
		if val, ok := v.(string); ok {
			return val, nil
		}
	case ir.FieldBool:
		if val, ok := v.(bool); ok {
			return val, nil
		}
	case ir.FieldAny:
		return v, nil
	}
	return nil, fmt.Errorf("%T is not a %s", v, t)
}
