package payload

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/ir"
)

// memBackend is an in-memory Backend that counts reads.
type memBackend struct {
	mu    sync.Mutex
	data  map[string]string
	reads int
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]string)}
}

func (m *memBackend) WritePayload(_ context.Context, ref, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ref] = data
	return nil
}

func (m *memBackend) ReadPayload(_ context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	d, ok := m.data[ref]
	if !ok {
		return "", sql.ErrNoRows
	}
	return d, nil
}

func mustDecimal(t *testing.T, s string) *apd.Decimal {
	t.Helper()
	d, _, err := apd.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestPutGet_TypedRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s, err := New(backend)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 9, 17, 4, 5, 123456789, time.UTC)
	row := ir.Row{
		"id":      int64(42),
		"amount":  mustDecimal(t, "1234.50"),
		"at":      ts,
		"ratio":   0.1,
		"name":    "café",
		"ok":      true,
		"missing": nil,
		"tags":    []any{"a", int64(1)},
		"nested":  map[string]any{"x": mustDecimal(t, "-0.00")},
	}

	ref, err := s.Put(ctx, row)
	require.NoError(t, err)
	assert.True(t, ir.IsFingerprint(ref))

	// Bypass the cache to exercise the stored form.
	fresh, err := New(backend)
	require.NoError(t, err)
	got, err := fresh.Get(ctx, ref, ir.DynamicSchema())
	require.NoError(t, err)

	assert.Equal(t, int64(42), got["id"])
	assert.Equal(t, "1234.50", got["amount"].(*apd.Decimal).String())
	assert.True(t, ts.Equal(got["at"].(time.Time)))
	assert.Equal(t, ts, got["at"])
	assert.Equal(t, 0.1, got["ratio"])
	assert.Equal(t, "café", got["name"])
	assert.Equal(t, true, got["ok"])
	assert.Nil(t, got["missing"])
	assert.Contains(t, got, "missing")
	assert.Equal(t, []any{"a", int64(1)}, got["tags"])
	assert.Equal(t, "-0.00", got["nested"].(map[string]any)["x"].(*apd.Decimal).String())
}

func TestPut_ContentAddressed(t *testing.T) {
	ctx := context.Background()
	s, err := New(newMemBackend())
	require.NoError(t, err)

	a, err := s.Put(ctx, ir.Row{"x": int64(1), "y": "z"})
	require.NoError(t, err)
	b, err := s.Put(ctx, ir.Row{"y": "z", "x": int64(1)})
	require.NoError(t, err)
	c, err := s.Put(ctx, ir.Row{"x": "1", "y": "z"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "int 1 and string \"1\" are different payloads")

	ref, err := Ref(ir.Row{"x": int64(1), "y": "z"})
	require.NoError(t, err)
	assert.Equal(t, a, ref)
}

func TestGet_UsesCache(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s, err := New(backend)
	require.NoError(t, err)

	ref, err := s.Put(ctx, ir.Row{"x": int64(1)})
	require.NoError(t, err)
	for range 3 {
		_, err := s.Get(ctx, ref, ir.DynamicSchema())
		require.NoError(t, err)
	}
	assert.Equal(t, 0, backend.reads)
}

func TestGet_Missing(t *testing.T) {
	s, err := New(newMemBackend())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "nope", ir.DynamicSchema())
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestFloatEdgeCases(t *testing.T) {
	for _, f := range []float64{math.MaxFloat64, math.SmallestNonzeroFloat64, -0.5, 1e21, math.Inf(1)} {
		obj, err := Encode(ir.Row{"f": f})
		require.NoError(t, err)
		row, err := Decode(obj)
		require.NoError(t, err)
		assert.Equal(t, f, row["f"])
	}
}

func TestEncode_RejectsUnsupported(t *testing.T) {
	_, err := Encode(ir.Row{"ch": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "ch"`)
}

func TestRestore_FixedSchema(t *testing.T) {
	raw := ir.Row{
		"amount": int64(12),
		"at":     "2024-01-02T03:04:05Z",
		"extra":  "dropped",
	}
	schema := ir.NewSchema(
		ir.Field{Name: "amount", Type: ir.FieldDecimal},
		ir.Field{Name: "at", Type: ir.FieldTimestamp},
		ir.Field{Name: "note", Type: ir.FieldString, Optional: true},
	)

	row, err := Restore(raw, schema)
	require.NoError(t, err)
	assert.Len(t, row, 2)
	assert.Equal(t, "12", row["amount"].(*apd.Decimal).String())
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), row["at"])
}

func TestRestore_TypeMismatch(t *testing.T) {
	_, err := Restore(ir.Row{"n": "seven"}, ir.NewSchema(ir.Field{Name: "n", Type: ir.FieldInt}))
	require.Error(t, err)
	assert.True(t, ir.IsSchemaError(err))
}

func TestRestore_DataLossGuard(t *testing.T) {
	ctx := context.Background()
	s, err := New(newMemBackend())
	require.NoError(t, err)

	ref, err := s.Put(ctx, ir.Row{"amount": mustDecimal(t, "5.00"), "id": int64(1)})
	require.NoError(t, err)

	_, err = s.Get(ctx, ref, ir.NewSchema(ir.Field{Name: "renamed", Type: ir.FieldString}))
	require.Error(t, err)
	assert.True(t, ir.IsDataLossGuard(err))
	assert.True(t, ir.IsAuditViolation(err))
	assert.Contains(t, err.Error(), "fields=amount,id")

	// An empty payload restores to an empty row without tripping the guard.
	empty, err := s.Put(ctx, ir.Row{})
	require.NoError(t, err)
	row, err := s.Get(ctx, empty, ir.NewSchema(ir.Field{Name: "renamed", Type: ir.FieldString}))
	require.NoError(t, err)
	assert.Empty(t, row)
}
