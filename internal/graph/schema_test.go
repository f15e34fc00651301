package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/ir"
)

func schemaGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Build(
		[]ir.NodeSpec{
			{
				ID: "s", Kind: ir.KindSource,
				OutputSchema: ir.NewSchema(
					ir.Field{Name: "id", Type: ir.FieldInt},
					ir.Field{Name: "amount", Type: ir.FieldString},
				),
			},
			{
				ID: "t", Kind: ir.KindTransform,
				InputSchema: ir.NewSchema(
					ir.Field{Name: "id", Type: ir.FieldDecimal},
					ir.Field{Name: "amount", Type: ir.FieldDecimal},
					ir.Field{Name: "currency", Type: ir.FieldString},
					ir.Field{Name: "note", Type: ir.FieldString, Optional: true},
				),
				OutputSchema: ir.NewSchema(ir.Field{Name: "id", Type: ir.FieldInt}),
			},
			{
				ID: "k", Kind: ir.KindSink,
				InputSchema: ir.NewSchema(ir.Field{Name: "total", Type: ir.FieldInt}),
			},
		},
		[]ir.EdgeSpec{edge("s", "t"), edge("t", "k")},
	)
	require.NoError(t, err)
	return g
}

func TestValidateSchemas_FirstError(t *testing.T) {
	err := schemaGraph(t).ValidateSchemas(SchemaFirstError)
	require.Error(t, err)

	var se *ir.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ir.ErrCodeSchema, se.Code)
	assert.Equal(t, "s -> t", se.Edge)
	assert.Equal(t, []string{"currency"}, se.Fields)
}

func TestValidateSchemas_CollectAll(t *testing.T) {
	err := schemaGraph(t).ValidateSchemas(SchemaCollectAll)
	require.Error(t, err)
	assert.True(t, ir.IsSchemaError(err))

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok, "collect_all returns a joined error")
	errs := joined.Unwrap()
	require.Len(t, errs, 3)

	assert.Contains(t, errs[0].Error(), "missing required fields")
	assert.Contains(t, errs[1].Error(), "amount: string is not assignable to decimal")
	assert.Contains(t, errs[2].Error(), "edge=t -> k")
	assert.Contains(t, errs[2].Error(), "fields=total")
}

func TestValidateSchemas_DynamicSkipped(t *testing.T) {
	g, err := Build(
		[]ir.NodeSpec{
			{ID: "s", Kind: ir.KindSource},
			{ID: "k", Kind: ir.KindSink, InputSchema: ir.NewSchema(ir.Field{Name: "x", Type: ir.FieldInt})},
		},
		[]ir.EdgeSpec{edge("s", "k")},
	)
	require.NoError(t, err)
	assert.NoError(t, g.ValidateSchemas(SchemaCollectAll))
}

func TestValidateSchemas_GatePassesInputThrough(t *testing.T) {
	fields := ir.NewSchema(ir.Field{Name: "amount", Type: ir.FieldDecimal})
	g, err := Build(
		[]ir.NodeSpec{
			{ID: "s", Kind: ir.KindSource, OutputSchema: fields},
			{ID: "g", Kind: ir.KindGate, InputSchema: fields},
			{ID: "a", Kind: ir.KindSink, InputSchema: fields},
			{ID: "b", Kind: ir.KindSink, InputSchema: ir.NewSchema(ir.Field{Name: "other", Type: ir.FieldInt})},
		},
		[]ir.EdgeSpec{edge("s", "g"), route("g", "a", "true"), route("g", "b", "false")},
	)
	require.NoError(t, err)

	err = g.ValidateSchemas(SchemaFirstError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edge=g -[false]-> b")
}

func TestAssignable(t *testing.T) {
	assert.True(t, Assignable(ir.FieldInt, ir.FieldInt))
	assert.True(t, Assignable(ir.FieldInt, ir.FieldDecimal))
	assert.True(t, Assignable(ir.FieldInt, ir.FieldFloat))
	assert.True(t, Assignable(ir.FieldString, ir.FieldAny))
	assert.True(t, Assignable(ir.FieldAny, ir.FieldTimestamp))
	assert.False(t, Assignable(ir.FieldDecimal, ir.FieldInt))
	assert.False(t, Assignable(ir.FieldString, ir.FieldTimestamp))
}
