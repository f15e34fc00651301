package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tokenline/internal/engine"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin/builtin"
)

func TestLoad_Pipeline(t *testing.T) {
	p, err := Load(filepath.Join("testdata", "orders.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "orders", p.Name)
	require.Len(t, p.Nodes, 4)
	assert.Len(t, p.Edges, 3)

	nodes, edges, err := p.Specs()
	require.NoError(t, err)
	src := nodes[0]
	assert.Equal(t, ir.KindSource, src.Kind)
	assert.Equal(t, []string{"id", "amount"}, src.OutputSchema.Names())
	assert.True(t, src.InputSchema.IsDynamic())
	assert.Equal(t, ir.IRArray{ir.IRString("amount")}, src.Config["required"])

	rows := src.Config["rows"].(ir.IRArray)
	assert.Equal(t, ir.IRObject{"id": ir.IRInt(1), "amount": ir.IRString("250.00")}, rows[0])

	assert.True(t, nodes[3].InputSchema.IsDynamic())
	assert.Equal(t, ir.EdgeSpec{From: "large", To: "review", Label: ir.LabelTrue}, edges[1])

	cfg, err := p.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.JoinTimeout)
	assert.Equal(t, 10, cfg.CheckpointEvery)
	assert.Equal(t, engine.DefaultTickInterval, cfg.TickInterval)
	assert.Equal(t, graph.SchemaFirstError, p.SchemaMode())
}

func TestPipeline_Build(t *testing.T) {
	p, err := Load(filepath.Join("testdata", "orders.yaml"))
	require.NoError(t, err)

	g, err := p.Build(builtin.NewRegistry())
	require.NoError(t, err)
	assert.True(t, g.Executable())
	assert.Len(t, g.Sources(), 1)
}

func TestPipeline_BuildReportsSchemaMismatch(t *testing.T) {
	p, err := Parse([]byte(`
nodes:
  - id: src
    kind: source
    plugin: rows
    output_schema: [{name: id, type: int}]
  - id: out
    kind: sink
    plugin: memory
    input_schema: [{name: id, type: string}, {name: when, type: timestamp}]
edges:
  - {from: src, to: out}
engine:
  schema_validation: collect_all
`))
	require.NoError(t, err)
	assert.Equal(t, graph.SchemaCollectAll, p.SchemaMode())

	_, err = p.Build(builtin.NewRegistry())
	require.Error(t, err)
	assert.True(t, ir.IsSchemaError(err))
}

func TestEngineConfig_Defaults(t *testing.T) {
	p, err := Parse([]byte(`
nodes:
  - {id: src, kind: source, plugin: rows}
`))
	require.NoError(t, err)
	cfg, err := p.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), cfg)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows, optoins: {}}\n",
			want: "optoins",
		},
		{
			name: "no nodes",
			yaml: "name: empty\n",
			want: "nodes list is required",
		},
		{
			name: "missing id",
			yaml: "nodes:\n  - {kind: source, plugin: rows}\n",
			want: "nodes[0]: id is required",
		},
		{
			name: "unknown kind",
			yaml: "nodes:\n  - {id: a, kind: filter, plugin: rows}\n",
			want: `unknown kind "filter"`,
		},
		{
			name: "missing plugin",
			yaml: "nodes:\n  - {id: a, kind: transform}\n",
			want: "plugin is required",
		},
		{
			name: "null option",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows, options: {rows: [{id: ~}]}}\n",
			want: "null is not allowed",
		},
		{
			name: "fractional option",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows, options: {rate: 0.5}}\n",
			want: "floats are not representable",
		},
		{
			name: "bad schema word",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows, output_schema: any}\n",
			want: `got "any"`,
		},
		{
			name: "bad field type",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows, output_schema: [{name: x, type: money}]}\n",
			want: `invalid type "money"`,
		},
		{
			name: "bad duration",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows}\nengine: {join_timeout: soon}\n",
			want: "engine.join_timeout",
		},
		{
			name: "negative duration",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows}\nengine: {tick_interval: -1s}\n",
			want: "must be positive",
		},
		{
			name: "negative workers",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows}\nengine: {workers: -2}\n",
			want: "engine.workers",
		},
		{
			name: "unknown schema mode",
			yaml: "nodes:\n  - {id: a, kind: source, plugin: rows}\nengine: {schema_validation: lenient}\n",
			want: `unknown mode "lenient"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read pipeline")
}
