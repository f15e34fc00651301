package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tokenline/internal/engine"
	"github.com/roach88/tokenline/internal/graph"
	"github.com/roach88/tokenline/internal/ir"
	"github.com/roach88/tokenline/internal/plugin"
)

// Pipeline is a pipeline definition as written in YAML.
type Pipeline struct {
	// Name labels the pipeline in logs and run records.
	Name string `yaml:"name"`

	Nodes  []Node        `yaml:"nodes"`
	Edges  []ir.EdgeSpec `yaml:"edges"`
	Engine Engine        `yaml:"engine,omitempty"`
}

// Node declares one node. Options are passed to the node's plugin as its
// configuration.
type Node struct {
	ID           string         `yaml:"id"`
	Kind         ir.NodeKind    `yaml:"kind"`
	Plugin       string         `yaml:"plugin,omitempty"`
	Options      map[string]any `yaml:"options,omitempty"`
	InputSchema  SchemaDecl     `yaml:"input_schema,omitempty"`
	OutputSchema SchemaDecl     `yaml:"output_schema,omitempty"`
	OnError      string         `yaml:"on_error,omitempty"`
}

// Engine holds the engine settings. Omitted fields take the engine's
// defaults.
type Engine struct {
	Workers          int    `yaml:"workers,omitempty"`
	JoinTimeout      string `yaml:"join_timeout,omitempty"`
	CheckpointEvery  int    `yaml:"checkpoint_every,omitempty"`
	TickInterval     string `yaml:"tick_interval,omitempty"`
	SchemaValidation string `yaml:"schema_validation,omitempty"`
}

// SchemaDecl is a schema as written in YAML: the word "dynamic", or a
// list of {name, type, optional} fields. Omitted means dynamic.
type SchemaDecl struct {
	ir.Schema
}

// UnmarshalYAML accepts "dynamic" or a field list.
func (d *SchemaDecl) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value != "dynamic" {
			return fmt.Errorf("line %d: schema must be %q or a list of fields, got %q", n.Line, "dynamic", n.Value)
		}
		d.Schema = ir.DynamicSchema()
		return nil
	case yaml.SequenceNode:
		var fields []ir.Field
		if err := n.Decode(&fields); err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("line %d: an empty field list is not a schema; use %q", n.Line, "dynamic")
		}
		d.Schema = ir.NewSchema(fields...)
		return d.Schema.Validate()
	default:
		return fmt.Errorf("line %d: schema must be %q or a list of fields", n.Line, "dynamic")
	}
}

// Load reads and parses a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a pipeline. Unknown fields are rejected.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	return &p, nil
}

// Validate checks the pipeline declaration. Graph structure and schemas
// are checked by Build.
func (p *Pipeline) Validate() error {
	if len(p.Nodes) == 0 {
		return errors.New("nodes list is required and must be non-empty")
	}
	for i, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id is required", i)
		}
		if !ir.ValidNodeKinds[n.Kind] {
			return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
		}
		if n.Plugin == "" && n.Kind != ir.KindCoalesce {
			return fmt.Errorf("node %s: plugin is required", n.ID)
		}
	}
	if _, err := p.EngineConfig(); err != nil {
		return err
	}
	if m := graph.SchemaMode(p.Engine.SchemaValidation); m != "" && !graph.ValidSchemaMode(m) {
		return fmt.Errorf("engine.schema_validation: unknown mode %q", m)
	}
	_, _, err := p.Specs()
	return err
}

// Specs converts the pipeline into node and edge specs.
func (p *Pipeline) Specs() ([]ir.NodeSpec, []ir.EdgeSpec, error) {
	nodes := make([]ir.NodeSpec, len(p.Nodes))
	for i, n := range p.Nodes {
		cfg, err := options(n.Options)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		nodes[i] = ir.NodeSpec{
			ID:           n.ID,
			Kind:         n.Kind,
			Plugin:       n.Plugin,
			InputSchema:  n.InputSchema.Schema,
			OutputSchema: n.OutputSchema.Schema,
			Config:       cfg,
			OnError:      n.OnError,
		}
	}
	edges := make([]ir.EdgeSpec, len(p.Edges))
	copy(edges, p.Edges)
	return nodes, edges, nil
}

// options converts YAML option values to IR. Nulls and non-integral
// floats have no canonical form; decimals are written as quoted strings.
func options(m map[string]any) (ir.IRObject, error) {
	if len(m) == 0 {
		return ir.IRObject{}, nil
	}
	if err := rejectNulls(m, "options"); err != nil {
		return nil, err
	}
	obj, err := ir.ToObject(m)
	if err != nil {
		return nil, fmt.Errorf("options%w", err)
	}
	return obj, nil
}

func rejectNulls(v any, path string) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("%s: null is not allowed", path)
	case map[string]any:
		for k, e := range val {
			if err := rejectNulls(e, fmt.Sprintf("%s[%q]", path, k)); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range val {
			if err := rejectNulls(e, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// EngineConfig returns the engine settings with defaults applied.
func (p *Pipeline) EngineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	e := p.Engine
	if e.Workers < 0 {
		return cfg, fmt.Errorf("engine.workers must not be negative, got %d", e.Workers)
	}
	if e.Workers > 0 {
		cfg.Workers = e.Workers
	}
	if e.CheckpointEvery != 0 {
		cfg.CheckpointEvery = e.CheckpointEvery
	}
	var err error
	if cfg.JoinTimeout, err = duration("engine.join_timeout", e.JoinTimeout, cfg.JoinTimeout); err != nil {
		return cfg, err
	}
	if cfg.TickInterval, err = duration("engine.tick_interval", e.TickInterval, cfg.TickInterval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func duration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}

// SchemaMode returns the schema validation mode, first_error by default.
func (p *Pipeline) SchemaMode() graph.SchemaMode {
	if p.Engine.SchemaValidation == "" {
		return graph.SchemaFirstError
	}
	return graph.SchemaMode(p.Engine.SchemaValidation)
}

// Build builds the pipeline's graph with plugins from reg and validates
// every edge's schemas in the pipeline's mode.
func (p *Pipeline) Build(reg *plugin.Registry, opts ...graph.Option) (*graph.Graph, error) {
	nodes, edges, err := p.Specs()
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(nodes, edges, append([]graph.Option{graph.WithRegistry(reg)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := g.ValidateSchemas(p.SchemaMode()); err != nil {
		return nil, err
	}
	return g, nil
}
