package graph

import (
	"errors"
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
)

// SchemaMode selects how many schema errors ValidateSchemas reports.
type SchemaMode string

const (
	// SchemaFirstError stops at the first incompatible edge.
	SchemaFirstError SchemaMode = "first_error"
	// SchemaCollectAll reports every incompatible edge, joined.
	SchemaCollectAll SchemaMode = "collect_all"
)

// ValidSchemaMode reports whether m is a known mode.
func ValidSchemaMode(m SchemaMode) bool {
	return m == SchemaFirstError || m == SchemaCollectAll
}

// ValidateSchemas checks every edge's producer schema satisfies its
// consumer. Edges touching a dynamic schema are skipped. Edges are visited
// in topological order of their producer, then declaration order.
func (g *Graph) ValidateSchemas(mode SchemaMode) error {
	var errs []error
	for _, id := range g.topo {
		for _, e := range g.out[id] {
			for _, err := range g.checkEdge(e) {
				if mode != SchemaCollectAll {
					return err
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// EffectiveOutputSchema is the schema of rows leaving a node. Gates pass
// rows through unchanged, so a gate without a declared output schema
// produces its input schema.
func (g *Graph) EffectiveOutputSchema(id string) ir.Schema {
	n := g.nodes[id]
	if n.Spec.Kind == ir.KindGate && n.Spec.OutputSchema.IsDynamic() {
		return n.Spec.InputSchema
	}
	return n.Spec.OutputSchema
}

func (g *Graph) checkEdge(e ir.EdgeSpec) []error {
	producer := g.EffectiveOutputSchema(e.From)
	consumer := g.nodes[e.To].Spec.InputSchema
	if producer.IsDynamic() || consumer.IsDynamic() {
		return nil
	}

	var missing, incompatible []string
	for _, want := range consumer.Fields {
		have, ok := producer.Field(want.Name)
		if !ok {
			if !want.Optional {
				missing = append(missing, want.Name)
			}
			continue
		}
		if !Assignable(have.Type, want.Type) {
			incompatible = append(incompatible, fmt.Sprintf("%s: %s is not assignable to %s", want.Name, have.Type, want.Type))
		}
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, ir.NewSchemaError(e, "missing required fields", missing))
	}
	if len(incompatible) > 0 {
		errs = append(errs, ir.NewSchemaError(e, "incompatible field types", incompatible))
	}
	return errs
}

// Assignable reports whether a value of type from satisfies a field of
// type to. Integers widen to float and decimal; any matches both ways.
func Assignable(from, to ir.FieldType) bool {
	switch {
	case from == to, to == ir.FieldAny, from == ir.FieldAny:
		return true
	case from == ir.FieldInt && (to == ir.FieldFloat || to == ir.FieldDecimal):
		return true
	default:
		return false
	}
}
