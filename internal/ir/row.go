package ir

import (
	"fmt"
	"slices"
)

// Row is one record's field values. Values are nil, string, int64, bool,
// float64, *apd.Decimal, time.Time, []any or map[string]any.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldBool      FieldType = "bool"
	FieldFloat     FieldType = "float"
	FieldDecimal   FieldType = "decimal"
	FieldTimestamp FieldType = "timestamp"
	FieldAny       FieldType = "any"
)

// ValidFieldTypes lists the accepted field types.
var ValidFieldTypes = map[FieldType]bool{
	FieldString:    true,
	FieldInt:       true,
	FieldBool:      true,
	FieldFloat:     true,
	FieldDecimal:   true,
	FieldTimestamp: true,
	FieldAny:       true,
}

// Field is one named, typed schema field.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Optional bool      `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Schema is an ordered set of fields, or dynamic (schema-free).
// The zero value is dynamic.
type Schema struct {
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// DynamicSchema returns the schema-free schema.
func DynamicSchema() Schema {
	return Schema{}
}

// NewSchema builds a fixed schema from fields.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// IsDynamic reports whether the schema is schema-free.
func (s Schema) IsDynamic() bool {
	return len(s.Fields) == 0
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns field names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks field names are unique and types known.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("fields[%d]: name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("fields[%d]: duplicate field %q", i, f.Name)
		}
		seen[f.Name] = true
		if !ValidFieldTypes[f.Type] {
			return fmt.Errorf("fields[%d]: invalid type %q for field %q", i, f.Type, f.Name)
		}
	}
	return nil
}

// CanonicalSchema renders a schema in the form used for fingerprinting.
func CanonicalSchema(s Schema) IRValue {
	if s.IsDynamic() {
		return IRString("dynamic")
	}
	fields := make(IRArray, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = IRObject{
			"name":     IRString(f.Name),
			"optional": IRBool(f.Optional),
			"type":     IRString(string(f.Type)),
		}
	}
	return fields
}
