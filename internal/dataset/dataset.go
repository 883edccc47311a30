// Package dataset defines the tabular model threaded through the allocation
// pipeline: schema-carrying tables of key-value records, plus the filtering
// and grouping primitives stages are built on.
package dataset

import (
	"fmt"
	"sort"
	"strconv"
)

// Record represents a single data record as key-value pairs.
type Record = map[string]any

// Field data types carried by a Schema.
const (
	TypeString = "string"
	TypeDouble = "double"
	TypeInt64  = "int64"
	TypeDate   = "date"
	TypeBool   = "bool"
)

// FieldDefinition describes one column of a table.
type FieldDefinition struct {
	Name     string
	DataType string
	Nullable bool
	Position int
}

// Schema is an ordered set of field definitions.
type Schema struct {
	Fields []*FieldDefinition
}

// Field returns the definition for name, or nil when absent.
func (s *Schema) Field(name string) *FieldDefinition {
	if s == nil {
		return nil
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// HasField reports whether the schema contains name.
func (s *Schema) HasField(name string) bool { return s.Field(name) != nil }

// FieldNames returns column names in schema order.
func (s *Schema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// RequireFields reports the first named field missing from the schema.
func (s *Schema) RequireFields(names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if !s.HasField(name) {
			return fmt.Errorf("missing required column %q", name)
		}
	}
	return nil
}

// WithField returns a copy of the schema that includes the given field,
// appended when absent. The receiver is not modified.
func (s *Schema) WithField(name, dataType string, nullable bool) *Schema {
	out := &Schema{}
	if s != nil {
		out.Fields = append(out.Fields, s.Fields...)
	}
	if out.Field(name) != nil {
		return out
	}
	out.Fields = append(out.Fields, &FieldDefinition{
		Name:     name,
		DataType: dataType,
		Nullable: nullable,
		Position: len(out.Fields),
	})
	return out
}

// Table is an ordered batch of records sharing a schema. Stages never mutate
// a table after handing it downstream; derived tables are built fresh.
type Table struct {
	Name   string
	Schema *Schema
	Rows   []Record
}

// NewTable builds a table over the given rows.
func NewTable(name string, schema *Schema, rows []Record) *Table {
	return &Table{Name: name, Schema: schema, Rows: rows}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// CloneRow copies a record so downstream writes cannot alias the source.
func CloneRow(rec Record) Record {
	out := make(Record, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// InferSchema derives a schema from raw rows: columns in first-seen order,
// types from the first non-nil value per column.
func InferSchema(rows []Record) *Schema {
	schema := &Schema{}
	seen := make(map[string]*FieldDefinition)
	for _, rec := range rows {
		for _, key := range recordKeys(rec) {
			f, ok := seen[key]
			if !ok {
				f = &FieldDefinition{Name: key, DataType: "", Nullable: false, Position: len(schema.Fields)}
				seen[key] = f
				schema.Fields = append(schema.Fields, f)
			}
			v := rec[key]
			if v == nil {
				f.Nullable = true
				continue
			}
			if f.DataType == "" {
				f.DataType = inferType(v)
			}
		}
	}
	for _, f := range schema.Fields {
		if f.DataType == "" {
			f.DataType = TypeString
			f.Nullable = true
		}
	}
	return schema
}

// recordKeys returns a record's keys sorted, so schema inference is
// deterministic across runs regardless of map iteration order.
func recordKeys(rec Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func inferType(v any) string {
	switch v.(type) {
	case float64, float32:
		return TypeDouble
	case int, int32, int64:
		return TypeInt64
	case bool:
		return TypeBool
	default:
		return TypeString
	}
}

// Float reads a numeric cell. Numeric strings are accepted so lightly
// prepared inputs still resolve.
func Float(rec Record, col string) (float64, bool) {
	switch v := rec[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// String reads a cell as its canonical string form. Missing and nil cells
// return the empty string.
func String(rec Record, col string) string {
	return CanonicalString(rec[col])
}

// CanonicalString renders a cell value for key building and filter matching.
// Integral floats drop their fraction so JSON-decoded identifiers compare
// equal to their configured string form.
func CanonicalString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
