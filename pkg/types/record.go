// Package types defines the typed records that flow through the pipeline:
// awards, organizations, contracts, patents, assignments, enrichment results,
// and the artifact/run bookkeeping entities owned by the asset runtime.
// No behaviour beyond construction and invariant checks lives here.
package types

import (
	"fmt"
	"time"
)

// FieldType enumerates the declared column types a source schema can carry.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldFloat
	FieldDate
	FieldBool
)

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldInt:
		return "int"
	case FieldFloat:
		return "float"
	case FieldDate:
		return "date"
	case FieldBool:
		return "bool"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Field is a single declared column in a source schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema declares the expected shape of a source's records.
type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// FieldNames returns the declared column names in order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is a named-field map with declared types, the universal row
// representation between extraction and typed transformation.
type Record map[string]any

// String returns the string value of a field, or "" when absent or not a
// string.
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the float64 value of a field. Integer values widen.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int returns the int64 value of a field.
func (r Record) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Date returns the time.Time value of a field.
func (r Record) Date(key string) (time.Time, bool) {
	if v, ok := r[key].(time.Time); ok {
		return v, true
	}
	return time.Time{}, false
}

// Has reports whether the field is present and non-nil.
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Chunk is a bounded, ordered batch of records. Index is deterministic for a
// given source so downstream stages can parallelize and later merge.
type Chunk struct {
	Index   int      `json:"index"`
	Records []Record `json:"records"`
}

// Len returns the number of records in the chunk.
func (c Chunk) Len() int { return len(c.Records) }

// RowError is a per-row decode failure accumulated by extractors. The row is
// dropped; the asset fails only when the rate exceeds the configured
// tolerance.
type RowError struct {
	ChunkIndex int    `json:"chunk_index"`
	Row        int    `json:"row"`
	Column     string `json:"column,omitempty"`
	Message    string `json:"message"`
	Sample     string `json:"sample,omitempty"`
}

func (e RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d column %s: %s", e.Row, e.Column, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}
