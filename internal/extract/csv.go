package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// CSVExtractor reads delimited text with a header row. Columns declared in
// the schema are coerced to their declared types; undeclared columns pass
// through as strings. A missing required column is a schema mismatch and
// fails the open, not individual rows.
type CSVExtractor struct {
	schema types.Schema
	opts   Options
}

func NewCSVExtractor(schema types.Schema, opts Options) *CSVExtractor {
	return &CSVExtractor{schema: schema, opts: opts.normalized()}
}

func (e *CSVExtractor) Schema() types.Schema { return e.schema }

func (e *CSVExtractor) Open(ctx context.Context, d Descriptor) (ChunkIterator, error) {
	rc, err := openWithRetry(ctx, e.opts, d)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(rc)
	if d.Delimiter != 0 {
		r.Comma = d.Delimiter
	}
	r.FieldsPerRecord = -1 // ragged rows become row errors, not fatal ones
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		rc.Close()
		if err == io.EOF {
			return nil, errors.New(errors.ErrCodeSchemaMismatch, "empty source").WithDetail(d.Path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeSchemaMismatch, "failed to read header").WithDetail(d.Path)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, f := range e.schema.Fields {
		if _, ok := cols[f.Name]; !ok && f.Required {
			return nil, errors.Newf(errors.ErrCodeSchemaMismatch,
				"source %s: required column %q not in header", d.Name, f.Name)
		}
	}

	fieldTypes := make(map[string]types.FieldType, len(e.schema.Fields))
	for _, f := range e.schema.Fields {
		fieldTypes[f.Name] = f.Type
	}

	row := 0
	next := func() (types.Record, error) {
		raw, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			row++
			return nil, types.RowError{Row: row, Message: err.Error()}
		}
		row++
		if len(raw) != len(header) {
			return nil, types.RowError{Row: row,
				Message: fmt.Sprintf("expected %d fields, got %d", len(header), len(raw)),
				Sample:  truncate(strings.Join(raw, ","), 200)}
		}
		rec := make(types.Record, len(header))
		for i, name := range header {
			v, err := coerce(strings.TrimSpace(raw[i]), fieldTypes[name], d.dateLayouts())
			if err != nil {
				return nil, types.RowError{Row: row, Column: name,
					Message: err.Error(), Sample: truncate(raw[i], 80)}
			}
			if v != nil {
				rec[name] = v
			}
		}
		return rec, nil
	}
	return newChunkIterator(d.Name, next, rc.Close, e.opts), nil
}

// coerce converts a raw string cell to the declared field type. Empty cells
// map to an absent field (nil) regardless of type.
func coerce(raw string, t types.FieldType, layouts []string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	switch t {
	case types.FieldString:
		return raw, nil
	case types.FieldInt:
		n, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer")
		}
		return n, nil
	case types.FieldFloat:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(raw, "$"), ",", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number")
		}
		return f, nil
	case types.FieldDate:
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("unparseable date")
	case types.FieldBool:
		switch strings.ToLower(raw) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean")
	default:
		return raw, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
