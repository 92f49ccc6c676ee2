package extract

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// ParquetExtractor reads columnar artifacts produced by earlier pipeline
// stages. Parquet needs random access, so non-file sources are spilled to a
// temp file before reading.
type ParquetExtractor struct {
	schema types.Schema
	opts   Options
}

func NewParquetExtractor(schema types.Schema, opts Options) *ParquetExtractor {
	return &ParquetExtractor{schema: schema, opts: opts.normalized()}
}

func (e *ParquetExtractor) Schema() types.Schema { return e.schema }

// ParquetSchema builds the parquet schema for a declared source schema.
// All fields are optional at the parquet level; requiredness is enforced by
// validation rules, not the file format.
func ParquetSchema(s types.Schema) *parquet.Schema {
	group := parquet.Group{}
	for _, f := range s.Fields {
		var node parquet.Node
		switch f.Type {
		case types.FieldInt:
			node = parquet.Int(64)
		case types.FieldFloat:
			node = parquet.Leaf(parquet.DoubleType)
		case types.FieldDate:
			node = parquet.Timestamp(parquet.Millisecond)
		case types.FieldBool:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		group[f.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema(s.Name, group)
}

func (e *ParquetExtractor) Open(ctx context.Context, d Descriptor) (ChunkIterator, error) {
	rc, err := openWithRetry(ctx, e.opts, d)
	if err != nil {
		return nil, err
	}

	f, cleanup, err := materializeFile(rc, d)
	if err != nil {
		return nil, err
	}

	reader := parquet.NewGenericReader[map[string]any](f, ParquetSchema(e.schema))

	fieldTypes := make(map[string]types.FieldType, len(e.schema.Fields))
	for _, fld := range e.schema.Fields {
		fieldTypes[fld.Name] = fld.Type
	}

	buf := make([]map[string]any, 1)
	row := 0
	next := func() (types.Record, error) {
		buf[0] = nil
		n, err := reader.Read(buf)
		if n == 0 {
			if err == nil || err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		row++
		rec := make(types.Record, len(buf[0]))
		for k, v := range buf[0] {
			if v == nil {
				continue
			}
			if fieldTypes[k] == types.FieldDate {
				if ms, ok := v.(int64); ok {
					rec[k] = time.UnixMilli(ms).UTC()
					continue
				}
			}
			rec[k] = v
		}
		return rec, nil
	}
	closeFn := func() error {
		err := reader.Close()
		cleanup()
		return err
	}
	return newChunkIterator(d.Name, next, closeFn, e.opts), nil
}

// materializeFile turns an arbitrary stream into an *os.File. Local opens
// come back as files already; object-store streams are spilled to a temp
// file that is removed on close.
func materializeFile(rc io.ReadCloser, d Descriptor) (*os.File, func(), error) {
	if f, ok := rc.(*os.File); ok {
		return f, func() { f.Close() }, nil
	}
	defer rc.Close()
	tmp, err := os.CreateTemp("", "extract-*.parquet")
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to stage source").WithDetail(d.Path)
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(err, errors.ErrCodeSourceUnavailable, "failed to stage source").WithDetail(d.Path)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to rewind staged source")
	}
	return tmp, func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}, nil
}
