// Package extract reads raw source files into the record/chunk envelope the
// rest of the pipeline consumes. Each extractor handles one physical format;
// all of them share the chunking, row-error accounting, and retry behaviour
// defined here.
package extract

import (
	"context"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Format identifies the physical encoding of a source file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatStata   Format = "stata"
	FormatSQLDump Format = "sqldump"
)

// Descriptor names a concrete source file and how to read it.
type Descriptor struct {
	Name      string // logical source name, used in errors and reports
	Path      string
	Format    Format
	Delimiter rune   // CSV only; 0 means comma
	Table     string // SQL dump only: table to project
	Query     string // SQL dump only: overrides Table when set
	// DateLayouts are tried in order when coercing date columns. Empty
	// falls back to the common layouts below.
	DateLayouts []string
}

var defaultDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	time.RFC3339,
}

func (d Descriptor) dateLayouts() []string {
	if len(d.DateLayouts) > 0 {
		return d.DateLayouts
	}
	return defaultDateLayouts
}

// ChunkIterator yields successive chunks of decoded records. Next returns
// io.EOF after the final chunk; if row-decode failures exceeded the
// configured tolerance, the terminal error is a RowErrorRate failure
// instead, carrying a sample of the bad rows. Close releases the source.
type ChunkIterator interface {
	Next(ctx context.Context) (types.Chunk, error)
	// RowErrors returns the accumulated per-row failures so far.
	RowErrors() []types.RowError
	Close() error
}

// Extractor opens a source described by a Descriptor.
type Extractor interface {
	Open(ctx context.Context, d Descriptor) (ChunkIterator, error)
	Schema() types.Schema
}

// Opener resolves a descriptor path to a readable stream. The default reads
// the local filesystem; the storage layer substitutes object-store reads.
type Opener func(ctx context.Context, path string) (io.ReadCloser, error)

// OpenLocal is the default Opener.
func OpenLocal(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Options carries the knobs shared by every extractor.
type Options struct {
	ChunkSize      int
	ErrorTolerance float64 // max fraction of rows that may fail to decode
	OpenRetries    int
	Opener         Opener
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10000
	}
	if o.ErrorTolerance < 0 {
		o.ErrorTolerance = 0
	}
	if o.Opener == nil {
		o.Opener = OpenLocal
	}
	return o
}

// openWithRetry opens the source through the configured Opener, retrying
// transient IO failures with exponential backoff. A missing file is
// permanent and fails immediately.
func openWithRetry(ctx context.Context, opts Options, d Descriptor) (io.ReadCloser, error) {
	var rc io.ReadCloser
	op := func() error {
		var err error
		rc, err = opts.Opener(ctx, d.Path)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(opts.OpenRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceUnavailable,
			"failed to open source "+d.Name).WithDetail(d.Path)
	}
	return rc, nil
}

// ForFormat returns the extractor for a descriptor's format.
func ForFormat(d Descriptor, schema types.Schema, opts Options) (Extractor, error) {
	switch d.Format {
	case FormatCSV:
		return NewCSVExtractor(schema, opts), nil
	case FormatParquet:
		return NewParquetExtractor(schema, opts), nil
	case FormatStata:
		return NewStataExtractor(schema, opts), nil
	case FormatSQLDump:
		return NewSQLDumpExtractor(schema, opts), nil
	default:
		return nil, errors.New(errors.ErrCodeSourceFormat, "unrecognised source format").
			WithDetail(string(d.Format))
	}
}
