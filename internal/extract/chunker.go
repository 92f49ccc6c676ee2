package extract

import (
	"context"
	"fmt"
	"io"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// maxRowErrorSamples bounds the bad-row sample kept for the failure report.
const maxRowErrorSamples = 100

// rowFunc produces the next decoded record. It returns io.EOF when the
// source is exhausted, a types.RowError for a skippable bad row, and any
// other error for a fatal condition.
type rowFunc func() (types.Record, error)

// chunkIterator assembles records from a rowFunc into fixed-size chunks and
// keeps the row-error budget. All extractors return one of these.
type chunkIterator struct {
	next    rowFunc
	closeFn func() error
	opts    Options
	source  string

	chunkIndex int
	decoded    int
	failed     int
	rowErrs    []types.RowError
	done       bool
}

func newChunkIterator(source string, next rowFunc, closeFn func() error, opts Options) *chunkIterator {
	return &chunkIterator{next: next, closeFn: closeFn, opts: opts.normalized(), source: source}
}

func (it *chunkIterator) Next(ctx context.Context) (types.Chunk, error) {
	if it.done {
		return types.Chunk{}, io.EOF
	}
	records := make([]types.Record, 0, it.opts.ChunkSize)
	for len(records) < it.opts.ChunkSize {
		if (it.decoded+it.failed)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return types.Chunk{}, errors.Wrap(err, errors.ErrCodeCancelled, "extraction cancelled")
			}
		}
		rec, err := it.next()
		switch e := err.(type) {
		case nil:
			records = append(records, rec)
			it.decoded++
		case types.RowError:
			e.ChunkIndex = it.chunkIndex
			it.failed++
			if len(it.rowErrs) < maxRowErrorSamples {
				it.rowErrs = append(it.rowErrs, e)
			}
		default:
			if err == io.EOF {
				it.done = true
				if err := it.checkBudget(); err != nil {
					return types.Chunk{}, err
				}
				if len(records) == 0 {
					return types.Chunk{}, io.EOF
				}
				return it.seal(records), nil
			}
			return types.Chunk{}, errors.Wrap(err, errors.ErrCodeRowDecode,
				"fatal decode error in source "+it.source)
		}
	}
	return it.seal(records), nil
}

func (it *chunkIterator) seal(records []types.Record) types.Chunk {
	c := types.Chunk{Index: it.chunkIndex, Records: records}
	it.chunkIndex++
	return c
}

// checkBudget enforces the row-error tolerance over the whole source.
func (it *chunkIterator) checkBudget() error {
	total := it.decoded + it.failed
	if total == 0 || it.failed == 0 {
		return nil
	}
	rate := float64(it.failed) / float64(total)
	if rate <= it.opts.ErrorTolerance {
		return nil
	}
	return errors.Newf(errors.ErrCodeRowErrorRate,
		"source %s: %d of %d rows failed to decode (%.2f%% > %.2f%% tolerance)",
		it.source, it.failed, total, rate*100, it.opts.ErrorTolerance*100).
		WithDetail(fmt.Sprintf("first failures: %v", it.rowErrs[:min(len(it.rowErrs), 5)]))
}

func (it *chunkIterator) RowErrors() []types.RowError { return it.rowErrs }

func (it *chunkIterator) Close() error {
	if it.closeFn != nil {
		return it.closeFn()
	}
	return nil
}
