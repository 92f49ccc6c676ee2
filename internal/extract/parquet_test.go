package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
)

func TestParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awards.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)

	schema := ParquetSchema(awardSchema)
	w := parquet.NewGenericWriter[map[string]any](f, schema)
	ts := time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC)
	_, err = w.Write([]map[string]any{
		{"award_id": "A-1", "company": "Acme Robotics", "amount": 1250000.5, "award_date": ts.UnixMilli()},
		{"award_id": "A-2", "company": "Quantum Dynamics"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	ex := NewParquetExtractor(awardSchema, Options{ChunkSize: 10})
	it, err := ex.Open(context.Background(), Descriptor{Name: "awards", Path: path, Format: FormatParquet})
	require.NoError(t, err)
	chunks, err := drain(t, it)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	recs := chunks[0].Records
	require.Len(t, recs, 2)

	require.Equal(t, "A-1", recs[0].String("award_id"))
	amt, ok := recs[0].Float("amount")
	require.True(t, ok)
	require.Equal(t, 1250000.5, amt)
	d, ok := recs[0].Date("award_date")
	require.True(t, ok, "timestamp columns come back as dates")
	require.Equal(t, ts, d)

	require.False(t, recs[1].Has("amount"), "optional columns stay absent")
}
