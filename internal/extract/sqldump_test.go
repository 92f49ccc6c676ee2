package extract

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

const contractsDump = `-- federal contracts extract
/*!40101 SET NAMES utf8 */;
SET autocommit=0;

CREATE TABLE ` + "`contracts`" + ` (
  ` + "`piid`" + ` varchar(50) NOT NULL,
  ` + "`vendor`" + ` varchar(200),
  ` + "`obligated`" + ` double,
  ` + "`signed_date`" + ` varchar(10),
  KEY ` + "`idx_vendor`" + ` (` + "`vendor`" + `)
) ENGINE=InnoDB DEFAULT CHARSET=utf8;

INSERT INTO ` + "`contracts`" + ` VALUES ('W911NF-20-C-0001','Acme Robotics; LLC',250000.5,'2020-02-01');
INSERT INTO ` + "`contracts`" + ` VALUES ('FA8750-21-C-0002','Quantum Dynamics',NULL,'2021-07-15');
`

func writeGzDump(t *testing.T, dump string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(dump))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	path := filepath.Join(t.TempDir(), "contracts.sql.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

var contractSchema = types.Schema{
	Name: "contracts",
	Fields: []types.Field{
		{Name: "piid", Type: types.FieldString, Required: true},
		{Name: "vendor", Type: types.FieldString},
		{Name: "obligated", Type: types.FieldFloat},
		{Name: "signed_date", Type: types.FieldDate},
	},
}

func TestSQLDumpProjection(t *testing.T) {
	path := writeGzDump(t, contractsDump)
	ex := NewSQLDumpExtractor(contractSchema, Options{ChunkSize: 10})
	it, err := ex.Open(context.Background(), Descriptor{
		Name: "contracts", Path: path, Format: FormatSQLDump, Table: "contracts",
	})
	require.NoError(t, err)
	chunks, err := drain(t, it)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	recs := chunks[0].Records
	require.Len(t, recs, 2)

	require.Equal(t, "W911NF-20-C-0001", recs[0].String("piid"))
	// Statement splitting respects semicolons inside string literals.
	require.Equal(t, "Acme Robotics; LLC", recs[0].String("vendor"))
	ob, ok := recs[0].Float("obligated")
	require.True(t, ok)
	require.Equal(t, 250000.5, ob)
	d, ok := recs[0].Date("signed_date")
	require.True(t, ok, "declared date columns parse from text")
	require.Equal(t, time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), d)

	require.False(t, recs[1].Has("obligated"), "SQL NULL maps to absent field")
}

func TestSQLDumpCustomQuery(t *testing.T) {
	path := writeGzDump(t, contractsDump)
	ex := NewSQLDumpExtractor(contractSchema, Options{ChunkSize: 10})
	it, err := ex.Open(context.Background(), Descriptor{
		Name: "contracts", Path: path, Format: FormatSQLDump,
		Query: "SELECT piid FROM contracts WHERE obligated IS NOT NULL",
	})
	require.NoError(t, err)
	chunks, err := drain(t, it)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Records, 1)
	require.Equal(t, "W911NF-20-C-0001", chunks[0].Records[0].String("piid"))
}

func TestSQLDumpRejectsPlainText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notgzip.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte("SELECT 1;"), 0o644))
	ex := NewSQLDumpExtractor(contractSchema, Options{})
	_, err := ex.Open(context.Background(), Descriptor{
		Name: "contracts", Path: path, Format: FormatSQLDump, Table: "contracts",
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeSourceFormat))
}
