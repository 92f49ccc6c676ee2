package extract

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// dtaFixture assembles a minimal release-117 container: two columns
// (str10 assignee, long execution date with a daily calendar format) and
// the given fixed-width rows.
func dtaFixture(t *testing.T, rows [][]byte) string {
	t.Helper()
	var b bytes.Buffer
	le := binary.LittleEndian

	pad := func(s string, n int) []byte {
		out := make([]byte, n)
		copy(out, s)
		return out
	}
	u16 := func(v uint16) []byte { out := make([]byte, 2); le.PutUint16(out, v); return out }
	u32 := func(v uint32) []byte { out := make([]byte, 4); le.PutUint32(out, v); return out }

	b.WriteString("<stata_dta><header>")
	b.WriteString("<release>117</release>")
	b.WriteString("<byteorder>LSF</byteorder>")
	b.WriteString("<K>")
	b.Write(u16(2))
	b.WriteString("</K><N>")
	b.Write(u32(uint32(len(rows))))
	b.WriteString("</N><label>\x00</label>")
	b.WriteString("<timestamp>\x00</timestamp>")
	b.WriteString("</header>")

	b.WriteString("<map>")
	b.Write(make([]byte, 14*8))
	b.WriteString("</map>")

	b.WriteString("<variable_types>")
	b.Write(u16(10)) // str10
	b.Write(u16(dtaLong))
	b.WriteString("</variable_types>")

	b.WriteString("<varnames>")
	b.Write(pad("assignee", 33))
	b.Write(pad("exec_dt", 33))
	b.WriteString("</varnames>")

	b.WriteString("<sortlist>")
	b.Write(make([]byte, 3*2))
	b.WriteString("</sortlist>")

	b.WriteString("<formats>")
	b.Write(pad("%10s", 49))
	b.Write(pad("%td", 49))
	b.WriteString("</formats>")

	b.WriteString("<value_label_names>")
	b.Write(make([]byte, 2*33))
	b.WriteString("</value_label_names>")

	b.WriteString("<variable_labels>")
	b.Write(make([]byte, 2*81))
	b.WriteString("</variable_labels>")

	b.WriteString("<characteristics></characteristics>")
	b.WriteString("<data>")
	for _, r := range rows {
		b.Write(r)
	}
	b.WriteString("</data></stata_dta>")

	path := filepath.Join(t.TempDir(), "assign.dta")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func dtaRow(name string, days int32) []byte {
	row := make([]byte, 14)
	copy(row, name)
	binary.LittleEndian.PutUint32(row[10:], uint32(days))
	return row
}

func TestStataDecode(t *testing.T) {
	base := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2020, 3, 15, 0, 0, 0, 0, time.UTC)
	days := int32(want.Sub(base).Hours() / 24)

	path := dtaFixture(t, [][]byte{
		dtaRow("ACME", days),
		dtaRow("ZENITH", 2147483621), // long missing sentinel
	})

	ex := NewStataExtractor(types.Schema{Name: "assignments"}, Options{ChunkSize: 10})
	it, err := ex.Open(context.Background(), Descriptor{Name: "assignments", Path: path, Format: FormatStata})
	require.NoError(t, err)
	chunks, err := drain(t, it)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	recs := chunks[0].Records
	require.Len(t, recs, 2)

	require.Equal(t, "ACME", recs[0].String("assignee"))
	d, ok := recs[0].Date("exec_dt")
	require.True(t, ok, "daily calendar format converts to a date")
	require.Equal(t, want, d)

	require.Equal(t, "ZENITH", recs[1].String("assignee"))
	require.False(t, recs[1].Has("exec_dt"), "missing sentinel maps to absent field")
}

func TestStataRejectsStrL(t *testing.T) {
	// Rewrite the type table of a valid fixture to declare a strL column.
	path := dtaFixture(t, nil)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	i := bytes.Index(raw, []byte("<variable_types>"))
	require.Greater(t, i, 0)
	binary.LittleEndian.PutUint16(raw[i+len("<variable_types>"):], dtaStrL)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	ex := NewStataExtractor(types.Schema{Name: "assignments"}, Options{})
	_, err = ex.Open(context.Background(), Descriptor{Name: "assignments", Path: path, Format: FormatStata})
	require.True(t, errors.IsCode(err, errors.ErrCodeSourceFormat))
}

func TestStataRejectsUnknownRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.dta")
	require.NoError(t, os.WriteFile(path,
		[]byte("<stata_dta><header><release>115</release>"), 0o644))
	ex := NewStataExtractor(types.Schema{Name: "assignments"}, Options{})
	_, err := ex.Open(context.Background(), Descriptor{Name: "assignments", Path: path, Format: FormatStata})
	require.True(t, errors.IsCode(err, errors.ErrCodeSourceFormat))
}
