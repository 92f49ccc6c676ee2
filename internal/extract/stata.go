package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// StataExtractor decodes the statistical-binary .dta container (format
// releases 117 and 118) that the patent assignment tables ship in. Only the
// fixed-width column types are supported: str#, byte, int, long, float,
// double. Long-string (strL) columns are rejected at open.
//
// Reference layout: sequential XML-style tags framing binary payloads;
// row data is fixed width, so decoding is a single forward pass.
type StataExtractor struct {
	schema types.Schema
	opts   Options
}

func NewStataExtractor(schema types.Schema, opts Options) *StataExtractor {
	return &StataExtractor{schema: schema, opts: opts.normalized()}
}

func (e *StataExtractor) Schema() types.Schema { return e.schema }

// Stata column type codes.
const (
	dtaMaxStr  = 2045
	dtaStrL    = 32768
	dtaDouble  = 65526
	dtaFloat   = 65527
	dtaLong    = 65528
	dtaInt     = 65529
	dtaByte    = 65530
	stataEpoch = "1960-01-01"
)

// Missing-value sentinels: any stored value strictly above these thresholds
// is one of Stata's 27 missing codes and maps to an absent field.
const (
	missByte   = 100
	missInt    = 32740
	missLong   = 2147483620
	missFloat  = 1.701e38
	missDouble = 8.988e307
)

type dtaColumn struct {
	name   string
	typ    uint16
	width  int // row bytes
	format string
}

type dtaHeader struct {
	release int
	order   binary.ByteOrder
	nvar    int
	nobs    uint64
	cols    []dtaColumn
}

func (e *StataExtractor) Open(ctx context.Context, d Descriptor) (ChunkIterator, error) {
	rc, err := openWithRetry(ctx, e.opts, d)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(rc, 1<<16)

	hdr, err := readDTAHeader(br)
	if err != nil {
		rc.Close()
		return nil, errors.Wrap(err, errors.ErrCodeSourceFormat,
			"failed to parse dta container for source "+d.Name).WithDetail(d.Path)
	}
	for _, c := range hdr.cols {
		if c.typ == dtaStrL {
			rc.Close()
			return nil, errors.Newf(errors.ErrCodeSourceFormat,
				"source %s: column %s uses strL storage, which is not supported", d.Name, c.name)
		}
	}

	stataBase, _ := time.Parse("2006-01-02", stataEpoch)
	var read uint64
	rowBuf := make([]byte, rowWidth(hdr.cols))
	next := func() (types.Record, error) {
		if read >= hdr.nobs {
			return nil, io.EOF
		}
		if _, err := io.ReadFull(br, rowBuf); err != nil {
			return nil, fmt.Errorf("truncated data section at row %d: %w", read, err)
		}
		read++
		rec := make(types.Record, hdr.nvar)
		off := 0
		for _, c := range hdr.cols {
			cell := rowBuf[off : off+c.width]
			off += c.width
			v := decodeDTACell(cell, c, hdr.order, stataBase)
			if v != nil {
				rec[c.name] = v
			}
		}
		return rec, nil
	}
	return newChunkIterator(d.Name, next, rc.Close, e.opts), nil
}

func rowWidth(cols []dtaColumn) int {
	w := 0
	for _, c := range cols {
		w += c.width
	}
	return w
}

// decodeDTACell converts one fixed-width cell. Missing sentinels and blank
// strings return nil. Columns carrying a calendar display format (%td daily,
// %tc millisecond) convert to time.Time.
func decodeDTACell(cell []byte, c dtaColumn, order binary.ByteOrder, base time.Time) any {
	if c.typ <= dtaMaxStr {
		s := string(bytes.TrimRight(cell, "\x00"))
		if s == "" {
			return nil
		}
		return strings.TrimSpace(s)
	}
	isDaily := strings.HasPrefix(c.format, "%td")
	isMilli := strings.HasPrefix(c.format, "%tc")
	switch c.typ {
	case dtaByte:
		v := int8(cell[0])
		if v > missByte {
			return nil
		}
		if isDaily {
			return base.AddDate(0, 0, int(v))
		}
		return int64(v)
	case dtaInt:
		v := int16(order.Uint16(cell))
		if v > missInt {
			return nil
		}
		if isDaily {
			return base.AddDate(0, 0, int(v))
		}
		return int64(v)
	case dtaLong:
		v := int32(order.Uint32(cell))
		if v > missLong {
			return nil
		}
		if isDaily {
			return base.AddDate(0, 0, int(v))
		}
		return int64(v)
	case dtaFloat:
		v := math.Float32frombits(order.Uint32(cell))
		if float64(v) > missFloat {
			return nil
		}
		return float64(v)
	case dtaDouble:
		v := math.Float64frombits(order.Uint64(cell))
		if v > missDouble {
			return nil
		}
		if isDaily {
			return base.AddDate(0, 0, int(v))
		}
		if isMilli {
			return base.Add(time.Duration(v) * time.Millisecond)
		}
		return v
	}
	return nil
}

// readDTAHeader parses everything up to and including the <data> open tag.
func readDTAHeader(br *bufio.Reader) (*dtaHeader, error) {
	if err := expectTag(br, "<stata_dta>"); err != nil {
		return nil, err
	}
	if err := expectTag(br, "<header>"); err != nil {
		return nil, err
	}

	h := &dtaHeader{}
	rel, err := tagContent(br, "release", 3)
	if err != nil {
		return nil, err
	}
	switch rel {
	case "117":
		h.release = 117
	case "118":
		h.release = 118
	default:
		return nil, fmt.Errorf("unsupported dta release %q", rel)
	}

	bo, err := tagContent(br, "byteorder", 3)
	if err != nil {
		return nil, err
	}
	switch bo {
	case "LSF":
		h.order = binary.LittleEndian
	case "MSF":
		h.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("unknown byte order %q", bo)
	}

	// Variable count is 2 bytes in both supported releases.
	kb, err := tagBinary(br, "K", 2)
	if err != nil {
		return nil, err
	}
	h.nvar = int(h.order.Uint16(kb))

	nWidth := 4
	if h.release == 118 {
		nWidth = 8
	}
	nb, err := tagBinary(br, "N", nWidth)
	if err != nil {
		return nil, err
	}
	if nWidth == 8 {
		h.nobs = h.order.Uint64(nb)
	} else {
		h.nobs = uint64(h.order.Uint32(nb))
	}

	// Dataset label: 1-byte length (117) or 2-byte (118), then bytes.
	if err := expectTag(br, "<label>"); err != nil {
		return nil, err
	}
	var labelLen int
	if h.release == 118 {
		b, err := readN(br, 2)
		if err != nil {
			return nil, err
		}
		labelLen = int(h.order.Uint16(b))
	} else {
		b, err := readN(br, 1)
		if err != nil {
			return nil, err
		}
		labelLen = int(b[0])
	}
	if err := skipN(br, labelLen); err != nil {
		return nil, err
	}
	if err := expectTag(br, "</label>"); err != nil {
		return nil, err
	}

	// Timestamp: 1-byte length then bytes.
	if err := expectTag(br, "<timestamp>"); err != nil {
		return nil, err
	}
	tb, err := readN(br, 1)
	if err != nil {
		return nil, err
	}
	if err := skipN(br, int(tb[0])); err != nil {
		return nil, err
	}
	if err := expectTag(br, "</timestamp>"); err != nil {
		return nil, err
	}
	if err := expectTag(br, "</header>"); err != nil {
		return nil, err
	}

	// <map>: 14 file offsets; sequential parsing does not need them.
	if _, err := tagBinary(br, "map", 14*8); err != nil {
		return nil, err
	}

	tb2, err := tagBinary(br, "variable_types", h.nvar*2)
	if err != nil {
		return nil, err
	}
	h.cols = make([]dtaColumn, h.nvar)
	for i := range h.cols {
		t := h.order.Uint16(tb2[i*2:])
		h.cols[i].typ = t
		switch {
		case t <= dtaMaxStr:
			h.cols[i].width = int(t)
		case t == dtaStrL:
			h.cols[i].width = 8
		case t == dtaDouble:
			h.cols[i].width = 8
		case t == dtaFloat, t == dtaLong:
			h.cols[i].width = 4
		case t == dtaInt:
			h.cols[i].width = 2
		case t == dtaByte:
			h.cols[i].width = 1
		default:
			return nil, fmt.Errorf("unknown variable type code %d", t)
		}
	}

	nameWidth, fmtWidth, lblWidth, vlblWidth := 33, 49, 33, 81
	if h.release == 118 {
		nameWidth, fmtWidth, lblWidth, vlblWidth = 129, 57, 129, 321
	}

	names, err := tagBinary(br, "varnames", h.nvar*nameWidth)
	if err != nil {
		return nil, err
	}
	for i := range h.cols {
		h.cols[i].name = cstr(names[i*nameWidth : (i+1)*nameWidth])
	}

	if _, err := tagBinary(br, "sortlist", (h.nvar+1)*2); err != nil {
		return nil, err
	}

	formats, err := tagBinary(br, "formats", h.nvar*fmtWidth)
	if err != nil {
		return nil, err
	}
	for i := range h.cols {
		h.cols[i].format = cstr(formats[i*fmtWidth : (i+1)*fmtWidth])
	}

	if _, err := tagBinary(br, "value_label_names", h.nvar*lblWidth); err != nil {
		return nil, err
	}
	if _, err := tagBinary(br, "variable_labels", h.nvar*vlblWidth); err != nil {
		return nil, err
	}

	// <characteristics>: zero or more <ch> blocks, each a 4-byte length
	// followed by the payload.
	if err := expectTag(br, "<characteristics>"); err != nil {
		return nil, err
	}
	for {
		peek, err := br.Peek(4)
		if err != nil {
			return nil, err
		}
		if string(peek) == "</ch" {
			break
		}
		if err := expectTag(br, "<ch>"); err != nil {
			return nil, err
		}
		lb, err := readN(br, 4)
		if err != nil {
			return nil, err
		}
		if err := skipN(br, int(h.order.Uint32(lb))); err != nil {
			return nil, err
		}
		if err := expectTag(br, "</ch>"); err != nil {
			return nil, err
		}
	}
	if err := expectTag(br, "</characteristics>"); err != nil {
		return nil, err
	}
	if err := expectTag(br, "<data>"); err != nil {
		return nil, err
	}
	return h, nil
}

func expectTag(br *bufio.Reader, tag string) error {
	got, err := readN(br, len(tag))
	if err != nil {
		return err
	}
	if string(got) != tag {
		return fmt.Errorf("expected %s, found %q", tag, got)
	}
	return nil
}

// tagContent reads <name>, n ASCII bytes, </name>.
func tagContent(br *bufio.Reader, name string, n int) (string, error) {
	b, err := tagBinary(br, name, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// tagBinary reads <name>, n raw bytes, </name>.
func tagBinary(br *bufio.Reader, name string, n int) ([]byte, error) {
	if err := expectTag(br, "<"+name+">"); err != nil {
		return nil, err
	}
	b, err := readN(br, n)
	if err != nil {
		return nil, err
	}
	if err := expectTag(br, "</"+name+">"); err != nil {
		return nil, err
	}
	return b, nil
}

func readN(br *bufio.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, err
	}
	return b, nil
}

func skipN(br *bufio.Reader, n int) error {
	_, err := io.CopyN(io.Discard, br, int64(n))
	return err
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
