package extract

import (
	"bufio"
	"compress/gzip"
	"context"
	"database/sql"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// SQLDumpExtractor loads a gzip-compressed SQL dump into an in-memory
// sqlite database, then streams the rows of a projection query. The dump is
// replayed statement by statement; only CREATE TABLE and INSERT statements
// are executed, everything else in the dump (session settings, lock hints,
// vendor comment directives) is skipped.
type SQLDumpExtractor struct {
	schema types.Schema
	opts   Options
}

func NewSQLDumpExtractor(schema types.Schema, opts Options) *SQLDumpExtractor {
	return &SQLDumpExtractor{schema: schema, opts: opts.normalized()}
}

func (e *SQLDumpExtractor) Schema() types.Schema { return e.schema }

func (e *SQLDumpExtractor) Open(ctx context.Context, d Descriptor) (ChunkIterator, error) {
	rc, err := openWithRetry(ctx, e.opts, d)
	if err != nil {
		return nil, err
	}

	var src io.Reader = rc
	if strings.HasSuffix(d.Path, ".gz") {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, errors.Wrap(err, errors.ErrCodeSourceFormat,
				"source is not gzip-compressed").WithDetail(d.Path)
		}
		src = gz
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		rc.Close()
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to open in-memory database")
	}
	if err := replayDump(ctx, db, src); err != nil {
		db.Close()
		rc.Close()
		return nil, errors.Wrap(err, errors.ErrCodeSourceFormat,
			"failed to replay dump for source "+d.Name).WithDetail(d.Path)
	}

	query := d.Query
	if query == "" {
		query = "SELECT * FROM " + quoteIdent(d.Table)
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		db.Close()
		rc.Close()
		return nil, errors.Wrap(err, errors.ErrCodeSchemaMismatch,
			"projection query failed for source "+d.Name).WithDetail(query)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		db.Close()
		rc.Close()
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve projection columns")
	}

	fieldTypes := make(map[string]types.FieldType, len(e.schema.Fields))
	for _, f := range e.schema.Fields {
		fieldTypes[f.Name] = f.Type
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	row := 0
	next := func() (types.Record, error) {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		row++
		if err := rows.Scan(ptrs...); err != nil {
			return nil, types.RowError{Row: row, Message: err.Error()}
		}
		rec := make(types.Record, len(cols))
		for i, name := range cols {
			v := normalizeSQLValue(vals[i], fieldTypes[name], d.dateLayouts())
			if v != nil {
				rec[name] = v
			}
		}
		return rec, nil
	}
	closeFn := func() error {
		rows.Close()
		db.Close()
		return rc.Close()
	}
	return newChunkIterator(d.Name, next, closeFn, e.opts), nil
}

// normalizeSQLValue maps driver values onto the record representation.
// Text columns declared as dates in the schema parse through the
// descriptor's layouts.
func normalizeSQLValue(v any, t types.FieldType, layouts []string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		v = string(x)
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return nil
		}
		if t == types.FieldDate {
			for _, layout := range layouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC()
				}
			}
		}
		return s
	}
	return v
}

// replayDump executes the dump's CREATE TABLE and INSERT statements.
// CREATE TABLE bodies are sanitized for sqlite: backticks become double
// quotes, index/constraint member lines and storage-engine suffixes drop.
func replayDump(ctx context.Context, db *sql.DB, src io.Reader) error {
	scanner := newStatementScanner(src)
	for {
		stmt, err := scanner.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		upper := strings.ToUpper(firstWord(stmt))
		switch upper {
		case "CREATE":
			if !strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
				continue // views, indexes, triggers
			}
			if _, err := db.ExecContext(ctx, sanitizeCreate(stmt)); err != nil {
				return err
			}
		case "INSERT":
			if _, err := db.ExecContext(ctx, strings.ReplaceAll(stmt, "`", `"`)); err != nil {
				return err
			}
		}
	}
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n("); i > 0 {
		return s[:i]
	}
	return s
}

func sanitizeCreate(stmt string) string {
	stmt = strings.ReplaceAll(stmt, "`", `"`)
	// Trim storage-engine suffix after the closing paren of the body.
	if i := strings.LastIndex(stmt, ")"); i >= 0 {
		stmt = stmt[:i+1]
	}
	lines := strings.Split(stmt, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		up := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(up, "KEY ") || strings.HasPrefix(up, "UNIQUE KEY ") ||
			strings.HasPrefix(up, "CONSTRAINT ") || strings.HasPrefix(up, "FULLTEXT ") {
			// Re-balance: the member line above keeps its trailing comma.
			if len(kept) > 0 {
				kept[len(kept)-1] = strings.TrimSuffix(strings.TrimRight(kept[len(kept)-1], " \t"), ",")
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// statementScanner splits an SQL stream on semicolons, respecting quoted
// strings and comments.
type statementScanner struct {
	r *bufio.Reader
}

func newStatementScanner(src io.Reader) *statementScanner {
	return &statementScanner{r: bufio.NewReaderSize(src, 1<<16)}
}

func (s *statementScanner) next() (string, error) {
	var sb strings.Builder
	var inSingle, inDouble bool
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if err == io.EOF && strings.TrimSpace(sb.String()) != "" {
				return sb.String(), nil
			}
			return "", err
		}
		switch {
		case inSingle:
			sb.WriteByte(b)
			if b == '\\' { // backslash escape inside string literals
				if nb, err := s.r.ReadByte(); err == nil {
					sb.WriteByte(nb)
				}
				continue
			}
			if b == '\'' {
				inSingle = false
			}
		case inDouble:
			sb.WriteByte(b)
			if b == '"' {
				inDouble = false
			}
		case b == '\'':
			inSingle = true
			sb.WriteByte(b)
		case b == '"':
			inDouble = true
			sb.WriteByte(b)
		case b == '-':
			if peek, _ := s.r.Peek(1); len(peek) == 1 && peek[0] == '-' {
				s.skipLine()
				continue
			}
			sb.WriteByte(b)
		case b == '/':
			if peek, _ := s.r.Peek(1); len(peek) == 1 && peek[0] == '*' {
				s.skipBlockComment()
				continue
			}
			sb.WriteByte(b)
		case b == ';':
			stmt := strings.TrimSpace(sb.String())
			if stmt == "" {
				continue
			}
			return stmt, nil
		default:
			sb.WriteByte(b)
		}
	}
}

func (s *statementScanner) skipLine() {
	for {
		b, err := s.r.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}

func (s *statementScanner) skipBlockComment() {
	s.r.ReadByte() // consume '*'
	var prev byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return
		}
		if prev == '*' && b == '/' {
			return
		}
		prev = b
	}
}
