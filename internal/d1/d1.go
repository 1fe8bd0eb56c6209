// Package d1 backs D1 database bindings with isolated SQLite files.
package d1

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cryguy/worker/v3/internal/core"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// Database is a D1Database backed by its own SQLite database, separate
// from every other binding.
type Database struct {
	DB         *sql.DB
	DatabaseID string
}

var _ core.D1Database = (*Database)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ValidateDatabaseID rejects database IDs that contain path traversal
// characters, null bytes, or are empty/too long.
func ValidateDatabaseID(id string) error {
	if id == "" {
		return fmt.Errorf("database ID must not be empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("database ID too long")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("database ID contains path traversal")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("database ID contains path separator")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("database ID contains null byte")
	}
	return nil
}

// Open opens (or creates) the database for databaseID. The file is stored
// at {dataDir}/d1/{databaseID}.sqlite3.
func Open(dataDir, databaseID string) (*Database, error) {
	if err := ValidateDatabaseID(databaseID); err != nil {
		return nil, err
	}
	dir := filepath.Join(dataDir, "d1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating D1 directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, databaseID+".sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening D1 database %q: %w", databaseID, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return &Database{DB: db, DatabaseID: databaseID}, nil
}

// OpenMemory creates an in-memory database.
func OpenMemory(databaseID string) (*Database, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory D1 database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Database{DB: db, DatabaseID: databaseID}, nil
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// Prepare returns a statement bound to this database.
func (d *Database) Prepare(query string) *core.D1PreparedStatement {
	return core.NewD1PreparedStatement(d, query)
}

// RunStatement runs one statement outside any transaction.
func (d *Database) RunStatement(ctx context.Context, query string, args []any) (*core.D1Result, error) {
	return run(ctx, d.DB, query, args)
}

// Batch runs stmts in a single transaction. If any statement fails the
// whole batch is rolled back and no results are returned.
func (d *Database) Batch(ctx context.Context, stmts []*core.D1PreparedStatement) ([]*core.D1Result, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("D1: begin batch: %w", err)
	}
	results := make([]*core.D1Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := run(ctx, tx, stmt.Query, stmt.Args)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("D1: batch statement %d: %w", i, err)
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("D1: commit batch: %w", err)
	}
	return results, nil
}

// Exec runs one or more semicolon-separated statements without bindings.
func (d *Database) Exec(ctx context.Context, query string) (*core.D1ExecResult, error) {
	start := time.Now()
	count := 0
	for _, stmt := range SplitStatements(query) {
		if _, err := run(ctx, d.DB, stmt, nil); err != nil {
			return nil, err
		}
		count++
	}
	return &core.D1ExecResult{Count: count, Duration: time.Since(start)}, nil
}

// SplitStatements splits sqlText on semicolons that are not inside quotes
// or comments. Comments are dropped, and so are empty statements.
func SplitStatements(sqlText string) []string {
	var out []string
	var b strings.Builder
	var quote rune
	lineComment, blockComment := false, false
	runes := []rune(sqlText)
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case lineComment:
			if c == '\n' {
				lineComment = false
				b.WriteRune(c)
			}
			continue
		case blockComment:
			if c == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				blockComment = false
				i++
				b.WriteRune(' ')
			}
			continue
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			lineComment = true
			continue
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			blockComment = true
			i++
			continue
		case c == ';':
			flush()
			continue
		}
		b.WriteRune(c)
	}
	flush()
	return out
}

// leadingKeywords returns query upper-cased with leading whitespace and
// comments removed, which is what SQLite sees as the start of the
// statement.
func leadingKeywords(query string) string {
	s := query
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s[2:], "*/")
			if i < 0 {
				return ""
			}
			s = s[i+4:]
		default:
			return strings.ToUpper(s)
		}
	}
}

var allowedPragmas = []string{
	"PRAGMA TABLE_INFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
	"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST", "PRAGMA JOURNAL_MODE",
}

// checkStatement blocks commands that could escape the database sandbox.
// upper is the statement as returned by leadingKeywords.
func checkStatement(upper string) error {
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(upper, blocked) {
			return fmt.Errorf("D1: %s statements are not allowed", blocked)
		}
	}
	if strings.HasPrefix(upper, "PRAGMA") {
		for _, a := range allowedPragmas {
			if strings.HasPrefix(upper, a) {
				return nil
			}
		}
		return fmt.Errorf("D1: this PRAGMA is not allowed")
	}
	return nil
}

func isQuery(upper string) bool {
	return strings.HasPrefix(upper, "SELECT") ||
		strings.HasPrefix(upper, "PRAGMA") ||
		strings.HasPrefix(upper, "WITH") ||
		strings.HasPrefix(upper, "VALUES") ||
		strings.Contains(upper, " RETURNING ")
}

func run(ctx context.Context, q queryer, query string, args []any) (*core.D1Result, error) {
	if n := len(SplitStatements(query)); n > 1 {
		return nil, fmt.Errorf("D1: prepared statement contains %d statements, not allowed; use Exec or Batch", n)
	}
	upper := leadingKeywords(query)
	if err := checkStatement(upper); err != nil {
		return nil, err
	}
	start := time.Now()

	if isQuery(upper) {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("D1: query error: %w", err)
		}
		defer func() { _ = rows.Close() }()

		columns, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("D1: columns error: %w", err)
		}
		resultRows := [][]any{}
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("D1: scan error: %w", err)
			}
			for i, v := range values {
				if b, ok := v.([]byte); ok {
					values[i] = string(b)
				}
			}
			resultRows = append(resultRows, values)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("D1: rows iteration error: %w", err)
		}
		return &core.D1Result{
			Columns: columns,
			Rows:    resultRows,
			Success: true,
			Meta: core.D1Meta{
				RowsRead:   len(resultRows),
				DurationMS: msSince(start),
			},
		}, nil
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("D1: exec error: %w", err)
	}
	changes, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return &core.D1Result{
		Columns: []string{},
		Rows:    [][]any{},
		Success: true,
		Meta: core.D1Meta{
			ChangedDB:   changes > 0,
			Changes:     changes,
			LastRowID:   lastID,
			RowsWritten: int(changes),
			DurationMS:  msSince(start),
		},
	}, nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
