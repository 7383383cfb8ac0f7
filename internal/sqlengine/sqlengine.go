// Package sqlengine adapts DuckDB to the engine contract the rest of the
// system consumes: connect, run SQL, register byte/text blobs under virtual
// filenames usable in DuckDB's file functions, and terminate. Virtual
// filenames are realized as files in a per-engine temp directory, since the
// Go driver has no in-memory VFS registration hook.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/srnarasim/dataprism-core/internal/ddl"
	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Engine owns a DuckDB database handle and the virtual-filename mapping.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	tmpDir  string
	virtual map[string]string // virtual filename -> on-disk path
	closed  bool
}

// Open creates an in-memory DuckDB database and its virtual-file scratch
// directory. Callers own the returned engine and must Terminate it.
func Open(ctx context.Context, logger *slog.Logger) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "dataprism-vfs-")
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	return &Engine{
		db:      db,
		logger:  logger,
		tmpDir:  tmpDir,
		virtual: map[string]string{},
	}, nil
}

// Version reports the running DuckDB version, feeding the dependency
// registry's version probe.
func (e *Engine) Version() string {
	var v string
	if err := e.db.QueryRow("SELECT version()").Scan(&v); err != nil {
		return ""
	}
	return v
}

// InstallHTTPFS installs and loads the httpfs extension so read_parquet and
// friends can open http(s) URLs directly.
func (e *Engine) InstallHTTPFS(ctx context.Context) error {
	for _, stmt := range ddl.InstallExtensions() {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// Exec runs a statement that produces no rows, with virtual filenames
// rewritten to their backing paths.
func (e *Engine) Exec(ctx context.Context, stmt string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx, e.rewriteVirtual(stmt))
	return err
}

// Query runs sqlText and buffers every row. A fresh connection is taken from
// the pool and returned per call, keeping engine use serialized per query.
func (e *Engine) Query(ctx context.Context, sqlText string) ([]Row, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	rows, err := conn.QueryContext(ctx, e.rewriteVirtual(sqlText))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if n, ok := v.(*big.Int); ok && n.IsInt64() {
				v = n.Int64()
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RegisterFileBuffer stores data under virtualName so SQL file functions can
// read it. Re-registering a name replaces its contents.
func (e *Engine) RegisterFileBuffer(virtualName string, data []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	path := filepath.Join(e.tmpDir, sanitizeName(virtualName))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write virtual file %q: %w", virtualName, err)
	}
	e.mu.Lock()
	e.virtual[virtualName] = path
	e.mu.Unlock()
	return nil
}

// RegisterFileText is RegisterFileBuffer for text content.
func (e *Engine) RegisterFileText(virtualName, text string) error {
	return e.RegisterFileBuffer(virtualName, []byte(text))
}

// DropFile forgets a virtual filename and removes its backing file.
func (e *Engine) DropFile(virtualName string) {
	e.mu.Lock()
	path, ok := e.virtual[virtualName]
	delete(e.virtual, virtualName)
	e.mu.Unlock()
	if ok {
		os.Remove(path) //nolint:errcheck
	}
}

// ListTables returns the names of tables in the main schema.
func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	rows, err := e.Query(ctx, "SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if name, ok := r["table_name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// HasTable reports whether name exists in the main schema.
func (e *Engine) HasTable(ctx context.Context, name string) (bool, error) {
	tables, err := e.ListTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == name {
			return true, nil
		}
	}
	return false, nil
}

// DescribeFile peeks the schema of a file (remote URL or virtual filename)
// through DESCRIBE, without materializing any rows.
func (e *Engine) DescribeFile(ctx context.Context, readFunc, path string) ([]Row, error) {
	stmt, err := ddl.DescribeSelect(readFunc, path)
	if err != nil {
		return nil, err
	}
	rows, err := e.Query(ctx, stmt)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeSchemaError, "sqlengine", err, "describe %s(%s)", readFunc, path)
	}
	return rows, nil
}

// DescribeTable returns DESCRIBE output for a registered table.
func (e *Engine) DescribeTable(ctx context.Context, name string) ([]Row, error) {
	if err := ddl.ValidateIdentifier(name); err != nil {
		return nil, err
	}
	return e.Query(ctx, fmt.Sprintf("DESCRIBE %s", ddl.QuoteIdentifier(name)))
}

// Terminate closes the database and removes the scratch directory. Safe to
// call more than once.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tmpDir := e.tmpDir
	e.virtual = map[string]string{}
	e.mu.Unlock()

	err := e.db.Close()
	os.RemoveAll(tmpDir) //nolint:errcheck
	return err
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("sqlengine: engine is terminated")
	}
	return nil
}

// rewriteVirtual substitutes registered virtual filenames appearing inside
// string literals with their backing paths. Longer names are replaced first
// so "t.parquet" never clobbers "t.parquet.bak".
func (e *Engine) rewriteVirtual(sqlText string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.virtual) == 0 {
		return sqlText
	}
	names := make([]string, 0, len(e.virtual))
	for name := range e.virtual {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		sqlText = strings.ReplaceAll(sqlText, "'"+name+"'", "'"+e.virtual[name]+"'")
	}
	return sqlText
}

// sanitizeName flattens a virtual filename to a safe basename, preserving
// the extension DuckDB uses for format sniffing.
func sanitizeName(virtualName string) string {
	name := filepath.Base(virtualName)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." {
		name = "file"
	}
	return name
}
