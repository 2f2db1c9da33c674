// Package store adapts a single Parquet dataset into a read-only,
// process-wide table served through DuckDB. The table is loaded once per
// process and treated as immutable; concurrent readers need no locking.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

const (
	// ViewName is the logical table every query runs against.
	ViewName = "produtos"

	// SampleLimit caps unfiltered reads.
	SampleLimit = 500

	// ResultLimit caps any filtered result set.
	ResultLimit = 5000

	// TotalColumn is derived at connect time from the monthly sales columns.
	TotalColumn = "VENDA_TOTAL"
)

var (
	// ErrDataUnavailable means the Parquet file could not be loaded.
	ErrDataUnavailable = errors.New("columnar data unavailable")

	// ErrBadQuery means a filter referenced an unknown column or failed
	// type coercion.
	ErrBadQuery = errors.New("bad query")

	// ErrNotConnected means a read happened before Connect.
	ErrNotConnected = errors.New("store not connected")
)

// BadQueryError wraps ErrBadQuery with the offending column and the
// columns actually available, so callers can list them in the envelope.
type BadQueryError struct {
	Column    string
	Reason    string
	Available []string
}

func (e *BadQueryError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown column"
	}
	if len(e.Available) == 0 {
		return fmt.Sprintf("bad query: %s %q", reason, e.Column)
	}
	return fmt.Sprintf("bad query: %s %q (available: %s)", reason, e.Column, strings.Join(e.Available, ", "))
}

func (e *BadQueryError) Unwrap() error { return ErrBadQuery }

// monthlySalesPattern matches the per-month numeric sales columns
// (VENDA_MES_01 .. VENDA_MES_12).
var monthlySalesPattern = regexp.MustCompile(`(?i)^venda_mes_\d{2}$`)

// monthYearPattern matches sales columns that carry an explicit month and
// year, e.g. "jan/24" or "dez-2023".
var monthYearPattern = regexp.MustCompile(`(?i)^([a-z]{3})[-/](\d{2}|\d{4})$`)

// ColumnInfo describes one column of the dataset.
type ColumnInfo struct {
	Name string
	Type string
}

// Row is a single denormalised fact record.
type Row map[string]any

// QueryResult holds the outcome of a SQL read.
type QueryResult struct {
	Columns []string
	Rows    []Row
	Count   int
}

// Config holds the store configuration.
type Config struct {
	Logger      *slog.Logger
	ParquetPath string

	// EssentialColumns optionally projects the view down to a subset.
	// Columns listed here that are absent from the file are skipped.
	EssentialColumns []string
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ParquetPath == "" {
		return errors.New("parquet path is required")
	}
	return nil
}

// Store serves the dataset. Safe for concurrent readers after Connect.
type Store struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	db        *sql.DB
	connected bool
	columns   []ColumnInfo
	colIndex  map[string]string // lowercase name -> real name
	monthly   []string
}

// New creates a Store. No I/O happens until Connect.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate store config: %w", err)
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// Connect loads the Parquet file into a DuckDB view. It is idempotent:
// repeated calls after a successful load are no-ops.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	if _, err := os.Stat(s.cfg.ParquetPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDataUnavailable, s.cfg.ParquetPath, err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("%w: failed to open duckdb: %v", ErrDataUnavailable, err)
	}

	if err := s.buildView(ctx, db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.connected = true
	s.log.Info("store: dataset loaded",
		"path", s.cfg.ParquetPath,
		"columns", len(s.columns),
		"monthly_sales_columns", len(s.monthly))
	return nil
}

// buildView inspects the file schema, applies the optional projection and
// derives VENDA_TOTAL from the monthly sales columns.
func (s *Store) buildView(ctx context.Context, db *sql.DB) error {
	source := fmt.Sprintf("read_parquet(%s)", quoteLiteral(s.cfg.ParquetPath))

	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM %s", source))
	if err != nil {
		return fmt.Errorf("%w: failed to describe parquet: %v", ErrDataUnavailable, err)
	}
	defer rows.Close()

	var fileColumns []ColumnInfo
	for rows.Next() {
		var name, ctype string
		var null, key, dflt, extra sql.NullString
		if err := rows.Scan(&name, &ctype, &null, &key, &dflt, &extra); err != nil {
			return fmt.Errorf("%w: failed to scan schema row: %v", ErrDataUnavailable, err)
		}
		fileColumns = append(fileColumns, ColumnInfo{Name: name, Type: ctype})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if len(fileColumns) == 0 {
		return fmt.Errorf("%w: parquet file has no columns", ErrDataUnavailable)
	}

	projected := projectColumns(fileColumns, s.cfg.EssentialColumns)

	var monthly []string
	for _, col := range projected {
		if monthlySalesPattern.MatchString(col.Name) || monthYearPattern.MatchString(col.Name) {
			monthly = append(monthly, col.Name)
		}
	}

	selects := make([]string, 0, len(projected)+1)
	for _, col := range projected {
		selects = append(selects, quoteIdent(col.Name))
	}
	// VENDA_TOTAL exists iff any monthly sales column was present at load.
	if len(monthly) > 0 {
		terms := make([]string, len(monthly))
		for i, name := range monthly {
			terms[i] = fmt.Sprintf("COALESCE(TRY_CAST(%s AS DOUBLE), 0)", quoteIdent(name))
		}
		selects = append(selects, fmt.Sprintf("(%s) AS %s", strings.Join(terms, " + "), TotalColumn))
	}

	createSQL := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s",
		ViewName, strings.Join(selects, ", "), source)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("%w: failed to create view: %v", ErrDataUnavailable, err)
	}

	columns := make([]ColumnInfo, len(projected), len(projected)+1)
	copy(columns, projected)
	if len(monthly) > 0 {
		columns = append(columns, ColumnInfo{Name: TotalColumn, Type: "DOUBLE"})
	}

	index := make(map[string]string, len(columns))
	for _, col := range columns {
		index[strings.ToLower(col.Name)] = col.Name
	}

	s.columns = columns
	s.colIndex = index
	s.monthly = monthly
	return nil
}

// Disconnect drops the in-memory table. A later Connect reloads it.
func (s *Store) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.connected = false
	s.columns = nil
	s.colIndex = nil
	s.monthly = nil
	s.log.Info("store: dataset released")
	return err
}

// Connected reports whether the dataset is loaded.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Columns returns the view's column descriptors.
func (s *Store) Columns() []ColumnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ColumnInfo, len(s.columns))
	copy(out, s.columns)
	return out
}

// ColumnNames returns the view's column names in order.
func (s *Store) ColumnNames() []string {
	cols := s.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// MonthlySalesColumns returns the per-month sales columns found at load.
func (s *Store) MonthlySalesColumns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.monthly))
	copy(out, s.monthly)
	return out
}

// ResolveColumn maps a case-insensitive column reference to its real name.
func (s *Store) ResolveColumn(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	real, ok := s.colIndex[strings.ToLower(strings.TrimSpace(name))]
	return real, ok
}

// HasColumn reports whether the view carries the named column.
func (s *Store) HasColumn(name string) bool {
	_, ok := s.ResolveColumn(name)
	return ok
}

// Schema returns a DDL-like "column: type" summary suitable for prompting.
func (s *Store) Schema(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", ErrNotConnected
	}
	var sb strings.Builder
	sb.WriteString(ViewName + ":\n")
	for _, col := range s.columns {
		sb.WriteString("  - " + col.Name + " (" + col.Type + ")\n")
	}
	return sb.String(), nil
}

// Query runs a read-only SQL statement against the view and scans every
// row into a generic record.
func (s *Store) Query(ctx context.Context, query string, args ...any) (QueryResult, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return QueryResult{}, ErrNotConnected
	}
	db := s.db
	s.mu.Unlock()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get columns: %w", err)
	}

	var resultRows []Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = values[i]
			}
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return QueryResult{Columns: columns, Rows: resultRows, Count: len(resultRows)}, nil
}

func projectColumns(fileColumns []ColumnInfo, essential []string) []ColumnInfo {
	if len(essential) == 0 {
		return fileColumns
	}
	want := make(map[string]bool, len(essential))
	for _, name := range essential {
		want[strings.ToLower(name)] = true
	}
	var out []ColumnInfo
	for _, col := range fileColumns {
		if want[strings.ToLower(col.Name)] {
			out = append(out, col)
		}
	}
	if len(out) == 0 {
		// Projection removed everything; fall back to the full file.
		return fileColumns
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
