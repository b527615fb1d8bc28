// Package catalog manages named tables inside the embedded engine: loading
// files, creating tables from queries, and reading schemas and samples.
//
// Every replacement builds the new table under a temporary name and renames
// it over the old one inside a single engine transaction, so a failed load or
// query leaves the previous table untouched.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabulard/tabulard/internal/engine"
	tberrors "github.com/tabulard/tabulard/internal/errors"
)

const (
	// DefaultSampleLimit is the row count SampleTable uses when none is given.
	DefaultSampleLimit = 20

	// QueryPreviewLimit is the number of rows RunQuery returns.
	QueryPreviewLimit = 30
)

// Operation names passed to the Recorder.
const (
	OpLoad     = "load"
	OpDescribe = "describe"
	OpSample   = "sample"
	OpCreate   = "create"
	OpDelete   = "delete"
	OpQuery    = "query"
)

// Recorder receives table access events.
type Recorder interface {
	Record(table, op string)
}

// Catalog is the table lifecycle and query layer over an engine handle.
type Catalog struct {
	engine   *engine.Handle
	locks    tableLocks
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder reports table accesses to r.
func WithRecorder(r Recorder) Option {
	return func(c *Catalog) {
		c.recorder = r
	}
}

// New creates a catalog over an initialized engine handle.
func New(h *engine.Handle, opts ...Option) *Catalog {
	c := &Catalog{
		engine: h,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")
	return c
}

func (c *Catalog) record(table, op string) {
	if c.recorder != nil {
		c.recorder.Record(table, op)
	}
}

// LoadTable creates or replaces tableName from the file at fileName and
// returns the number of rows loaded.
func (c *Catalog) LoadTable(ctx context.Context, tableName, fileName string) (int64, error) {
	if err := ValidateTableName(tableName); err != nil {
		return 0, err
	}
	if fileName == "" {
		return 0, tberrors.NewValidationError(tberrors.CodeMissingArgument, "fileName is required")
	}

	info, err := os.Stat(fileName)
	if os.IsNotExist(err) {
		return 0, tberrors.NewNotFoundError(tberrors.CodeFileNotFound, fmt.Sprintf("file %s not found", fileName))
	}
	if err != nil {
		return 0, tberrors.NewNotFoundError(tberrors.CodeFileNotFound, fmt.Sprintf("file %s is not readable", fileName)).
			WithDetails(map[string]interface{}{"cause": err.Error()})
	}
	if info.IsDir() {
		return 0, tberrors.NewFormatError(tberrors.CodeUnsupportedFormat, fmt.Sprintf("%s is a directory", fileName), nil)
	}
	if _, _, err := detectFormat(fileName); err != nil {
		return 0, tberrors.NewFormatError(tberrors.CodeUnsupportedFormat, fmt.Sprintf("cannot load %s", fileName), err)
	}

	unlock := c.locks.Lock(tableName)
	defer unlock()

	start := time.Now()
	cols, _, err := scanSchema(fileName)
	if err != nil {
		return 0, tberrors.NewFormatError(tberrors.CodeParseFailed, fmt.Sprintf("cannot parse %s", fileName), err)
	}

	var rows int64
	err = c.engine.Write(ctx, func(tx *sql.Tx) error {
		return replaceTable(ctx, tx, tableName, func(swap string) error {
			if _, err := tx.ExecContext(ctx, createTableSQL(swap, cols)); err != nil {
				return tberrors.NewFormatError(tberrors.CodeParseFailed, "cannot create table from file", err)
			}
			n, err := insertRows(ctx, tx, swap, fileName, cols)
			if err != nil {
				return tberrors.NewFormatError(tberrors.CodeParseFailed, fmt.Sprintf("cannot load %s", fileName), err)
			}
			rows = n
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	c.record(tableName, OpLoad)
	c.logger.Info("table loaded",
		"table", tableName, "file", fileName, "rows", rows, "columns", len(cols),
		"duration_ms", time.Since(start).Milliseconds())
	return rows, nil
}

// ListTables returns user table names in sorted order. The scratch table is
// never included.
func (c *Catalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.engine.Query(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, tberrors.NewInternalError("failed to list tables", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, tberrors.NewInternalError("failed to list tables", err)
		}
		if isInternalTable(name) {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, tberrors.NewInternalError("failed to list tables", err)
	}
	sort.Strings(tables)
	return tables, nil
}

// DescribeColumns returns the columns of tableName in declaration order.
func (c *Catalog) DescribeColumns(ctx context.Context, tableName string) ([]Column, error) {
	if err := validateReadName(tableName); err != nil {
		return nil, err
	}

	rows, err := c.engine.Query(ctx, `SELECT name, type FROM pragma_table_info(?)`, tableName)
	if err != nil {
		return nil, tberrors.NewInternalError("failed to describe table", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, tberrors.NewInternalError("failed to describe table", err)
		}
		if col.Type == "" {
			col.Type = "ANY"
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, tberrors.NewInternalError("failed to describe table", err)
	}
	if len(cols) == 0 {
		return nil, tableNotFound(tableName)
	}

	c.record(tableName, OpDescribe)
	return cols, nil
}

// DescribeTable returns a mapping from column name to type name.
func (c *Catalog) DescribeTable(ctx context.Context, tableName string) (map[string]string, error) {
	cols, err := c.DescribeColumns(ctx, tableName)
	if err != nil {
		return nil, err
	}
	schema := make(map[string]string, len(cols))
	for _, col := range cols {
		schema[col.Name] = col.Type
	}
	return schema, nil
}

// SampleTable returns up to limit rows of tableName in engine order.
func (c *Catalog) SampleTable(ctx context.Context, tableName string, limit int) (*Result, error) {
	if err := validateReadName(tableName); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, tberrors.NewValidationError(tberrors.CodeInvalidLimit,
			fmt.Sprintf("limit must be >= 0, got %d", limit))
	}

	exists, err := c.tableExists(ctx, tableName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, tableNotFound(tableName)
	}

	rows, err := c.engine.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT ?", quoteIdent(tableName)), limit)
	if err != nil {
		return nil, tberrors.NewQueryError("failed to sample table", err)
	}
	defer rows.Close()

	res, err := scanResult(rows)
	if err != nil {
		return nil, tberrors.NewQueryError("failed to sample table", err)
	}

	c.record(tableName, OpSample)
	return res, nil
}

// CountRows returns the number of rows in tableName.
func (c *Catalog) CountRows(ctx context.Context, tableName string) (int64, error) {
	if err := validateReadName(tableName); err != nil {
		return 0, err
	}
	exists, err := c.tableExists(ctx, tableName)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, tableNotFound(tableName)
	}

	row, err := c.engine.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(tableName)))
	if err != nil {
		return 0, tberrors.NewInternalError("failed to count rows", err)
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, tberrors.NewQueryError("failed to count rows", err)
	}
	return n, nil
}

// RunQuery materializes query into the scratch table and returns its first
// QueryPreviewLimit rows. On failure the previous scratch table is kept.
func (c *Catalog) RunQuery(ctx context.Context, query string) (*Result, error) {
	stmt, err := normalizeStatement(query)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(ScratchTable)
	defer unlock()

	start := time.Now()
	var res *Result
	err = c.engine.Write(ctx, func(tx *sql.Tx) error {
		if err := replaceTable(ctx, tx, ScratchTable, createAs(ctx, tx, stmt)); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(ScratchTable), QueryPreviewLimit))
		if err != nil {
			return tberrors.NewQueryError("failed to read query result", err)
		}
		defer rows.Close()

		res, err = scanResult(rows)
		if err != nil {
			return tberrors.NewQueryError("failed to read query result", err)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("query failed", "error", err)
		return nil, err
	}

	c.record(ScratchTable, OpQuery)
	c.logger.Debug("query materialized", "rows", len(res.Rows), "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// CreateTableFromQuery creates or replaces tableName from the result of query.
func (c *Catalog) CreateTableFromQuery(ctx context.Context, query, tableName string) error {
	stmt, err := normalizeStatement(query)
	if err != nil {
		return err
	}
	if err := ValidateTableName(tableName); err != nil {
		return err
	}

	unlock := c.locks.Lock(tableName)
	defer unlock()

	err = c.engine.Write(ctx, func(tx *sql.Tx) error {
		return replaceTable(ctx, tx, tableName, createAs(ctx, tx, stmt))
	})
	if err != nil {
		return err
	}

	c.record(tableName, OpCreate)
	c.logger.Info("table created from query", "table", tableName)
	return nil
}

// DeleteTable drops tableName if it exists.
func (c *Catalog) DeleteTable(ctx context.Context, tableName string) error {
	if err := ValidateTableName(tableName); err != nil {
		return err
	}

	unlock := c.locks.Lock(tableName)
	defer unlock()

	err := c.engine.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(tableName)); err != nil {
			return tberrors.NewQueryError("failed to drop table", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.record(tableName, OpDelete)
	c.logger.Info("table deleted", "table", tableName)
	return nil
}

func (c *Catalog) tableExists(ctx context.Context, tableName string) (bool, error) {
	row, err := c.engine.QueryRow(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ? COLLATE NOCASE`, tableName)
	if err != nil {
		return false, tberrors.NewInternalError("failed to look up table", err)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, tberrors.NewInternalError("failed to look up table", err)
	}
	return n > 0, nil
}

// replaceTable builds the new table under a swap name with build, then drops
// the old table and renames the swap table into place. All of it runs in tx.
func replaceTable(ctx context.Context, tx *sql.Tx, tableName string, build func(swap string) error) error {
	swap := swapPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	if err := build(swap); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(tableName)); err != nil {
		return tberrors.NewQueryError(fmt.Sprintf("failed to drop %s", tableName), err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(swap), quoteIdent(tableName))); err != nil {
		return tberrors.NewQueryError(fmt.Sprintf("failed to rename into %s", tableName), err)
	}
	return nil
}

// createAs returns a build step that materializes stmt.
func createAs(ctx context.Context, tx *sql.Tx, stmt string) func(swap string) error {
	return func(swap string) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", quoteIdent(swap), stmt)); err != nil {
			return tberrors.NewQueryError("query failed", err)
		}
		return nil
	}
}

// validateReadName accepts the scratch table in addition to user tables, so
// callers can sample or describe the last query result.
func validateReadName(name string) error {
	if strings.EqualFold(name, ScratchTable) {
		return nil
	}
	return ValidateTableName(name)
}

func tableNotFound(name string) error {
	return tberrors.NewNotFoundError(tberrors.CodeTableNotFound, fmt.Sprintf("table %s not found", name))
}
