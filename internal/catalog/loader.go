package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// affinity is the inferred storage type of a column, ordered from most to
// least specific.
type affinity int

const (
	affInteger affinity = iota
	affReal
	affText
)

func (a affinity) String() string {
	switch a {
	case affInteger:
		return "INTEGER"
	case affReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// schemaBuilder collects columns in first-seen order and widens each
// column's type as values are observed.
type schemaBuilder struct {
	names []string
	index map[string]int
	types []affinity
	seen  []bool
	rows  int64
}

func newSchemaBuilder() *schemaBuilder {
	return &schemaBuilder{index: make(map[string]int)}
}

func (s *schemaBuilder) column(name string) int {
	key := strings.ToLower(name)
	if i, ok := s.index[key]; ok {
		return i
	}
	i := len(s.names)
	s.index[key] = i
	s.names = append(s.names, name)
	s.types = append(s.types, affInteger)
	s.seen = append(s.seen, false)
	return i
}

func (s *schemaBuilder) observe(rec record) {
	s.rows++
	for i, c := range rec.cells {
		col := s.column(rec.names[i])
		if c.kind == kindNull {
			continue
		}
		s.seen[col] = true
		if a := classify(c); a > s.types[col] {
			s.types[col] = a
		}
	}
}

// columns returns the final schema. Columns with no values are TEXT.
func (s *schemaBuilder) columns() []Column {
	cols := make([]Column, len(s.names))
	for i, name := range s.names {
		t := s.types[i]
		if !s.seen[i] {
			t = affText
		}
		cols[i] = Column{Name: name, Type: t.String()}
	}
	return cols
}

func classify(c cell) affinity {
	switch c.kind {
	case kindBool:
		return affInteger
	case kindText:
		return affText
	}
	if isIntegerLiteral(c.raw) {
		return affInteger
	}
	if isRealLiteral(c.raw) {
		return affReal
	}
	return affText
}

func isIntegerLiteral(s string) bool {
	if strings.Trim(s, "+-0123456789") != "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// isRealLiteral accepts plain decimal and exponent forms only, so words
// like "inf" or "nan" stay text.
func isRealLiteral(s string) bool {
	if strings.Trim(s, "+-.eE0123456789") != "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// convert turns a cell into the driver value for a column of type t.
func convert(c cell, t string) (any, error) {
	if c.kind == kindNull {
		return nil, nil
	}
	switch t {
	case "INTEGER":
		if c.kind == kindBool {
			if c.raw == "true" {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return strconv.ParseInt(c.raw, 10, 64)
	case "REAL":
		if c.kind == kindBool {
			if c.raw == "true" {
				return float64(1), nil
			}
			return float64(0), nil
		}
		return strconv.ParseFloat(c.raw, 64)
	default:
		return c.raw, nil
	}
}

// scanSchema makes the first pass over a file.
func scanSchema(path string) ([]Column, int64, error) {
	rr, err := openRecords(path)
	if err != nil {
		return nil, 0, err
	}
	defer rr.Close()

	sb := newSchemaBuilder()
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("record %d: %w", sb.rows+1, err)
		}
		sb.observe(rec)
	}

	cols := sb.columns()
	if len(cols) == 0 {
		return nil, 0, fmt.Errorf("no columns found")
	}
	return cols, sb.rows, nil
}

// createTableSQL builds the CREATE TABLE statement for a loaded file.
func createTableSQL(table string, cols []Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.Name) + " " + c.Type
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
}

// insertRows makes the second pass over a file, inserting every record
// into table inside tx. It returns the number of rows inserted.
func insertRows(ctx context.Context, tx *sql.Tx, table, path string, cols []Column) (int64, error) {
	rr, err := openRecords(path)
	if err != nil {
		return 0, err
	}
	defer rr.Close()

	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(c.Name)] = i
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), placeholders))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var n int64
	values := make([]any, len(cols))
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("record %d: %w", n+1, err)
		}

		for i := range values {
			values[i] = nil
		}
		for i, c := range rec.cells {
			col, ok := index[strings.ToLower(rec.names[i])]
			if !ok {
				return n, fmt.Errorf("record %d: column %q changed between passes", n+1, rec.names[i])
			}
			v, err := convert(c, cols[col].Type)
			if err != nil {
				return n, fmt.Errorf("record %d, column %q: %w", n+1, cols[col].Name, err)
			}
			values[col] = v
		}

		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return n, err
		}
		n++
	}
}
