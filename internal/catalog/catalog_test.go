package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/tabulard/tabulard/internal/config"
	"github.com/tabulard/tabulard/internal/engine"
	tberrors "github.com/tabulard/tabulard/internal/errors"
)

func newTestCatalog(t *testing.T, opts ...Option) *Catalog {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database = t.TempDir()

	h := engine.New(nil)
	if err := h.Init(context.Background(), nil, cfg); err != nil {
		t.Fatalf("failed to init engine: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return New(h, opts...)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func numberedCSV(n int) string {
	var b strings.Builder
	b.WriteString("id,label\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d,row-%d\n", i, i)
	}
	return b.String()
}

func TestLoadTable_CSV(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	path := writeFile(t, "sales.csv", "id,name,score\n1,alice,1.5\n2,\"bob, jr\",\n3,carol,2\n")

	rows, err := c.LoadTable(ctx, "sales", path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if rows != 3 {
		t.Errorf("rows = %d, want 3", rows)
	}

	schema, err := c.DescribeTable(ctx, "sales")
	if err != nil {
		t.Fatalf("DescribeTable failed: %v", err)
	}
	want := map[string]string{"id": "INTEGER", "name": "TEXT", "score": "REAL"}
	for col, typ := range want {
		if schema[col] != typ {
			t.Errorf("column %s type = %q, want %q", col, schema[col], typ)
		}
	}

	res, err := c.SampleTable(ctx, "sales", DefaultSampleLimit)
	if err != nil {
		t.Fatalf("SampleTable failed: %v", err)
	}
	if len(res.Rows) != 3 {
		t.Fatalf("sample rows = %d, want 3", len(res.Rows))
	}
	if res.Rows[1][1] != "bob, jr" {
		t.Errorf("quoted field = %v", res.Rows[1][1])
	}
	if res.Rows[1][2] != nil {
		t.Errorf("empty field should load as NULL, got %v", res.Rows[1][2])
	}
	if res.Rows[0][0] != int64(1) {
		t.Errorf("id should be int64 1, got %#v", res.Rows[0][0])
	}
}

func TestLoadTable_ReplacementIdempotence(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	path := writeFile(t, "data.csv", numberedCSV(7))

	for i := 0; i < 2; i++ {
		if _, err := c.LoadTable(ctx, "data", path); err != nil {
			t.Fatalf("LoadTable #%d failed: %v", i+1, err)
		}
	}

	tables, err := c.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if len(tables) != 1 || tables[0] != "data" {
		t.Errorf("tables = %v, want [data]", tables)
	}

	n, err := c.CountRows(ctx, "data")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 7 {
		t.Errorf("row count = %d, want 7", n)
	}
}

func TestLoadTable_ReplacesWithNewSchema(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.LoadTable(ctx, "t", writeFile(t, "a.csv", "a,b\n1,2\n")); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if _, err := c.LoadTable(ctx, "t", writeFile(t, "b.csv", "x\nhello\nworld\n")); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	schema, err := c.DescribeTable(ctx, "t")
	if err != nil {
		t.Fatalf("DescribeTable failed: %v", err)
	}
	if len(schema) != 1 || schema["x"] != "TEXT" {
		t.Errorf("schema = %v, want only x TEXT", schema)
	}
}

func TestLoadTable_Errors(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	good := writeFile(t, "ok.csv", "a\n1\n")
	dir := filepath.Join(t.TempDir(), "dir.csv")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		table    string
		file     string
		category tberrors.ErrorCategory
	}{
		{"missing table name", "", good, tberrors.ErrCategoryValidation},
		{"missing file name", "t", "", tberrors.ErrCategoryValidation},
		{"invalid table name", "1bad", good, tberrors.ErrCategoryValidation},
		{"reserved table name", "__lastQuery", good, tberrors.ErrCategoryValidation},
		{"missing file", "t", filepath.Join(t.TempDir(), "nope.csv"), tberrors.ErrCategoryNotFound},
		{"unsupported format", "t", writeFile(t, "sheet.xlsx", "PK"), tberrors.ErrCategoryFormat},
		{"empty csv", "t", writeFile(t, "empty.csv", ""), tberrors.ErrCategoryFormat},
		{"malformed json", "t", writeFile(t, "bad.json", `[{"a": 1}, {"a": `), tberrors.ErrCategoryFormat},
		{"directory", "t", dir, tberrors.ErrCategoryFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.LoadTable(ctx, tt.table, tt.file)
			if tberrors.GetCategory(err) != tt.category {
				t.Errorf("got %v, want category %s", err, tt.category)
			}
		})
	}

	tables, err := c.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("failed loads should not leave tables behind: %v", tables)
	}
}

func TestLoadTable_FailedLoadKeepsOldTable(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.LoadTable(ctx, "t", writeFile(t, "a.csv", numberedCSV(4))); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if _, err := c.LoadTable(ctx, "t", writeFile(t, "b.json", `[{"a":`)); err == nil {
		t.Fatal("expected malformed JSON to fail")
	}

	n, err := c.CountRows(ctx, "t")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 4 {
		t.Errorf("row count = %d, want original 4", n)
	}
}

func TestListTables_FiltersScratchTable(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	tables, err := c.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if tables == nil || len(tables) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", tables)
	}

	if _, err := c.LoadTable(ctx, "b_table", writeFile(t, "b.csv", "x\n1\n")); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if err := c.CreateTableFromQuery(ctx, "SELECT 1 AS one", "a_table"); err != nil {
		t.Fatalf("CreateTableFromQuery failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.RunQuery(ctx, fmt.Sprintf("SELECT %d AS n", i)); err != nil {
			t.Fatalf("RunQuery failed: %v", err)
		}
	}

	tables, err = c.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	want := []string{"a_table", "b_table"}
	if strings.Join(tables, ",") != strings.Join(want, ",") {
		t.Errorf("tables = %v, want %v", tables, want)
	}

	// The scratch table exists even though it is not listed
	if _, err := c.SampleTable(ctx, ScratchTable, 1); err != nil {
		t.Errorf("scratch table should be readable: %v", err)
	}
}

func TestRunQuery_PreviewLimit(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	if _, err := c.LoadTable(ctx, "big", writeFile(t, "big.csv", numberedCSV(50))); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	res, err := c.RunQuery(ctx, "SELECT id, label FROM big ORDER BY id;")
	if err != nil {
		t.Fatalf("RunQuery failed: %v", err)
	}
	if len(res.Rows) != QueryPreviewLimit {
		t.Errorf("rows = %d, want %d", len(res.Rows), QueryPreviewLimit)
	}
	if strings.Join(res.Columns, ",") != "id,label" {
		t.Errorf("columns = %v", res.Columns)
	}

	// The full result is materialized, not only the preview
	n, err := c.CountRows(ctx, ScratchTable)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 50 {
		t.Errorf("scratch rows = %d, want 50", n)
	}
}

func TestRunQuery_Errors(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.RunQuery(ctx, "  "); tberrors.GetCategory(err) != tberrors.ErrCategoryValidation {
		t.Errorf("empty query: got %v", err)
	}
	if _, err := c.RunQuery(ctx, "SELECT 1; DROP TABLE x"); tberrors.GetCode(err) != tberrors.CodeMultipleStatement {
		t.Errorf("multiple statements: got %v", err)
	}
	if _, err := c.RunQuery(ctx, "SELECT nope FROM missing"); tberrors.GetCategory(err) != tberrors.ErrCategoryQuery {
		t.Errorf("bad query: got %v", err)
	}
}

func TestRunQuery_FailureKeepsPreviousScratch(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.RunQuery(ctx, "SELECT 'kept' AS marker"); err != nil {
		t.Fatalf("RunQuery failed: %v", err)
	}
	if _, err := c.RunQuery(ctx, "SELECT * FROM does_not_exist"); err == nil {
		t.Fatal("expected query error")
	}

	res, err := c.SampleTable(ctx, ScratchTable, 5)
	if err != nil {
		t.Fatalf("SampleTable failed: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != "kept" {
		t.Errorf("scratch table changed after failed query: %+v", res)
	}
}

func TestRunQuery_CanReadScratchTable(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.RunQuery(ctx, "SELECT 1 AS n UNION ALL SELECT 2 UNION ALL SELECT 3"); err != nil {
		t.Fatalf("RunQuery failed: %v", err)
	}
	res, err := c.RunQuery(ctx, "SELECT n FROM __lastQuery WHERE n > 1")
	if err != nil {
		t.Fatalf("RunQuery over scratch failed: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(res.Rows))
	}
}

func TestCreateTableFromQuery(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	if _, err := c.LoadTable(ctx, "src", writeFile(t, "src.csv", numberedCSV(10))); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	if err := c.CreateTableFromQuery(ctx, "SELECT id FROM src WHERE id <= 3", "small"); err != nil {
		t.Fatalf("CreateTableFromQuery failed: %v", err)
	}
	n, err := c.CountRows(ctx, "small")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	// Replacing a table from a query over itself works because the old
	// table is only dropped after the new one is built.
	if err := c.CreateTableFromQuery(ctx, "SELECT * FROM src WHERE id > 8", "src"); err != nil {
		t.Fatalf("self-replacement failed: %v", err)
	}
	n, err = c.CountRows(ctx, "src")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestCreateTableFromQuery_FailureKeepsOriginal(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	if _, err := c.LoadTable(ctx, "keep", writeFile(t, "keep.csv", numberedCSV(5))); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	err := c.CreateTableFromQuery(ctx, "SELECT missing_column FROM keep", "keep")
	if tberrors.GetCategory(err) != tberrors.ErrCategoryQuery {
		t.Fatalf("expected query error, got %v", err)
	}

	n, err := c.CountRows(ctx, "keep")
	if err != nil {
		t.Fatalf("original table should survive: %v", err)
	}
	if n != 5 {
		t.Errorf("rows = %d, want 5", n)
	}

	tables, err := c.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if len(tables) != 1 {
		t.Errorf("no swap tables should remain: %v", tables)
	}
}

func TestCreateTableFromQuery_Validation(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateTableFromQuery(ctx, "", "t"); tberrors.GetCategory(err) != tberrors.ErrCategoryValidation {
		t.Errorf("empty query: got %v", err)
	}
	if err := c.CreateTableFromQuery(ctx, "SELECT 1", ""); tberrors.GetCategory(err) != tberrors.ErrCategoryValidation {
		t.Errorf("empty table: got %v", err)
	}
	if err := c.CreateTableFromQuery(ctx, "SELECT 1", `x"; DROP TABLE y; --`); tberrors.GetCode(err) != tberrors.CodeInvalidTableName {
		t.Errorf("injected name: got %v", err)
	}
}

func TestDeleteTable(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	if _, err := c.LoadTable(ctx, "gone", writeFile(t, "g.csv", "a\n1\n")); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.DeleteTable(ctx, "gone"); err != nil {
			t.Fatalf("DeleteTable #%d failed: %v", i+1, err)
		}
	}

	if _, err := c.DescribeTable(ctx, "gone"); tberrors.GetCode(err) != tberrors.CodeTableNotFound {
		t.Errorf("describe after delete: got %v", err)
	}
	if _, err := c.SampleTable(ctx, "gone", 5); tberrors.GetCode(err) != tberrors.CodeTableNotFound {
		t.Errorf("sample after delete: got %v", err)
	}
}

func TestSampleTable_Limits(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	if _, err := c.LoadTable(ctx, "t", writeFile(t, "t.csv", numberedCSV(25))); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	res, err := c.SampleTable(ctx, "t", DefaultSampleLimit)
	if err != nil {
		t.Fatalf("SampleTable failed: %v", err)
	}
	if len(res.Rows) != DefaultSampleLimit {
		t.Errorf("rows = %d, want %d", len(res.Rows), DefaultSampleLimit)
	}

	res, err = c.SampleTable(ctx, "t", 0)
	if err != nil {
		t.Fatalf("SampleTable(0) failed: %v", err)
	}
	if len(res.Rows) != 0 || len(res.Columns) != 2 {
		t.Errorf("limit 0 should return columns only: %+v", res)
	}

	if _, err := c.SampleTable(ctx, "t", -1); tberrors.GetCode(err) != tberrors.CodeInvalidLimit {
		t.Errorf("negative limit: got %v", err)
	}
}

func TestDescribeAndSample_SameColumns(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	path := writeFile(t, "people.json", `[{"name":"ann","age":31,"tags":["a"]},{"name":"bo","active":true}]`)
	if _, err := c.LoadTable(ctx, "people", path); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if err := c.CreateTableFromQuery(ctx, "SELECT name, age * 2 AS double_age FROM people", "derived"); err != nil {
		t.Fatalf("CreateTableFromQuery failed: %v", err)
	}

	for _, table := range []string{"people", "derived"} {
		schema, err := c.DescribeTable(ctx, table)
		if err != nil {
			t.Fatalf("DescribeTable(%s) failed: %v", table, err)
		}
		sample, err := c.SampleTable(ctx, table, 1)
		if err != nil {
			t.Fatalf("SampleTable(%s) failed: %v", table, err)
		}

		var described []string
		for col := range schema {
			described = append(described, col)
		}
		sampled := append([]string(nil), sample.Columns...)
		sort.Strings(described)
		sort.Strings(sampled)
		if strings.Join(described, ",") != strings.Join(sampled, ",") {
			t.Errorf("%s: describe %v != sample %v", table, described, sampled)
		}
	}
}

func TestDescribeColumns_Order(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	if _, err := c.LoadTable(ctx, "t", writeFile(t, "t.csv", "zeta,alpha,mid\n1,2,3\n")); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	cols, err := c.DescribeColumns(ctx, "t")
	if err != nil {
		t.Fatalf("DescribeColumns failed: %v", err)
	}
	var names []string
	for _, col := range cols {
		names = append(names, col.Name)
	}
	if strings.Join(names, ",") != "zeta,alpha,mid" {
		t.Errorf("column order = %v", names)
	}
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) Record(table, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[table+"/"+op]++
}

func TestRecorder(t *testing.T) {
	rec := &countingRecorder{counts: map[string]int{}}
	c := newTestCatalog(t, WithRecorder(rec))
	ctx := context.Background()

	if _, err := c.LoadTable(ctx, "t", writeFile(t, "t.csv", "a\n1\n")); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if _, err := c.SampleTable(ctx, "t", 1); err != nil {
		t.Fatalf("SampleTable failed: %v", err)
	}
	if _, err := c.SampleTable(ctx, "missing", 1); err == nil {
		t.Fatal("expected not found")
	}

	if rec.counts["t/load"] != 1 || rec.counts["t/sample"] != 1 {
		t.Errorf("unexpected counts: %v", rec.counts)
	}
	if rec.counts["missing/sample"] != 0 {
		t.Error("failed operations should not be recorded")
	}
}

func TestConcurrentReplacement(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	small := writeFile(t, "small.csv", numberedCSV(3))
	large := writeFile(t, "large.csv", numberedCSV(40))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := c.LoadTable(ctx, "shared", small); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := c.LoadTable(ctx, "shared", large); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent load failed: %v", err)
	}

	n, err := c.CountRows(ctx, "shared")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 3 && n != 40 {
		t.Errorf("row count %d is a mix of two loads", n)
	}
	tables, _ := c.ListTables(ctx)
	if len(tables) != 1 {
		t.Errorf("tables = %v", tables)
	}
}
