package http

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/tabulard/tabulard/internal/catalog"
	"github.com/tabulard/tabulard/internal/config"
	"github.com/tabulard/tabulard/internal/engine"
	tberrors "github.com/tabulard/tabulard/internal/errors"
	"github.com/tabulard/tabulard/internal/index"
	"github.com/tabulard/tabulard/internal/ingest"
	"github.com/tabulard/tabulard/internal/observability"
	"github.com/tabulard/tabulard/internal/storage"
)

type fakeLister struct {
	mu    sync.Mutex
	keys  []string
	calls int
	err   error
}

func (f *fakeLister) ListKeys(ctx context.Context, bucket string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server  *Server
	dataDir string
	lister  *fakeLister
	stats   *observability.TableStats
	handle  *engine.Handle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database = t.TempDir()

	h := engine.New(nil)
	assert.NilError(t, h.Init(context.Background(), nil, cfg))
	t.Cleanup(func() { h.Close() })

	dataDir := t.TempDir()
	stats := observability.NewTableStats(time.Hour)
	lister := &fakeLister{}
	cache := index.NewCache(lister)

	srv := NewServer(Options{
		Catalog:     catalog.New(h, catalog.WithRecorder(stats)),
		Resolver:    ingest.NewResolver(nil, dataDir),
		Searcher:    cache,
		Stats:       stats,
		Pinger:      h,
		CORSOrigins: []string{"http://localhost:5173"},
		Logger:      discardLogger(),
	})
	return &testEnv{server: srv, dataDir: dataDir, lister: lister, stats: stats, handle: h}
}

func (e *testEnv) get(t *testing.T, path string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	target := path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) writeData(t *testing.T, name, content string) {
	t.Helper()
	assert.NilError(t, os.WriteFile(filepath.Join(e.dataDir, name), []byte(content), 0644))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func readCSV(t *testing.T, rec *httptest.ResponseRecorder) [][]string {
	t.Helper()
	records, err := csv.NewReader(rec.Body).ReadAll()
	assert.NilError(t, err)
	return records
}

func TestLoadFileAndRead(t *testing.T) {
	env := newTestEnv(t)
	env.writeData(t, "sales.csv", "region,amount\nnorth,10\nsouth,\"1,5\"\n")

	rec := env.get(t, "/loadFile", map[string]string{"fileName": "sales.csv", "tableName": "sales"})
	assert.Equal(t, rec.Code, http.StatusOK, rec.Body.String())
	var loaded LoadFileResponse
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&loaded))
	assert.Equal(t, loaded.Status, "ok")
	assert.Equal(t, loaded.Rows, int64(2))

	rec = env.get(t, "/getTables", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	var tables []string
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&tables))
	assert.DeepEqual(t, tables, []string{"sales"})

	rec = env.get(t, "/getTableSchema", map[string]string{"tableName": "sales"})
	assert.Equal(t, rec.Code, http.StatusOK)
	var schema map[string]string
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&schema))
	assert.DeepEqual(t, schema, map[string]string{"region": "TEXT", "amount": "TEXT"})

	rec = env.get(t, "/getSampleData", map[string]string{"tableName": "sales", "limit": "1"})
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))
	assert.DeepEqual(t, readCSV(t, rec), [][]string{{"region", "amount"}, {"north", "10"}})
}

func TestGetTablesEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/getTables", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, strings.TrimSpace(rec.Body.String()), "[]")
}

func TestMissingParameters(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		path   string
		params map[string]string
	}{
		{"/loadFile", map[string]string{"fileName": "x.csv"}},
		{"/loadFile", map[string]string{"tableName": "x"}},
		{"/getTableSchema", nil},
		{"/getSampleData", nil},
		{"/runQuery", nil},
		{"/createTableFromQuery", map[string]string{"query": "SELECT 1"}},
		{"/deleteTable", nil},
		{"/s3Search", map[string]string{"bucket": "b"}},
	}

	for _, tt := range tests {
		rec := env.get(t, tt.path, tt.params)
		assert.Equal(t, rec.Code, http.StatusBadRequest, tt.path)
		resp := decodeError(t, rec)
		assert.Equal(t, resp.Status, "error")
		assert.Assert(t, strings.Contains(resp.Message, "required"), resp.Message)
		assert.Assert(t, resp.RequestID != "")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	env.writeData(t, "bad.xlsx", "PK")

	rec := env.get(t, "/getTableSchema", map[string]string{"tableName": "missing"})
	assert.Equal(t, rec.Code, http.StatusNotFound)
	assert.Equal(t, decodeError(t, rec).Code, "TABLE_NOT_FOUND")

	rec = env.get(t, "/loadFile", map[string]string{"fileName": "nope.csv", "tableName": "t"})
	assert.Equal(t, rec.Code, http.StatusNotFound)

	rec = env.get(t, "/loadFile", map[string]string{"fileName": "bad.xlsx", "tableName": "t"})
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	rec = env.get(t, "/loadFile", map[string]string{"fileName": "bad.xlsx", "tableName": "__lastQuery"})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Equal(t, decodeError(t, rec).Code, "INVALID_TABLE_NAME")

	rec = env.get(t, "/runQuery", map[string]string{"query": "SELECT * FROM nowhere"})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	resp := decodeError(t, rec)
	assert.Equal(t, resp.Code, "EXECUTION_FAILED")
	assert.Assert(t, strings.Contains(resp.Message, "nowhere"), resp.Message)

	rec = env.get(t, "/getSampleData", map[string]string{"tableName": "t", "limit": "ten"})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Equal(t, decodeError(t, rec).Code, "INVALID_LIMIT")
}

func TestRunQueryCSV(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/runQuery", map[string]string{"query": `SELECT 'a, b' AS label, 'say "hi"' AS said, NULL AS blank`})
	assert.Equal(t, rec.Code, http.StatusOK, rec.Body.String())
	assert.Equal(t, rec.Body.String(), "label,said,blank\n\"a, b\",\"say \"\"hi\"\"\",\n")

	rec = env.get(t, "/getTables", nil)
	assert.Equal(t, strings.TrimSpace(rec.Body.String()), "[]")
}

func TestCreateAndDeleteTable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/createTableFromQuery", map[string]string{"query": "SELECT 1 AS one", "tableName": "ones"})
	assert.Equal(t, rec.Code, http.StatusOK, rec.Body.String())
	assert.Equal(t, strings.TrimSpace(rec.Body.String()), `{"status":"ok"}`)

	rec = env.get(t, "/getSampleData", map[string]string{"tableName": "ones"})
	assert.DeepEqual(t, readCSV(t, rec), [][]string{{"one"}, {"1"}})

	for i := 0; i < 2; i++ {
		rec = env.get(t, "/deleteTable", map[string]string{"tableName": "ones"})
		assert.Equal(t, rec.Code, http.StatusOK)
	}
	assert.Equal(t, len(env.stats.Top(10)), 0)

	rec = env.get(t, "/getSampleData", map[string]string{"tableName": "ones"})
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 15; i++ {
		env.lister.keys = append(env.lister.keys, "reports/r"+string(rune('a'+i))+".csv")
	}
	env.lister.keys = append(env.lister.keys, "other.json")

	rec := env.get(t, "/s3Search", map[string]string{"bucket": "b", "fileName": "reports/"})
	assert.Equal(t, rec.Code, http.StatusOK)
	var resp SearchResponse
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, len(resp.Results), index.MaxResults)
	assert.Equal(t, resp.Results[0], "s3://b/reports/ra.csv")

	rec = env.get(t, "/s3Search", map[string]string{"bucket": "b", "fileName": "nothing"})
	assert.Equal(t, strings.TrimSpace(rec.Body.String()), `{"results":[]}`)
	assert.Equal(t, env.lister.calls, 1)
}

func TestSearchShortFragmentSkipsCache(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/s3Search", map[string]string{"bucket": "b", "fileName": "ab"})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Equal(t, decodeError(t, rec).Code, "FRAGMENT_TOO_SHORT")
	assert.Equal(t, env.lister.calls, 0)
}

func TestSearchListingFailure(t *testing.T) {
	env := newTestEnv(t)
	env.lister.err = errors.New("access denied")
	rec := env.get(t, "/s3Search", map[string]string{"bucket": "b", "fileName": "abc"})
	assert.Equal(t, rec.Code, http.StatusBadGateway)
	assert.Equal(t, decodeError(t, rec).Code, "LISTING_FAILED")
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/health", nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	env.get(t, "/createTableFromQuery", map[string]string{"query": "SELECT 1 AS x", "tableName": "t"})
	env.get(t, "/getTableSchema", map[string]string{"tableName": "t"})

	rec = env.get(t, "/stats", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	var stats StatsResponse
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, len(stats.Tables), 1)
	assert.Equal(t, stats.Tables[0].Table, "t")
	assert.Equal(t, stats.Tables[0].Frequency, int64(2))
	assert.Assert(t, stats.Index != nil)

	assert.NilError(t, env.handle.Close())
	rec = env.get(t, "/health", nil)
	assert.Equal(t, rec.Code, http.StatusServiceUnavailable)
}

func TestRequestIDHeaders(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/getTables", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, rec.Header().Get("X-Request-ID"), "req-123")
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), "req-123")

	rec = env.get(t, "/getTables", nil)
	assert.Assert(t, rec.Header().Get("X-Request-ID") != "")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/getTables", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, rec.Code, http.StatusNoContent)
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "http://localhost:5173")
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Credentials"), "true")
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")

	req = httptest.NewRequest(http.MethodGet, "/getTables", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "http://localhost:5173")
	exposed := strings.ToLower(rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Assert(t, strings.Contains(exposed, "x-request-id"), exposed)
	assert.Assert(t, strings.Contains(exposed, "x-correlation-id"), exposed)

	req = httptest.NewRequest(http.MethodGet, "/getTables", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "")
}

func TestLogsCarryCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, logger, tberrors.New(tberrors.ErrCategoryInternal, tberrors.CodeUnexpected, "engine exploded"))
	})
	h := RequestIDMiddleware(CorrelationIDMiddleware(LoggingMiddleware(logger)(failing)))

	req := httptest.NewRequest(http.MethodGet, "/runQuery", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("X-Correlation-ID", "corr-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, rec.Code, http.StatusInternalServerError)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, len(lines), 2, buf.String())
	assert.Assert(t, strings.Contains(lines[0], "msg=\"request failed\""), lines[0])
	assert.Assert(t, strings.Contains(lines[1], "msg=request"), lines[1])
	for _, line := range lines {
		assert.Assert(t, strings.Contains(line, "request_id=req-1"), line)
		assert.Assert(t, strings.Contains(line, "correlation_id=corr-9"), line)
	}
}

type failingBrowser struct{}

func (failingBrowser) ListPrefix(ctx context.Context, bucket, prefix string) (*storage.Listing, error) {
	return nil, errors.New("access denied")
}

func TestBrowse(t *testing.T) {
	base := t.TempDir()
	for _, key := range []string{"reports/2024/sales.csv", "reports/2024/q1/jan.csv", "reports/readme.txt"} {
		p := filepath.Join(base, filepath.FromSlash(key))
		assert.NilError(t, os.MkdirAll(filepath.Dir(p), 0755))
		assert.NilError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	store, err := storage.NewLocalStorage(base)
	assert.NilError(t, err)
	env := &testEnv{server: NewServer(Options{Browser: store, Logger: discardLogger()})}

	rec := env.get(t, "/s3Browse", map[string]string{"bucket": "reports"})
	assert.Equal(t, rec.Code, http.StatusOK, rec.Body.String())
	var resp BrowseResponse
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.DeepEqual(t, resp.Files, []string{"readme.txt"})
	assert.DeepEqual(t, resp.Folders, []string{"2024/"})

	rec = env.get(t, "/s3Browse", map[string]string{"bucket": "reports", "path": "2024/"})
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resp.Path, "2024/")
	assert.DeepEqual(t, resp.Files, []string{"2024/sales.csv"})
	assert.DeepEqual(t, resp.Folders, []string{"2024/q1/"})

	rec = env.get(t, "/s3Browse", map[string]string{"bucket": "reports", "path": "2025/"})
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, strings.TrimSpace(rec.Body.String()), `{"bucket":"reports","path":"2025/","files":[],"folders":[]}`)

	rec = env.get(t, "/s3Browse", nil)
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Equal(t, decodeError(t, rec).Code, tberrors.CodeMissingArgument)

	rec = env.get(t, "/s3Browse", map[string]string{"bucket": "archive"})
	assert.Equal(t, rec.Code, http.StatusNotFound)
	assert.Equal(t, decodeError(t, rec).Code, tberrors.CodeBucketNotFound)

	failing := &testEnv{server: NewServer(Options{Browser: failingBrowser{}, Logger: discardLogger()})}
	rec = failing.get(t, "/s3Browse", map[string]string{"bucket": "reports"})
	assert.Equal(t, rec.Code, http.StatusBadGateway)
	assert.Equal(t, decodeError(t, rec).Code, tberrors.CodeListingFailed)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RequestIDMiddleware(RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, rec.Code, http.StatusInternalServerError)
	resp := decodeError(t, rec)
	assert.Equal(t, resp.Message, "internal server error")
	assert.Assert(t, resp.RequestID != "")
}

func TestStaticFiles(t *testing.T) {
	static := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>ui</html>"), 0644))

	srv := NewServer(Options{StaticDir: static, Logger: discardLogger()})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), "ui"))
}
