package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tabulard/tabulard/internal/catalog"
	tberrors "github.com/tabulard/tabulard/internal/errors"
	"github.com/tabulard/tabulard/internal/index"
	"github.com/tabulard/tabulard/internal/observability"
	"github.com/tabulard/tabulard/internal/storage"
)

// topTablesLimit is the number of tables reported by /stats.
const topTablesLimit = 10

// Catalog is the table layer behind the API.
type Catalog interface {
	LoadTable(ctx context.Context, tableName, fileName string) (int64, error)
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, tableName string) (map[string]string, error)
	SampleTable(ctx context.Context, tableName string, limit int) (*catalog.Result, error)
	RunQuery(ctx context.Context, query string) (*catalog.Result, error)
	CreateTableFromQuery(ctx context.Context, query, tableName string) error
	DeleteTable(ctx context.Context, tableName string) error
}

// Searcher is the remote object index.
type Searcher interface {
	SearchLimit(ctx context.Context, bucket, fragment string, limit int) ([]string, error)
	Stats() index.Stats
}

// Resolver turns a load request's file argument into a local path.
type Resolver interface {
	Resolve(ctx context.Context, fileName string) (string, error)
}

// Browser lists one level of a bucket.
type Browser interface {
	ListPrefix(ctx context.Context, bucket, prefix string) (*storage.Listing, error)
}

// Pinger reports engine health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds the dependencies of a Server. Searcher, Browser, Stats and
// Pinger are optional.
type Options struct {
	Catalog     Catalog
	Resolver    Resolver
	Searcher    Searcher
	Browser     Browser
	Stats       *observability.TableStats
	Pinger      Pinger
	CORSOrigins []string
	StaticDir   string
	Logger      *slog.Logger
}

// Server routes API requests to the catalog, ingest resolver and index cache.
type Server struct {
	catalog  Catalog
	resolver Resolver
	searcher Searcher
	browser  Browser
	stats    *observability.TableStats
	pinger   Pinger
	logger   *slog.Logger
	router   *chi.Mux
}

// NewServer builds the router for opts.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		catalog:  opts.Catalog,
		resolver: opts.Resolver,
		searcher: opts.Searcher,
		browser:  opts.Browser,
		stats:    opts.Stats,
		pinger:   opts.Pinger,
		logger:   logger.With("component", "http"),
		router:   chi.NewRouter(),
	}
	s.setupMiddleware(opts.CORSOrigins)
	s.setupRoutes(opts.StaticDir)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(CorrelationIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(CORSMiddleware(origins))
}

func (s *Server) setupRoutes(staticDir string) {
	s.router.Get("/loadFile", s.handleLoadFile)
	s.router.Get("/getTables", s.handleGetTables)
	s.router.Get("/getTableSchema", s.handleGetTableSchema)
	s.router.Get("/getSampleData", s.handleGetSampleData)
	s.router.Get("/runQuery", s.handleRunQuery)
	s.router.Get("/createTableFromQuery", s.handleCreateTableFromQuery)
	s.router.Get("/deleteTable", s.handleDeleteTable)
	s.router.Get("/s3Search", s.handleSearch)
	s.router.Get("/s3Browse", s.handleBrowse)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)

	if staticDir == "" {
		return
	}
	if info, err := os.Stat(staticDir); err != nil || !info.IsDir() {
		s.logger.Warn("static directory not found, UI disabled", "dir", staticDir)
		return
	}
	s.router.Handle("/*", http.FileServer(http.Dir(staticDir)))
}

// required returns the named query parameters, or a validation error naming
// all of them when any is missing.
func required(r *http.Request, names ...string) ([]string, error) {
	q := r.URL.Query()
	values := make([]string, len(names))
	missing := false
	for i, name := range names {
		values[i] = q.Get(name)
		if strings.TrimSpace(values[i]) == "" {
			missing = true
		}
	}
	if missing {
		return nil, tberrors.NewValidationError(tberrors.CodeMissingArgument,
			strings.Join(names, " and ")+" are required")
	}
	return values, nil
}

// LoadFileResponse is returned by /loadFile.
type LoadFileResponse struct {
	Status string `json:"status"`
	Table  string `json:"table"`
	Rows   int64  `json:"rows"`
}

func (s *Server) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "fileName", "tableName")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	fileName, tableName := args[0], args[1]

	if err := catalog.ValidateTableName(tableName); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	path, err := s.resolver.Resolve(r.Context(), fileName)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	rows, err := s.catalog.LoadTable(r.Context(), tableName, path)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, LoadFileResponse{Status: "ok", Table: tableName, Rows: rows})
}

func (s *Server) handleGetTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.catalog.ListTables(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleGetTableSchema(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "tableName")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	schema, err := s.catalog.DescribeTable(r.Context(), args[0])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleGetSampleData(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "tableName")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	limit := catalog.DefaultSampleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, s.logger, tberrors.NewValidationError(tberrors.CodeInvalidLimit,
				"limit must be an integer"))
			return
		}
	}

	res, err := s.catalog.SampleTable(r.Context(), args[0], limit)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.writeCSV(w, r, res)
}

func (s *Server) handleRunQuery(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "query")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	res, err := s.catalog.RunQuery(r.Context(), args[0])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.writeCSV(w, r, res)
}

func (s *Server) handleCreateTableFromQuery(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "query", "tableName")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	if err := s.catalog.CreateTableFromQuery(r.Context(), args[0], args[1]); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "tableName")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	if err := s.catalog.DeleteTable(r.Context(), args[0]); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if s.stats != nil {
		s.stats.Forget(args[0])
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// SearchResponse is returned by /s3Search.
type SearchResponse struct {
	Results []string `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "bucket", "fileName")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	bucket, fragment := args[0], args[1]

	// Short fragments never reach the cache, so they cannot trigger a rebuild.
	if err := index.ValidateFragment(fragment); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if s.searcher == nil {
		writeError(w, r, s.logger, tberrors.NewRemoteStoreError("object search is not configured", nil))
		return
	}

	results, err := s.searcher.SearchLimit(r.Context(), bucket, fragment, index.MaxResults)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// BrowseResponse is returned by /s3Browse.
type BrowseResponse struct {
	Bucket  string   `json:"bucket"`
	Path    string   `json:"path"`
	Files   []string `json:"files"`
	Folders []string `json:"folders"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	args, err := required(r, "bucket")
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	bucket, prefix := args[0], r.URL.Query().Get("path")
	if s.browser == nil {
		writeError(w, r, s.logger, tberrors.NewRemoteStoreError("bucket browsing is not configured", nil))
		return
	}

	listing, err := s.browser.ListPrefix(r.Context(), bucket, prefix)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotFound) {
			err = tberrors.NewNotFoundError(tberrors.CodeBucketNotFound, fmt.Sprintf("bucket %s not found", bucket))
		} else {
			err = tberrors.NewRemoteStoreError(fmt.Sprintf("failed to list %s/%s", bucket, prefix), err)
		}
		writeError(w, r, s.logger, err)
		return
	}

	resp := BrowseResponse{Bucket: bucket, Path: prefix, Files: listing.Keys, Folders: listing.Prefixes}
	if resp.Files == nil {
		resp.Files = []string{}
	}
	if resp.Folders == nil {
		resp.Folders = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status        string `json:"status"`
	DatabaseReady bool   `json:"databaseReady"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", DatabaseReady: true}
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp = HealthResponse{Status: "error", DatabaseReady: false, Error: tberrors.GetMessage(err)}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is returned by /stats.
type StatsResponse struct {
	Tables []observability.TableAccess `json:"tables"`
	Index  *index.Stats                `json:"index,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Tables: []observability.TableAccess{}}
	if s.stats != nil {
		resp.Tables = s.stats.Top(topTablesLimit)
	}
	if s.searcher != nil {
		st := s.searcher.Stats()
		resp.Index = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeCSV(w http.ResponseWriter, r *http.Request, res *catalog.Result) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := res.WriteCSV(w); err != nil {
		s.logger.Warn("failed to write CSV response", "error", err, "request_id", GetRequestID(r.Context()))
	}
}
