// Package ingest turns the file argument of a load request into a local
// path: object store locators and HTTP URLs are downloaded into the data
// directory, anything else is treated as a local file.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	tberrors "github.com/tabulard/tabulard/internal/errors"
	"github.com/tabulard/tabulard/internal/storage"
)

// fallbackName is used when a response names no file but has a known type.
const fallbackName = "download"

// contentTypes maps data content types to loader extensions. Anything else
// falls back to the mime package.
var contentTypes = map[string]string{
	"text/csv":                  ".csv",
	"application/csv":           ".csv",
	"text/tab-separated-values": ".tsv",
	"text/plain":                ".txt",
	"application/json":          ".json",
	"text/json":                 ".json",
	"application/geo+json":      ".geojson",
	"application/x-ndjson":      ".ndjson",
	"application/jsonl":         ".jsonl",
}

// Resolver downloads remote inputs and resolves local ones.
type Resolver struct {
	store       storage.ObjectStorage
	client      *http.Client
	scheme      string
	downloadDir string
	dataDir     string
	cache       *DownloadCache
	logger      *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for http(s) downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithScheme sets the object store locator scheme. Defaults to "s3".
func WithScheme(scheme string) Option {
	return func(r *Resolver) {
		if scheme != "" {
			r.scheme = scheme
		}
	}
}

// WithDownloadCache reuses recent object store downloads from c.
func WithDownloadCache(c *DownloadCache) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver that stores downloads under dataDir and
// resolves relative local paths against it. store may be nil, in which case
// object store locators are rejected.
func NewResolver(store storage.ObjectStorage, dataDir string, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		client:      &http.Client{Timeout: 5 * time.Minute},
		scheme:      "s3",
		downloadDir: dataDir,
		dataDir:     dataDir,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "ingest")
	return r
}

// Resolve returns a local path for fileName, downloading it first when it
// names a remote object.
func (r *Resolver) Resolve(ctx context.Context, fileName string) (string, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return "", tberrors.NewValidationError(tberrors.CodeMissingArgument, "fileName is required")
	}

	lower := strings.ToLower(fileName)
	switch {
	case strings.HasPrefix(lower, r.scheme+"://"):
		return r.fetchObject(ctx, fileName[len(r.scheme)+3:])
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return r.fetchURL(ctx, fileName)
	default:
		if filepath.IsAbs(fileName) || r.dataDir == "" {
			return fileName, nil
		}
		return filepath.Join(r.dataDir, fileName), nil
	}
}

// fetchObject downloads bucket/key from the object store.
func (r *Resolver) fetchObject(ctx context.Context, locator string) (string, error) {
	if r.store == nil {
		return "", tberrors.NewStorageError(tberrors.CodeDownloadFailed, "no object store configured", nil)
	}

	bucket, key, ok := strings.Cut(locator, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", tberrors.NewValidationError(tberrors.CodeMissingArgument,
			fmt.Sprintf("%s locator must be %s://bucket/key", r.scheme, r.scheme))
	}

	if r.cache != nil {
		if cached := r.cache.Get(locator); cached != "" {
			r.logger.Debug("object served from download cache", "bucket", bucket, "key", key, "path", cached)
			return cached, nil
		}
	}

	local, err := r.localPath(filepath.Join(bucket, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}

	exists, err := r.store.Exists(ctx, bucket, key)
	if err != nil {
		return "", tberrors.NewStorageError(tberrors.CodeDownloadFailed,
			fmt.Sprintf("failed to look up %s://%s", r.scheme, locator), err)
	}
	if !exists {
		return "", tberrors.NewNotFoundError(tberrors.CodeFileNotFound,
			fmt.Sprintf("object %s://%s not found", r.scheme, locator))
	}

	start := time.Now()
	if err := r.store.Download(ctx, bucket, key, local); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", tberrors.NewNotFoundError(tberrors.CodeFileNotFound,
				fmt.Sprintf("object %s://%s not found", r.scheme, locator))
		}
		return "", tberrors.NewStorageError(tberrors.CodeDownloadFailed,
			fmt.Sprintf("failed to download %s://%s", r.scheme, locator), err)
	}

	r.logger.Info("object downloaded", "bucket", bucket, "key", key, "path", local,
		"duration_ms", time.Since(start).Milliseconds())
	if r.cache != nil {
		r.cache.Put(locator, local)
	}
	return local, nil
}

// fetchURL downloads an http(s) URL and names the local file after the URL,
// the response headers, or the content type, in that order.
func (r *Resolver) fetchURL(ctx context.Context, rawURL string) (string, error) {
	if unescaped, err := url.PathUnescape(rawURL); err == nil {
		rawURL = unescaped
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", tberrors.NewValidationError(tberrors.CodeMissingArgument, fmt.Sprintf("invalid URL %q", rawURL))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", tberrors.NewStorageError(tberrors.CodeDownloadFailed, fmt.Sprintf("failed to fetch %s", rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", tberrors.NewNotFoundError(tberrors.CodeFileNotFound,
			fmt.Sprintf("fetching %s returned status %d", rawURL, resp.StatusCode))
	}

	br := newPeekReader(resp.Body, 512)
	name := nameFromURL(rawURL)
	if final := resp.Request.URL.String(); final != req.URL.String() {
		name = nameFromURL(final)
	}
	if name == "" {
		name = nameFromDisposition(resp.Header.Get("Content-Disposition"))
	}
	if name == "" {
		name = nameFromContentType(resp.Header.Get("Content-Type"), br.head)
	}
	if name == "" {
		return "", tberrors.NewFormatError(tberrors.CodeUnsupportedFormat,
			fmt.Sprintf("cannot determine the file type of %s", rawURL), nil)
	}

	local, err := r.localPath(name)
	if err != nil {
		return "", err
	}
	if err := writeFile(local, br); err != nil {
		return "", tberrors.NewStorageError(tberrors.CodeDownloadFailed, fmt.Sprintf("failed to save %s", rawURL), err)
	}

	r.logger.Info("url downloaded", "url", rawURL, "path", local)
	return local, nil
}

// localPath places rel under the download directory, refusing paths that
// would leave it.
func (r *Resolver) localPath(rel string) (string, error) {
	base, err := filepath.Abs(r.downloadDir)
	if err != nil {
		return "", tberrors.NewInternalError("invalid download directory", err)
	}
	full := filepath.Join(base, rel)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", tberrors.NewValidationError(tberrors.CodeMissingArgument, fmt.Sprintf("invalid object path %q", rel))
	}
	return full, nil
}

// nameFromURL returns the last path segment if it has an extension.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." || !strings.Contains(base, ".") {
		return ""
	}
	return base
}

func nameFromDisposition(header string) string {
	if header == "" || strings.EqualFold(strings.TrimSpace(header), "inline") {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallbackName
	}
	name := filepath.Base(strings.TrimSpace(params["filename"]))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fallbackName
	}
	return name
}

// nameFromContentType guesses an extension from the content type. JSON
// documents that are FeatureCollections are named as GeoJSON.
func nameFromContentType(header string, head []byte) string {
	if header == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	ext, ok := contentTypes[mediaType]
	if !ok {
		exts, err := mime.ExtensionsByType(mediaType)
		if err != nil || len(exts) == 0 {
			return ""
		}
		ext = exts[0]
	}
	if ext == ".json" && bytes.Contains(head, []byte("FeatureCollection")) {
		ext = ".geojson"
	}
	return fallbackName + ext
}

// peekReader buffers the start of a body so it can be inspected and still
// written out in full.
type peekReader struct {
	head []byte
	rest io.Reader
}

func newPeekReader(r io.Reader, n int) *peekReader {
	head := make([]byte, n)
	read, _ := io.ReadFull(r, head)
	head = head[:read]
	return &peekReader{head: head, rest: io.MultiReader(bytes.NewReader(head), r)}
}

func (p *peekReader) Read(b []byte) (int, error) { return p.rest.Read(b) }

func writeFile(dst string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
