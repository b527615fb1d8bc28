// Package index keeps an in-memory listing of one remote bucket and answers
// substring searches over it.
//
// The cache holds a single bucket at a time. Searching a different bucket
// discards the current listing, and a listing older than the TTL is rebuilt
// synchronously on the next search.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tberrors "github.com/tabulard/tabulard/internal/errors"
)

const (
	// DefaultTTL is how long a listing is served before it is rebuilt.
	DefaultTTL = 600 * time.Second

	// DefaultScheme prefixes every locator.
	DefaultScheme = "s3"
)

// Lister enumerates every object key in a bucket, following pagination.
type Lister interface {
	ListKeys(ctx context.Context, bucket string) ([]string, error)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Bucket      string    `json:"bucket,omitempty"`
	Entries     int       `json:"entries"`
	BuiltAt     time.Time `json:"built_at,omitempty"`
	Rebuilds    int64     `json:"rebuilds"`
	Hits        int64     `json:"hits"`
	Failures    int64     `json:"failures"`
	StaleServes int64     `json:"stale_serves"`
}

// Cache is the remote object index. It is safe for concurrent use; rebuilds
// and scans are serialized.
type Cache struct {
	lister Lister
	ttl    time.Duration
	now    func() time.Time
	scheme string
	logger *slog.Logger

	mu      sync.Mutex
	bucket  string
	entries []string
	builtAt time.Time
	built   bool

	rebuilds    int64
	hits        int64
	failures    int64
	staleServes int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the listing lifetime. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithScheme sets the locator scheme.
func WithScheme(scheme string) Option {
	return func(c *Cache) {
		if scheme != "" {
			c.scheme = scheme
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache creates an empty cache backed by lister.
func NewCache(lister Lister, opts ...Option) *Cache {
	c := &Cache{
		lister: lister,
		ttl:    DefaultTTL,
		now:    time.Now,
		scheme: DefaultScheme,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "index")
	return c
}

// Search returns every locator in bucket containing fragment, in listing
// order.
func (c *Cache) Search(ctx context.Context, bucket, fragment string) ([]string, error) {
	return c.SearchLimit(ctx, bucket, fragment, 0)
}

// SearchLimit is Search that stops after limit matches. A limit of zero or
// less means no limit.
func (c *Cache) SearchLimit(ctx context.Context, bucket, fragment string, limit int) ([]string, error) {
	if bucket == "" {
		return nil, tberrors.NewValidationError(tberrors.CodeMissingArgument, "bucket is required")
	}
	if err := ValidateFragment(fragment); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if bucket != c.bucket {
		c.bucket = bucket
		c.entries = nil
		c.built = false
	}

	if !c.built || c.now().Sub(c.builtAt) > c.ttl {
		if err := c.rebuild(ctx); err != nil {
			if !c.built {
				return nil, err
			}
			c.staleServes++
			c.logger.Warn("serving stale index after rebuild failure",
				"bucket", bucket, "age", c.now().Sub(c.builtAt).String(), "error", err)
		}
	} else {
		c.hits++
	}

	results := []string{}
	for _, loc := range c.entries {
		if strings.Contains(loc, fragment) {
			results = append(results, loc)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// rebuild replaces the listing for c.bucket. On failure the current
// listing, if any, is left in place. The caller holds c.mu.
func (c *Cache) rebuild(ctx context.Context) error {
	start := c.now()
	keys, err := c.lister.ListKeys(ctx, c.bucket)
	if err != nil {
		c.failures++
		return tberrors.NewRemoteStoreError(fmt.Sprintf("failed to list bucket %s", c.bucket), err)
	}

	prefix := c.scheme + "://" + c.bucket + "/"
	entries := make([]string, len(keys))
	for i, key := range keys {
		entries[i] = prefix + key
	}

	c.entries = entries
	c.builtAt = c.now()
	c.built = true
	c.rebuilds++
	c.logger.Info("index rebuilt",
		"bucket", c.bucket, "entries", len(entries), "duration_ms", c.now().Sub(start).Milliseconds())
	return nil
}

// Invalidate drops the current listing so the next search rebuilds it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.built = false
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Bucket:      c.bucket,
		Entries:     len(c.entries),
		Rebuilds:    c.rebuilds,
		Hits:        c.hits,
		Failures:    c.failures,
		StaleServes: c.staleServes,
	}
	if c.built {
		s.BuiltAt = c.builtAt
	}
	return s
}
