package ingest

import (
	"container/list"
	"os"
	"sync"
	"time"
)

// DefaultCacheMaxBytes bounds the total size of cached downloads.
const DefaultCacheMaxBytes = 1 << 30

// DownloadCache remembers object store downloads by locator so a repeated
// load of the same object within maxAge reuses the local copy. When the
// total size exceeds maxBytes the least recently used files are deleted.
type DownloadCache struct {
	mu       sync.Mutex
	maxBytes int64
	maxAge   time.Duration
	curBytes int64
	now      func() time.Time

	// items maps locator → list element (whose value is *cacheEntry)
	items map[string]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	locator      string
	localPath    string
	sizeBytes    int64
	downloadedAt time.Time
}

// NewDownloadCache creates a download cache. A zero maxAge never reuses an
// entry, so the cache only bounds disk usage.
func NewDownloadCache(maxBytes int64, maxAge time.Duration) *DownloadCache {
	if maxBytes <= 0 {
		maxBytes = DefaultCacheMaxBytes
	}
	return &DownloadCache{
		maxBytes: maxBytes,
		maxAge:   maxAge,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the local copy of locator, or "" when it is missing, too old
// or no longer matches the recorded size.
func (c *DownloadCache) Get(locator string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[locator]
	if !ok {
		return ""
	}
	entry := elem.Value.(*cacheEntry)

	if c.now().Sub(entry.downloadedAt) >= c.maxAge {
		return ""
	}

	info, err := os.Stat(entry.localPath)
	if err != nil || info.Size() != entry.sizeBytes {
		c.removeLocked(elem)
		return ""
	}

	c.order.MoveToFront(elem)
	return entry.localPath
}

// Put records a fresh download of locator at localPath.
func (c *DownloadCache) Put(locator, localPath string) {
	info, err := os.Stat(localPath)
	if err != nil {
		return
	}
	sizeBytes := info.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[locator]; ok {
		old := elem.Value.(*cacheEntry)
		c.curBytes -= old.sizeBytes
		old.localPath = localPath
		old.sizeBytes = sizeBytes
		old.downloadedAt = c.now()
		c.curBytes += sizeBytes
		c.order.MoveToFront(elem)
	} else {
		elem := c.order.PushFront(&cacheEntry{
			locator:      locator,
			localPath:    localPath,
			sizeBytes:    sizeBytes,
			downloadedAt: c.now(),
		})
		c.items[locator] = elem
		c.curBytes += sizeBytes
	}

	// The newest entry always stays, even when it alone exceeds maxBytes.
	for c.curBytes > c.maxBytes && c.order.Len() > 1 {
		c.removeLocked(c.order.Back())
	}
}

// removeLocked drops elem and deletes its file. Caller must hold c.mu.
func (c *DownloadCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.items, entry.locator)
	c.curBytes -= entry.sizeBytes

	os.Remove(entry.localPath)
}

// Size returns the total size of cached files in bytes.
func (c *DownloadCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Len returns the number of cached downloads.
func (c *DownloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
