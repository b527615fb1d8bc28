// Package observability provides table access statistics for the stats endpoint.
package observability

import (
	"sort"
	"sync"
	"time"
)

// TableStats tracks how often each table is touched and by which operation.
type TableStats struct {
	mu     sync.RWMutex
	tables map[string]*TableAccess
	window time.Duration
	now    func() time.Time
}

// TableAccess holds statistics for one table.
type TableAccess struct {
	Table      string         `json:"table"`
	Frequency  int64          `json:"frequency"`
	LastSeen   time.Time      `json:"last_seen"`
	Operations map[string]int `json:"operations"` // operation → count (e.g., "load" → 2, "sample" → 7)
}

// NewTableStats creates a new table statistics tracker.
// window: time duration for pruning old entries (e.g., 1 hour)
func NewTableStats(window time.Duration) *TableStats {
	return &TableStats{
		tables: make(map[string]*TableAccess),
		window: window,
		now:    time.Now,
	}
}

// Record records one operation on a table.
// This method is O(1) and thread-safe.
func (s *TableStats) Record(table, op string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, exists := s.tables[table]
	if !exists {
		stats = &TableAccess{
			Table:      table,
			Operations: make(map[string]int),
		}
		s.tables[table] = stats
	}

	stats.Frequency++
	stats.LastSeen = s.now()
	stats.Operations[op]++
}

// Forget drops the statistics for a table.
func (s *TableStats) Forget(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
}

// Top returns the n most accessed tables, most frequent first. Ties are
// broken by name. The returned values are copies.
func (s *TableStats) Top(n int) []TableAccess {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.tables) == 0 {
		return []TableAccess{}
	}

	stats := make([]TableAccess, 0, len(s.tables))
	for _, t := range s.tables {
		c := TableAccess{
			Table:      t.Table,
			Frequency:  t.Frequency,
			LastSeen:   t.LastSeen,
			Operations: make(map[string]int, len(t.Operations)),
		}
		for op, count := range t.Operations {
			c.Operations[op] = count
		}
		stats = append(stats, c)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Table < stats[j].Table
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (s *TableStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for table, stats := range s.tables {
		if stats.LastSeen.Before(threshold) {
			delete(s.tables, table)
		}
	}
}
