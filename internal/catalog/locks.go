package catalog

import (
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"
)

const lockStripes = 64

// tableLocks serializes work on the same table name. Names hash onto a fixed
// set of mutexes, so two names may share a stripe; that only costs
// parallelism, never correctness.
type tableLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *tableLocks) stripe(name string) *sync.Mutex {
	h := murmur3.Sum32([]byte(strings.ToLower(name)))
	return &l.stripes[h%lockStripes]
}

// Lock locks the stripe for name and returns the unlock function.
func (l *tableLocks) Lock(name string) func() {
	m := l.stripe(name)
	m.Lock()
	return m.Unlock
}
