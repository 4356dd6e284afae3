package badger

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyedLocks serializes writers per key without a global lock.
// Distinct keys may share a stripe; that only costs throughput.
type keyedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyedLocks) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}

// lock acquires the stripe for key and returns its unlock function.
func (l *keyedLocks) lock(key string) func() {
	m := l.stripe(key)
	m.Lock()
	return m.Unlock
}
