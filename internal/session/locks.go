package session

import (
	"hash/fnv"
	"sync"
)

// DefaultBuckets is the lock pool size.
const DefaultBuckets = 16

// LockPool serializes work per target path with a fixed set of mutexes.
// Unrelated paths may share a bucket; that only costs some contention.
type LockPool struct {
	buckets []sync.Mutex
}

// NewLockPool creates a pool with n buckets (DefaultBuckets if n <= 0).
func NewLockPool(n int) *LockPool {
	if n <= 0 {
		n = DefaultBuckets
	}
	return &LockPool{buckets: make([]sync.Mutex, n)}
}

func (p *LockPool) bucket(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &p.buckets[h.Sum32()%uint32(len(p.buckets))]
}

// Lock acquires the bucket for key and returns its unlock func.
func (p *LockPool) Lock(key string) func() {
	m := p.bucket(key)
	m.Lock()
	return m.Unlock
}
