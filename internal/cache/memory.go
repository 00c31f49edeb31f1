package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process cache bounded by entry count. When full it evicts
// the least frequently used entries, oldest access first, down to 90% of
// capacity.
type Memory struct {
	maxEntries int64
	metrics    Metrics
	index      sync.Map // kind:token → *memoryEntry
	evictMu    sync.Mutex
}

type memoryEntry struct {
	data        []byte
	lastAccess  atomic.Int64 // Unix nanos
	accessCount atomic.Int64
}

// NewMemory creates a memory cache holding at most maxEntries records.
func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be positive, got %d", maxEntries)
	}
	return &Memory{maxEntries: int64(maxEntries)}, nil
}

// Get returns a copy of the cached record.
func (c *Memory) Get(_ context.Context, kind, token string) ([]byte, error) {
	v, ok := c.index.Load(entryKey(kind, token))
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, ErrMiss
	}

	c.metrics.Hits.Add(1)
	e := v.(*memoryEntry)
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
	return append([]byte(nil), e.data...), nil
}

// Set stores a copy of data.
func (c *Memory) Set(_ context.Context, kind, token string, data []byte) error {
	e := &memoryEntry{data: append([]byte(nil), data...)}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)

	if _, loaded := c.index.Swap(entryKey(kind, token), e); !loaded {
		if c.metrics.Entries.Add(1) > c.maxEntries {
			c.evict()
		}
	}
	return nil
}

// Invalidate drops the entry if present.
func (c *Memory) Invalidate(_ context.Context, kind, token string) error {
	if _, ok := c.index.LoadAndDelete(entryKey(kind, token)); ok {
		c.metrics.Entries.Add(-1)
	}
	return nil
}

// Close releases nothing; the cache stays usable.
func (c *Memory) Close() error { return nil }

// Metrics returns the current counters.
func (c *Memory) Metrics() Snapshot {
	return c.metrics.Snapshot()
}

// Len returns the number of cached entries.
func (c *Memory) Len() int64 {
	return c.metrics.Entries.Load()
}

func (c *Memory) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	target := c.maxEntries * 9 / 10
	if c.metrics.Entries.Load() <= c.maxEntries {
		return
	}

	type candidate struct {
		key        string
		accessTime int64
		count      int64
	}
	var candidates []candidate
	c.index.Range(func(k, v any) bool {
		e := v.(*memoryEntry)
		candidates = append(candidates, candidate{
			key:        k.(string),
			accessTime: e.lastAccess.Load(),
			count:      e.accessCount.Load(),
		})
		return true
	})

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].accessTime < candidates[j].accessTime
	})

	for _, cand := range candidates {
		if c.metrics.Entries.Load() <= target {
			break
		}
		if _, ok := c.index.LoadAndDelete(cand.key); ok {
			c.metrics.Entries.Add(-1)
			c.metrics.Evictions.Add(1)
		}
	}
}
