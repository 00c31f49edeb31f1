// Package cache holds encoded entity records keyed by kind and token so that
// hot lookups skip the wide-column store.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrMiss is returned by Get when the entry is not cached.
var ErrMiss = errors.New("cache: miss")

// Entity kinds cached by the stores.
const (
	KindSite          = "site"
	KindDevice        = "device"
	KindAssignment    = "assignment"
	KindSpecification = "specification"
)

// Cache is a token-keyed record cache. Implementations must be safe for
// concurrent use. Callers treat any error as a miss.
type Cache interface {
	Get(ctx context.Context, kind, token string) ([]byte, error)
	Set(ctx context.Context, kind, token string, data []byte) error
	Invalidate(ctx context.Context, kind, token string) error
	Close() error
}

// Metrics holds cache statistics.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Hits:      m.Hits.Load(),
		Misses:    m.Misses.Load(),
		Evictions: m.Evictions.Load(),
		Entries:   m.Entries.Load(),
	}
}

// HitRate returns the hit rate as a percentage.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Nop never caches anything.
type Nop struct{}

func (Nop) Get(context.Context, string, string) ([]byte, error) { return nil, ErrMiss }
func (Nop) Set(context.Context, string, string, []byte) error   { return nil }
func (Nop) Invalidate(context.Context, string, string) error    { return nil }
func (Nop) Close() error                                        { return nil }

func entryKey(kind, token string) string {
	return kind + ":" + token
}
