// Package buffer applies store mutations asynchronously in batches.
//
// Mutations are sharded by table and row across a fixed set of workers, so
// mutations to the same row are applied in the order they were added. Each
// worker flushes when its batch is full or its interval elapses. In durable
// mode every mutation is journaled before it is queued and journals left by
// a previous run are replayed on Start.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/logging"
	"github.com/arkilian/devicestore/internal/wal"
	"github.com/arkilian/devicestore/internal/wide"
)

// Options configures a Buffer.
type Options struct {
	Workers        int
	QueueSize      int
	BatchSize      int
	FlushInterval  time.Duration
	Durable        bool
	WALDir         string
	MaxSegmentSize int64

	// ApplyAttempts bounds retries of a failed batch.
	ApplyAttempts int
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.ApplyAttempts <= 0 {
		o.ApplyAttempts = 3
	}
}

// Stats counts mutations moving through the buffer.
type Stats struct {
	Added   int64
	Applied int64
	Failed  int64
}

type item struct {
	m         wide.Mutation
	segment   uint64
	journaled bool
	barrier   chan struct{}
}

// Buffer batches mutations to a wide.Store.
type Buffer struct {
	store  wide.Store
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	running bool
	shards  []chan item
	journal *wal.WAL
	wg      sync.WaitGroup

	added   atomic.Int64
	applied atomic.Int64
	failed  atomic.Int64

	// Mutations lost since Start: failed and not journaled for replay.
	dropped   atomic.Int64
	dropErr   error
	dropErrMu sync.Mutex
}

// New creates a stopped buffer.
func New(store wide.Store, opts Options, logger *zap.Logger) *Buffer {
	opts.withDefaults()
	return &Buffer{
		store:  store,
		opts:   opts,
		logger: logging.OrNop(logger).Named("buffer"),
	}
}

// Start replays any journal left by a previous run and starts the workers.
// Starting a running buffer is a no-op.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	if b.opts.Durable {
		if _, err := wal.Recover(ctx, b.opts.WALDir, b.replay, b.logger); err != nil {
			return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to replay write journal", err)
		}
		j, err := wal.Open(b.opts.WALDir, b.opts.MaxSegmentSize)
		if err != nil {
			return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to open write journal", err)
		}
		b.journal = j
	}

	b.dropped.Store(0)
	b.dropErrMu.Lock()
	b.dropErr = nil
	b.dropErrMu.Unlock()

	b.shards = make([]chan item, b.opts.Workers)
	for i := range b.shards {
		b.shards[i] = make(chan item, b.opts.QueueSize)
		b.wg.Add(1)
		go b.worker(b.shards[i])
	}
	b.running = true

	b.logger.Info("write buffer started",
		zap.Int("workers", b.opts.Workers),
		zap.Int("batch_size", b.opts.BatchSize),
		zap.Bool("durable", b.opts.Durable))
	return nil
}

// Stop drains every queued mutation and stops the workers. It returns a
// CodeWriteFailed storage error when mutations that were not journaled
// could not be applied since Start. Stopping a stopped buffer is a no-op.
func (b *Buffer) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	for _, ch := range b.shards {
		close(ch)
	}
	b.mu.Unlock()

	b.wg.Wait()

	var err error
	if b.journal != nil {
		err = b.journal.Close()
		b.journal = nil
	}

	if n := b.dropped.Load(); n > 0 {
		b.dropErrMu.Lock()
		cause := b.dropErr
		b.dropErrMu.Unlock()
		err = errors.Join(dserrors.NewStorageError(dserrors.CodeWriteFailed,
			fmt.Sprintf("%d buffered mutations were not applied", n), cause), err)
	}

	s := b.Stats()
	b.logger.Info("write buffer stopped",
		zap.Int64("applied", s.Applied),
		zap.Int64("failed", s.Failed),
		zap.Int64("dropped", b.dropped.Load()))
	return err
}

// Running reports whether the buffer accepts mutations.
func (b *Buffer) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Add queues a mutation. It returns once the mutation is queued (and
// journaled in durable mode), waiting only while the target queue is full.
func (b *Buffer) Add(ctx context.Context, m wide.Mutation) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return dserrors.New(dserrors.ErrCategoryStorage, dserrors.CodeBufferStopped, "write buffer is not running")
	}

	it := item{m: m}
	if b.journal != nil {
		seg, err := b.journal.Append(m)
		if err != nil {
			return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to journal mutation", err)
		}
		it.segment, it.journaled = seg, true
	}

	select {
	case b.shards[b.shardOf(m)] <- it:
		b.added.Add(1)
		return nil
	case <-ctx.Done():
		if it.journaled {
			b.release(map[uint64]int{it.segment: 1})
		}
		return ctx.Err()
	}
}

// Flush waits until every mutation added before the call has been applied.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return nil
	}
	barriers := make([]chan struct{}, len(b.shards))
	for i, ch := range b.shards {
		barriers[i] = make(chan struct{})
		select {
		case ch <- item{barrier: barriers[i]}:
		case <-ctx.Done():
			b.mu.RUnlock()
			return ctx.Err()
		}
	}
	b.mu.RUnlock()

	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Added:   b.added.Load(),
		Applied: b.applied.Load(),
		Failed:  b.failed.Load(),
	}
}

func (b *Buffer) shardOf(m wide.Mutation) int {
	h := murmur3.New32()
	h.Write([]byte(m.Table))
	h.Write([]byte{0})
	h.Write(m.Row)
	return int(h.Sum32() % uint32(len(b.shards)))
}

func (b *Buffer) worker(ch <-chan item) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]item, 0, b.opts.BatchSize)
	for {
		select {
		case it, ok := <-ch:
			if !ok {
				b.flush(batch)
				return
			}
			if it.barrier != nil {
				batch = b.flush(batch)
				close(it.barrier)
				continue
			}
			batch = append(batch, it)
			if len(batch) >= b.opts.BatchSize {
				batch = b.flush(batch)
			}
		case <-ticker.C:
			batch = b.flush(batch)
		}
	}
}

// flush applies a batch table by table and returns the emptied slice.
func (b *Buffer) flush(batch []item) []item {
	if len(batch) == 0 {
		return batch
	}

	var order []string
	byTable := make(map[string][]item)
	for _, it := range batch {
		if _, ok := byTable[it.m.Table]; !ok {
			order = append(order, it.m.Table)
		}
		byTable[it.m.Table] = append(byTable[it.m.Table], it)
	}

	released := make(map[uint64]int)
	for _, table := range order {
		items := byTable[table]
		if err := b.applyTable(table, items); err != nil {
			b.failed.Add(int64(len(items)))
			// Journaled mutations stay pending so the next Start replays them.
			b.drop(items, err)
			b.logger.Error("failed to apply buffered mutations",
				zap.String("table", table),
				zap.Int("count", len(items)),
				zap.Error(err))
			continue
		}
		b.applied.Add(int64(len(items)))
		for _, it := range items {
			if it.journaled {
				released[it.segment]++
			}
		}
	}
	b.release(released)

	return batch[:0]
}

// drop records the failed items that no journal will replay.
func (b *Buffer) drop(items []item, err error) {
	n := 0
	for _, it := range items {
		if !it.journaled {
			n++
		}
	}
	if n == 0 {
		return
	}
	b.dropped.Add(int64(n))
	b.dropErrMu.Lock()
	if b.dropErr == nil {
		b.dropErr = err
	}
	b.dropErrMu.Unlock()
}

func (b *Buffer) applyTable(table string, items []item) error {
	ms := make([]wide.Mutation, len(items))
	for i, it := range items {
		ms[i] = it.m
	}

	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt < b.opts.ApplyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond)
		}
		t, err := b.store.Acquire(ctx, table)
		if err != nil {
			lastErr = err
			continue
		}
		err = t.Apply(ctx, ms)
		t.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", b.opts.ApplyAttempts, lastErr)
}

func (b *Buffer) release(segments map[uint64]int) {
	if b.journal == nil {
		return
	}
	for seg, n := range segments {
		if err := b.journal.Release(seg, n); err != nil {
			b.logger.Warn("failed to release journal segment", zap.Uint64("segment", seg), zap.Error(err))
		}
	}
}

// replay applies recovered journal entries grouped by table, keeping order
// within each table.
func (b *Buffer) replay(ctx context.Context, entries []*wal.Entry) error {
	var order []string
	byTable := make(map[string][]wide.Mutation)
	for _, e := range entries {
		if _, ok := byTable[e.Mutation.Table]; !ok {
			order = append(order, e.Mutation.Table)
		}
		byTable[e.Mutation.Table] = append(byTable[e.Mutation.Table], e.Mutation)
	}

	for _, table := range order {
		t, err := b.store.Acquire(ctx, table)
		if err != nil {
			return err
		}
		err = t.Apply(ctx, byTable[table])
		t.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
