package buffer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/wal"
	"github.com/arkilian/devicestore/internal/wide"
)

// gatedStore blocks Apply until gate is closed, or fails it when fail is set.
type gatedStore struct {
	wide.Store
	gate chan struct{}
	fail bool
}

func (s *gatedStore) Acquire(ctx context.Context, table string) (wide.Table, error) {
	t, err := s.Store.Acquire(ctx, table)
	if err != nil {
		return nil, err
	}
	return &gatedTable{Table: t, s: s}, nil
}

type gatedTable struct {
	wide.Table
	s *gatedStore
}

func (t *gatedTable) Apply(ctx context.Context, ms []wide.Mutation) error {
	if t.s.gate != nil {
		<-t.s.gate
	}
	if t.s.fail {
		return errors.New("store unavailable")
	}
	return t.Table.Apply(ctx, ms)
}

func put(table string, i int) wide.Mutation {
	return wide.PutMutation(table, []byte(fmt.Sprintf("row-%04d", i)), []byte("P"), []byte(fmt.Sprint(i)))
}

func countRows(t *testing.T, store wide.Store, table string) int {
	t.Helper()
	tbl, err := store.Acquire(context.Background(), table)
	require.NoError(t, err)
	defer tbl.Close()

	n := 0
	require.NoError(t, tbl.Scan(context.Background(), nil, nil, func(*wide.Row) error {
		n++
		return nil
	}))
	return n
}

func TestBuffer_StopDrains(t *testing.T) {
	ctx := context.Background()
	store := wide.NewMemoryStore()
	b := New(store, Options{Workers: 4, BatchSize: 50, FlushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, b.Start(ctx))

	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Add(ctx, put("events", i)))
	}
	require.NoError(t, b.Stop())

	assert.Equal(t, 1000, countRows(t, store, "events"))
	s := b.Stats()
	assert.Equal(t, int64(1000), s.Added)
	assert.Equal(t, int64(1000), s.Applied)
	assert.Zero(t, s.Failed)
}

func TestBuffer_StopReportsDroppedWrites(t *testing.T) {
	ctx := context.Background()
	store := wide.NewMemoryStore()
	b := New(store, Options{Workers: 2, BatchSize: 50, FlushInterval: time.Hour, ApplyAttempts: 1}, zap.NewNop())
	require.NoError(t, b.Start(ctx))

	require.NoError(t, store.Close())
	require.NoError(t, b.Add(ctx, put("events", 1)))

	err := b.Stop()
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeWriteFailed, dserrors.GetCode(err))
	assert.ErrorIs(t, err, wide.ErrClosed)
	assert.Equal(t, int64(1), b.Stats().Failed)

	// A clean run after a restart does not repeat the old failure.
	healthy := &gatedStore{Store: wide.NewMemoryStore()}
	b.store = healthy
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Add(ctx, put("events", 2)))
	require.NoError(t, b.Stop())
	assert.Equal(t, 1, countRows(t, healthy.Store, "events"))
}

func TestBuffer_IntervalFlush(t *testing.T) {
	ctx := context.Background()
	store := wide.NewMemoryStore()
	b := New(store, Options{Workers: 2, BatchSize: 1000, FlushInterval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	require.NoError(t, b.Add(ctx, put("events", 1)))
	assert.Eventually(t, func() bool {
		return b.Stats().Applied == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBuffer_Flush(t *testing.T) {
	ctx := context.Background()
	store := wide.NewMemoryStore()
	b := New(store, Options{Workers: 3, BatchSize: 1000, FlushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Add(ctx, put("events", i)))
	}
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 10, countRows(t, store, "events"))
}

func TestBuffer_SameRowKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := wide.NewMemoryStore()
	b := New(store, Options{Workers: 8, BatchSize: 3, FlushInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, b.Start(ctx))

	row := []byte("row")
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Add(ctx, wide.PutMutation("events", row, []byte("P"), []byte(fmt.Sprint(i)))))
	}
	require.NoError(t, b.Stop())

	tbl, err := store.Acquire(ctx, "events")
	require.NoError(t, err)
	defer tbl.Close()
	v, err := tbl.GetCell(ctx, row, []byte("P"))
	require.NoError(t, err)
	assert.Equal(t, "99", string(v))
}

func TestBuffer_AddAfterStop(t *testing.T) {
	ctx := context.Background()
	b := New(wide.NewMemoryStore(), Options{}, zap.NewNop())

	err := b.Add(ctx, put("events", 1))
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeBufferStopped, dserrors.GetCode(err))

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	err = b.Add(ctx, put("events", 1))
	assert.Equal(t, dserrors.CodeBufferStopped, dserrors.GetCode(err))

	// Restart is allowed.
	require.NoError(t, b.Start(ctx))
	assert.True(t, b.Running())
	require.NoError(t, b.Add(ctx, put("events", 2)))
	require.NoError(t, b.Stop())
}

func TestBuffer_Backpressure(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	store := &gatedStore{Store: wide.NewMemoryStore(), gate: gate}
	b := New(store, Options{Workers: 1, QueueSize: 1, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, b.Start(ctx))

	// The worker takes the first mutation and blocks applying it; the second fills the queue.
	require.NoError(t, b.Add(ctx, put("events", 1)))
	require.NoError(t, b.Add(ctx, put("events", 2)))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Add(short, put("events", 3))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, b.Stop())
	assert.Equal(t, 2, countRows(t, store.Store, "events"))
}

func TestBuffer_DurableReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := Options{Workers: 2, BatchSize: 10, FlushInterval: time.Hour, Durable: true, WALDir: dir, ApplyAttempts: 1}

	// First run: the store rejects every batch, so nothing is released.
	broken := &gatedStore{Store: wide.NewMemoryStore(), fail: true}
	b := New(broken, opts, zap.NewNop())
	require.NoError(t, b.Start(ctx))
	for i := 0; i < 25; i++ {
		require.NoError(t, b.Add(ctx, put("events", i)))
	}
	require.NoError(t, b.Stop())
	assert.Equal(t, int64(25), b.Stats().Failed)

	segments, err := wal.ListSegments(dir)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	// Second run against a healthy store replays the journal on Start.
	healthy := wide.NewMemoryStore()
	b2 := New(healthy, opts, zap.NewNop())
	require.NoError(t, b2.Start(ctx))
	assert.Equal(t, 25, countRows(t, healthy, "events"))
	require.NoError(t, b2.Stop())

	segments, err = wal.ListSegments(dir)
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestBuffer_DurableCleanRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := wide.NewMemoryStore()
	b := New(store, Options{Workers: 2, BatchSize: 5, FlushInterval: time.Hour, Durable: true, WALDir: dir}, zap.NewNop())
	require.NoError(t, b.Start(ctx))

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Add(ctx, put("events", i)))
	}
	require.NoError(t, b.Stop())

	assert.Equal(t, 20, countRows(t, store, "events"))
	segments, err := wal.ListSegments(dir)
	require.NoError(t, err)
	assert.Empty(t, segments)
}
