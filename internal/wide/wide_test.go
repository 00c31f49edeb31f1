package wide

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s := NewMemoryStore()
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wide.db"), SQLiteOptions{})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, tbl Table)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			tbl, err := s.Acquire(context.Background(), "test")
			require.NoError(t, err)
			defer tbl.Close()
			fn(t, tbl)
		})
	}
}

func TestTable_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tbl Table) {
		ctx := context.Background()

		r, err := tbl.Get(ctx, []byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, r)

		require.NoError(t, tbl.Put(ctx, []byte("r1"),
			Cell{Qualifier: []byte("b"), Value: []byte("2")},
			Cell{Qualifier: []byte("a"), Value: []byte("1")},
		))

		r, err = tbl.Get(ctx, []byte("r1"))
		require.NoError(t, err)
		require.NotNil(t, r)
		require.Len(t, r.Cells, 2)
		assert.Equal(t, []byte("a"), r.Cells[0].Qualifier)
		assert.Equal(t, []byte("1"), r.Value([]byte("a")))
		assert.True(t, r.Has([]byte("b")))
		assert.False(t, r.Has([]byte("c")))

		v, err := tbl.GetCell(ctx, []byte("r1"), []byte("b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)

		v, err = tbl.GetCell(ctx, []byte("r1"), []byte("z"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestTable_Deletes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tbl Table) {
		ctx := context.Background()
		require.NoError(t, tbl.Put(ctx, []byte("r"),
			Cell{Qualifier: []byte("a"), Value: []byte("1")},
			Cell{Qualifier: []byte("b"), Value: []byte("2")},
		))

		require.NoError(t, tbl.DeleteCells(ctx, []byte("r"), []byte("a")))
		r, err := tbl.Get(ctx, []byte("r"))
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Len(t, r.Cells, 1)

		require.NoError(t, tbl.DeleteRow(ctx, []byte("r")))
		r, err = tbl.Get(ctx, []byte("r"))
		require.NoError(t, err)
		assert.Nil(t, r)
	})
}

func TestTable_ScanOrderAndBounds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tbl Table) {
		ctx := context.Background()
		for _, k := range [][]byte{{0x03}, {0x01, 0xff}, {0x02}, {0x01}, {0xff, 0x00}} {
			require.NoError(t, tbl.Put(ctx, k, Cell{Qualifier: []byte("q"), Value: k}))
		}

		var keys [][]byte
		collect := func(r *Row) error {
			keys = append(keys, r.Key)
			return nil
		}

		require.NoError(t, tbl.Scan(ctx, nil, nil, collect))
		assert.Equal(t, [][]byte{{0x01}, {0x01, 0xff}, {0x02}, {0x03}, {0xff, 0x00}}, keys)

		keys = nil
		require.NoError(t, tbl.Scan(ctx, []byte{0x01}, []byte{0x03}, collect))
		assert.Equal(t, [][]byte{{0x01}, {0x01, 0xff}, {0x02}}, keys)

		keys = nil
		require.NoError(t, tbl.Scan(ctx, []byte{0x01}, PrefixEnd([]byte{0x01}), collect))
		assert.Equal(t, [][]byte{{0x01}, {0x01, 0xff}}, keys)

		keys = nil
		err := tbl.Scan(ctx, nil, nil, func(r *Row) error {
			keys = append(keys, r.Key)
			if len(keys) == 2 {
				return ErrStop
			}
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, keys, 2)

		boom := fmt.Errorf("boom")
		err = tbl.Scan(ctx, nil, nil, func(*Row) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestTable_Increment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tbl Table) {
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tbl.Increment(ctx, []byte("c"), []byte("N"), 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := tbl.Increment(ctx, []byte("c"), []byte("N"), 5)
		require.NoError(t, err)
		assert.Equal(t, int64(25), n)

		v, err := tbl.GetCell(ctx, []byte("c"), []byte("N"))
		require.NoError(t, err)
		got, err := DecodeCounter(v)
		require.NoError(t, err)
		assert.Equal(t, int64(25), got)
	})
}

func TestTable_CheckAndPut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tbl Table) {
		ctx := context.Background()
		row, q := []byte("r"), []byte("A")

		ok, err := tbl.CheckAndPut(ctx, row, q, nil, Cell{Qualifier: q, Value: []byte("x")})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tbl.CheckAndPut(ctx, row, q, nil, Cell{Qualifier: q, Value: []byte("y")})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tbl.CheckAndPut(ctx, row, q, []byte("wrong"), Cell{Qualifier: q, Value: []byte("y")})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tbl.CheckAndPut(ctx, row, q, []byte("x"), Cell{Qualifier: q, Value: []byte("y")})
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := tbl.GetCell(ctx, row, q)
		require.NoError(t, err)
		assert.Equal(t, []byte("y"), v)
	})
}

func TestTable_Apply(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tbl Table) {
		ctx := context.Background()
		err := tbl.Apply(ctx, []Mutation{
			PutMutation("test", []byte("a"), []byte("q1"), []byte("1")),
			PutMutation("test", []byte("a"), []byte("q2"), []byte("2")),
			PutMutation("test", []byte("b"), []byte("q1"), []byte("3")),
			{Table: "test", Op: OpDeleteCell, Row: []byte("a"), Qualifier: []byte("q1")},
			{Table: "test", Op: OpDeleteRow, Row: []byte("b")},
		})
		require.NoError(t, err)

		r, err := tbl.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Len(t, r.Cells, 1)
		assert.Equal(t, []byte("2"), r.Value([]byte("q2")))

		r, err = tbl.Get(ctx, []byte("b"))
		require.NoError(t, err)
		assert.Nil(t, r)
	})
}

func TestTable_ClosedHandle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			tbl, err := s.Acquire(context.Background(), "test")
			require.NoError(t, err)
			require.NoError(t, tbl.Close())

			_, err = tbl.Get(context.Background(), []byte("x"))
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestTables_AreIsolated(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			a, err := s.Acquire(ctx, "a")
			require.NoError(t, err)
			defer a.Close()
			b, err := s.Acquire(ctx, "b")
			require.NoError(t, err)
			defer b.Close()

			require.NoError(t, a.Put(ctx, []byte("k"), Cell{Qualifier: []byte("q"), Value: []byte("v")}))
			r, err := b.Get(ctx, []byte("k"))
			require.NoError(t, err)
			assert.Nil(t, r)
		})
	}
}

func TestSQLite_ReopenKeepsDataAndFilter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wide.db")

	s, err := OpenSQLite(ctx, path, SQLiteOptions{})
	require.NoError(t, err)
	tbl, err := s.Acquire(ctx, "devices")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, tbl.Put(ctx, []byte(fmt.Sprintf("row-%03d", i)), Cell{Qualifier: []byte("P"), Value: []byte{byte(i)}}))
	}
	tbl.Close()
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, SQLiteOptions{})
	require.NoError(t, err)
	defer s.Close()
	tbl, err = s.Acquire(ctx, "devices")
	require.NoError(t, err)
	defer tbl.Close()

	for i := 0; i < 100; i++ {
		v, err := tbl.GetCell(ctx, []byte(fmt.Sprintf("row-%03d", i)), []byte("P"))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, v)
	}
}

func TestSQLite_FilterGrows(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "wide.db"), SQLiteOptions{})
	require.NoError(t, err)
	defer s.Close()

	tbl, err := s.Acquire(ctx, "events")
	require.NoError(t, err)
	defer tbl.Close()

	initial := s.filter.Load().Capacity()
	ms := make([]Mutation, 0, initial+10)
	for i := 0; i < initial+10; i++ {
		ms = append(ms, PutMutation("events", []byte(fmt.Sprintf("e%06d", i)), []byte("P"), []byte("x")))
	}
	require.NoError(t, tbl.Apply(ctx, ms))
	assert.Greater(t, s.filter.Load().Capacity(), initial)

	for _, k := range []string{"e000000", fmt.Sprintf("e%06d", initial+9)} {
		r, err := tbl.Get(ctx, []byte(k))
		require.NoError(t, err)
		assert.NotNil(t, r, k)
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, PrefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}

func TestCounterCodec(t *testing.T) {
	n, err := DecodeCounter(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = DecodeCounter(EncodeCounter(-42))
	require.NoError(t, err)
	assert.Equal(t, int64(-42), n)

	_, err = DecodeCounter([]byte{1, 2})
	assert.Error(t, err)
}
