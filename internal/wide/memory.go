package wide

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps every table in process memory. It is meant for tests and
// single-process development.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

// Acquire returns a handle to the named table.
func (s *MemoryStore) Acquire(ctx context.Context, table string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.tables[table]
	if !ok {
		t = &memTable{name: table, rows: make(map[string]map[string][]byte)}
		s.tables[table] = t
	}
	return &memHandle{t: t}, nil
}

// Close marks the store closed. Data is kept so open handles stay readable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTable struct {
	name string

	mu   sync.RWMutex
	keys []string // sorted
	rows map[string]map[string][]byte
}

func (t *memTable) rowLocked(key string) *Row {
	cells, ok := t.rows[key]
	if !ok || len(cells) == 0 {
		return nil
	}
	r := &Row{Key: []byte(key), Cells: make([]Cell, 0, len(cells))}
	for q, v := range cells {
		r.Cells = append(r.Cells, Cell{Qualifier: []byte(q), Value: append([]byte(nil), v...)})
	}
	sort.Slice(r.Cells, func(i, j int) bool {
		return bytes.Compare(r.Cells[i].Qualifier, r.Cells[j].Qualifier) < 0
	})
	return r
}

func (t *memTable) putLocked(key string, qualifier, value []byte) {
	cells, ok := t.rows[key]
	if !ok {
		cells = make(map[string][]byte)
		t.rows[key] = cells
		i := sort.SearchStrings(t.keys, key)
		t.keys = append(t.keys, "")
		copy(t.keys[i+1:], t.keys[i:])
		t.keys[i] = key
	}
	cells[string(qualifier)] = append([]byte(nil), value...)
}

func (t *memTable) deleteRowLocked(key string) {
	if _, ok := t.rows[key]; !ok {
		return
	}
	delete(t.rows, key)
	i := sort.SearchStrings(t.keys, key)
	if i < len(t.keys) && t.keys[i] == key {
		t.keys = append(t.keys[:i], t.keys[i+1:]...)
	}
}

func (t *memTable) deleteCellLocked(key string, qualifier []byte) {
	cells, ok := t.rows[key]
	if !ok {
		return
	}
	delete(cells, string(qualifier))
	if len(cells) == 0 {
		t.deleteRowLocked(key)
	}
}

func (t *memTable) applyLocked(m Mutation) {
	switch m.Op {
	case OpPut:
		t.putLocked(string(m.Row), m.Qualifier, m.Value)
	case OpDeleteCell:
		t.deleteCellLocked(string(m.Row), m.Qualifier)
	case OpDeleteRow:
		t.deleteRowLocked(string(m.Row))
	}
}

type memHandle struct {
	t      *memTable
	closed atomic.Bool
}

func (h *memHandle) check(ctx context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (h *memHandle) Name() string { return h.t.name }

func (h *memHandle) Get(ctx context.Context, row []byte) (*Row, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	h.t.mu.RLock()
	defer h.t.mu.RUnlock()
	return h.t.rowLocked(string(row)), nil
}

func (h *memHandle) GetCell(ctx context.Context, row, qualifier []byte) ([]byte, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	h.t.mu.RLock()
	defer h.t.mu.RUnlock()
	v, ok := h.t.rows[string(row)][string(qualifier)]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (h *memHandle) Put(ctx context.Context, row []byte, cells ...Cell) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	for _, c := range cells {
		h.t.putLocked(string(row), c.Qualifier, c.Value)
	}
	return nil
}

func (h *memHandle) DeleteCells(ctx context.Context, row []byte, qualifiers ...[]byte) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	for _, q := range qualifiers {
		h.t.deleteCellLocked(string(row), q)
	}
	return nil
}

func (h *memHandle) DeleteRow(ctx context.Context, row []byte) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.t.deleteRowLocked(string(row))
	return nil
}

// Scan snapshots the matching rows before calling fn, so fn may write to the
// same table.
func (h *memHandle) Scan(ctx context.Context, start, stop []byte, fn func(*Row) error) error {
	if err := h.check(ctx); err != nil {
		return err
	}

	h.t.mu.RLock()
	i := 0
	if start != nil {
		i = sort.SearchStrings(h.t.keys, string(start))
	}
	var rows []*Row
	for ; i < len(h.t.keys); i++ {
		k := h.t.keys[i]
		if !inRange([]byte(k), start, stop) {
			break
		}
		if r := h.t.rowLocked(k); r != nil {
			rows = append(rows, r)
		}
	}
	h.t.mu.RUnlock()

	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

func (h *memHandle) Increment(ctx context.Context, row, qualifier []byte, delta int64) (int64, error) {
	if err := h.check(ctx); err != nil {
		return 0, err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	cur, err := DecodeCounter(h.t.rows[string(row)][string(qualifier)])
	if err != nil {
		return 0, err
	}
	next := cur + delta
	h.t.putLocked(string(row), qualifier, EncodeCounter(next))
	return next, nil
}

func (h *memHandle) CheckAndPut(ctx context.Context, row, qualifier, expected []byte, cell Cell) (bool, error) {
	if err := h.check(ctx); err != nil {
		return false, err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	cur, ok := h.t.rows[string(row)][string(qualifier)]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, expected) {
		return false, nil
	}
	h.t.putLocked(string(row), cell.Qualifier, cell.Value)
	return true, nil
}

func (h *memHandle) Apply(ctx context.Context, mutations []Mutation) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	for _, m := range mutations {
		h.t.applyLocked(m)
	}
	return nil
}

func (h *memHandle) Close() error {
	h.closed.Store(true)
	return nil
}
