package wide

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/bloom"
	"github.com/arkilian/devicestore/internal/logging"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cells (
	tbl   TEXT NOT NULL,
	row   BLOB NOT NULL,
	qual  BLOB NOT NULL,
	value BLOB,
	PRIMARY KEY (tbl, row, qual)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value BLOB
);
`

const (
	bloomMetaKey     = "row_filter"
	minBloomCapacity = 1 << 14
	bloomFPR         = 0.01
)

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// ReadPoolSize is the number of concurrent read connections.
	ReadPoolSize int

	Logger *zap.Logger
}

// SQLiteStore persists all tables in one SQLite database. Writes go through a
// single connection; reads use a read-only pool. A row filter short-circuits
// point reads of rows that were never written.
type SQLiteStore struct {
	db     *sql.DB // single writer
	readDB *sql.DB
	path   string
	logger *zap.Logger

	writeMu sync.Mutex
	filter  atomic.Pointer[bloom.Filter]
	closed  atomic.Bool
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.ReadPoolSize <= 0 {
		opts.ReadPoolSize = 4
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("wide: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("wide: failed to initialize schema: %w", err)
	}

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wide: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(opts.ReadPoolSize)
	readDB.SetMaxIdleConns(opts.ReadPoolSize)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{
		db:     db,
		readDB: readDB,
		path:   path,
		logger: logging.OrNop(opts.Logger).Named("wide"),
	}

	if err := s.loadFilter(ctx); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}
	return s, nil
}

// loadFilter restores the row filter saved by the last clean Close, or
// rebuilds it from the cells table. The saved copy is removed once loaded so
// that a crash forces a rebuild.
func (s *SQLiteStore) loadFilter(ctx context.Context) error {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = ?", bloomMetaKey).Scan(&data)
	switch {
	case err == nil:
		f, uerr := bloom.Unmarshal(data)
		if _, derr := s.db.ExecContext(ctx, "DELETE FROM meta WHERE name = ?", bloomMetaKey); derr != nil {
			return fmt.Errorf("wide: failed to clear saved row filter: %w", derr)
		}
		if uerr == nil {
			s.filter.Store(f)
			s.logger.Debug("row filter restored", zap.Uint64("count", f.Count()))
			return nil
		}
		s.logger.Warn("saved row filter unreadable, rebuilding", zap.Error(uerr))
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("wide: failed to read saved row filter: %w", err)
	}
	return s.rebuildFilter(ctx, 0)
}

func (s *SQLiteStore) rebuildFilter(ctx context.Context, minCapacity int) error {
	var rows int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT DISTINCT tbl, row FROM cells)").Scan(&rows); err != nil {
		return fmt.Errorf("wide: failed to count rows: %w", err)
	}

	capacity := max(2*rows, minCapacity, minBloomCapacity)
	f := bloom.NewWithEstimates(capacity, bloomFPR)

	res, err := s.db.QueryContext(ctx, "SELECT DISTINCT tbl, row FROM cells")
	if err != nil {
		return fmt.Errorf("wide: failed to scan rows: %w", err)
	}
	defer res.Close()
	for res.Next() {
		var tbl string
		var row []byte
		if err := res.Scan(&tbl, &row); err != nil {
			return fmt.Errorf("wide: failed to scan row: %w", err)
		}
		f.Add(filterKey(tbl, row))
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("wide: failed to scan rows: %w", err)
	}

	s.filter.Store(f)
	s.logger.Debug("row filter rebuilt", zap.Int("rows", rows), zap.Int("capacity", capacity))
	return nil
}

// noteRows records rows in the filter before they are written. Callers hold
// writeMu, so a rebuild sees every committed row and the pending ones are
// re-added on top.
func (s *SQLiteStore) noteRows(ctx context.Context, tbl string, rows ...[]byte) {
	f := s.filter.Load()
	for _, row := range rows {
		f.Add(filterKey(tbl, row))
	}
	if !f.Saturated() {
		return
	}
	if err := s.rebuildFilter(ctx, 2*f.Capacity()); err != nil {
		// The old filter still has no false negatives; keep using it.
		s.logger.Warn("row filter rebuild failed", zap.Error(err))
		return
	}
	f = s.filter.Load()
	for _, row := range rows {
		f.Add(filterKey(tbl, row))
	}
}

func filterKey(tbl string, row []byte) []byte {
	k := make([]byte, 0, len(tbl)+1+len(row))
	k = append(k, tbl...)
	k = append(k, 0x00)
	return append(k, row...)
}

// Acquire returns a handle to the named table.
func (s *SQLiteStore) Acquire(ctx context.Context, table string) (Table, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sqliteTable{s: s, name: table}, nil
}

// Close saves the row filter and closes both connection pools.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs []error
	if f := s.filter.Load(); f != nil {
		if _, err := s.db.Exec("INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)",
			bloomMetaKey, f.Marshal()); err != nil {
			errs = append(errs, fmt.Errorf("wide: failed to save row filter: %w", err))
		}
	}
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type sqliteTable struct {
	s      *SQLiteStore
	name   string
	closed atomic.Bool
}

func (t *sqliteTable) check(ctx context.Context) error {
	if t.closed.Load() || t.s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (t *sqliteTable) Name() string { return t.name }

func (t *sqliteTable) Get(ctx context.Context, row []byte) (*Row, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if !t.s.filter.Load().MayContain(filterKey(t.name, row)) {
		return nil, nil
	}

	res, err := t.s.readDB.QueryContext(ctx,
		"SELECT qual, value FROM cells WHERE tbl = ? AND row = ? ORDER BY qual", t.name, row)
	if err != nil {
		return nil, fmt.Errorf("wide: get %s: %w", t.name, err)
	}
	defer res.Close()

	var r *Row
	for res.Next() {
		var c Cell
		if err := res.Scan(&c.Qualifier, &c.Value); err != nil {
			return nil, fmt.Errorf("wide: get %s: %w", t.name, err)
		}
		if r == nil {
			r = &Row{Key: append([]byte(nil), row...)}
		}
		r.Cells = append(r.Cells, c)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("wide: get %s: %w", t.name, err)
	}
	return r, nil
}

func (t *sqliteTable) GetCell(ctx context.Context, row, qualifier []byte) ([]byte, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if !t.s.filter.Load().MayContain(filterKey(t.name, row)) {
		return nil, nil
	}

	var v []byte
	err := t.s.readDB.QueryRowContext(ctx,
		"SELECT value FROM cells WHERE tbl = ? AND row = ? AND qual = ?", t.name, row, qualifier).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wide: get cell %s: %w", t.name, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *sqliteTable) Put(ctx context.Context, row []byte, cells ...Cell) error {
	if len(cells) == 0 {
		return nil
	}
	ms := make([]Mutation, len(cells))
	for i, c := range cells {
		ms[i] = PutMutation(t.name, row, c.Qualifier, c.Value)
	}
	return t.Apply(ctx, ms)
}

func (t *sqliteTable) DeleteCells(ctx context.Context, row []byte, qualifiers ...[]byte) error {
	ms := make([]Mutation, len(qualifiers))
	for i, q := range qualifiers {
		ms[i] = Mutation{Table: t.name, Op: OpDeleteCell, Row: row, Qualifier: q}
	}
	return t.Apply(ctx, ms)
}

func (t *sqliteTable) DeleteRow(ctx context.Context, row []byte) error {
	return t.Apply(ctx, []Mutation{{Table: t.name, Op: OpDeleteRow, Row: row}})
}

func (t *sqliteTable) Scan(ctx context.Context, start, stop []byte, fn func(*Row) error) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	var sb strings.Builder
	args := []any{t.name}
	sb.WriteString("SELECT row, qual, value FROM cells WHERE tbl = ?")
	if start != nil {
		sb.WriteString(" AND row >= ?")
		args = append(args, start)
	}
	if stop != nil {
		sb.WriteString(" AND row < ?")
		args = append(args, stop)
	}
	sb.WriteString(" ORDER BY row, qual")

	res, err := t.s.readDB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("wide: scan %s: %w", t.name, err)
	}
	defer res.Close()

	var cur *Row
	emit := func() error {
		if cur == nil {
			return nil
		}
		r := cur
		cur = nil
		return fn(r)
	}

	for res.Next() {
		var key []byte
		var c Cell
		if err := res.Scan(&key, &c.Qualifier, &c.Value); err != nil {
			return fmt.Errorf("wide: scan %s: %w", t.name, err)
		}
		if cur != nil && !bytes.Equal(cur.Key, key) {
			if err := emit(); err != nil {
				if err == ErrStop {
					return nil
				}
				return err
			}
		}
		if cur == nil {
			cur = &Row{Key: key}
		}
		cur.Cells = append(cur.Cells, c)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("wide: scan %s: %w", t.name, err)
	}
	if err := emit(); err != nil && err != ErrStop {
		return err
	}
	return nil
}

func (t *sqliteTable) Increment(ctx context.Context, row, qualifier []byte, delta int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	t.s.writeMu.Lock()
	defer t.s.writeMu.Unlock()
	t.s.noteRows(ctx, t.name, row)

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wide: increment %s: %w", t.name, err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM cells WHERE tbl = ? AND row = ? AND qual = ?", t.name, row, qualifier).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("wide: increment %s: %w", t.name, err)
	}
	cur, err := DecodeCounter(raw)
	if err != nil {
		return 0, err
	}
	next := cur + delta
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO cells (tbl, row, qual, value) VALUES (?, ?, ?, ?)",
		t.name, row, qualifier, EncodeCounter(next)); err != nil {
		return 0, fmt.Errorf("wide: increment %s: %w", t.name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wide: increment %s: %w", t.name, err)
	}
	return next, nil
}

func (t *sqliteTable) CheckAndPut(ctx context.Context, row, qualifier, expected []byte, cell Cell) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}

	t.s.writeMu.Lock()
	defer t.s.writeMu.Unlock()
	t.s.noteRows(ctx, t.name, row)

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("wide: check and put %s: %w", t.name, err)
	}
	defer tx.Rollback()

	var cur []byte
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM cells WHERE tbl = ? AND row = ? AND qual = ?", t.name, row, qualifier).Scan(&cur)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("wide: check and put %s: %w", t.name, err)
	}

	if expected == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !bytes.Equal(cur, expected) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO cells (tbl, row, qual, value) VALUES (?, ?, ?, ?)",
		t.name, row, cell.Qualifier, cell.Value); err != nil {
		return false, fmt.Errorf("wide: check and put %s: %w", t.name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("wide: check and put %s: %w", t.name, err)
	}
	return true, nil
}

func (t *sqliteTable) Apply(ctx context.Context, mutations []Mutation) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}

	t.s.writeMu.Lock()
	defer t.s.writeMu.Unlock()

	var rows [][]byte
	for _, m := range mutations {
		if m.Op == OpPut {
			rows = append(rows, m.Row)
		}
	}
	t.s.noteRows(ctx, t.name, rows...)

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wide: apply %s: %w", t.name, err)
	}
	defer tx.Rollback()

	put, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO cells (tbl, row, qual, value) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("wide: apply %s: %w", t.name, err)
	}
	defer put.Close()

	for _, m := range mutations {
		switch m.Op {
		case OpPut:
			_, err = put.ExecContext(ctx, t.name, m.Row, m.Qualifier, m.Value)
		case OpDeleteCell:
			_, err = tx.ExecContext(ctx, "DELETE FROM cells WHERE tbl = ? AND row = ? AND qual = ?", t.name, m.Row, m.Qualifier)
		case OpDeleteRow:
			_, err = tx.ExecContext(ctx, "DELETE FROM cells WHERE tbl = ? AND row = ?", t.name, m.Row)
		default:
			err = fmt.Errorf("unknown mutation op %d", m.Op)
		}
		if err != nil {
			return fmt.Errorf("wide: apply %s: %w", t.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wide: apply %s: %w", t.name, err)
	}
	return nil
}

func (t *sqliteTable) Close() error {
	t.closed.Store(true)
	return nil
}
