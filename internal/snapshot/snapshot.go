// Package snapshot exports wide-column tables to object storage and restores
// them.
//
// A table archive is a Snappy framed stream. It starts with a magic header
// followed by one frame per cell: the uvarint-prefixed row key, qualifier and
// value. Archives of one snapshot share the object prefix
// <prefix>/<snapshot id>/ and are named <table>.snap.
package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/logging"
	"github.com/arkilian/devicestore/internal/storage"
	"github.com/arkilian/devicestore/internal/wide"
)

const (
	magic       = "DSNAP1\n"
	archiveExt  = ".snap"
	importBatch = 512

	// maxFieldLen bounds a single key, qualifier or value read from an archive.
	maxFieldLen = 64 << 20
)

// ErrCorrupt is returned for an archive that does not parse.
var ErrCorrupt = errors.New("snapshot: corrupt archive")

// Export writes every cell of table to w and returns the number of cells.
func Export(ctx context.Context, db wide.Store, table string, w io.Writer) (int64, error) {
	t, err := db.Acquire(ctx, table)
	if err != nil {
		return 0, err
	}
	defer t.Close()

	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write([]byte(magic)); err != nil {
		return 0, err
	}

	var n int64
	var lenBuf [binary.MaxVarintLen64]byte
	writeField := func(b []byte) error {
		k := binary.PutUvarint(lenBuf[:], uint64(len(b)))
		if _, err := sw.Write(lenBuf[:k]); err != nil {
			return err
		}
		_, err := sw.Write(b)
		return err
	}

	err = t.Scan(ctx, nil, nil, func(r *wide.Row) error {
		for _, c := range r.Cells {
			for _, f := range [][]byte{r.Key, c.Qualifier, c.Value} {
				if err := writeField(f); err != nil {
					return err
				}
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot: export %s: %w", table, err)
	}
	if err := sw.Close(); err != nil {
		return 0, fmt.Errorf("snapshot: export %s: %w", table, err)
	}
	return n, nil
}

// Import reads an archive written by Export and puts every cell into table.
// Existing cells with the same coordinates are overwritten.
func Import(ctx context.Context, db wide.Store, table string, r io.Reader) (int64, error) {
	br := bufio.NewReader(snappy.NewReader(r))

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil || string(head) != magic {
		return 0, fmt.Errorf("%w: missing header", ErrCorrupt)
	}

	t, err := db.Acquire(ctx, table)
	if err != nil {
		return 0, err
	}
	defer t.Close()

	readField := func() ([]byte, error) {
		l, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		if l > maxFieldLen {
			return nil, fmt.Errorf("%w: field of %d bytes", ErrCorrupt, l)
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return b, nil
	}

	var n int64
	batch := make([]wide.Mutation, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := t.Apply(ctx, batch); err != nil {
			return fmt.Errorf("snapshot: import %s: %w", table, err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		row, err := readField()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		q, err := readField()
		if err != nil {
			return n, eofIsCorrupt(err)
		}
		v, err := readField()
		if err != nil {
			return n, eofIsCorrupt(err)
		}

		batch = append(batch, wide.PutMutation(table, row, q, v))
		n++
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	return n, flush()
}

func eofIsCorrupt(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated cell", ErrCorrupt)
	}
	return err
}

// Info describes a written or restored snapshot.
type Info struct {
	ID    string
	Cells map[string]int64
}

// Options configures a Manager.
type Options struct {
	// Prefix is prepended to every object path. Defaults to "snapshots".
	Prefix string

	// WorkDir holds archives while they are transferred. Defaults to the
	// system temporary directory.
	WorkDir string

	// Concurrency bounds parallel downloads during restore.
	Concurrency int

	Logger *zap.Logger
	Clock  func() time.Time
}

// Manager writes whole-store snapshots to object storage.
type Manager struct {
	db    wide.Store
	store storage.ObjectStorage
	opts  Options
	log   *zap.Logger
}

// NewManager creates a Manager.
func NewManager(db wide.Store, store storage.ObjectStorage, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "snapshots"
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		db:    db,
		store: store,
		opts:  opts,
		log:   logging.OrNop(opts.Logger).Named("snapshot"),
	}
}

func (m *Manager) objectPath(id, table string) string {
	return path.Join(m.opts.Prefix, id, table+archiveExt)
}

// Create exports every table and uploads the archives under a new snapshot
// ID derived from the current time. Writes that land during the export may
// or may not be included.
func (m *Manager) Create(ctx context.Context) (*Info, error) {
	id := m.opts.Clock().UTC().Format("20060102T150405.000Z")
	info := &Info{ID: id, Cells: make(map[string]int64, len(keys.Tables))}

	dir, err := os.MkdirTemp(m.opts.WorkDir, "snapshot-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	for _, table := range keys.Tables {
		local := filepath.Join(dir, table+archiveExt)
		n, err := exportFile(ctx, m.db, table, local)
		if err != nil {
			return nil, err
		}
		etag, err := m.store.Upload(ctx, local, m.objectPath(id, table))
		if err != nil {
			return nil, fmt.Errorf("snapshot: upload %s: %w", table, err)
		}
		info.Cells[table] = n
		m.log.Info("table exported", zap.String("snapshot", id), zap.String("table", table),
			zap.Int64("cells", n), zap.String("etag", etag))
	}
	return info, nil
}

func exportFile(ctx context.Context, db wide.Store, table, local string) (int64, error) {
	f, err := os.Create(local)
	if err != nil {
		return 0, err
	}
	n, err := Export(ctx, db, table, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// List returns the IDs of stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	objs, err := m.store.List(ctx, m.opts.Prefix+"/")
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := make(map[string]bool)
	for _, obj := range objs {
		rest := strings.TrimPrefix(obj, m.opts.Prefix+"/")
		id, _, ok := strings.Cut(rest, "/")
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Restore downloads the archives of a snapshot and imports them. It is meant
// for an empty store before the identifier registry is opened; cells already
// present are overwritten but never removed.
func (m *Manager) Restore(ctx context.Context, id string) (*Info, error) {
	objs, err := m.store.List(ctx, path.Join(m.opts.Prefix, id)+"/")
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("snapshot: %s: %w", id, storage.ErrObjectNotFound)
	}

	dir, err := os.MkdirTemp(m.opts.WorkDir, "restore-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	local, err := storage.FetchAll(ctx, m.store, objs, dir, m.opts.Concurrency)
	if err != nil {
		return nil, err
	}

	info := &Info{ID: id, Cells: make(map[string]int64, len(objs))}
	for _, obj := range objs {
		table := strings.TrimSuffix(path.Base(obj), archiveExt)
		n, err := importFile(ctx, m.db, table, local[obj])
		if err != nil {
			return nil, err
		}
		info.Cells[table] = n
		m.log.Info("table restored", zap.String("snapshot", id), zap.String("table", table), zap.Int64("cells", n))
	}
	return info, nil
}

func importFile(ctx context.Context, db wide.Store, table, local string) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Import(ctx, db, table, f)
}

// Delete removes every archive of a snapshot.
func (m *Manager) Delete(ctx context.Context, id string) error {
	objs, err := m.store.List(ctx, path.Join(m.opts.Prefix, id)+"/")
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if err := m.store.Delete(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether every store table is free of rows.
func Empty(ctx context.Context, db wide.Store) (bool, error) {
	for _, table := range keys.Tables {
		found, err := hasRows(ctx, db, table)
		if err != nil {
			return false, err
		}
		if found {
			return false, nil
		}
	}
	return true, nil
}

func hasRows(ctx context.Context, db wide.Store, table string) (bool, error) {
	t, err := db.Acquire(ctx, table)
	if err != nil {
		return false, err
	}
	defer t.Close()

	found := false
	err = t.Scan(ctx, nil, nil, func(*wide.Row) error {
		found = true
		return wide.ErrStop
	})
	return found, err
}
