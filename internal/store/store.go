// Package store implements the entity and event stores on top of the
// wide-column tables. A single Store serves every entity kind; handles are
// acquired per operation and released on every path.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/buffer"
	"github.com/arkilian/devicestore/internal/cache"
	"github.com/arkilian/devicestore/internal/codec"
	"github.com/arkilian/devicestore/internal/delivery"
	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/identity"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/pager"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

// Options configures a Store. Every field is optional.
type Options struct {
	// Codec encodes new payloads. Defaults to JSON.
	Codec *codec.Registry

	// Buffer queues event writes. When nil events are written synchronously.
	Buffer *buffer.Buffer

	// Cache holds site, device, assignment and specification rows by token.
	Cache cache.Cache

	// Deliverer receives every command invocation after it is stored.
	Deliverer delivery.Deliverer

	// UpdateAssignmentState maintains assignment state on every event
	// append, not only when the request asks for it.
	UpdateAssignmentState bool

	// Actor is stamped into the audit envelope. Defaults to "system".
	Actor string

	Logger *zap.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Store is the device management store.
type Store struct {
	db        wide.Store
	ids       *identity.Manager
	codec     *codec.Registry
	buffer    *buffer.Buffer
	cache     cache.Cache
	deliverer delivery.Deliverer

	updateState bool
	actor       string
	logger      *zap.Logger
	clock       func() time.Time
}

// New creates a Store over db. ids must already be open.
func New(db wide.Store, ids *identity.Manager, opts Options) (*Store, error) {
	if db == nil || ids == nil {
		return nil, fmt.Errorf("store: wide-column store and identifier registry are required")
	}

	s := &Store{
		db:          db,
		ids:         ids,
		codec:       opts.Codec,
		buffer:      opts.Buffer,
		cache:       opts.Cache,
		deliverer:   opts.Deliverer,
		updateState: opts.UpdateAssignmentState,
		actor:       opts.Actor,
		logger:      opts.Logger,
		clock:       opts.Clock,
	}
	if s.codec == nil {
		reg, err := codec.NewRegistry(codec.JSON)
		if err != nil {
			return nil, err
		}
		s.codec = reg
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.actor == "" {
		s.actor = "system"
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s, nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func (s *Store) acquire(ctx context.Context, table string) (wide.Table, error) {
	t, err := s.db.Acquire(ctx, table)
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeReadFailed,
			fmt.Sprintf("failed to acquire table %s", table), err)
	}
	return t, nil
}

func readFailed(what string, err error) error {
	return dserrors.NewStorageError(dserrors.CodeReadFailed, "failed to read "+what, err)
}

func writeFailed(what string, err error) error {
	return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to write "+what, err)
}

func incrementFailed(what string, err error) error {
	return dserrors.NewStorageError(dserrors.CodeIncrementFailed, "failed to increment "+what, err)
}

// payloadCells encodes v into the indicator and payload columns.
func (s *Store) payloadCells(v any) ([]wide.Cell, error) {
	indicator, data, err := s.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return []wide.Cell{
		{Qualifier: keys.Indicator, Value: []byte{indicator}},
		{Qualifier: keys.Payload, Value: data},
	}, nil
}

func (s *Store) decodeCells(indicator, payload []byte, v any) error {
	if len(indicator) != 1 {
		return dserrors.NewCodecError(dserrors.CodeMalformedPayload,
			fmt.Sprintf("payload indicator has %d bytes", len(indicator)), nil)
	}
	return s.codec.Decode(indicator[0], payload, v)
}

func (s *Store) decodePayload(r *wide.Row, v any) error {
	return s.decodeCells(r.Value(keys.Indicator), r.Value(keys.Payload), v)
}

func decodeRow[T any](s *Store, r *wide.Row) (*T, error) {
	v := new(T)
	if err := s.decodePayload(r, v); err != nil {
		return nil, err
	}
	return v, nil
}

func isDeleted(r *wide.Row) bool {
	return r.Has(keys.Deleted)
}

// mergeCells returns a copy of r with cells written over it.
func mergeCells(r *wide.Row, key []byte, cells ...wide.Cell) *wide.Row {
	written := make(map[string]bool, len(cells))
	for _, c := range cells {
		written[string(c.Qualifier)] = true
	}
	out := &wide.Row{Key: key}
	if r != nil {
		for _, c := range r.Cells {
			if !written[string(c.Qualifier)] {
				out.Cells = append(out.Cells, c)
			}
		}
	}
	out.Cells = append(out.Cells, cells...)
	return out
}

// getRow reads a record row through the token cache. It returns nil when the
// row has no cells.
func (s *Store) getRow(ctx context.Context, table, kind, token string, key []byte) (*wide.Row, error) {
	if kind != "" {
		data, err := s.cache.Get(ctx, kind, token)
		switch {
		case err == nil:
			if r, err := unpackRow(key, data); err == nil {
				return r, nil
			}
			s.logger.Warn("dropping corrupt cache entry", zap.String("kind", kind), zap.String("token", token))
			s.invalidate(ctx, kind, token)
		case !errors.Is(err, cache.ErrMiss):
			s.logger.Debug("cache read failed", zap.String("kind", kind), zap.Error(err))
		}
	}

	t, err := s.acquire(ctx, table)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	r, err := t.Get(ctx, key)
	if err != nil {
		return nil, readFailed(table+" row", err)
	}
	if r != nil && kind != "" {
		s.remember(ctx, kind, token, r)
	}
	return r, nil
}

func (s *Store) remember(ctx context.Context, kind, token string, r *wide.Row) {
	if err := s.cache.Set(ctx, kind, token, packRow(r)); err != nil {
		s.logger.Debug("cache write failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Store) invalidate(ctx context.Context, kind, token string) {
	if err := s.cache.Invalidate(ctx, kind, token); err != nil {
		s.logger.Warn("cache invalidation failed", zap.String("kind", kind), zap.String("token", token), zap.Error(err))
	}
}

// packRow serializes the cells of a row as [uvarint len][qualifier][uvarint len][value]...
func packRow(r *wide.Row) []byte {
	var out []byte
	for _, c := range r.Cells {
		out = binary.AppendUvarint(out, uint64(len(c.Qualifier)))
		out = append(out, c.Qualifier...)
		out = binary.AppendUvarint(out, uint64(len(c.Value)))
		out = append(out, c.Value...)
	}
	return out
}

func unpackRow(key, data []byte) (*wide.Row, error) {
	r := &wide.Row{Key: key}
	for len(data) > 0 {
		var fields [2][]byte
		for i := range fields {
			n, w := binary.Uvarint(data)
			if w <= 0 || uint64(len(data)-w) < n {
				return nil, fmt.Errorf("store: truncated cached row")
			}
			fields[i] = data[w : w+int(n)]
			data = data[w+int(n):]
		}
		r.Cells = append(r.Cells, wide.Cell{Qualifier: fields[0], Value: fields[1]})
	}
	return r, nil
}

// softDelete writes the deleted marker column.
func softDelete(ctx context.Context, t wide.Table, key []byte) error {
	return t.Put(ctx, key, wide.Cell{Qualifier: keys.Deleted, Value: keys.DeletedMarker})
}

// scanPage scans [start, stop) of table and pages the rows decode accepts.
func scanPage[T any](ctx context.Context, s *Store, table string, start, stop []byte,
	criteria types.SearchCriteria, decode func(*wide.Row) (T, bool, error)) (*types.SearchResults[T], error) {
	t, err := s.acquire(ctx, table)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	p := pager.New[T](criteria)
	var decodeErr error
	err = t.Scan(ctx, start, stop, func(r *wide.Row) error {
		item, ok, err := decode(r)
		if err != nil {
			decodeErr = err
			return wide.ErrStop
		}
		if ok {
			p.Process(item)
		}
		return nil
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, readFailed(table, err)
	}
	return p.SearchResults(), nil
}

func requireField(name, value string) error {
	if value == "" {
		return dserrors.NewValidationError(dserrors.CodeInvalidRequest, name+" is required")
	}
	return nil
}

type record[T any] interface {
	*T
	Envelope() *types.Audit
}

// decodeRecord decodes an audited record row. Rows without a payload, and
// soft-deleted rows unless includeDeleted is set, decode to nil.
func decodeRecord[T any, P record[T]](s *Store, r *wide.Row, includeDeleted bool) (P, error) {
	if r == nil || !r.Has(keys.Payload) {
		return nil, nil
	}
	deleted := isDeleted(r)
	if deleted && !includeDeleted {
		return nil, nil
	}
	v := P(new(T))
	if err := s.decodePayload(r, v); err != nil {
		return nil, err
	}
	v.Envelope().Deleted = deleted
	return v, nil
}

// allocate reserves a caller-supplied token or generates a new one.
func allocate(ctx context.Context, m *identity.Map, token string) (string, []byte, error) {
	if token == "" {
		return m.CreateUniqueID(ctx)
	}
	id, err := m.Reserve(ctx, token)
	if err != nil {
		return "", nil, err
	}
	return token, id, nil
}

// checkUnbound fails with a conflict when token is already mapped.
func checkUnbound(ctx context.Context, m *identity.Map, token, kind string) error {
	if token == "" {
		return nil
	}
	v, err := m.GetValue(ctx, token)
	if err != nil {
		return err
	}
	if v != nil {
		return dserrors.NewConflictError(dserrors.CodeDuplicateToken,
			fmt.Sprintf("%s %q already exists", kind, token))
	}
	return nil
}

// bindChild maps a child token to its row key, generating the token when empty.
func bindChild(ctx context.Context, m *identity.Map, token string, key []byte) (string, error) {
	if token == "" {
		return m.CreateToken(ctx, key)
	}
	if err := m.Bind(ctx, token, key); err != nil {
		return "", err
	}
	return token, nil
}

// release drops a mapping made for a record whose write failed.
func (s *Store) release(ctx context.Context, m *identity.Map, token string) {
	if err := m.Delete(ctx, token); err != nil {
		s.logger.Warn("failed to release token after write failure", zap.String("token", token), zap.Error(err))
	}
}

// readRow reads a row bypassing the cache.
func (s *Store) readRow(ctx context.Context, table string, key []byte) (*wide.Row, error) {
	return s.getRow(ctx, table, "", "", key)
}
