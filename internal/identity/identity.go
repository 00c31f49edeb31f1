// Package identity maps caller-visible tokens to the compact identifiers and
// row keys used inside the store.
//
// Every mapping lives in the uids table under kindTag ‖ token, column V. A
// per-kind counter row (kindTag alone, column N) allocates new identifiers.
// Each Map also keeps an in-memory copy loaded by Manager.Open.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/logging"
	"github.com/arkilian/devicestore/internal/wide"
)

// Kind is the persisted tag of an identifier namespace.
type Kind byte

const (
	KindSite           Kind = 1
	KindDevice         Kind = 2
	KindAssignment     Kind = 3
	KindZone           Kind = 4
	KindSpecification  Kind = 5
	KindCommand        Kind = 6
	KindGroup          Kind = 7
	KindBatchOperation Kind = 8
)

var (
	valueQualifier   = []byte{'V'}
	counterQualifier = []byte{'N'}
)

type kindInfo struct {
	name          string
	descending    bool
	invalidCode   string
	duplicateCode string
}

var kinds = map[Kind]kindInfo{
	KindSite:           {"site", true, dserrors.CodeInvalidSiteToken, dserrors.CodeDuplicateToken},
	KindDevice:         {"device", true, dserrors.CodeInvalidHardwareID, dserrors.CodeDuplicateHardwareID},
	KindAssignment:     {"assignment", true, dserrors.CodeInvalidAssignmentToken, dserrors.CodeDuplicateToken},
	KindZone:           {"zone", true, dserrors.CodeInvalidZoneToken, dserrors.CodeDuplicateToken},
	KindSpecification:  {"specification", false, dserrors.CodeInvalidSpecificationToken, dserrors.CodeDuplicateToken},
	KindCommand:        {"command", true, dserrors.CodeInvalidCommandToken, dserrors.CodeDuplicateToken},
	KindGroup:          {"group", true, dserrors.CodeInvalidGroupToken, dserrors.CodeDuplicateToken},
	KindBatchOperation: {"batch operation", true, dserrors.CodeInvalidBatchOperationToken, dserrors.CodeDuplicateToken},
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Manager owns one Map per kind.
type Manager struct {
	store  wide.Store
	logger *zap.Logger
	maps   map[Kind]*Map
}

// NewManager creates a manager over the store's uids table.
func NewManager(store wide.Store, logger *zap.Logger) *Manager {
	logger = logging.OrNop(logger).Named("identity")
	m := &Manager{
		store:  store,
		logger: logger,
		maps:   make(map[Kind]*Map, len(kinds)),
	}
	for k, info := range kinds {
		m.maps[k] = &Map{
			kind:   k,
			info:   info,
			store:  store,
			values: make(map[string][]byte),
		}
	}
	return m
}

// Open loads every mapping into memory.
func (m *Manager) Open(ctx context.Context) error {
	t, err := m.store.Acquire(ctx, keys.TableUIDs)
	if err != nil {
		return dserrors.NewStorageError(dserrors.CodeReadFailed, "failed to acquire uids table", err)
	}
	defer t.Close()

	for k, mp := range m.maps {
		if err := mp.load(ctx, t); err != nil {
			return err
		}
		m.logger.Debug("identifier map loaded", zap.Stringer("kind", k), zap.Int("entries", mp.Len()))
	}
	return nil
}

// Close drops the in-memory copies.
func (m *Manager) Close() error {
	for _, mp := range m.maps {
		mp.mu.Lock()
		mp.values = make(map[string][]byte)
		mp.mu.Unlock()
	}
	return nil
}

// Map returns the map for a kind.
func (m *Manager) Map(k Kind) *Map { return m.maps[k] }

func (m *Manager) Sites() *Map           { return m.maps[KindSite] }
func (m *Manager) Devices() *Map         { return m.maps[KindDevice] }
func (m *Manager) Assignments() *Map     { return m.maps[KindAssignment] }
func (m *Manager) Zones() *Map           { return m.maps[KindZone] }
func (m *Manager) Specifications() *Map  { return m.maps[KindSpecification] }
func (m *Manager) Commands() *Map        { return m.maps[KindCommand] }
func (m *Manager) Groups() *Map          { return m.maps[KindGroup] }
func (m *Manager) BatchOperations() *Map { return m.maps[KindBatchOperation] }

// Map is the token namespace of one kind. Reads run concurrently; writes are
// serialized.
type Map struct {
	kind  Kind
	info  kindInfo
	store wide.Store

	mu     sync.RWMutex
	values map[string][]byte
}

func (m *Map) rowKey(token string) []byte {
	k := make([]byte, 0, 1+len(token))
	k = append(k, byte(m.kind))
	return append(k, token...)
}

func (m *Map) load(ctx context.Context, t wide.Table) error {
	start := []byte{byte(m.kind)}
	stop := []byte{byte(m.kind) + 1}

	values := make(map[string][]byte)
	err := t.Scan(ctx, start, stop, func(r *wide.Row) error {
		if len(r.Key) <= 1 {
			return nil // counter row
		}
		if v := r.Value(valueQualifier); v != nil {
			values[string(r.Key[1:])] = v
		}
		return nil
	})
	if err != nil {
		return dserrors.NewStorageError(dserrors.CodeReadFailed,
			fmt.Sprintf("failed to load %s identifiers", m.kind), err)
	}

	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
	return nil
}

// Len returns the number of loaded mappings.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// GetValue returns the value bound to token, or nil when the token is unknown.
// Tokens missing from memory are looked up in the store so mappings written
// by another process are found.
func (m *Map) GetValue(ctx context.Context, token string) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.values[token]
	m.mu.RUnlock()
	if ok {
		return v, nil
	}

	t, err := m.store.Acquire(ctx, keys.TableUIDs)
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeReadFailed, "failed to acquire uids table", err)
	}
	defer t.Close()

	v, err = t.GetCell(ctx, m.rowKey(token), valueQualifier)
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeReadFailed,
			fmt.Sprintf("failed to read %s identifier", m.kind), err)
	}
	if v == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.values[token] = v
	m.mu.Unlock()
	return v, nil
}

// Require returns the value bound to token, or the kind's invalid-token error.
func (m *Map) Require(ctx context.Context, token string) ([]byte, error) {
	v, err := m.GetValue(ctx, token)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, dserrors.NewReferenceError(m.info.invalidCode,
			fmt.Sprintf("unknown %s %q", m.kind, token))
	}
	return v, nil
}

// CreateUniqueID generates a new token and allocates an identifier for it.
func (m *Map) CreateUniqueID(ctx context.Context) (string, []byte, error) {
	token := uuid.NewString()
	id, err := m.Reserve(ctx, token)
	if err != nil {
		return "", nil, err
	}
	return token, id, nil
}

// Reserve allocates an identifier for a caller-supplied token. It fails with
// a conflict when the token is already bound.
func (m *Map) Reserve(ctx context.Context, token string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[token]; ok {
		return nil, m.duplicate(token)
	}
	return m.allocateLocked(ctx, token, false)
}

// UseExistingID returns the identifier bound to token, allocating one if the
// token is new. Repeated calls return the same identifier.
func (m *Map) UseExistingID(ctx context.Context, token string) ([]byte, error) {
	if v, err := m.GetValue(ctx, token); err != nil || v != nil {
		return v, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[token]; ok {
		return v, nil
	}
	return m.allocateLocked(ctx, token, true)
}

func (m *Map) allocateLocked(ctx context.Context, token string, adopt bool) ([]byte, error) {
	t, err := m.store.Acquire(ctx, keys.TableUIDs)
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to acquire uids table", err)
	}
	defer t.Close()

	n, err := t.Increment(ctx, []byte{byte(m.kind)}, counterQualifier, 1)
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeIncrementFailed,
			fmt.Sprintf("failed to allocate %s identifier", m.kind), err)
	}
	id, err := keys.ID(uint64(n), m.info.descending)
	if err != nil {
		return nil, err
	}

	row := m.rowKey(token)
	ok, err := t.CheckAndPut(ctx, row, valueQualifier, nil, wide.Cell{Qualifier: valueQualifier, Value: id})
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeWriteFailed,
			fmt.Sprintf("failed to bind %s identifier", m.kind), err)
	}
	if !ok {
		// Another writer bound the token first.
		if !adopt {
			return nil, m.duplicate(token)
		}
		existing, err := t.GetCell(ctx, row, valueQualifier)
		if err != nil {
			return nil, dserrors.NewStorageError(dserrors.CodeReadFailed,
				fmt.Sprintf("failed to read %s identifier", m.kind), err)
		}
		id = existing
	}

	m.values[token] = id
	return id, nil
}

// Bind maps token to an arbitrary value, such as a child row key. It fails
// with a conflict when the token is already bound.
func (m *Map) Bind(ctx context.Context, token string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[token]; ok {
		return m.duplicate(token)
	}

	t, err := m.store.Acquire(ctx, keys.TableUIDs)
	if err != nil {
		return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to acquire uids table", err)
	}
	defer t.Close()

	ok, err := t.CheckAndPut(ctx, m.rowKey(token), valueQualifier, nil, wide.Cell{Qualifier: valueQualifier, Value: value})
	if err != nil {
		return dserrors.NewStorageError(dserrors.CodeWriteFailed,
			fmt.Sprintf("failed to bind %s token", m.kind), err)
	}
	if !ok {
		return m.duplicate(token)
	}
	m.values[token] = append([]byte(nil), value...)
	return nil
}

// CreateToken binds a generated token to value.
func (m *Map) CreateToken(ctx context.Context, value []byte) (string, error) {
	token := uuid.NewString()
	if err := m.Bind(ctx, token, value); err != nil {
		return "", err
	}
	return token, nil
}

// Delete removes the mapping for token. Deleting an unknown token is a no-op.
func (m *Map) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.Acquire(ctx, keys.TableUIDs)
	if err != nil {
		return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to acquire uids table", err)
	}
	defer t.Close()

	if err := t.DeleteRow(ctx, m.rowKey(token)); err != nil {
		return dserrors.NewStorageError(dserrors.CodeWriteFailed,
			fmt.Sprintf("failed to delete %s token", m.kind), err)
	}
	delete(m.values, token)
	return nil
}

func (m *Map) duplicate(token string) error {
	return dserrors.NewConflictError(m.info.duplicateCode,
		fmt.Sprintf("%s %q already exists", m.kind, token))
}
