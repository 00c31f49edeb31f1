package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/identity"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/storage"
	"github.com/arkilian/devicestore/internal/store"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

func dump(t *testing.T, db wide.Store, table string) []wide.Row {
	t.Helper()
	tbl, err := db.Acquire(context.Background(), table)
	require.NoError(t, err)
	defer tbl.Close()

	var rows []wide.Row
	require.NoError(t, tbl.Scan(context.Background(), nil, nil, func(r *wide.Row) error {
		rows = append(rows, *r)
		return nil
	}))
	return rows
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := wide.NewMemoryStore()

	tbl, err := src.Acquire(ctx, keys.TableDevices)
	require.NoError(t, err)
	for i := 0; i < 1200; i++ {
		require.NoError(t, tbl.Put(ctx, []byte(fmt.Sprintf("row-%04d", i)),
			wide.Cell{Qualifier: []byte("P"), Value: bytes.Repeat([]byte{byte(i)}, i%7)},
			wide.Cell{Qualifier: []byte{0x00, 0xff}, Value: []byte("x")}))
	}
	require.NoError(t, tbl.Close())

	var buf bytes.Buffer
	n, err := Export(ctx, src, keys.TableDevices, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2400), n)

	dst := wide.NewMemoryStore()
	n, err = Import(ctx, dst, keys.TableDevices, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2400), n)

	assert.Equal(t, dump(t, src, keys.TableDevices), dump(t, dst, keys.TableDevices))
}

func TestExport_EmptyTable(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	n, err := Export(ctx, wide.NewMemoryStore(), keys.TableGroups, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = Import(ctx, wide.NewMemoryStore(), keys.TableGroups, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImport_Corrupt(t *testing.T) {
	ctx := context.Background()

	_, err := Import(ctx, wide.NewMemoryStore(), keys.TableSites, bytes.NewReader([]byte("not snappy")))
	assert.ErrorIs(t, err, ErrCorrupt)

	// A header and a row key with no qualifier.
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	_, _ = w.Write([]byte(magic))
	_, _ = w.Write([]byte{3, 'a', 'b', 'c'})
	require.NoError(t, w.Close())

	_, err = Import(ctx, wide.NewMemoryStore(), keys.TableSites, &buf)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestManager_CreateListRestoreDelete(t *testing.T) {
	ctx := context.Background()

	// Populate a store through the registry so restore can be checked end to end.
	src := wide.NewMemoryStore()
	ids := identity.NewManager(src, zap.NewNop())
	require.NoError(t, ids.Open(ctx))
	s, err := store.New(src, ids, store.Options{})
	require.NoError(t, err)

	site, err := s.CreateSite(ctx, &types.SiteCreateRequest{Token: "plant", Name: "Plant"})
	require.NoError(t, err)
	_, err = s.CreateDevice(ctx, &types.DeviceCreateRequest{HardwareID: "hw-1", SiteToken: site.Token})
	require.NoError(t, err)
	a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.NoError(t, err)
	ev, err := s.AddMeasurements(ctx, a.Token, &types.MeasurementsCreateRequest{Measurements: map[string]float64{"temp": 20}})
	require.NoError(t, err)

	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewManager(src, objects, Options{WorkDir: t.TempDir(), Clock: func() time.Time { return clock }})

	info, err := mgr.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20240501T120000.000Z", info.ID)
	assert.Len(t, info.Cells, len(keys.Tables))
	assert.Positive(t, info.Cells[keys.TableEvents])

	clock = clock.Add(time.Hour)
	second, err := mgr.Create(ctx)
	require.NoError(t, err)

	listed, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID, second.ID}, listed)

	// Restore into a fresh store and reopen the registry on it.
	dst := wide.NewMemoryStore()
	restorer := NewManager(dst, objects, Options{WorkDir: t.TempDir()})
	restored, err := restorer.Restore(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.Cells, restored.Cells)

	ids2 := identity.NewManager(dst, zap.NewNop())
	require.NoError(t, ids2.Open(ctx))
	s2, err := store.New(dst, ids2, store.Options{})
	require.NoError(t, err)

	gotSite, err := s2.GetSite(ctx, "plant", false)
	require.NoError(t, err)
	require.NotNil(t, gotSite)
	assert.Equal(t, "Plant", gotSite.Name)

	current, err := s2.GetCurrentAssignment(ctx, "hw-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, a.Token, current.Token)

	gotEvent, err := s2.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, gotEvent)

	require.NoError(t, mgr.Delete(ctx, info.ID))
	listed, err = mgr.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, listed)

	_, err = restorer.Restore(ctx, info.ID)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	db := wide.NewMemoryStore()

	empty, err := Empty(ctx, db)
	require.NoError(t, err)
	assert.True(t, empty)

	tbl, err := db.Acquire(ctx, keys.TableGroups)
	require.NoError(t, err)
	require.NoError(t, tbl.Put(ctx, []byte("row"), wide.Cell{Qualifier: []byte("q"), Value: []byte("v")}))
	require.NoError(t, tbl.Close())

	empty, err = Empty(ctx, db)
	require.NoError(t, err)
	assert.False(t, empty)
}
