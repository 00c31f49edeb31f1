package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/cache"
	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/identity"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + n.Add(1)*1000).UTC()
	}
}

func TestAssignment_SecondAssignmentConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	f := newFixture(t, s)

	a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.NoError(t, err)
	assert.Equal(t, f.site.Token, a.SiteToken)
	assert.Equal(t, types.AssignmentActive, a.Status)
	assert.Equal(t, types.AssignmentUnassociated, a.AssignmentType)

	_, err = s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.Error(t, err)
	assert.True(t, dserrors.IsConflict(err))
	assert.Equal(t, dserrors.CodeDeviceAlreadyAssigned, dserrors.GetCode(err))

	current, err := s.GetCurrentAssignment(ctx, "hw-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, a.Token, current.Token)

	_, err = s.EndAssignment(ctx, a.Token)
	require.NoError(t, err)

	_, err = s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1", AssetID: "pump-7"})
	require.NoError(t, err, "an ended assignment frees the device")
}

func TestAssignment_ConcurrentCreateOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	f := newFixture(t, s)

	const racers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
			switch {
			case err == nil:
				successes.Add(1)
			case dserrors.IsConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(racers-1), conflicts.Load())

	list, err := s.ListAssignmentsForSite(ctx, f.site.Token, types.AssignmentSearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.NumResults)
}

func TestAssignment_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	newFixture(t, s)

	_, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "unknown"})
	assert.Equal(t, dserrors.CodeInvalidHardwareID, dserrors.GetCode(err))

	_, err = s.CreateAssignment(ctx, &types.AssignmentCreateRequest{})
	assert.Equal(t, dserrors.CodeInvalidRequest, dserrors.GetCode(err))

	_, err = s.GetCurrentAssignment(ctx, "unknown")
	assert.True(t, dserrors.IsInvalidToken(err))

	_, err = s.EndAssignment(ctx, "unknown")
	assert.Equal(t, dserrors.CodeInvalidAssignmentToken, dserrors.GetCode(err))

	a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{Token: "asg-1", DeviceHardwareID: "hw-1"})
	require.NoError(t, err)
	assert.Equal(t, "asg-1", a.Token)

	_, err = s.DeleteDevice(ctx, "hw-1", false)
	assert.Equal(t, dserrors.CodeDeviceAssigned, dserrors.GetCode(err))

	_, err = s.UpdateAssignmentStatus(ctx, a.Token, "Lost")
	assert.Equal(t, dserrors.CodeInvalidRequest, dserrors.GetCode(err))
}

func TestAssignment_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{Clock: tickingClock()})
	newFixture(t, s)

	a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.NoError(t, err)

	missing, err := s.UpdateAssignmentStatus(ctx, a.Token, types.AssignmentMissing)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentMissing, missing.Status)

	released, err := s.UpdateAssignmentStatus(ctx, a.Token, types.AssignmentReleased)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentReleased, released.Status)
	require.NotNil(t, released.ReleasedDate)

	again, err := s.EndAssignment(ctx, a.Token)
	require.NoError(t, err)
	assert.True(t, released.ReleasedDate.Equal(*again.ReleasedDate), "ending twice keeps the first release date")

	_, err = s.UpdateAssignmentStatus(ctx, a.Token, types.AssignmentActive)
	assert.Error(t, err, "a released assignment cannot be revived")

	device, err := s.GetDevice(ctx, "hw-1", false)
	require.NoError(t, err)
	assert.Empty(t, device.AssignmentToken)

	current, err := s.GetCurrentAssignment(ctx, "hw-1")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestAssignment_MetadataAndState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	newFixture(t, s)

	a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{
		DeviceHardwareID: "hw-1",
		Metadata:         map[string]string{"owner": "ops"},
	})
	require.NoError(t, err)

	_, err = s.UpdateAssignmentMetadata(ctx, a.Token, map[string]string{"owner": "facilities"})
	require.NoError(t, err)

	seen := time.UnixMilli(1_700_000_000_000).UTC()
	_, err = s.UpdateAssignmentState(ctx, a.Token, &types.DeviceAssignmentState{LastInteractionDate: &seen})
	require.NoError(t, err)

	got, err := s.GetAssignment(ctx, a.Token, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "facilities", got.Metadata["owner"])
	require.NotNil(t, got.State)
	assert.True(t, seen.Equal(*got.State.LastInteractionDate))
}

func TestAssignment_SoftAndHardDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	f := newFixture(t, s)

	a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.NoError(t, err)

	_, err = s.DeleteAssignment(ctx, a.Token, false)
	require.NoError(t, err)

	got, err := s.GetAssignment(ctx, a.Token, false)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.GetAssignment(ctx, a.Token, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)

	device, err := s.GetDevice(ctx, "hw-1", false)
	require.NoError(t, err)
	assert.Empty(t, device.AssignmentToken, "deleting an assignment releases the device")

	list, err := s.ListAssignmentsForSite(ctx, f.site.Token, types.AssignmentSearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.NumResults)
	list, err = s.ListAssignmentsForSite(ctx, f.site.Token, types.AssignmentSearchCriteria{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, list.NumResults)

	_, err = s.DeleteAssignment(ctx, a.Token, true)
	require.NoError(t, err)
	got, err = s.GetAssignment(ctx, a.Token, true)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAssignment_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{Clock: tickingClock()})
	f := newFixture(t, s)

	var tokens []string
	for i := 0; i < 3; i++ {
		a, err := s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
		require.NoError(t, err)
		_, err = s.EndAssignment(ctx, a.Token)
		require.NoError(t, err)
		tokens = append(tokens, a.Token)
	}

	history, err := s.AssignmentHistory(ctx, "hw-1", types.SearchCriteria{})
	require.NoError(t, err)
	require.Equal(t, 3, history.NumResults)
	assert.Equal(t, tokens[2], history.Results[0].Token)
	assert.Equal(t, tokens[0], history.Results[2].Token)

	released, err := s.ListAssignmentsForSite(ctx, f.site.Token, types.AssignmentSearchCriteria{Status: types.AssignmentReleased})
	require.NoError(t, err)
	assert.Equal(t, 3, released.NumResults)

	_, err = s.DeleteAssignment(ctx, tokens[1], true)
	require.NoError(t, err)
	history, err = s.AssignmentHistory(ctx, "hw-1", types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 2, history.NumResults, "force-deleted assignments drop out of history")
}

// historyFailStore rejects writes of assignment history columns.
type historyFailStore struct {
	wide.Store
}

func (s *historyFailStore) Acquire(ctx context.Context, table string) (wide.Table, error) {
	t, err := s.Store.Acquire(ctx, table)
	if err != nil || table != keys.TableDevices {
		return t, err
	}
	return &historyFailTable{Table: t}, nil
}

type historyFailTable struct {
	wide.Table
}

func (t *historyFailTable) Put(ctx context.Context, row []byte, cells ...wide.Cell) error {
	for _, c := range cells {
		if keys.IsHistoryQualifier(c.Qualifier) {
			return errors.New("history column rejected")
		}
	}
	return t.Table.Put(ctx, row, cells...)
}

func TestAssignment_HistoryFailureInvalidatesDevice(t *testing.T) {
	ctx := context.Background()
	db := &historyFailStore{Store: wide.NewMemoryStore()}
	t.Cleanup(func() { _ = db.Close() })
	ids := identity.NewManager(db, zap.NewNop())
	require.NoError(t, ids.Open(ctx))
	t.Cleanup(func() { _ = ids.Close() })

	mem, err := cache.NewMemory(100)
	require.NoError(t, err)
	s, err := New(db, ids, Options{Cache: mem, Logger: zap.NewNop()})
	require.NoError(t, err)
	newFixture(t, s)

	// Warm the cached device row.
	device, err := s.GetDevice(ctx, "hw-1", false)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Empty(t, device.AssignmentToken)

	_, err = s.CreateAssignment(ctx, &types.AssignmentCreateRequest{DeviceHardwareID: "hw-1"})
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeWriteFailed, dserrors.GetCode(err))

	device, err = s.GetDevice(ctx, "hw-1", false)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.NotEmpty(t, device.AssignmentToken, "the claim written before the failure is visible")
}
