package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/pkg/types"
)

func TestBatch_CommandInvocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	f := newFixture(t, s)
	cmd := createCommand(t, s, f.spec.Token)

	_, err := s.CreateDevice(ctx, &types.DeviceCreateRequest{HardwareID: "hw-2", SiteToken: f.site.Token})
	require.NoError(t, err)

	op, err := s.CreateBatchCommandInvocation(ctx, &types.BatchCommandInvocationRequest{
		CommandToken:    cmd.Token,
		ParameterValues: map[string]string{"target": "20"},
		HardwareIDs:     []string{"hw-1", "hw-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.OperationInvokeCommand, op.OperationType)
	assert.Equal(t, cmd.Token, op.Parameters[types.BatchParamCommandToken])
	assert.Equal(t, "20", op.Parameters[types.BatchParamPrefix+"target"])
	assert.Equal(t, types.BatchUnprocessed, op.ProcessingStatus)

	elements, err := s.ListBatchElements(ctx, op.Token, types.BatchElementSearchCriteria{})
	require.NoError(t, err)
	require.Equal(t, 2, elements.NumResults)
	assert.Equal(t, "hw-1", elements.Results[0].HardwareID)
	assert.Equal(t, int64(1), elements.Results[0].Index)
	assert.Equal(t, "hw-2", elements.Results[1].HardwareID)

	done := time.UnixMilli(1_700_000_000_000).UTC()
	elem, err := s.UpdateBatchElement(ctx, op.Token, 2, &types.BatchElementUpdateRequest{
		ProcessingStatus: types.ElementSucceeded,
		ProcessedDate:    &done,
	})
	require.NoError(t, err)
	assert.Equal(t, "hw-2", elem.HardwareID)

	succeeded, err := s.ListBatchElements(ctx, op.Token, types.BatchElementSearchCriteria{ProcessingStatus: types.ElementSucceeded})
	require.NoError(t, err)
	require.Equal(t, 1, succeeded.NumResults)
	assert.Equal(t, int64(2), succeeded.Results[0].Index)

	_, err = s.UpdateBatchElement(ctx, op.Token, 9, &types.BatchElementUpdateRequest{ProcessingStatus: types.ElementFailed})
	assert.Equal(t, dserrors.CodeInvalidBatchElement, dserrors.GetCode(err))

	updated, err := s.UpdateBatchOperation(ctx, op.Token, &types.BatchOperationUpdateRequest{ProcessingStatus: types.BatchProcessing})
	require.NoError(t, err)
	assert.Equal(t, types.BatchProcessing, updated.ProcessingStatus)

	got, err := s.GetBatchOperation(ctx, op.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.BatchProcessing, got.ProcessingStatus)
}

func TestBatch_ValidationAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	newFixture(t, s)

	_, err := s.CreateBatchOperation(ctx, &types.BatchOperationCreateRequest{
		OperationType: "Reboot",
		HardwareIDs:   []string{"hw-1", "unknown"},
	})
	assert.Equal(t, dserrors.CodeInvalidHardwareID, dserrors.GetCode(err))

	ops, err := s.ListBatchOperations(ctx, types.ListCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 0, ops.NumResults, "nothing is written when a hardware id is unknown")

	_, err = s.CreateBatchCommandInvocation(ctx, &types.BatchCommandInvocationRequest{CommandToken: "missing", HardwareIDs: []string{"hw-1"}})
	assert.Equal(t, dserrors.CodeInvalidCommandToken, dserrors.GetCode(err))

	op, err := s.CreateBatchOperation(ctx, &types.BatchOperationCreateRequest{
		Token:         "reboot-all",
		OperationType: "Reboot",
		HardwareIDs:   []string{"hw-1"},
	})
	require.NoError(t, err)

	_, err = s.DeleteBatchOperation(ctx, op.Token, true)
	require.NoError(t, err)
	_, err = s.ListBatchElements(ctx, op.Token, types.BatchElementSearchCriteria{})
	assert.Equal(t, dserrors.CodeInvalidBatchOperationToken, dserrors.GetCode(err))

	ops, err = s.ListBatchOperations(ctx, types.ListCriteria{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 0, ops.NumResults)
}
