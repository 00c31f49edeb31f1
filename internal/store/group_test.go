package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/pkg/types"
)

func TestGroups_ElementsAndRoles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	f := newFixture(t, s)

	parent, err := s.CreateGroup(ctx, &types.GroupCreateRequest{Name: "Floor 1", Roles: []string{"hvac"}})
	require.NoError(t, err)
	child, err := s.CreateGroup(ctx, &types.GroupCreateRequest{Name: "Room 101", Roles: []string{"lighting"}})
	require.NoError(t, err)

	added, err := s.AddGroupElements(ctx, parent.Token, []types.GroupElementCreateRequest{
		{Type: types.GroupElementDevice, ElementID: f.device.HardwareID, Roles: []string{"sensor"}},
		{Type: types.GroupElementGroup, ElementID: child.Token},
	}, false)
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, int64(1), added[0].Index)
	assert.Equal(t, int64(2), added[1].Index)

	_, err = s.AddGroupElements(ctx, parent.Token, []types.GroupElementCreateRequest{
		{Type: types.GroupElementDevice, ElementID: f.device.HardwareID},
	}, false)
	assert.Equal(t, dserrors.CodeDuplicateToken, dserrors.GetCode(err))

	skipped, err := s.AddGroupElements(ctx, parent.Token, []types.GroupElementCreateRequest{
		{Type: types.GroupElementDevice, ElementID: f.device.HardwareID},
	}, true)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	_, err = s.AddGroupElements(ctx, parent.Token, []types.GroupElementCreateRequest{
		{Type: types.GroupElementDevice, ElementID: "unknown"},
	}, false)
	assert.Equal(t, dserrors.CodeInvalidHardwareID, dserrors.GetCode(err))

	elements, err := s.ListGroupElements(ctx, parent.Token, types.SearchCriteria{})
	require.NoError(t, err)
	require.Equal(t, 2, elements.NumResults)
	assert.Equal(t, types.GroupElementDevice, elements.Results[0].Type, "elements list in insertion order")

	removed, err := s.RemoveGroupElements(ctx, parent.Token, []types.GroupElementCreateRequest{
		{Type: types.GroupElementGroup, ElementID: child.Token},
	})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, child.Token, removed[0].ElementID)

	elements, err = s.ListGroupElements(ctx, parent.Token, types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 1, elements.NumResults)

	hvac, err := s.ListGroups(ctx, types.GroupSearchCriteria{Role: "hvac"})
	require.NoError(t, err)
	require.Equal(t, 1, hvac.NumResults)
	assert.Equal(t, parent.Token, hvac.Results[0].Token)

	all, err := s.ListGroups(ctx, types.GroupSearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.NumResults)
}

func TestGroups_DeleteCascadesElements(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	f := newFixture(t, s)

	g, err := s.CreateGroup(ctx, &types.GroupCreateRequest{Token: "g1", Name: "Group"})
	require.NoError(t, err)
	_, err = s.AddGroupElements(ctx, g.Token, []types.GroupElementCreateRequest{
		{Type: types.GroupElementDevice, ElementID: f.device.HardwareID},
	}, false)
	require.NoError(t, err)

	_, err = s.DeleteGroup(ctx, g.Token, false)
	require.NoError(t, err)
	got, err := s.GetGroup(ctx, g.Token, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)

	_, err = s.DeleteGroup(ctx, g.Token, true)
	require.NoError(t, err)
	got, err = s.GetGroup(ctx, g.Token, true)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Recreating the token starts with no members.
	_, err = s.CreateGroup(ctx, &types.GroupCreateRequest{Token: "g1", Name: "Again"})
	require.NoError(t, err)
	elements, err := s.ListGroupElements(ctx, "g1", types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 0, elements.NumResults)
}
