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

func TestSpecification_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s := newTestStore(t, Options{Actor: "ops", Clock: func() time.Time { return fixed }})

	spec, err := s.CreateSpecification(ctx, &types.SpecificationCreateRequest{
		Token:    "thermo",
		Name:     "Thermostat",
		Metadata: map[string]string{"rev": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStandalone, spec.ContainerPolicy)

	updated, err := s.UpdateSpecification(ctx, "thermo", &types.SpecificationCreateRequest{
		ContainerPolicy: types.ContainerComposite,
	})
	require.NoError(t, err)
	assert.Equal(t, "Thermostat", updated.Name)
	assert.Equal(t, types.ContainerComposite, updated.ContainerPolicy)
	assert.Equal(t, "1", updated.Metadata["rev"])
	require.NotNil(t, updated.UpdatedDate)
	assert.True(t, fixed.Equal(*updated.UpdatedDate))
	assert.Equal(t, "ops", updated.UpdatedBy)

	got, err := s.GetSpecification(ctx, "thermo", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.ContainerComposite, got.ContainerPolicy)

	_, err = s.DeleteSpecification(ctx, "thermo", false)
	require.NoError(t, err)

	got, err = s.GetSpecification(ctx, "thermo", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetSpecification(ctx, "thermo", true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)

	_, err = s.DeleteSpecification(ctx, "thermo", true)
	require.NoError(t, err)

	got, err = s.GetSpecification(ctx, "thermo", true)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.UpdateSpecification(ctx, "thermo", &types.SpecificationCreateRequest{Name: "x"})
	assert.Equal(t, dserrors.CodeInvalidSpecificationToken, dserrors.GetCode(err))
}

func TestCommand_GetUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	spec, err := s.CreateSpecification(ctx, &types.SpecificationCreateRequest{Name: "Thermostat"})
	require.NoError(t, err)
	cmd := createCommand(t, s, spec.Token)

	got, err := s.GetCommand(ctx, cmd.Token, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "setTarget", got.Name)
	assert.Equal(t, spec.Token, got.SpecificationToken)

	_, err = s.UpdateCommand(ctx, cmd.Token, &types.CommandCreateRequest{Description: "Set the target temperature"})
	require.NoError(t, err)

	got, err = s.GetCommand(ctx, cmd.Token, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Set the target temperature", got.Description)
	assert.Equal(t, "setTarget", got.Name)
	require.Len(t, got.Parameters, 1)

	missing, err := s.GetCommand(ctx, "nope", false)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.UpdateCommand(ctx, "nope", &types.CommandCreateRequest{Name: "x"})
	assert.Equal(t, dserrors.CodeInvalidCommandToken, dserrors.GetCode(err))
}

func TestGroup_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	g, err := s.CreateGroup(ctx, &types.GroupCreateRequest{Name: "Floor 1", Roles: []string{"hvac"}})
	require.NoError(t, err)

	_, err = s.UpdateGroup(ctx, g.Token, &types.GroupCreateRequest{Description: "East wing"})
	require.NoError(t, err)

	got, err := s.GetGroup(ctx, g.Token, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Floor 1", got.Name)
	assert.Equal(t, "East wing", got.Description)
	assert.Equal(t, []string{"hvac"}, got.Roles)

	_, err = s.UpdateGroup(ctx, "nope", &types.GroupCreateRequest{Name: "x"})
	assert.Equal(t, dserrors.CodeInvalidGroupToken, dserrors.GetCode(err))
}
