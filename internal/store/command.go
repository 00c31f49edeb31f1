package store

import (
	"context"
	"fmt"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

// CreateCommand creates a command of a specification.
func (s *Store) CreateCommand(ctx context.Context, specToken string, req *types.CommandCreateRequest) (*types.DeviceCommand, error) {
	if err := requireField("command name", req.Name); err != nil {
		return nil, err
	}
	specID, err := s.ids.Specifications().Require(ctx, specToken)
	if err != nil {
		return nil, err
	}
	commands := s.ids.Commands()
	if err := checkUnbound(ctx, commands, req.Token, "command"); err != nil {
		return nil, err
	}

	key, _, err := s.childKey(ctx, keys.TableSpecifications, specificationKey(specID), keys.CommandCounter, keys.CommandRecord, true)
	if err != nil {
		return nil, err
	}
	token, err := bindChild(ctx, commands, req.Token, key)
	if err != nil {
		return nil, err
	}

	cmd := &types.DeviceCommand{
		Token:              token,
		SpecificationToken: specToken,
		Namespace:          req.Namespace,
		Name:               req.Name,
		Description:        req.Description,
		Parameters:         req.Parameters,
		Metadata:           types.MergeMetadata(nil, req.Metadata),
		Audit:              types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}

	if err := s.putRecord(ctx, keys.TableSpecifications, "", "", key, nil, cmd); err != nil {
		s.release(ctx, commands, token)
		return nil, err
	}
	return cmd, nil
}

// GetCommand returns the command, or nil when the token is unknown.
func (s *Store) GetCommand(ctx context.Context, token string, includeDeleted bool) (*types.DeviceCommand, error) {
	key, err := s.ids.Commands().GetValue(ctx, token)
	if err != nil || key == nil {
		return nil, err
	}
	r, err := s.readRow(ctx, keys.TableSpecifications, key)
	if err != nil {
		return nil, err
	}
	return decodeRecord[types.DeviceCommand](s, r, includeDeleted)
}

func (s *Store) requireCommand(ctx context.Context, token string) ([]byte, *types.DeviceCommand, error) {
	key, err := s.ids.Commands().Require(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableSpecifications, key)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := decodeRecord[types.DeviceCommand](s, r, true)
	if err != nil {
		return nil, nil, err
	}
	if cmd == nil {
		return nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidCommandToken,
			fmt.Sprintf("command %q has no record", token))
	}
	return key, cmd, nil
}

// UpdateCommand changes the fields set in req.
func (s *Store) UpdateCommand(ctx context.Context, token string, req *types.CommandCreateRequest) (*types.DeviceCommand, error) {
	key, cmd, err := s.requireCommand(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.Namespace != "" {
		cmd.Namespace = req.Namespace
	}
	if req.Name != "" {
		cmd.Name = req.Name
	}
	if req.Description != "" {
		cmd.Description = req.Description
	}
	if req.Parameters != nil {
		cmd.Parameters = req.Parameters
	}
	cmd.Metadata = types.MergeMetadata(cmd.Metadata, req.Metadata)
	cmd.Touch(s.now(), s.actor)

	if err := s.putRecord(ctx, keys.TableSpecifications, "", "", key, nil, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DeleteCommand soft deletes a command, or removes it when force is set.
func (s *Store) DeleteCommand(ctx context.Context, token string, force bool) (*types.DeviceCommand, error) {
	key, cmd, err := s.requireCommand(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.deleteRecord(ctx, keys.TableSpecifications, key, force); err != nil {
		return nil, err
	}
	if force {
		if err := s.ids.Commands().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	cmd.Deleted = true
	return cmd, nil
}

// ListCommands pages the commands of a specification, newest first.
func (s *Store) ListCommands(ctx context.Context, specToken string, criteria types.ListCriteria) (*types.SearchResults[*types.DeviceCommand], error) {
	specID, err := s.ids.Specifications().Require(ctx, specToken)
	if err != nil {
		return nil, err
	}
	return scanPage(ctx, s, keys.TableSpecifications,
		keys.Subkey(specID, keys.CommandRecord), keys.SubkeyEnd(specID, keys.CommandRecord),
		criteria.SearchCriteria, func(r *wide.Row) (*types.DeviceCommand, bool, error) {
			cmd, err := decodeRecord[types.DeviceCommand](s, r, criteria.IncludeDeleted)
			return cmd, cmd != nil, err
		})
}
