package store

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

func groupKey(id []byte) []byte {
	return keys.Primary(id, keys.GroupRecord)
}

// CreateGroup creates a device group.
func (s *Store) CreateGroup(ctx context.Context, req *types.GroupCreateRequest) (*types.DeviceGroup, error) {
	if err := requireField("group name", req.Name); err != nil {
		return nil, err
	}

	groups := s.ids.Groups()
	token, id, err := allocate(ctx, groups, req.Token)
	if err != nil {
		return nil, err
	}

	group := &types.DeviceGroup{
		Token:       token,
		Name:        req.Name,
		Description: req.Description,
		Roles:       req.Roles,
		Metadata:    types.MergeMetadata(nil, req.Metadata),
		Audit:       types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}
	if err := s.putRecord(ctx, keys.TableGroups, "", "", groupKey(id), nil, group); err != nil {
		s.release(ctx, groups, token)
		return nil, err
	}
	return group, nil
}

// GetGroup returns the group, or nil when the token is unknown.
func (s *Store) GetGroup(ctx context.Context, token string, includeDeleted bool) (*types.DeviceGroup, error) {
	id, err := s.ids.Groups().GetValue(ctx, token)
	if err != nil || id == nil {
		return nil, err
	}
	r, err := s.readRow(ctx, keys.TableGroups, groupKey(id))
	if err != nil {
		return nil, err
	}
	return decodeRecord[types.DeviceGroup](s, r, includeDeleted)
}

func (s *Store) requireGroup(ctx context.Context, token string) ([]byte, *types.DeviceGroup, error) {
	id, err := s.ids.Groups().Require(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableGroups, groupKey(id))
	if err != nil {
		return nil, nil, err
	}
	group, err := decodeRecord[types.DeviceGroup](s, r, true)
	if err != nil {
		return nil, nil, err
	}
	if group == nil {
		return nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidGroupToken,
			fmt.Sprintf("group %q has no record", token))
	}
	return id, group, nil
}

// UpdateGroup changes the fields set in req.
func (s *Store) UpdateGroup(ctx context.Context, token string, req *types.GroupCreateRequest) (*types.DeviceGroup, error) {
	id, group, err := s.requireGroup(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		group.Name = req.Name
	}
	if req.Description != "" {
		group.Description = req.Description
	}
	if req.Roles != nil {
		group.Roles = req.Roles
	}
	group.Metadata = types.MergeMetadata(group.Metadata, req.Metadata)
	group.Touch(s.now(), s.actor)

	if err := s.putRecord(ctx, keys.TableGroups, "", "", groupKey(id), nil, group); err != nil {
		return nil, err
	}
	return group, nil
}

// DeleteGroup soft deletes a group. With force its elements are removed
// first, best effort, then the group row and token.
func (s *Store) DeleteGroup(ctx context.Context, token string, force bool) (*types.DeviceGroup, error) {
	id, group, err := s.requireGroup(ctx, token)
	if err != nil {
		return nil, err
	}
	if force {
		s.cascade(ctx, keys.TableGroups, keys.Subkey(id, keys.GroupElementRecord), keys.SubkeyEnd(id, keys.GroupElementRecord),
			zap.String("group", token))
	}
	if err := s.deleteRecord(ctx, keys.TableGroups, groupKey(id), force); err != nil {
		return nil, err
	}
	if force {
		if err := s.ids.Groups().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	group.Deleted = true
	return group, nil
}

// ListGroups pages groups, newest first, optionally only those with a role.
func (s *Store) ListGroups(ctx context.Context, criteria types.GroupSearchCriteria) (*types.SearchResults[*types.DeviceGroup], error) {
	return scanPage(ctx, s, keys.TableGroups, nil, nil, criteria.SearchCriteria,
		func(r *wide.Row) (*types.DeviceGroup, bool, error) {
			if !keys.IsPrimary(r.Key, keys.GroupRecord) {
				return nil, false, nil
			}
			group, err := decodeRecord[types.DeviceGroup](s, r, criteria.IncludeDeleted)
			if err != nil || group == nil {
				return nil, false, err
			}
			if criteria.Role != "" && !slices.Contains(group.Roles, criteria.Role) {
				return nil, false, nil
			}
			return group, true, nil
		})
}

// elementID returns the combined identifier of a group member: its kind tag
// followed by its internal ID.
func (s *Store) elementID(ctx context.Context, req types.GroupElementCreateRequest) ([]byte, error) {
	var tag byte
	var id []byte
	var err error
	switch req.Type {
	case types.GroupElementDevice:
		tag = keys.GroupElementDeviceTag
		id, err = s.ids.Devices().Require(ctx, req.ElementID)
	case types.GroupElementGroup:
		tag = keys.GroupElementGroupTag
		id, err = s.ids.Groups().Require(ctx, req.ElementID)
	default:
		return nil, dserrors.NewValidationError(dserrors.CodeInvalidRequest,
			fmt.Sprintf("unknown group element type %q", req.Type))
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{tag}, id...), nil
}

// groupMembers returns the combined identifiers present in a group, keyed to
// their element rows.
func (s *Store) groupMembers(ctx context.Context, groupID []byte) (map[string][]byte, error) {
	t, err := s.acquire(ctx, keys.TableGroups)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	members := make(map[string][]byte)
	err = t.Scan(ctx, keys.Subkey(groupID, keys.GroupElementRecord), keys.SubkeyEnd(groupID, keys.GroupElementRecord),
		func(r *wide.Row) error {
			if v := r.Value(keys.ElementID); v != nil {
				members[string(v)] = r.Key
			}
			return nil
		})
	if err != nil {
		return nil, readFailed("group elements", err)
	}
	return members, nil
}

// AddGroupElements adds members to a group. Every element is validated
// before anything is written. A member already in the group is a conflict
// unless ignoreDuplicates is set, in which case it is skipped.
func (s *Store) AddGroupElements(ctx context.Context, groupToken string, reqs []types.GroupElementCreateRequest, ignoreDuplicates bool) ([]*types.DeviceGroupElement, error) {
	groupID, _, err := s.requireGroup(ctx, groupToken)
	if err != nil {
		return nil, err
	}
	members, err := s.groupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	type pending struct {
		req types.GroupElementCreateRequest
		id  []byte
	}
	var todo []pending
	for _, req := range reqs {
		id, err := s.elementID(ctx, req)
		if err != nil {
			return nil, err
		}
		if _, ok := members[string(id)]; ok {
			if ignoreDuplicates {
				continue
			}
			return nil, dserrors.NewConflictError(dserrors.CodeDuplicateToken,
				fmt.Sprintf("%s %q is already in group %q", req.Type, req.ElementID, groupToken))
		}
		members[string(id)] = nil
		todo = append(todo, pending{req: req, id: id})
	}

	added := make([]*types.DeviceGroupElement, 0, len(todo))
	for _, p := range todo {
		key, n, err := s.childKey(ctx, keys.TableGroups, groupKey(groupID), keys.ElementCounter, keys.GroupElementRecord, false)
		if err != nil {
			return added, err
		}
		elem := &types.DeviceGroupElement{
			GroupToken: groupToken,
			Index:      n,
			Type:       p.req.Type,
			ElementID:  p.req.ElementID,
			Roles:      p.req.Roles,
		}
		if err := s.putElement(ctx, key, elem, p.id); err != nil {
			return added, err
		}
		added = append(added, elem)
	}
	return added, nil
}

func (s *Store) putElement(ctx context.Context, key []byte, elem *types.DeviceGroupElement, id []byte) error {
	cells, err := s.payloadCells(elem)
	if err != nil {
		return err
	}
	cells = append(cells, wide.Cell{Qualifier: keys.ElementID, Value: id})

	t, err := s.acquire(ctx, keys.TableGroups)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Put(ctx, key, cells...); err != nil {
		return writeFailed("group element", err)
	}
	return nil
}

// RemoveGroupElements removes members from a group and returns the removed
// elements. Members not in the group are ignored.
func (s *Store) RemoveGroupElements(ctx context.Context, groupToken string, reqs []types.GroupElementCreateRequest) ([]*types.DeviceGroupElement, error) {
	groupID, _, err := s.requireGroup(ctx, groupToken)
	if err != nil {
		return nil, err
	}
	members, err := s.groupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var rows [][]byte
	for _, req := range reqs {
		id, err := s.elementID(ctx, req)
		if err != nil {
			return nil, err
		}
		if key, ok := members[string(id)]; ok {
			rows = append(rows, key)
			delete(members, string(id))
		}
	}

	t, err := s.acquire(ctx, keys.TableGroups)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	removed := make([]*types.DeviceGroupElement, 0, len(rows))
	for _, key := range rows {
		r, err := t.Get(ctx, key)
		if err != nil {
			return removed, readFailed("group element", err)
		}
		if r == nil {
			continue
		}
		elem, err := decodeRow[types.DeviceGroupElement](s, r)
		if err != nil {
			return removed, err
		}
		if err := t.DeleteRow(ctx, key); err != nil {
			return removed, writeFailed("group element", err)
		}
		removed = append(removed, elem)
	}
	return removed, nil
}

// ListGroupElements pages the members of a group in insertion order.
func (s *Store) ListGroupElements(ctx context.Context, groupToken string, criteria types.SearchCriteria) (*types.SearchResults[*types.DeviceGroupElement], error) {
	groupID, err := s.ids.Groups().Require(ctx, groupToken)
	if err != nil {
		return nil, err
	}
	return scanPage(ctx, s, keys.TableGroups,
		keys.Subkey(groupID, keys.GroupElementRecord), keys.SubkeyEnd(groupID, keys.GroupElementRecord),
		criteria, func(r *wide.Row) (*types.DeviceGroupElement, bool, error) {
			elem, err := decodeRow[types.DeviceGroupElement](s, r)
			return elem, err == nil, err
		})
}

// cascade deletes every row in [start, stop). A failed child delete is logged
// and the cascade continues.
func (s *Store) cascade(ctx context.Context, table string, start, stop []byte, parent zap.Field) {
	t, err := s.acquire(ctx, table)
	if err != nil {
		s.logger.Error("cascade delete skipped", parent, zap.Error(err))
		return
	}
	defer t.Close()

	var children [][]byte
	if err := t.Scan(ctx, start, stop, func(r *wide.Row) error {
		children = append(children, r.Key)
		return nil
	}); err != nil {
		s.logger.Error("cascade delete scan failed", parent, zap.Error(err))
		return
	}

	for _, key := range children {
		if err := t.DeleteRow(ctx, key); err != nil {
			s.logger.Warn("cascade delete of child failed", parent, zap.Binary("row", key), zap.Error(err))
		}
	}
	s.logger.Debug("cascade delete finished", parent, zap.Int("children", len(children)))
}
