package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/cache"
	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/pager"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

// CreateAssignment assigns a device to its site. The device's current
// assignment column is claimed with a compare-and-swap, so of two concurrent
// creates for one device exactly one succeeds.
func (s *Store) CreateAssignment(ctx context.Context, req *types.AssignmentCreateRequest) (*types.DeviceAssignment, error) {
	if err := requireField("device hardware id", req.DeviceHardwareID); err != nil {
		return nil, err
	}
	deviceKey, _, device, err := s.requireDevice(ctx, req.DeviceHardwareID)
	if err != nil {
		return nil, err
	}
	if device.Deleted {
		return nil, dserrors.NewReferenceError(dserrors.CodeInvalidHardwareID,
			fmt.Sprintf("device %q is deleted", req.DeviceHardwareID))
	}
	if device.AssignmentToken != "" {
		return nil, alreadyAssigned(req.DeviceHardwareID)
	}
	siteID, err := s.ids.Sites().Require(ctx, device.SiteToken)
	if err != nil {
		return nil, err
	}
	assignments := s.ids.Assignments()
	if err := checkUnbound(ctx, assignments, req.Token, "assignment"); err != nil {
		return nil, err
	}

	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	if err := s.claimDevice(ctx, deviceKey, req.DeviceHardwareID, token); err != nil {
		return nil, err
	}

	akey, _, err := s.childKey(ctx, keys.TableSites, siteKey(siteID), keys.AssignmentCounter, keys.AssignmentRecord, true)
	if err == nil {
		err = assignments.Bind(ctx, token, akey)
	}
	if err != nil {
		s.releaseDevice(ctx, req.DeviceHardwareID, token)
		return nil, err
	}

	now := s.now()
	a := &types.DeviceAssignment{
		Token:            token,
		DeviceHardwareID: req.DeviceHardwareID,
		SiteToken:        device.SiteToken,
		AssignmentType:   req.AssignmentType,
		AssetModuleID:    req.AssetModuleID,
		AssetID:          req.AssetID,
		Status:           types.AssignmentActive,
		ActiveDate:       now,
		Metadata:         types.MergeMetadata(nil, req.Metadata),
		Audit:            types.Audit{CreatedDate: now, CreatedBy: s.actor},
	}
	if a.AssignmentType == "" {
		a.AssignmentType = types.AssignmentUnassociated
		if req.AssetID != "" {
			a.AssignmentType = types.AssignmentAssociated
		}
	}

	if err := s.putRecord(ctx, keys.TableSites, cache.KindAssignment, token, akey, nil, a); err != nil {
		s.release(ctx, assignments, token)
		s.releaseDevice(ctx, req.DeviceHardwareID, token)
		return nil, err
	}

	// The device row already carries the claim.
	s.invalidate(ctx, cache.KindDevice, req.DeviceHardwareID)
	if err := s.recordHistory(ctx, deviceKey, now.UnixMilli(), akey, token); err != nil {
		return nil, err
	}
	return a, nil
}

func alreadyAssigned(hardwareID string) error {
	return dserrors.NewConflictError(dserrors.CodeDeviceAlreadyAssigned,
		fmt.Sprintf("device %q already has an active assignment", hardwareID))
}

func (s *Store) claimDevice(ctx context.Context, key []byte, hardwareID, token string) error {
	t, err := s.acquire(ctx, keys.TableDevices)
	if err != nil {
		return err
	}
	defer t.Close()

	ok, err := t.CheckAndPut(ctx, key, keys.DeviceAssignment, nil,
		wide.Cell{Qualifier: keys.DeviceAssignment, Value: []byte(token)})
	if err != nil {
		return writeFailed("device assignment", err)
	}
	if !ok {
		return alreadyAssigned(hardwareID)
	}
	return nil
}

// releaseDevice clears the device's current assignment column if it still
// names token.
func (s *Store) releaseDevice(ctx context.Context, hardwareID, token string) {
	if err := s.clearDeviceAssignment(ctx, hardwareID, token); err != nil {
		s.logger.Warn("failed to release device assignment",
			zap.String("hardwareId", hardwareID), zap.String("assignment", token), zap.Error(err))
	}
}

func (s *Store) clearDeviceAssignment(ctx context.Context, hardwareID, token string) error {
	id, err := s.ids.Devices().GetValue(ctx, hardwareID)
	if err != nil || id == nil {
		return err
	}
	defer s.invalidate(ctx, cache.KindDevice, hardwareID)

	t, err := s.acquire(ctx, keys.TableDevices)
	if err != nil {
		return err
	}
	defer t.Close()

	key := deviceKey(id)
	cur, err := t.GetCell(ctx, key, keys.DeviceAssignment)
	if err != nil {
		return readFailed("device assignment", err)
	}
	if string(cur) != token {
		return nil
	}
	if err := t.DeleteCells(ctx, key, keys.DeviceAssignment); err != nil {
		return writeFailed("device assignment", err)
	}
	return nil
}

func (s *Store) recordHistory(ctx context.Context, deviceKey []byte, activeMillis int64, akey []byte, token string) error {
	t, err := s.acquire(ctx, keys.TableDevices)
	if err != nil {
		return err
	}
	defer t.Close()

	cell := wide.Cell{Qualifier: keys.HistoryQualifier(activeMillis, akey), Value: []byte(token)}
	if err := t.Put(ctx, deviceKey, cell); err != nil {
		return writeFailed("assignment history", err)
	}
	return nil
}

func (s *Store) decodeAssignment(r *wide.Row, includeDeleted bool) (*types.DeviceAssignment, error) {
	a, err := decodeRecord[types.DeviceAssignment](s, r, includeDeleted)
	if err != nil || a == nil {
		return nil, err
	}
	if r.Has(keys.StatePayload) {
		var state types.DeviceAssignmentState
		if err := s.decodeCells(r.Value(keys.StateIndicator), r.Value(keys.StatePayload), &state); err != nil {
			return nil, err
		}
		a.State = &state
	}
	return a, nil
}

// GetAssignment returns the assignment, or nil when the token is unknown.
func (s *Store) GetAssignment(ctx context.Context, token string, includeDeleted bool) (*types.DeviceAssignment, error) {
	key, err := s.ids.Assignments().GetValue(ctx, token)
	if err != nil || key == nil {
		return nil, err
	}
	r, err := s.getRow(ctx, keys.TableSites, cache.KindAssignment, token, key)
	if err != nil {
		return nil, err
	}
	return s.decodeAssignment(r, includeDeleted)
}

func (s *Store) requireAssignment(ctx context.Context, token string) ([]byte, *wide.Row, *types.DeviceAssignment, error) {
	key, err := s.ids.Assignments().Require(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableSites, key)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := s.decodeAssignment(r, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if a == nil {
		return nil, nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidAssignmentToken,
			fmt.Sprintf("assignment %q has no record", token))
	}
	return key, r, a, nil
}

// GetCurrentAssignment returns the device's current assignment, or nil when
// it has none.
func (s *Store) GetCurrentAssignment(ctx context.Context, hardwareID string) (*types.DeviceAssignment, error) {
	_, _, device, err := s.requireDevice(ctx, hardwareID)
	if err != nil {
		return nil, err
	}
	if device.AssignmentToken == "" {
		return nil, nil
	}
	return s.GetAssignment(ctx, device.AssignmentToken, false)
}

func (s *Store) saveAssignment(ctx context.Context, key []byte, prev *wide.Row, a *types.DeviceAssignment) error {
	return s.putRecord(ctx, keys.TableSites, cache.KindAssignment, a.Token, key, prev, a)
}

// UpdateAssignmentMetadata replaces the assignment's metadata.
func (s *Store) UpdateAssignmentMetadata(ctx context.Context, token string, metadata map[string]string) (*types.DeviceAssignment, error) {
	key, r, a, err := s.requireAssignment(ctx, token)
	if err != nil {
		return nil, err
	}
	a.Metadata = types.MergeMetadata(a.Metadata, metadata)
	a.Touch(s.now(), s.actor)
	if err := s.saveAssignment(ctx, key, r, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAssignmentStatus moves an assignment between Active and Missing, or
// ends it when status is Released. A released assignment cannot be revived.
func (s *Store) UpdateAssignmentStatus(ctx context.Context, token string, status types.AssignmentStatus) (*types.DeviceAssignment, error) {
	switch status {
	case types.AssignmentReleased:
		return s.EndAssignment(ctx, token)
	case types.AssignmentActive, types.AssignmentMissing:
	default:
		return nil, dserrors.NewValidationError(dserrors.CodeInvalidRequest,
			fmt.Sprintf("unknown assignment status %q", status))
	}

	key, r, a, err := s.requireAssignment(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AssignmentReleased {
		return nil, dserrors.NewValidationError(dserrors.CodeInvalidRequest,
			fmt.Sprintf("assignment %q is released", token))
	}
	a.Status = status
	a.Touch(s.now(), s.actor)
	if err := s.saveAssignment(ctx, key, r, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAssignmentState replaces the state snapshot. Only the state columns
// are written.
func (s *Store) UpdateAssignmentState(ctx context.Context, token string, state *types.DeviceAssignmentState) (*types.DeviceAssignment, error) {
	key, _, a, err := s.requireAssignment(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.writeState(ctx, token, key, state); err != nil {
		return nil, err
	}
	a.State = state
	return a, nil
}

func (s *Store) writeState(ctx context.Context, token string, key []byte, state *types.DeviceAssignmentState) error {
	indicator, data, err := s.codec.Encode(state)
	if err != nil {
		return err
	}

	t, err := s.acquire(ctx, keys.TableSites)
	if err != nil {
		return err
	}
	defer t.Close()

	err = t.Put(ctx, key,
		wide.Cell{Qualifier: keys.StateIndicator, Value: []byte{indicator}},
		wide.Cell{Qualifier: keys.StatePayload, Value: data})
	if err != nil {
		return writeFailed("assignment state", err)
	}
	s.invalidate(ctx, cache.KindAssignment, token)
	return nil
}

// EndAssignment releases an assignment and clears the device's reference to
// it. Ending a released assignment returns it unchanged.
func (s *Store) EndAssignment(ctx context.Context, token string) (*types.DeviceAssignment, error) {
	key, r, a, err := s.requireAssignment(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AssignmentReleased {
		return a, nil
	}

	now := s.now()
	a.Status = types.AssignmentReleased
	a.ReleasedDate = &now
	a.Touch(now, s.actor)
	if err := s.saveAssignment(ctx, key, r, a); err != nil {
		return nil, err
	}
	if err := s.clearDeviceAssignment(ctx, a.DeviceHardwareID, token); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAssignment soft deletes an assignment, or removes it when force is
// set. Either way the device no longer references it.
func (s *Store) DeleteAssignment(ctx context.Context, token string, force bool) (*types.DeviceAssignment, error) {
	key, _, a, err := s.requireAssignment(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.deleteRecord(ctx, keys.TableSites, key, force); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cache.KindAssignment, token)
	if err := s.clearDeviceAssignment(ctx, a.DeviceHardwareID, token); err != nil {
		return nil, err
	}
	if force {
		if err := s.ids.Assignments().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	a.Deleted = true
	return a, nil
}

// ListAssignmentsForSite pages the assignments of a site, newest first.
func (s *Store) ListAssignmentsForSite(ctx context.Context, siteToken string, criteria types.AssignmentSearchCriteria) (*types.SearchResults[*types.DeviceAssignment], error) {
	siteID, err := s.ids.Sites().Require(ctx, siteToken)
	if err != nil {
		return nil, err
	}
	return scanPage(ctx, s, keys.TableSites,
		keys.Subkey(siteID, keys.AssignmentRecord), keys.SubkeyEnd(siteID, keys.AssignmentRecord),
		criteria.SearchCriteria, func(r *wide.Row) (*types.DeviceAssignment, bool, error) {
			a, err := s.decodeAssignment(r, criteria.IncludeDeleted)
			if err != nil || a == nil {
				return nil, false, err
			}
			if criteria.Status != "" && a.Status != criteria.Status {
				return nil, false, nil
			}
			return a, true, nil
		})
}

// AssignmentHistory pages every assignment a device has had, newest first,
// including deleted ones. Force-deleted assignments are skipped.
func (s *Store) AssignmentHistory(ctx context.Context, hardwareID string, criteria types.SearchCriteria) (*types.SearchResults[*types.DeviceAssignment], error) {
	_, r, _, err := s.requireDevice(ctx, hardwareID)
	if err != nil {
		return nil, err
	}

	var history []wide.Cell
	for _, c := range r.Cells {
		if keys.IsHistoryQualifier(c.Qualifier) {
			history = append(history, c)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return bytes.Compare(history[i].Qualifier, history[j].Qualifier) < 0
	})

	p := pager.New[*types.DeviceAssignment](criteria)
	for _, c := range history {
		a, err := s.GetAssignment(ctx, string(c.Value), true)
		if err != nil {
			return nil, err
		}
		if a != nil {
			p.Process(a)
		}
	}
	return p.SearchResults(), nil
}
