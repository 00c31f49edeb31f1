package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/arkilian/devicestore/internal/cache"
	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

func deviceKey(id []byte) []byte {
	return keys.Primary(id, keys.DeviceRecord)
}

// CreateDevice registers a device under its hardware ID.
func (s *Store) CreateDevice(ctx context.Context, req *types.DeviceCreateRequest) (*types.Device, error) {
	if err := requireField("hardware id", req.HardwareID); err != nil {
		return nil, err
	}
	if err := requireField("site token", req.SiteToken); err != nil {
		return nil, err
	}
	if err := s.checkDeviceReferences(ctx, req); err != nil {
		return nil, err
	}

	devices := s.ids.Devices()
	id, err := devices.Reserve(ctx, req.HardwareID)
	if err != nil {
		return nil, err
	}

	device := &types.Device{
		HardwareID:         req.HardwareID,
		SiteToken:          req.SiteToken,
		SpecificationToken: req.SpecificationToken,
		ParentHardwareID:   req.ParentHardwareID,
		Comments:           req.Comments,
		Status:             req.Status,
		Metadata:           types.MergeMetadata(nil, req.Metadata),
		Audit:              types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}
	if err := s.putDevice(ctx, deviceKey(id), nil, device); err != nil {
		s.release(ctx, devices, req.HardwareID)
		return nil, err
	}
	return device, nil
}

func (s *Store) checkDeviceReferences(ctx context.Context, req *types.DeviceCreateRequest) error {
	if req.SiteToken != "" {
		if _, err := s.ids.Sites().Require(ctx, req.SiteToken); err != nil {
			return err
		}
	}
	if req.SpecificationToken != "" {
		if _, err := s.ids.Specifications().Require(ctx, req.SpecificationToken); err != nil {
			return err
		}
	}
	if req.ParentHardwareID != "" {
		if _, err := s.ids.Devices().Require(ctx, req.ParentHardwareID); err != nil {
			return err
		}
	}
	return nil
}

// putDevice writes the payload and the denormalized site and specification
// columns used by listings.
func (s *Store) putDevice(ctx context.Context, key []byte, prev *wide.Row, device *types.Device) error {
	cells, err := s.payloadCells(device)
	if err != nil {
		return err
	}
	cells = append(cells,
		wide.Cell{Qualifier: keys.DeviceSite, Value: []byte(device.SiteToken)},
		wide.Cell{Qualifier: keys.DeviceSpecification, Value: []byte(device.SpecificationToken)})

	t, err := s.acquire(ctx, keys.TableDevices)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Put(ctx, key, cells...); err != nil {
		return writeFailed("device", err)
	}
	s.remember(ctx, cache.KindDevice, device.HardwareID, mergeCells(prev, key, cells...))
	return nil
}

func (s *Store) decodeDevice(r *wide.Row, includeDeleted bool) (*types.Device, error) {
	device, err := decodeRecord[types.Device](s, r, includeDeleted)
	if err != nil || device == nil {
		return nil, err
	}
	device.AssignmentToken = string(r.Value(keys.DeviceAssignment))
	return device, nil
}

// GetDevice returns the device, or nil when the hardware ID is unknown.
func (s *Store) GetDevice(ctx context.Context, hardwareID string, includeDeleted bool) (*types.Device, error) {
	id, err := s.ids.Devices().GetValue(ctx, hardwareID)
	if err != nil || id == nil {
		return nil, err
	}
	r, err := s.getRow(ctx, keys.TableDevices, cache.KindDevice, hardwareID, deviceKey(id))
	if err != nil {
		return nil, err
	}
	return s.decodeDevice(r, includeDeleted)
}

func (s *Store) requireDevice(ctx context.Context, hardwareID string) ([]byte, *wide.Row, *types.Device, error) {
	id, err := s.ids.Devices().Require(ctx, hardwareID)
	if err != nil {
		return nil, nil, nil, err
	}
	key := deviceKey(id)
	r, err := s.readRow(ctx, keys.TableDevices, key)
	if err != nil {
		return nil, nil, nil, err
	}
	device, err := s.decodeDevice(r, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if device == nil {
		return nil, nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidHardwareID,
			fmt.Sprintf("device %q has no record", hardwareID))
	}
	return key, r, device, nil
}

// UpdateDevice changes the fields set in req. The hardware ID cannot change.
func (s *Store) UpdateDevice(ctx context.Context, hardwareID string, req *types.DeviceCreateRequest) (*types.Device, error) {
	key, r, device, err := s.requireDevice(ctx, hardwareID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDeviceReferences(ctx, req); err != nil {
		return nil, err
	}

	if req.SiteToken != "" {
		device.SiteToken = req.SiteToken
	}
	if req.SpecificationToken != "" {
		device.SpecificationToken = req.SpecificationToken
	}
	if req.ParentHardwareID != "" {
		device.ParentHardwareID = req.ParentHardwareID
	}
	if req.Comments != "" {
		device.Comments = req.Comments
	}
	if req.Status != "" {
		device.Status = req.Status
	}
	device.Metadata = types.MergeMetadata(device.Metadata, req.Metadata)
	device.Touch(s.now(), s.actor)

	if err := s.putDevice(ctx, key, r, device); err != nil {
		return nil, err
	}
	return device, nil
}

// DeleteDevice soft deletes a device, or removes it when force is set. A
// device with a current assignment cannot be deleted.
func (s *Store) DeleteDevice(ctx context.Context, hardwareID string, force bool) (*types.Device, error) {
	key, _, device, err := s.requireDevice(ctx, hardwareID)
	if err != nil {
		return nil, err
	}
	if device.AssignmentToken != "" {
		return nil, dserrors.NewConflictError(dserrors.CodeDeviceAssigned,
			fmt.Sprintf("device %q is assigned by %q", hardwareID, device.AssignmentToken))
	}

	if err := s.deleteRecord(ctx, keys.TableDevices, key, force); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cache.KindDevice, hardwareID)
	if force {
		if err := s.ids.Devices().Delete(ctx, hardwareID); err != nil {
			return nil, err
		}
	}
	device.Deleted = true
	return device, nil
}

// ListDevices pages devices, newest first. Site and specification filters
// are applied to the denormalized columns before payloads are decoded.
func (s *Store) ListDevices(ctx context.Context, criteria types.DeviceSearchCriteria) (*types.SearchResults[*types.Device], error) {
	site := []byte(criteria.SiteToken)
	spec := []byte(criteria.SpecificationToken)

	return scanPage(ctx, s, keys.TableDevices, nil, nil, criteria.SearchCriteria,
		func(r *wide.Row) (*types.Device, bool, error) {
			if !keys.IsPrimary(r.Key, keys.DeviceRecord) {
				return nil, false, nil
			}
			if len(site) > 0 && !bytes.Equal(r.Value(keys.DeviceSite), site) {
				return nil, false, nil
			}
			if len(spec) > 0 && !bytes.Equal(r.Value(keys.DeviceSpecification), spec) {
				return nil, false, nil
			}
			if criteria.ExcludeAssigned && r.Has(keys.DeviceAssignment) {
				return nil, false, nil
			}
			device, err := s.decodeDevice(r, criteria.IncludeDeleted)
			return device, device != nil, err
		})
}
