package store

import (
	"context"
	"fmt"

	"github.com/arkilian/devicestore/internal/cache"
	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

func specificationKey(id []byte) []byte {
	return keys.Primary(id, keys.SpecificationRecord)
}

// CreateSpecification creates a device specification.
func (s *Store) CreateSpecification(ctx context.Context, req *types.SpecificationCreateRequest) (*types.DeviceSpecification, error) {
	if err := requireField("specification name", req.Name); err != nil {
		return nil, err
	}

	specs := s.ids.Specifications()
	token, id, err := allocate(ctx, specs, req.Token)
	if err != nil {
		return nil, err
	}

	spec := &types.DeviceSpecification{
		Token:           token,
		Name:            req.Name,
		AssetModuleID:   req.AssetModuleID,
		AssetID:         req.AssetID,
		ContainerPolicy: req.ContainerPolicy,
		Metadata:        types.MergeMetadata(nil, req.Metadata),
		Audit:           types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}
	if spec.ContainerPolicy == "" {
		spec.ContainerPolicy = types.ContainerStandalone
	}

	if err := s.putRecord(ctx, keys.TableSpecifications, cache.KindSpecification, token, specificationKey(id), nil, spec); err != nil {
		s.release(ctx, specs, token)
		return nil, err
	}
	return spec, nil
}

// GetSpecification returns the specification, or nil when the token is unknown.
func (s *Store) GetSpecification(ctx context.Context, token string, includeDeleted bool) (*types.DeviceSpecification, error) {
	id, err := s.ids.Specifications().GetValue(ctx, token)
	if err != nil || id == nil {
		return nil, err
	}
	r, err := s.getRow(ctx, keys.TableSpecifications, cache.KindSpecification, token, specificationKey(id))
	if err != nil {
		return nil, err
	}
	return decodeRecord[types.DeviceSpecification](s, r, includeDeleted)
}

func (s *Store) requireSpecification(ctx context.Context, token string) ([]byte, *wide.Row, *types.DeviceSpecification, error) {
	id, err := s.ids.Specifications().Require(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableSpecifications, specificationKey(id))
	if err != nil {
		return nil, nil, nil, err
	}
	spec, err := decodeRecord[types.DeviceSpecification](s, r, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if spec == nil {
		return nil, nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidSpecificationToken,
			fmt.Sprintf("specification %q has no record", token))
	}
	return id, r, spec, nil
}

// UpdateSpecification changes the fields set in req.
func (s *Store) UpdateSpecification(ctx context.Context, token string, req *types.SpecificationCreateRequest) (*types.DeviceSpecification, error) {
	id, r, spec, err := s.requireSpecification(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		spec.Name = req.Name
	}
	if req.AssetModuleID != "" {
		spec.AssetModuleID = req.AssetModuleID
	}
	if req.AssetID != "" {
		spec.AssetID = req.AssetID
	}
	if req.ContainerPolicy != "" {
		spec.ContainerPolicy = req.ContainerPolicy
	}
	spec.Metadata = types.MergeMetadata(spec.Metadata, req.Metadata)
	spec.Touch(s.now(), s.actor)

	if err := s.putRecord(ctx, keys.TableSpecifications, cache.KindSpecification, token, specificationKey(id), r, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// DeleteSpecification soft deletes a specification, or removes it when force
// is set. Commands of a force-deleted specification are left orphaned.
func (s *Store) DeleteSpecification(ctx context.Context, token string, force bool) (*types.DeviceSpecification, error) {
	id, _, spec, err := s.requireSpecification(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.deleteRecord(ctx, keys.TableSpecifications, specificationKey(id), force); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cache.KindSpecification, token)
	if force {
		if err := s.ids.Specifications().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	spec.Deleted = true
	return spec, nil
}

// ListSpecifications pages every specification in creation order.
func (s *Store) ListSpecifications(ctx context.Context, criteria types.ListCriteria) (*types.SearchResults[*types.DeviceSpecification], error) {
	return scanPage(ctx, s, keys.TableSpecifications, nil, nil, criteria.SearchCriteria,
		func(r *wide.Row) (*types.DeviceSpecification, bool, error) {
			if !keys.IsPrimary(r.Key, keys.SpecificationRecord) {
				return nil, false, nil
			}
			spec, err := decodeRecord[types.DeviceSpecification](s, r, criteria.IncludeDeleted)
			return spec, spec != nil, err
		})
}
