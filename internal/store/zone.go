package store

import (
	"context"
	"fmt"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

const defaultZoneOpacity = 0.5

// CreateZone creates a zone within a site.
func (s *Store) CreateZone(ctx context.Context, siteToken string, req *types.ZoneCreateRequest) (*types.Zone, error) {
	if err := requireField("zone name", req.Name); err != nil {
		return nil, err
	}
	siteID, err := s.ids.Sites().Require(ctx, siteToken)
	if err != nil {
		return nil, err
	}
	zones := s.ids.Zones()
	if err := checkUnbound(ctx, zones, req.Token, "zone"); err != nil {
		return nil, err
	}

	key, _, err := s.childKey(ctx, keys.TableSites, siteKey(siteID), keys.ZoneCounter, keys.ZoneRecord, true)
	if err != nil {
		return nil, err
	}
	token, err := bindChild(ctx, zones, req.Token, key)
	if err != nil {
		return nil, err
	}

	zone := &types.Zone{
		Token:       token,
		SiteToken:   siteToken,
		Name:        req.Name,
		Coordinates: req.Coordinates,
		BorderColor: req.BorderColor,
		FillColor:   req.FillColor,
		Opacity:     defaultZoneOpacity,
		Metadata:    types.MergeMetadata(nil, req.Metadata),
		Audit:       types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}
	if req.Opacity != nil {
		zone.Opacity = *req.Opacity
	}

	if err := s.putRecord(ctx, keys.TableSites, "", "", key, nil, zone); err != nil {
		s.release(ctx, zones, token)
		return nil, err
	}
	return zone, nil
}

// childKey allocates the next child of a parent row by incrementing one of
// its counter columns. It returns the child's row key and counter value.
func (s *Store) childKey(ctx context.Context, table string, parentKey, counter []byte, tag byte, descending bool) ([]byte, int64, error) {
	t, err := s.acquire(ctx, table)
	if err != nil {
		return nil, 0, err
	}
	defer t.Close()

	n, err := t.Increment(ctx, parentKey, counter, 1)
	if err != nil {
		return nil, 0, incrementFailed(fmt.Sprintf("%s counter %q", table, counter), err)
	}
	child, err := keys.ID(uint64(n), descending)
	if err != nil {
		return nil, 0, err
	}
	return keys.BuildKey(keys.Parent(parentKey), tag, child), n, nil
}

// GetZone returns the zone, or nil when the token is unknown.
func (s *Store) GetZone(ctx context.Context, token string, includeDeleted bool) (*types.Zone, error) {
	key, err := s.ids.Zones().GetValue(ctx, token)
	if err != nil || key == nil {
		return nil, err
	}
	r, err := s.readRow(ctx, keys.TableSites, key)
	if err != nil {
		return nil, err
	}
	return decodeRecord[types.Zone](s, r, includeDeleted)
}

func (s *Store) requireZone(ctx context.Context, token string) ([]byte, *types.Zone, error) {
	key, err := s.ids.Zones().Require(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableSites, key)
	if err != nil {
		return nil, nil, err
	}
	zone, err := decodeRecord[types.Zone](s, r, true)
	if err != nil {
		return nil, nil, err
	}
	if zone == nil {
		return nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidZoneToken,
			fmt.Sprintf("zone %q has no record", token))
	}
	return key, zone, nil
}

// UpdateZone changes the fields set in req.
func (s *Store) UpdateZone(ctx context.Context, token string, req *types.ZoneCreateRequest) (*types.Zone, error) {
	key, zone, err := s.requireZone(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		zone.Name = req.Name
	}
	if req.Coordinates != nil {
		zone.Coordinates = req.Coordinates
	}
	if req.BorderColor != "" {
		zone.BorderColor = req.BorderColor
	}
	if req.FillColor != "" {
		zone.FillColor = req.FillColor
	}
	if req.Opacity != nil {
		zone.Opacity = *req.Opacity
	}
	zone.Metadata = types.MergeMetadata(zone.Metadata, req.Metadata)
	zone.Touch(s.now(), s.actor)

	if err := s.putRecord(ctx, keys.TableSites, "", "", key, nil, zone); err != nil {
		return nil, err
	}
	return zone, nil
}

// DeleteZone soft deletes a zone, or removes it when force is set.
func (s *Store) DeleteZone(ctx context.Context, token string, force bool) (*types.Zone, error) {
	key, zone, err := s.requireZone(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.deleteRecord(ctx, keys.TableSites, key, force); err != nil {
		return nil, err
	}
	if force {
		if err := s.ids.Zones().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	zone.Deleted = true
	return zone, nil
}

// ListZones pages the zones of a site, newest first.
func (s *Store) ListZones(ctx context.Context, siteToken string, criteria types.ListCriteria) (*types.SearchResults[*types.Zone], error) {
	siteID, err := s.ids.Sites().Require(ctx, siteToken)
	if err != nil {
		return nil, err
	}
	return scanPage(ctx, s, keys.TableSites, keys.Subkey(siteID, keys.ZoneRecord), keys.SubkeyEnd(siteID, keys.ZoneRecord),
		criteria.SearchCriteria, func(r *wide.Row) (*types.Zone, bool, error) {
			zone, err := decodeRecord[types.Zone](s, r, criteria.IncludeDeleted)
			return zone, zone != nil, err
		})
}
