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

func siteKey(id []byte) []byte {
	return keys.Primary(id, keys.SiteRecord)
}

// CreateSite creates a site. An empty token is generated.
func (s *Store) CreateSite(ctx context.Context, req *types.SiteCreateRequest) (*types.Site, error) {
	if err := requireField("site name", req.Name); err != nil {
		return nil, err
	}

	sites := s.ids.Sites()
	token, id, err := allocate(ctx, sites, req.Token)
	if err != nil {
		return nil, err
	}

	site := &types.Site{
		Token:       token,
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Metadata:    types.MergeMetadata(nil, req.Metadata),
		Audit:       types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}
	if req.Map != nil {
		site.Map = *req.Map
	}

	key := siteKey(id)
	if err := s.putRecord(ctx, keys.TableSites, cache.KindSite, token, key, nil, site); err != nil {
		s.release(ctx, sites, token)
		return nil, err
	}
	return site, nil
}

// GetSite returns the site, or nil when the token is unknown.
func (s *Store) GetSite(ctx context.Context, token string, includeDeleted bool) (*types.Site, error) {
	id, err := s.ids.Sites().GetValue(ctx, token)
	if err != nil || id == nil {
		return nil, err
	}
	r, err := s.getRow(ctx, keys.TableSites, cache.KindSite, token, siteKey(id))
	if err != nil {
		return nil, err
	}
	return decodeRecord[types.Site](s, r, includeDeleted)
}

// requireSite loads a site for modification, bypassing the cache.
func (s *Store) requireSite(ctx context.Context, token string) ([]byte, *wide.Row, *types.Site, error) {
	id, err := s.ids.Sites().Require(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableSites, siteKey(id))
	if err != nil {
		return nil, nil, nil, err
	}
	site, err := decodeRecord[types.Site](s, r, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if site == nil {
		return nil, nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidSiteToken,
			fmt.Sprintf("site %q has no record", token))
	}
	return id, r, site, nil
}

// UpdateSite changes the fields set in req.
func (s *Store) UpdateSite(ctx context.Context, token string, req *types.SiteCreateRequest) (*types.Site, error) {
	id, r, site, err := s.requireSite(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		site.Name = req.Name
	}
	if req.Description != "" {
		site.Description = req.Description
	}
	if req.ImageURL != "" {
		site.ImageURL = req.ImageURL
	}
	if req.Map != nil {
		site.Map = *req.Map
	}
	site.Metadata = types.MergeMetadata(site.Metadata, req.Metadata)
	site.Touch(s.now(), s.actor)

	if err := s.putRecord(ctx, keys.TableSites, cache.KindSite, token, siteKey(id), r, site); err != nil {
		return nil, err
	}
	return site, nil
}

// DeleteSite soft deletes a site, or removes its row and token when force is
// set. Zones and assignments of a force-deleted site are left orphaned.
func (s *Store) DeleteSite(ctx context.Context, token string, force bool) (*types.Site, error) {
	id, _, site, err := s.requireSite(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.deleteRecord(ctx, keys.TableSites, siteKey(id), force); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cache.KindSite, token)
	if force {
		if err := s.ids.Sites().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	site.Deleted = true
	return site, nil
}

// ListSites pages every site, newest first.
func (s *Store) ListSites(ctx context.Context, criteria types.ListCriteria) (*types.SearchResults[*types.Site], error) {
	return scanPage(ctx, s, keys.TableSites, nil, nil, criteria.SearchCriteria,
		func(r *wide.Row) (*types.Site, bool, error) {
			if !keys.IsPrimary(r.Key, keys.SiteRecord) {
				return nil, false, nil
			}
			site, err := decodeRecord[types.Site](s, r, criteria.IncludeDeleted)
			return site, site != nil, err
		})
}

// putRecord writes the payload columns of a record. prev is the row as read
// before the write; cached kinds are refreshed from it.
func (s *Store) putRecord(ctx context.Context, table, kind, token string, key []byte, prev *wide.Row, v any) error {
	cells, err := s.payloadCells(v)
	if err != nil {
		return err
	}

	t, err := s.acquire(ctx, table)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := t.Put(ctx, key, cells...); err != nil {
		return writeFailed(table+" record", err)
	}
	if kind != "" {
		s.remember(ctx, kind, token, mergeCells(prev, key, cells...))
	}
	return nil
}

func (s *Store) deleteRecord(ctx context.Context, table string, key []byte, force bool) error {
	t, err := s.acquire(ctx, table)
	if err != nil {
		return err
	}
	defer t.Close()

	if force {
		err = t.DeleteRow(ctx, key)
	} else {
		err = softDelete(ctx, t, key)
	}
	if err != nil {
		return writeFailed(table+" record", err)
	}
	return nil
}
