// Package types provides the domain entities shared by the devicestore engine and its callers.
package types

import "time"

// Audit carries the created/updated/deleted envelope every top-level entity has.
type Audit struct {
	CreatedDate time.Time  `json:"createdDate"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	UpdatedDate *time.Time `json:"updatedDate,omitempty"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`

	// Deleted is populated from the row's deleted marker column, never from the payload.
	Deleted bool `json:"-"`
}

// Touch stamps the update half of the envelope.
func (a *Audit) Touch(now time.Time, by string) {
	t := now
	a.UpdatedDate = &t
	a.UpdatedBy = by
}

// Envelope returns the audit envelope of the embedding entity.
func (a *Audit) Envelope() *Audit { return a }

// SearchCriteria selects one page of a listing. PageNumber is 1-based;
// a PageSize of zero returns every match.
type SearchCriteria struct {
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
}

// DateRangeSearchCriteria bounds a listing by inclusive start and end dates.
// A nil bound is open.
type DateRangeSearchCriteria struct {
	SearchCriteria
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// SearchResults is one page of a listing plus the total number of matches.
type SearchResults[T any] struct {
	NumResults int `json:"numResults"`
	Results    []T `json:"results"`
}

// MergeMetadata returns update when it is non-nil, otherwise current.
func MergeMetadata(current, update map[string]string) map[string]string {
	if update == nil {
		return current
	}
	out := make(map[string]string, len(update))
	for k, v := range update {
		out[k] = v
	}
	return out
}

// ListCriteria pages a listing that may include soft-deleted entities.
type ListCriteria struct {
	SearchCriteria
	IncludeDeleted bool
}
