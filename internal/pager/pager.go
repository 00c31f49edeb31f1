// Package pager selects one page from a stream of matches while counting them all.
package pager

import (
	"math"

	"github.com/arkilian/devicestore/pkg/types"
)

// Pager collects the items of one page. Items are offered in result order
// through Process; every item is counted, only those on the page are kept.
type Pager[T any] struct {
	first, last int // window [first, last); last < 0 means unbounded
	total       int
	results     []T
}

// New returns a pager for the criteria. A page number below 1 is treated as
// 1 and a page size of 0 keeps every item.
func New[T any](c types.SearchCriteria) *Pager[T] {
	page := max(c.PageNumber, 1)
	p := &Pager[T]{last: -1}
	switch {
	case c.PageSize <= 0:
	case page-1 >= math.MaxInt/c.PageSize:
		// The window starts beyond any countable stream.
		p.first, p.last = math.MaxInt, math.MaxInt
	default:
		p.first = (page - 1) * c.PageSize
		p.last = p.first + c.PageSize
	}
	return p
}

// Process offers the next matching item.
func (p *Pager[T]) Process(item T) {
	if p.total >= p.first && (p.last < 0 || p.total < p.last) {
		p.results = append(p.results, item)
	}
	p.total++
}

// Results returns the items on the page.
func (p *Pager[T]) Results() []T {
	if p.results == nil {
		return []T{}
	}
	return p.results
}

// Total returns the number of items processed.
func (p *Pager[T]) Total() int { return p.total }

// SearchResults packages the page with the total count.
func (p *Pager[T]) SearchResults() *types.SearchResults[T] {
	return &types.SearchResults[T]{NumResults: p.total, Results: p.Results()}
}
