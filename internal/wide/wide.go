// Package wide defines the sparse, sorted, column-family store the device
// registry is built on, with in-memory and SQLite backends.
//
// Rows are addressed by binary keys and ordered bytewise. Each row holds any
// number of cells keyed by a binary qualifier, also ordered bytewise.
package wide

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrStop may be returned from a scan callback to end the scan without error.
var ErrStop = errors.New("wide: stop scan")

// ErrClosed is returned by operations on a closed store or released table.
var ErrClosed = errors.New("wide: closed")

// Cell is one column of a row.
type Cell struct {
	Qualifier []byte
	Value     []byte
}

// Row is a key and its cells in qualifier order.
type Row struct {
	Key   []byte
	Cells []Cell
}

// Value returns the value of the cell with the given qualifier, or nil.
func (r *Row) Value(qualifier []byte) []byte {
	if r == nil {
		return nil
	}
	for _, c := range r.Cells {
		if bytes.Equal(c.Qualifier, qualifier) {
			return c.Value
		}
	}
	return nil
}

// Has reports whether the row carries the qualifier.
func (r *Row) Has(qualifier []byte) bool {
	if r == nil {
		return false
	}
	for _, c := range r.Cells {
		if bytes.Equal(c.Qualifier, qualifier) {
			return true
		}
	}
	return false
}

// Op is the kind of a buffered mutation.
type Op uint8

const (
	OpPut Op = iota + 1
	OpDeleteCell
	OpDeleteRow
)

// Mutation is a single cell or row change that can be applied later.
type Mutation struct {
	Table     string `json:"t"`
	Op        Op     `json:"o"`
	Row       []byte `json:"r"`
	Qualifier []byte `json:"q,omitempty"`
	Value     []byte `json:"v,omitempty"`
}

// PutMutation builds a put of one cell.
func PutMutation(table string, row, qualifier, value []byte) Mutation {
	return Mutation{Table: table, Op: OpPut, Row: row, Qualifier: qualifier, Value: value}
}

// Store hands out table handles.
type Store interface {
	// Acquire returns a handle to the named table, creating it if needed.
	// Every handle must be released with Close.
	Acquire(ctx context.Context, table string) (Table, error)

	Close() error
}

// Table is a handle to one table.
type Table interface {
	Name() string

	// Get returns the row, or nil when it has no cells.
	Get(ctx context.Context, row []byte) (*Row, error)

	// GetCell returns one cell value, or nil when it does not exist.
	GetCell(ctx context.Context, row, qualifier []byte) ([]byte, error)

	Put(ctx context.Context, row []byte, cells ...Cell) error

	DeleteCells(ctx context.Context, row []byte, qualifiers ...[]byte) error

	DeleteRow(ctx context.Context, row []byte) error

	// Scan calls fn for each row with start <= key < stop in key order.
	// A nil start or stop leaves that side unbounded.
	Scan(ctx context.Context, start, stop []byte, fn func(*Row) error) error

	// Increment atomically adds delta to the 8-byte big-endian counter cell
	// and returns the new value. A missing cell counts as zero.
	Increment(ctx context.Context, row, qualifier []byte, delta int64) (int64, error)

	// CheckAndPut writes cell only if the current value of qualifier equals
	// expected, where nil expected means the cell must not exist. It reports
	// whether the write happened.
	CheckAndPut(ctx context.Context, row, qualifier, expected []byte, cell Cell) (bool, error)

	// Apply applies mutations addressed to this table in order.
	Apply(ctx context.Context, mutations []Mutation) error

	// Close releases the handle.
	Close() error
}

// EncodeCounter encodes a counter cell value.
func EncodeCounter(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

// DecodeCounter decodes a counter cell value; a nil value is zero.
func DecodeCounter(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("wide: counter cell has %d bytes, want 8", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func inRange(key, start, stop []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if stop != nil && bytes.Compare(key, stop) >= 0 {
		return false
	}
	return true
}
