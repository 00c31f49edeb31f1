// Package keys builds the binary row keys and column qualifiers of every
// devicestore table. All tags and qualifiers here are persisted and must not
// change.
package keys

import (
	"encoding/binary"
	"fmt"
	"math"

	dserrors "github.com/arkilian/devicestore/internal/errors"
)

// IDWidth is the byte width of every compact identifier.
const IDWidth = 4

// Table names.
const (
	TableUIDs           = "uids"
	TableSites          = "sites"
	TableDevices        = "devices"
	TableSpecifications = "specifications"
	TableGroups         = "groups"
	TableBatch          = "batch"
	TableEvents         = "events"
)

// Tables lists every table in creation order.
var Tables = []string{TableUIDs, TableSites, TableDevices, TableSpecifications, TableGroups, TableBatch, TableEvents}

// Record tags distinguish record kinds that share a table.
const (
	SiteRecord       byte = 0x00
	ZoneRecord       byte = 0x01
	AssignmentRecord byte = 0x02

	DeviceRecord byte = 0x00

	GroupRecord        byte = 0x00
	GroupElementRecord byte = 0x01

	BatchRecord        byte = 0x00
	BatchElementRecord byte = 0x01

	SpecificationRecord byte = 0x00
	CommandRecord       byte = 0x01
)

// Column qualifiers.
var (
	Indicator = []byte{'T'}
	Payload   = []byte{'P'}
	Deleted   = []byte{'D'}

	DeviceSite          = []byte{'S'}
	DeviceSpecification = []byte{'C'}
	DeviceAssignment    = []byte{'A'}
	AssignmentHistory   = []byte{'H'}

	StateIndicator = []byte{'t'}
	StatePayload   = []byte{'s'}

	ZoneCounter       = []byte{'Z'}
	AssignmentCounter = []byte{'N'}
	ElementCounter    = []byte{'E'}
	CommandCounter    = []byte{'M'}

	ElementID = []byte{'I'}
)

// Group element kinds, the first byte of the ElementID column.
const (
	GroupElementDeviceTag byte = 0x01
	GroupElementGroupTag  byte = 0x02
)

// DeletedMarker is the value written to the Deleted column on soft delete.
var DeletedMarker = []byte{0x01}

// EncodeID encodes n as a big-endian value of the given byte width. A
// descending ID is stored as its complement against the width's maximum so
// that larger IDs sort first.
func EncodeID(n uint64, width int, descending bool) ([]byte, error) {
	if width < 1 || width > 8 {
		return nil, fmt.Errorf("keys: invalid id width %d", width)
	}
	maxID := uint64(math.MaxUint64)
	if width < 8 {
		maxID = 1<<(8*uint(width)) - 1
	}
	if n > maxID {
		return nil, dserrors.NewValidationError(dserrors.CodeIdentifierOverflow,
			fmt.Sprintf("identifier %d does not fit in %d bytes", n, width))
	}
	if descending {
		n = maxID - n
	}

	full := make([]byte, 8)
	binary.BigEndian.PutUint64(full, n)
	return full[8-width:], nil
}

// DecodeID reverses EncodeID for a key of len(b) bytes, which must be
// between 1 and 8.
func DecodeID(b []byte, descending bool) (uint64, error) {
	if len(b) < 1 || len(b) > 8 {
		return 0, fmt.Errorf("keys: invalid id width %d", len(b))
	}
	full := make([]byte, 8)
	copy(full[8-len(b):], b)
	n := binary.BigEndian.Uint64(full)
	if descending {
		maxID := uint64(math.MaxUint64)
		if len(b) < 8 {
			maxID = 1<<(8*uint(len(b))) - 1
		}
		n = maxID - n
	}
	return n, nil
}

// ID encodes a 4-byte identifier.
func ID(n uint64, descending bool) ([]byte, error) {
	return EncodeID(n, IDWidth, descending)
}

// BuildKey returns parent ‖ tag ‖ child.
func BuildKey(parent []byte, tag byte, child []byte) []byte {
	k := make([]byte, 0, len(parent)+1+len(child))
	k = append(k, parent...)
	k = append(k, tag)
	return append(k, child...)
}

// Subkey returns parent ‖ tag, the first key of the tag's range.
func Subkey(parent []byte, tag byte) []byte {
	return BuildKey(parent, tag, nil)
}

// SubkeyEnd returns parent ‖ tag+1, the exclusive end of the tag's range.
func SubkeyEnd(parent []byte, tag byte) []byte {
	return BuildKey(parent, tag+1, nil)
}

// Primary returns the row key of a top-level record: id ‖ tag.
func Primary(id []byte, tag byte) []byte {
	return Subkey(id, tag)
}

// IsPrimary reports whether key is a top-level record of the given tag.
func IsPrimary(key []byte, tag byte) bool {
	return len(key) == IDWidth+1 && key[IDWidth] == tag
}

// Parent returns the leading identifier of a key.
func Parent(key []byte) []byte {
	if len(key) < IDWidth {
		return nil
	}
	return key[:IDWidth]
}

// HistoryQualifier builds the device assignment history column for an
// assignment activated at activeMillis. Newer assignments sort first.
func HistoryQualifier(activeMillis int64, assignmentKey []byte) []byte {
	q := make([]byte, 0, 1+8+len(assignmentKey))
	q = append(q, AssignmentHistory...)
	q = binary.BigEndian.AppendUint64(q, ^uint64(activeMillis))
	return append(q, assignmentKey...)
}

// IsHistoryQualifier reports whether q is an assignment history column.
func IsHistoryQualifier(q []byte) bool {
	return len(q) > 9 && q[0] == AssignmentHistory[0]
}

// Counter encodes an element or command counter as a 4-byte ascending ID.
func Counter(n int64) ([]byte, error) {
	if n < 0 {
		return nil, dserrors.NewValidationError(dserrors.CodeIdentifierOverflow,
			fmt.Sprintf("negative counter %d", n))
	}
	return EncodeID(uint64(n), IDWidth, false)
}
