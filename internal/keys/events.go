package keys

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/wide"
)

// AssignmentKeyLen is the length of an assignment row key:
// siteID ‖ AssignmentRecord ‖ assignmentID.
const AssignmentKeyLen = 2*IDWidth + 1

// EventRowLen is the length of an event row key: assignmentKey ‖ ^high5(millis).
const EventRowLen = AssignmentKeyLen + 5

// EventQualifierLen is the length of an event qualifier: ^low3(millis) ‖ tag ‖ indicator.
const EventQualifierLen = 5

// Tags of the non-event columns kept in event rows.
const (
	ResponseCounterTag byte = 0x10
	ResponseLinkTag    byte = 0x11
)

// Crockford's base32 alphabet, no padding.
var eventIDEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

func splitMillis(millis int64) ([]byte, error) {
	if millis < 0 {
		return nil, dserrors.NewValidationError(dserrors.CodeInvalidTimestamp,
			fmt.Sprintf("event time %d precedes the epoch", millis))
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ^uint64(millis))
	return b, nil
}

// EventRow returns the row of an event: the assignment key followed by the
// complement of the high five bytes of the event time.
func EventRow(assignmentKey []byte, millis int64) ([]byte, error) {
	t, err := splitMillis(millis)
	if err != nil {
		return nil, err
	}
	row := make([]byte, 0, len(assignmentKey)+5)
	row = append(row, assignmentKey...)
	return append(row, t[:5]...), nil
}

// EventQualifier returns the qualifier of an event: the complement of the low
// three bytes of the event time, then the event tag and payload indicator.
func EventQualifier(millis int64, tag, indicator byte) ([]byte, error) {
	t, err := splitMillis(millis)
	if err != nil {
		return nil, err
	}
	return []byte{t[5], t[6], t[7], tag, indicator}, nil
}

// EventMillis recovers the event time from a row and qualifier.
func EventMillis(row, qualifier []byte) int64 {
	var b [8]byte
	copy(b[:5], row[len(row)-5:])
	copy(b[5:], qualifier[:3])
	return int64(^binary.BigEndian.Uint64(b[:]))
}

// EventTag returns the tag byte of an event qualifier.
func EventTag(qualifier []byte) byte {
	return qualifier[3]
}

// IsEventQualifier reports whether q is an event column, as opposed to a
// response counter or link.
func IsEventQualifier(q []byte) bool {
	return len(q) == EventQualifierLen && q[3] < ResponseCounterTag
}

// EventAssignmentKey returns the assignment key embedded in an event row.
func EventAssignmentKey(row []byte) []byte {
	return row[:AssignmentKeyLen]
}

// EventRangeStart returns the first event row at or before endMillis. With
// no end bound the range starts at the assignment's first row.
func EventRangeStart(assignmentKey []byte, endMillis *int64) ([]byte, error) {
	if endMillis == nil {
		return append([]byte(nil), assignmentKey...), nil
	}
	return EventRow(assignmentKey, max(*endMillis, 0))
}

// EventRangeStop returns the exclusive end row for events at or after
// startMillis.
func EventRangeStop(assignmentKey []byte, startMillis *int64) ([]byte, error) {
	if startMillis == nil || *startMillis <= 0 {
		return wide.PrefixEnd(assignmentKey), nil
	}
	row, err := EventRow(assignmentKey, *startMillis)
	if err != nil {
		return nil, err
	}
	return wide.PrefixEnd(row), nil
}

// EventID encodes the full address of an event.
func EventID(row, qualifier []byte) string {
	b := make([]byte, 0, len(row)+len(qualifier))
	b = append(b, row...)
	b = append(b, qualifier...)
	return eventIDEncoding.EncodeToString(b)
}

// ParseEventID splits an event ID into its row and qualifier.
func ParseEventID(id string) (row, qualifier []byte, err error) {
	b, err := eventIDEncoding.DecodeString(id)
	if err != nil {
		return nil, nil, dserrors.NewCodecError(dserrors.CodeMalformedEventID,
			fmt.Sprintf("event id %q is not valid base32", id), err)
	}
	if len(b) != EventRowLen+EventQualifierLen {
		return nil, nil, dserrors.NewCodecError(dserrors.CodeMalformedEventID,
			fmt.Sprintf("event id %q decodes to %d bytes", id, len(b)), nil)
	}
	return b[:EventRowLen], b[EventRowLen:], nil
}

// ResponseCounterQualifier returns the counter column of an invocation: the
// invocation qualifier with its tag replaced.
func ResponseCounterQualifier(invocation []byte) []byte {
	q := append([]byte(nil), invocation...)
	q[3] = ResponseCounterTag
	return q
}

// ResponseLinkQualifier returns the column holding the n-th response of an
// invocation: its link prefix ‖ uint32 n.
func ResponseLinkQualifier(invocation []byte, n uint32) []byte {
	return binary.BigEndian.AppendUint32(ResponseLinkPrefix(invocation), n)
}

// ResponseLinkPrefix returns the common prefix of an invocation's link
// columns, the invocation qualifier with its tag replaced. Like the counter
// it keeps the indicator byte.
func ResponseLinkPrefix(invocation []byte) []byte {
	q := make([]byte, EventQualifierLen, EventQualifierLen+4)
	copy(q, invocation)
	q[3] = ResponseLinkTag
	return q
}
