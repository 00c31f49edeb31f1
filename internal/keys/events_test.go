package keys

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/arkilian/devicestore/internal/errors"
)

var testAssignment = []byte{0xff, 0xff, 0xff, 0xfe, AssignmentRecord, 0xff, 0xff, 0xff, 0xfd}

func eventKey(t *testing.T, millis int64, tag byte) []byte {
	row, err := EventRow(testAssignment, millis)
	require.NoError(t, err)
	q, err := EventQualifier(millis, tag, 0x01)
	require.NoError(t, err)
	return append(row, q...)
}

func TestProperty_EventTimeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("event time survives the row/qualifier split", prop.ForAll(
		func(millis int64) bool {
			row, err := EventRow(testAssignment, millis)
			if err != nil {
				return false
			}
			q, err := EventQualifier(millis, 0x01, 0x00)
			if err != nil {
				return false
			}
			return EventMillis(row, q) == millis && len(row) == EventRowLen
		},
		gen.Int64Range(0, 1<<62),
	))

	properties.Property("newer events sort first", prop.ForAll(
		func(a, b int64) bool {
			if a == b {
				return true
			}
			ka := eventKey(t, a, 0x01)
			kb := eventKey(t, b, 0x01)
			return (a > b) == (bytes.Compare(ka, kb) < 0)
		},
		gen.Int64Range(0, 4_102_444_800_000),
		gen.Int64Range(0, 4_102_444_800_000),
	))

	properties.Property("event ids round-trip", prop.ForAll(
		func(millis int64, tag uint8) bool {
			row, _ := EventRow(testAssignment, millis)
			q, _ := EventQualifier(millis, tag, 0x02)
			r2, q2, err := ParseEventID(EventID(row, q))
			return err == nil && bytes.Equal(row, r2) && bytes.Equal(q, q2)
		},
		gen.Int64Range(0, 1<<62),
		gen.UInt8Range(1, 6),
	))

	properties.TestingRun(t)
}

func TestEventRow_RejectsNegativeTime(t *testing.T) {
	_, err := EventRow(testAssignment, -1)
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeInvalidTimestamp, dserrors.GetCode(err))

	_, err = EventQualifier(-5, 0x01, 0x00)
	assert.Error(t, err)
}

func TestEventRange_Bounds(t *testing.T) {
	start, end := int64(1_700_000_000_000), int64(1_700_000_600_000)

	lo, err := EventRangeStart(testAssignment, &end)
	require.NoError(t, err)
	hi, err := EventRangeStop(testAssignment, &start)
	require.NoError(t, err)

	for _, ms := range []int64{start, start + 1, end - 1, end} {
		row, _ := EventRow(testAssignment, ms)
		assert.True(t, bytes.Compare(lo, row) <= 0, "ms %d before range start", ms)
		assert.True(t, bytes.Compare(row, hi) < 0, "ms %d after range stop", ms)
	}

	open, err := EventRangeStart(testAssignment, nil)
	require.NoError(t, err)
	assert.Equal(t, testAssignment, open)

	stop, err := EventRangeStop(testAssignment, nil)
	require.NoError(t, err)
	row, _ := EventRow(testAssignment, 0)
	assert.True(t, bytes.Compare(row, stop) < 0)
}

func TestParseEventID_Malformed(t *testing.T) {
	_, _, err := ParseEventID("not-base32!")
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeMalformedEventID, dserrors.GetCode(err))

	_, _, err = ParseEventID(eventIDEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeMalformedEventID, dserrors.GetCode(err))
}

func TestResponseQualifiers(t *testing.T) {
	inv, err := EventQualifier(1_700_000_000_123, 0x04, 0x01)
	require.NoError(t, err)

	counter := ResponseCounterQualifier(inv)
	assert.Equal(t, inv[:3], counter[:3])
	assert.Equal(t, ResponseCounterTag, counter[3])
	assert.Equal(t, byte(0x04), inv[3], "invocation qualifier must be untouched")
	assert.False(t, IsEventQualifier(counter))
	assert.True(t, IsEventQualifier(inv))

	l1 := ResponseLinkQualifier(inv, 1)
	l2 := ResponseLinkQualifier(inv, 2)
	assert.Len(t, l1, EventQualifierLen+4)
	assert.True(t, bytes.HasPrefix(l1, ResponseLinkPrefix(inv)))
	assert.True(t, bytes.Compare(l1, l2) < 0)
	assert.False(t, IsEventQualifier(l1))
	assert.Equal(t, byte(0x04), inv[3], "invocation qualifier must be untouched")
}

func TestResponseQualifiers_KeepIndicator(t *testing.T) {
	// Same millisecond, same kind, different encodings.
	a, err := EventQualifier(1_700_000_000_123, 0x04, 0x01)
	require.NoError(t, err)
	b, err := EventQualifier(1_700_000_000_123, 0x04, 0x02)
	require.NoError(t, err)

	assert.NotEqual(t, ResponseCounterQualifier(a), ResponseCounterQualifier(b))
	assert.NotEqual(t, ResponseLinkPrefix(a), ResponseLinkPrefix(b))
	assert.False(t, bytes.HasPrefix(ResponseLinkQualifier(b, 1), ResponseLinkPrefix(a)))
	assert.Equal(t, byte(0x02), ResponseLinkPrefix(b)[4])
}
