package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanEvent_Valid(t *testing.T) {
	assert.True(t, ScanEvent{Identifier: "1", Code: "X", DeviceID: "d1"}.Valid())
	assert.False(t, ScanEvent{Code: "X", DeviceID: "d1"}.Valid())
	assert.False(t, ScanEvent{Identifier: "1", DeviceID: "d1"}.Valid())
	assert.False(t, ScanEvent{Identifier: "1", Code: "X"}.Valid())
}

func TestScanEvent_LessOrdersByTimestampThenDevice(t *testing.T) {
	early := ScanEvent{TimestampMs: 100, DeviceID: "a"}
	late := ScanEvent{TimestampMs: 200, DeviceID: "a"}
	assert.True(t, early.Less(late))
	assert.False(t, late.Less(early))

	sameTimeA := ScanEvent{TimestampMs: 100, DeviceID: "a"}
	sameTimeB := ScanEvent{TimestampMs: 100, DeviceID: "b"}
	assert.True(t, sameTimeA.Less(sameTimeB))
}

func TestDayKey_IsStableForSameCalendarDay(t *testing.T) {
	const dayStartMs = 1_700_000_000_000
	a := DayKey(dayStartMs)
	b := DayKey(dayStartMs + 1000)
	assert.Equal(t, a, b)
}
