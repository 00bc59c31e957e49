package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

func TestAdmission_UnknownCodeIsDenied(t *testing.T) {
	r := NewReplica(&sequentialIDs{})
	a := NewAdmission(r, DefaultCooldownMs)
	result := a.Evaluate("NOPE", 1000)
	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonUnknown, result.Reason)
}

func TestAdmission_OneUseDeniesSecondScanSameDay(t *testing.T) {
	r := NewReplica(&sequentialIDs{})
	r.SeedPassType("ONE", types.OneUse)
	a := NewAdmission(r, 30_000)

	day := types.DayKey(1000)
	first := a.Evaluate("ONE", 1000)
	require.True(t, first.Allowed)
	assert.Equal(t, 0, first.TodayCount)

	r.ApplyLocal("ONE", day, "dev1", 1000)
	second := a.Evaluate("ONE", 1000+31_000)
	assert.False(t, second.Allowed)
	assert.Equal(t, types.ReasonOneUseSpent, second.Reason)
}

func TestAdmission_InfiniteDeniesWithinCooldownThenAllows(t *testing.T) {
	r := NewReplica(&sequentialIDs{})
	r.SeedPassType("INF", types.Infinite)
	a := NewAdmission(r, 30_000)

	day := types.DayKey(1000)
	r.ApplyLocal("INF", day, "dev1", 1000)

	denied := a.Evaluate("INF", 1000+5_000)
	assert.False(t, denied.Allowed)
	assert.Equal(t, types.ReasonCooldown, denied.Reason)

	allowed := a.Evaluate("INF", 1000+31_000)
	require.True(t, allowed.Allowed)
	assert.Equal(t, 1, allowed.TodayCount)
}

func TestAdmission_IsPureFunctionOfSnapshotAndClock(t *testing.T) {
	r := NewReplica(&sequentialIDs{})
	r.SeedPassType("X", types.Infinite)
	a := NewAdmission(r, 30_000)

	first := a.Evaluate("X", 5000)
	second := a.Evaluate("X", 5000)
	assert.Equal(t, first, second)
}
