package mesh_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgesync/meshsync/internal/config"
	"github.com/badgesync/meshsync/pkg/mesh"
	"github.com/badgesync/meshsync/pkg/mesh/core"
	"github.com/badgesync/meshsync/pkg/mesh/types"
	"github.com/badgesync/meshsync/test"
)

func TestEngine_OneUseSurvivesRestartWithNoPeerToHeal(t *testing.T) {
	dataDir := t.TempDir()
	bus := test.NewBus()
	clock := test.NewFakeClock(1_700_000_000_000)

	open := func() *mesh.Engine {
		cfg := &config.Config{Port: core.DefaultPort, DataDir: dataDir, CooldownMs: 30000, Timers: test.FastTimers()}
		e, err := mesh.NewWithDeps(cfg, mesh.Deps{Clock: clock, Transport: bus.Join("10.0.0.1")})
		require.NoError(t, err)
		return e
	}

	first := open()
	first.SeedPassType("R", types.OneUse)
	result := first.SubmitScan("R")
	require.True(t, result.Allowed)
	require.NoError(t, first.Shutdown())

	second := open()
	defer second.Shutdown()
	second.SeedPassType("R", types.OneUse)
	repeat := second.SubmitScan("R")
	assert.False(t, repeat.Allowed, "restart must rehydrate the solo device's own scan history, not just the pass-type projection")
	assert.Equal(t, types.ReasonOneUseSpent, repeat.Reason)
}

func TestEngine_RemoteLearnedPassTypeSurvivesOwnRestart(t *testing.T) {
	cluster := test.NewCluster(t, 2, 30000, 1_700_000_000_000)
	defer cluster.Shutdown()
	a, b := cluster.Devices[0], cluster.Devices[1]

	a.Engine.SeedPassType("Q", types.Infinite)
	result := a.Engine.SubmitScan("Q")
	require.True(t, result.Allowed)

	require.True(t, test.WaitFor(2*time.Second, func() bool {
		return len(b.Engine.QueryState()["Q"].Scans) == 1
	}), "B should learn Q via delta dissemination before restart")

	bDataDir := b.Engine.QueryConfig().DataDir
	require.NoError(t, b.Engine.Shutdown())

	cfg := &config.Config{Port: core.DefaultPort, DataDir: bDataDir, CooldownMs: 30000, Timers: test.FastTimers()}
	restarted, err := mesh.NewWithDeps(cfg, mesh.Deps{Clock: b.Clock, Transport: cluster.Bus.Join(b.IP)})
	require.NoError(t, err)
	defer restarted.Shutdown()

	state := restarted.QueryState()["Q"]
	assert.Len(t, state.Scans, 1, "a remotely-learned code's projection must survive the learner's own restart")
}
