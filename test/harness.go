package test

import (
	"fmt"
	"testing"
	"time"

	"github.com/badgesync/meshsync/internal/config"
	"github.com/badgesync/meshsync/pkg/mesh"
	"github.com/badgesync/meshsync/pkg/mesh/core"
	"github.com/badgesync/meshsync/pkg/mesh/definition"
	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// FastTimers runs every gossip timer at a small multiple of a
// millisecond so scenario tests converge in well under a second of
// real wall-clock time instead of the production defaults.
func FastTimers() core.TimerConfig {
	return core.TimerConfig{
		Heartbeat:  30 * time.Millisecond,
		RetryAck:   20 * time.Millisecond,
		StateHash:  60 * time.Millisecond,
		FullSync:   80 * time.Millisecond,
		RetryQueue: 20 * time.Millisecond,
	}
}

// Device bundles a running Engine with the test-only seams (clock,
// transport) needed to drive and inspect it.
type Device struct {
	Engine *mesh.Engine
	IP     string
	Clock  *FakeClock
}

// NewDevice builds and starts an Engine joined to bus at ip, with
// cooldownMs and startMs controlling the admission window.
func NewDevice(t *testing.T, bus *Bus, ip string, cooldownMs, startMs int64) *Device {
	t.Helper()

	clock := NewFakeClock(startMs)
	transport := bus.Join(ip)
	ids := definition.NewUUIDGenerator()

	cfg := &config.Config{
		Port:       core.DefaultPort,
		DataDir:    t.TempDir(),
		CooldownMs: cooldownMs,
		Timers:     FastTimers(),
	}

	logger := definition.NewDefaultLogger()
	engine, err := mesh.NewWithDeps(cfg, mesh.Deps{
		Logger:    logger,
		Clock:     clock,
		IDs:       ids,
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("failed starting device at %s: %v", ip, err)
	}

	return &Device{Engine: engine, IP: ip, Clock: clock}
}

// Cluster is a named set of devices sharing one Bus.
type Cluster struct {
	Bus     *Bus
	Devices []*Device
}

// NewCluster builds n devices named by their index, all starting at
// startMs with the same cooldown window.
func NewCluster(t *testing.T, n int, cooldownMs, startMs int64) *Cluster {
	t.Helper()
	bus := NewBus()
	c := &Cluster{Bus: bus}
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		c.Devices = append(c.Devices, NewDevice(t, bus, ip, cooldownMs, startMs))
	}
	return c
}

// SeedPassType registers code as passType on every device in the
// cluster, simulating a shared bundled pass-type snapshot.
func (c *Cluster) SeedPassType(code string, passType types.PassType) {
	for _, d := range c.Devices {
		d.Engine.SeedPassType(code, passType)
	}
}

// Shutdown tears down every device in the cluster.
func (c *Cluster) Shutdown() {
	for _, d := range c.Devices {
		d.Engine.Shutdown()
	}
}

// WaitFor polls cond until it returns true or timeout elapses,
// returning whether it converged in time.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
