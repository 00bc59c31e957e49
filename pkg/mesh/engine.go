// Package mesh implements meshsyncd's public core surface: init,
// submit_scan, query_state, query_config, query_health, rescan_peers,
// and shutdown, wiring together the Durable Store, Transport, Replica
// State, Gossip Engine, and Admission components.
package mesh

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/badgesync/meshsync/internal/config"
	"github.com/badgesync/meshsync/pkg/mesh/core"
	"github.com/badgesync/meshsync/pkg/mesh/definition"
	"github.com/badgesync/meshsync/pkg/mesh/store"
	"github.com/badgesync/meshsync/pkg/mesh/types"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthSnapshot is query_health()'s return value.
type HealthSnapshot struct {
	PeersConnected     int
	TimeSinceLastSyncS int64
	PendingBroadcasts  int
	PendingAcks        int
}

// ConfigSnapshot is query_config()'s return value.
type ConfigSnapshot struct {
	DeviceID   string
	Port       int
	DataDir    string
	CooldownMs int64
	Timers     core.TimerConfig
}

// Engine owns every mutable structure and is the only writer of each,
// per spec.md section 5. submitMutex additionally serializes
// submit_scan end to end so concurrent local submissions for the same
// one-use code cannot both observe "not yet spent" (P5).
type Engine struct {
	submitMutex sync.Mutex

	cfg      *config.Config
	deviceID string
	log      types.Logger
	clock    types.Clock
	ids      types.IDGenerator

	store     *store.Store
	replica   *core.Replica
	admission *core.Admission
	transport core.Transport
	gossip    *core.GossipEngine
	metrics   *core.Metrics

	invoker *core.GroupInvoker
	cancel  context.CancelFunc
}

// Deps overrides Engine's collaborators, for tests that need a fake
// Transport/Clock/IDGenerator instead of the real network and wall
// clock. Any nil field falls back to the production default.
type Deps struct {
	Logger    types.Logger
	Clock     types.Clock
	IDs       types.IDGenerator
	Transport core.Transport
}

// New implements init(): opens the store, loads replica and peer
// state, binds the transport, and starts the timer scheduler.
func New(cfg *config.Config) (*Engine, error) {
	return NewWithDeps(cfg, Deps{})
}

// NewWithDeps is New with injectable collaborators, used by tests that
// need virtual time or an in-process transport instead of a real UDP
// socket.
func NewWithDeps(cfg *config.Config, deps Deps) (*Engine, error) {
	log := deps.Logger
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	clock := deps.Clock
	if clock == nil {
		clock = definition.NewWallClock()
	}
	ids := deps.IDs
	if ids == nil {
		ids = definition.NewUUIDGenerator()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "meshsyncd.db"))
	if err != nil {
		return nil, errors.Wrap(err, "opening durable store")
	}

	deviceID, err := st.GetOrCreateDeviceID(ids.NewID)
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "resolving device identity")
	}

	replica := core.NewReplica(ids)
	if err := seedPassTypes(replica, st); err != nil {
		st.Close()
		return nil, err
	}
	if err := loadReplicaFromStore(replica, st); err != nil {
		st.Close()
		return nil, err
	}

	configBlob, err := wireJSON.Marshal(cfg)
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "marshalling config snapshot")
	}
	if err := st.SaveConfig(configBlob); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "persisting config snapshot")
	}

	transport := deps.Transport
	if transport == nil {
		transport, err = core.NewUDPTransport(cfg.Port, log)
		if err != nil {
			st.Close()
			return nil, errors.Wrap(err, "binding transport")
		}
	}

	metrics := core.NewMetrics()
	invoker, ctx := core.NewGroupInvoker(context.Background())
	runCtx, cancel := context.WithCancel(ctx)

	gossip := core.NewGossipEngine(deviceID, transport, st, replica, clock, ids, log, metrics, cfg.Timers, invoker)
	if err := gossip.Load(); err != nil {
		transport.Close()
		st.Close()
		return nil, errors.Wrap(err, "loading peer table")
	}

	e := &Engine{
		cfg:       cfg,
		deviceID:  deviceID,
		log:       log,
		clock:     clock,
		ids:       ids,
		store:     st,
		replica:   replica,
		admission: core.NewAdmission(replica, cfg.CooldownMs),
		transport: transport,
		gossip:    gossip,
		metrics:   metrics,
		invoker:   invoker,
		cancel:    cancel,
	}

	gossip.Start(runCtx)
	gossip.RescanPeers()

	log.Infof("meshsyncd initialized, device_id=%s port=%d", deviceID, cfg.Port)
	return e, nil
}

// seedPassTypes unions the bundled snapshot with the store's own
// projection, the store taking precedence on conflict since it
// reflects deployment-specific overrides made after first boot. Any
// bundled code the store has never seen is written back, so the
// projection table accumulates every code this device has ever known
// rather than staying empty forever (spec.md section 3: "subsequent
// runs rebuild the projection ... from the scan log union the
// snapshot defaults, then persisted").
func seedPassTypes(replica *core.Replica, st *store.Store) error {
	persisted, err := st.LoadPassTypes()
	if err != nil {
		return errors.Wrap(err, "loading persisted pass-type projection")
	}
	known := make(map[string]bool, len(persisted))
	for _, entry := range persisted {
		replica.SeedPassType(entry.Code, entry.Type)
		known[entry.Code] = true
	}

	bundled, err := config.LoadBundledPassTypes()
	if err != nil {
		return errors.Wrap(err, "loading bundled pass-type snapshot")
	}
	for code, passType := range bundled {
		replica.SeedPassType(code, passType)
		if known[code] {
			continue
		}
		if err := st.SavePassType(types.PassTypeEntry{Code: code, Type: passType, DayEnabled: map[string]bool{}}); err != nil {
			return errors.Wrapf(err, "persisting bundled pass type %s", code)
		}
	}
	return nil
}

// loadReplicaFromStore rehydrates every previously persisted scan,
// independent of the pass-type projection: a code can be admitted
// (and land in scans) before its projection row exists, and with no
// peer around to heal it a solo device must recover its own history
// from scans alone.
func loadReplicaFromStore(replica *core.Replica, st *store.Store) error {
	codes, err := st.DistinctCodes()
	if err != nil {
		return errors.Wrap(err, "loading distinct codes for replica hydration")
	}
	full, err := st.LoadFullState(codes)
	if err != nil {
		return errors.Wrap(err, "loading scans for replica hydration")
	}
	for _, scans := range full {
		replica.MergeDeltas(scans)
	}
	return nil
}

// SubmitScan implements submit_scan(code): evaluate admission, and on
// allow, apply locally, persist, and disseminate.
func (e *Engine) SubmitScan(code string) types.AdmissionResult {
	e.submitMutex.Lock()
	defer e.submitMutex.Unlock()

	now := e.clock.NowMs()
	result := e.admission.Evaluate(code, now)
	if !result.Allowed {
		return result
	}

	day := types.DayKey(now)
	event := e.replica.ApplyLocal(code, day, e.deviceID, now)
	result.Event = &event

	if err := e.store.AppendScan(event); err != nil {
		e.log.Warnf("failed persisting local scan %s, continuing from in-memory replica: %v", event.Identifier, err)
	}

	e.gossip.DisseminateDelta([]types.ScanEvent{event})
	return result
}

// QueryState implements query_state().
func (e *Engine) QueryState() map[string]types.CodeState {
	return e.replica.Snapshot()
}

// StateHash returns the replica's current fingerprint, for
// convergence checks (spec.md section 4.C's state_hash).
func (e *Engine) StateHash() string {
	return e.replica.StateHash()
}

// QueryConfig implements query_config().
func (e *Engine) QueryConfig() ConfigSnapshot {
	return ConfigSnapshot{
		DeviceID:   e.deviceID,
		Port:       e.cfg.Port,
		DataDir:    e.cfg.DataDir,
		CooldownMs: e.cfg.CooldownMs,
		Timers:     e.cfg.Timers,
	}
}

// QueryHealth implements query_health().
func (e *Engine) QueryHealth() HealthSnapshot {
	now := e.clock.NowMs()
	peers, sinceSync, pendingBroadcasts, pendingAcks := e.gossip.Health(now)
	return HealthSnapshot{
		PeersConnected:     peers,
		TimeSinceLastSyncS: sinceSync,
		PendingBroadcasts:  pendingBroadcasts,
		PendingAcks:        pendingAcks,
	}
}

// SeedPassType registers code's admission type without any events. It
// is exposed for bootstrap and for tests that need to install a
// pass-type ahead of any scan or full-state exchange; production code
// reaches this indirectly through seedPassTypes at New().
func (e *Engine) SeedPassType(code string, passType types.PassType) {
	e.replica.SeedPassType(code, passType)
}

// RescanPeers implements rescan_peers().
func (e *Engine) RescanPeers() {
	e.gossip.RescanPeers()
}

// Shutdown implements shutdown(): stop the scheduler and receive loop,
// close the socket, and close the store, in that order.
func (e *Engine) Shutdown() error {
	e.cancel()

	done := make(chan error, 1)
	go func() { done <- e.invoker.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			e.log.Warnf("background goroutine returned error during shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		e.log.Warn("timed out waiting for background goroutines to exit")
	}

	if err := e.transport.Close(); err != nil {
		e.log.Warnf("error closing transport: %v", err)
	}
	return errors.Wrap(e.store.Close(), "closing durable store")
}
