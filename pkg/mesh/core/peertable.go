package core

import (
	"sync"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// PeerTable is the single-writer, many-reader table of known remote
// devices described in spec.md section 3. Every mutation also
// persists the affected record so peers survive a restart.
type PeerTable struct {
	mutex sync.Mutex
	peers map[string]*types.PeerRecord
	store types.Storage
	log   types.Logger
}

// NewPeerTable builds an empty table backed by store for persistence.
// Load should be called once after construction to repopulate it
// from a prior run.
func NewPeerTable(store types.Storage, log types.Logger) *PeerTable {
	return &PeerTable{peers: make(map[string]*types.PeerRecord), store: store, log: log}
}

// Load repopulates the table from the durable store.
func (t *PeerTable) Load() error {
	records, err := t.store.LoadPeers()
	if err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for i := range records {
		r := records[i]
		t.peers[r.DeviceID] = &r
	}
	return nil
}

// upsertResult tells the caller whether the peer was previously
// unknown, so the Gossip Engine can trigger the discovery
// state-request spec.md section 4.D requires.
type upsertResult struct {
	wasUnknown bool
	record     types.PeerRecord
}

// Upsert updates ip/last-seen/phase for deviceID, creating the record
// if unknown. heartbeat and stateHash are applied only when non-zero
// / non-empty, per spec.md section 4.D step 5.
func (t *PeerTable) Upsert(deviceID, ip string, nowMs int64, heartbeat bool, stateHash string) upsertResult {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec, ok := t.peers[deviceID]
	wasUnknown := !ok
	if !ok {
		rec = &types.PeerRecord{DeviceID: deviceID, Phase: types.PhaseDiscovering}
		t.peers[deviceID] = rec
	}

	rec.IP = ip
	rec.LastSeenMs = nowMs
	if heartbeat {
		rec.LastHeartbeatMs = nowMs
	}
	if stateHash != "" {
		rec.StateHash = stateHash
	}
	if rec.Phase == types.PhaseDiscovering || rec.Phase == types.PhaseLost {
		rec.Phase = types.PhaseConnected
	}

	cp := *rec
	if err := t.store.UpsertPeer(cp); err != nil {
		t.log.Warnf("failed persisting peer %s: %v", deviceID, err)
	}
	return upsertResult{wasUnknown: wasUnknown, record: cp}
}

// SetPhase transitions a known peer's connection phase.
func (t *PeerTable) SetPhase(deviceID string, phase types.ConnectionPhase) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	rec, ok := t.peers[deviceID]
	if !ok {
		return
	}
	rec.Phase = phase
	if err := t.store.UpsertPeer(*rec); err != nil {
		t.log.Warnf("failed persisting peer %s: %v", deviceID, err)
	}
}

// All returns a snapshot of every known peer record.
func (t *PeerTable) All() []types.PeerRecord {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]types.PeerRecord, 0, len(t.peers))
	for _, r := range t.peers {
		out = append(out, *r)
	}
	return out
}

// ConnectedCount reports how many peers are alive at nowMs, per
// spec.md section 4.D's liveness rule.
func (t *PeerTable) ConnectedCount(nowMs int64) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	count := 0
	for _, r := range t.peers {
		if r.Alive(nowMs) {
			count++
		}
	}
	return count
}

// MarkLostIfStale demotes every peer that has exceeded the liveness
// window to PhaseLost, called from the heartbeat timer tick.
func (t *PeerTable) MarkLostIfStale(nowMs int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, r := range t.peers {
		if !r.Alive(nowMs) && r.Phase != types.PhaseLost {
			r.Phase = types.PhaseLost
		}
	}
}

// IsEmpty reports whether the table has no known peers, used by the
// outbound policy in spec.md section 4.D.
func (t *PeerTable) IsEmpty() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.peers) == 0
}
