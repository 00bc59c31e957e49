package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// GossipEngine is component D from spec.md: the framed message codec,
// peer table, discovery, delta broadcast/unicast, heartbeat,
// ACK/retry, state-hash reconciliation, and full-state repair.
type GossipEngine struct {
	selfID    string
	transport Transport
	store     types.Storage
	replica   *Replica
	clock     types.Clock
	ids       types.IDGenerator
	log       types.Logger

	peers    *PeerTable
	pending  *PendingTable
	received *ReceivedCache
	metrics  *Metrics
	timers   TimerConfig
	invoker  Invoker

	seq uint64

	lastSync atomic.Int64
}

// NewGossipEngine wires every Gossip Engine collaborator together.
func NewGossipEngine(selfID string, transport Transport, store types.Storage, replica *Replica, clock types.Clock, ids types.IDGenerator, log types.Logger, metrics *Metrics, timers TimerConfig, invoker Invoker) *GossipEngine {
	g := &GossipEngine{
		selfID:    selfID,
		transport: transport,
		store:     store,
		replica:   replica,
		clock:     clock,
		ids:       ids,
		log:       log,
		peers:     NewPeerTable(store, log),
		pending:   NewPendingTable(),
		received:  NewReceivedCache(defaultReceivedCacheCapacity),
		metrics:   metrics,
		timers:    timers,
		invoker:   invoker,
	}
	g.lastSync.Store(clock.NowMs())
	return g
}

// Load repopulates the peer table from the durable store.
func (g *GossipEngine) Load() error {
	return g.peers.Load()
}

// Start launches the inbound-processing loop and the timer scheduler,
// both on invoker, returning once both have been spawned.
func (g *GossipEngine) Start(ctx context.Context) {
	g.invoker.Spawn(func() { g.receiveLoop(ctx) })

	granularity := 500 * time.Millisecond
	for _, period := range []time.Duration{g.timers.Heartbeat, g.timers.RetryAck, g.timers.StateHash, g.timers.FullSync, g.timers.RetryQueue} {
		if period > 0 && period < granularity {
			granularity = period
		}
	}
	sched := NewScheduler(granularity, g.invoker)
	sched.Add("heartbeat", g.timers.Heartbeat, g.doHeartbeat)
	sched.Add("retry-ack", g.timers.RetryAck, g.doRetryAck)
	sched.Add("state-hash", g.timers.StateHash, g.doStateHash)
	sched.Add("full-sync", g.timers.FullSync, g.doFullSync)
	sched.Add("retry-queue", g.timers.RetryQueue, g.doRetryQueue)
	g.invoker.Spawn(func() { sched.Run(ctx) })
}

func (g *GossipEngine) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-g.transport.Listen():
			if !ok {
				return
			}
			g.handleInbound(in)
		}
	}
}

func (g *GossipEngine) nextSeq() uint64 {
	return atomic.AddUint64(&g.seq, 1)
}

// handleInbound runs the strict inbound pipeline from spec.md section
// 4.D steps 1-6.
func (g *GossipEngine) handleInbound(in Inbound) {
	env := in.Envelope

	// step 2: self-echo
	if env.DeviceID == g.selfID {
		return
	}

	// step 3/4: duplicate suppression keyed by message_id, when present
	if env.MessageID != "" && g.received.SeenOrRecord(env.MessageID) {
		return
	}

	// step 5: peer table upsert + discovery
	now := g.clock.NowMs()
	isHeartbeat := env.Kind == types.KindHeartbeat
	result := g.peers.Upsert(env.DeviceID, in.RemoteIP, now, isHeartbeat, env.StateHash)
	if result.wasUnknown {
		g.log.Infof("discovered new peer %s at %s", env.DeviceID, in.RemoteIP)
		g.sendStateRequest()
	}

	g.dispatch(env, in.RemoteIP)
}

// dispatch implements spec.md section 4.D's per-kind behavior.
func (g *GossipEngine) dispatch(env types.Envelope, remoteIP string) {
	switch env.Kind {
	case types.KindDelta:
		learned := g.replica.MergeDeltas(env.Deltas)
		g.persistLearned(learned)
		g.sendAck(env.MessageID, remoteIP)

	case types.KindFullState:
		learned := g.replica.MergeFullState(env.FullState)
		g.persistLearned(learned)
		g.lastSync.Store(g.clock.NowMs())

	case types.KindStateRequest:
		g.sendFullStateToAll()

	case types.KindAck:
		g.pending.Ack(env.AckMessageID, env.DeviceID)

	case types.KindHeartbeat:
		// fully handled by the peer-table upsert in handleInbound.

	case types.KindStateHash:
		if env.StateHash == g.replica.StateHash() {
			g.peers.SetPhase(env.DeviceID, types.PhaseSynced)
			g.lastSync.Store(g.clock.NowMs())
		} else {
			g.peers.SetPhase(env.DeviceID, types.PhaseConnected)
			g.sendStateRequest()
		}

	default:
		g.log.Debugf("dropping envelope with unknown kind %q", env.Kind)
	}
}

// persistLearned appends newly learned events to the scan log and
// updates the pass-type projection for every code among them, so a
// remotely-learned code survives this device's own restart even
// before any local admission of that code (spec.md section 4.D:
// "update the pass-type projection for each new event").
func (g *GossipEngine) persistLearned(learned []types.ScanEvent) {
	if len(learned) == 0 {
		return
	}
	if err := g.store.AppendScansBatch(learned); err != nil {
		g.log.Warnf("failed persisting %d learned events: %v", len(learned), err)
	}

	seen := make(map[string]bool, len(learned))
	for _, e := range learned {
		if seen[e.Code] {
			continue
		}
		seen[e.Code] = true
		passType, ok := g.replica.PassTypeOf(e.Code)
		if !ok {
			continue
		}
		if err := g.store.SavePassType(types.PassTypeEntry{Code: e.Code, Type: passType, DayEnabled: map[string]bool{}}); err != nil {
			g.log.Warnf("failed persisting pass-type projection for %s: %v", e.Code, err)
		}
	}
}

func (g *GossipEngine) envelopeHeader(kind types.MessageKind) types.Envelope {
	return types.Envelope{
		Kind:        kind,
		DeviceID:    g.selfID,
		SequenceNum: g.nextSeq(),
		TimestampMs: g.clock.NowMs(),
	}
}

// sendToAll implements the outbound policy from spec.md section 4.D:
// broadcast when the peer table is empty or the message is a
// state-request, otherwise unicast to every known peer with an IP; a
// failed broadcast falls back to per-peer unicast when peers are known,
// and a failed send with no unicast fallback is queued on the
// persistent retry queue.
func (g *GossipEngine) sendToAll(env types.Envelope) {
	if g.peers.IsEmpty() || env.Kind == types.KindStateRequest {
		err := g.transport.SendBroadcast(env)
		if err == nil {
			return
		}
		if g.peers.IsEmpty() {
			g.log.Warnf("broadcast failed, enqueuing for retry: %v", err)
			g.enqueueRetry(env)
			return
		}
		g.log.Warnf("broadcast failed, falling back to per-peer unicast: %v", err)
	}

	for _, peer := range g.peers.All() {
		if peer.IP == "" {
			continue
		}
		if err := g.transport.SendUnicast(env, peer.IP); err != nil {
			g.log.Warnf("unicast to %s failed, enqueuing for retry: %v", peer.DeviceID, err)
			g.enqueueRetry(env)
		}
	}
}

func (g *GossipEngine) enqueueRetry(env types.Envelope) {
	data, err := wireJSON.Marshal(env)
	if err != nil {
		g.log.Errorf("failed marshalling envelope for retry queue: %v", err)
		return
	}
	if err := g.store.EnqueueBroadcast(data); err != nil {
		g.log.Errorf("failed enqueuing broadcast retry: %v", err)
	}
}

func (g *GossipEngine) sendStateRequest() {
	g.sendToAll(g.envelopeHeader(types.KindStateRequest))
}

func (g *GossipEngine) sendFullStateToAll() {
	env := g.envelopeHeader(types.KindFullState)
	env.FullState = g.replica.Snapshot()
	g.sendToAll(env)
}

func (g *GossipEngine) sendAck(messageID, remoteIP string) {
	env := g.envelopeHeader(types.KindAck)
	env.AckMessageID = messageID
	if err := g.transport.SendUnicast(env, remoteIP); err != nil {
		g.log.Warnf("failed sending ack to %s: %v", remoteIP, err)
	}
}

// DisseminateDelta implements spec.md section 4.D's ACK-tracked delta
// dissemination, called by the Engine right after a local accept.
func (g *GossipEngine) DisseminateDelta(events []types.ScanEvent) {
	peers := g.peers.All()
	env := g.envelopeHeader(types.KindDelta)
	env.MessageID = g.ids.NewID()
	env.Deltas = events

	var withIP []types.PeerRecord
	for _, p := range peers {
		if p.IP != "" {
			withIP = append(withIP, p)
		}
	}

	if len(withIP) == 0 {
		if err := g.transport.SendBroadcast(env); err != nil {
			g.log.Warnf("broadcast delta failed, enqueuing for retry: %v", err)
			g.enqueueRetry(env)
		}
		return
	}

	data, err := wireJSON.Marshal(env)
	if err != nil {
		g.log.Errorf("failed marshalling delta: %v", err)
		return
	}
	now := g.clock.NowMs()
	for _, p := range withIP {
		if err := g.transport.SendUnicast(env, p.IP); err != nil {
			g.log.Warnf("unicast delta to %s failed, enqueuing for retry: %v", p.DeviceID, err)
			g.enqueueRetry(env)
			continue
		}
		g.pending.Insert(env.MessageID, p.DeviceID, p.IP, data, now)
	}
}

func (g *GossipEngine) doHeartbeat() {
	now := g.clock.NowMs()
	g.peers.MarkLostIfStale(now)
	env := g.envelopeHeader(types.KindHeartbeat)
	env.StateHash = g.replica.StateHash()
	for _, p := range g.peers.All() {
		if p.IP == "" || !p.Alive(now) {
			continue
		}
		if err := g.transport.SendUnicast(env, p.IP); err != nil {
			g.log.Warnf("heartbeat to %s failed: %v", p.DeviceID, err)
		}
	}
}

func (g *GossipEngine) doRetryAck() {
	now := g.clock.NowMs()
	const ageThresholdMs = 5000
	for _, pending := range g.pending.DueForRetry(now, ageThresholdMs) {
		if pending.Attempts >= types.MaxAckAttempts {
			g.pending.Drop(pending.MessageID, pending.PeerDeviceID)
			continue
		}
		if err := g.transport.SendUnicast(mustDecodeEnvelope(pending.Payload, g.log), pending.PeerIP); err != nil {
			g.log.Warnf("ack retry to %s failed: %v", pending.PeerDeviceID, err)
		}
		g.pending.BumpAttempt(pending.MessageID, pending.PeerDeviceID, now)
	}
}

func (g *GossipEngine) doStateHash() {
	env := g.envelopeHeader(types.KindStateHash)
	env.StateHash = g.replica.StateHash()
	now := g.clock.NowMs()
	for _, p := range g.peers.All() {
		if p.IP == "" || !p.Alive(now) {
			continue
		}
		if err := g.transport.SendUnicast(env, p.IP); err != nil {
			g.log.Warnf("state-hash to %s failed: %v", p.DeviceID, err)
		}
	}
}

func (g *GossipEngine) doFullSync() {
	g.sendFullStateToAll()
}

func (g *GossipEngine) doRetryQueue() {
	entries, err := g.store.NextBroadcasts(types.MaxBroadcastAttempts, 10)
	if err != nil {
		g.log.Warnf("failed loading retry queue: %v", err)
		return
	}
	for _, e := range entries {
		env := mustDecodeEnvelope(e.Payload, g.log)
		if err := g.transport.SendBroadcast(env); err != nil {
			if bumpErr := g.store.BumpBroadcastAttempts(e.ID); bumpErr != nil {
				g.log.Warnf("failed bumping retry attempts for %d: %v", e.ID, bumpErr)
			}
			continue
		}
		if err := g.store.DeleteBroadcast(e.ID); err != nil {
			g.log.Warnf("failed deleting delivered retry entry %d: %v", e.ID, err)
		}
	}
}

// Health returns the four fields query_health() exposes.
func (g *GossipEngine) Health(nowMs int64) (peersConnected int, timeSinceLastSyncS int64, pendingBroadcasts int, pendingAcks int) {
	peersConnected = g.peers.ConnectedCount(nowMs)
	pendingAcks = g.pending.Len()
	timeSinceLastSyncS = (nowMs - g.lastSync.Load()) / 1000

	entries, err := g.store.NextBroadcasts(types.MaxBroadcastAttempts, 1<<30)
	if err != nil {
		g.log.Warnf("failed counting pending broadcasts: %v", err)
	} else {
		pendingBroadcasts = len(entries)
	}

	g.metrics.PeersConnected.Set(float64(peersConnected))
	g.metrics.PendingAcks.Set(float64(pendingAcks))
	g.metrics.PendingBroadcasts.Set(float64(pendingBroadcasts))
	g.metrics.LastSyncAgeSeconds.Set(float64(timeSinceLastSyncS))
	return
}

// RescanPeers broadcasts a fresh state-request, for the public
// rescan_peers() operation.
func (g *GossipEngine) RescanPeers() {
	g.sendStateRequest()
}

func mustDecodeEnvelope(data []byte, log types.Logger) types.Envelope {
	var env types.Envelope
	if err := wireJSON.Unmarshal(data, &env); err != nil {
		log.Errorf("corrupt queued envelope, dropping on resend: %v", err)
	}
	return env
}
