package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

type loopbackTransport struct {
	sentUnicast   []types.Envelope
	sentBroadcast []types.Envelope
}

func (l *loopbackTransport) SendBroadcast(env types.Envelope) error {
	l.sentBroadcast = append(l.sentBroadcast, env)
	return nil
}
func (l *loopbackTransport) SendUnicast(env types.Envelope, ip string) error {
	l.sentUnicast = append(l.sentUnicast, env)
	return nil
}
func (l *loopbackTransport) Listen() <-chan Inbound { return nil }
func (l *loopbackTransport) Close() error           { return nil }

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() string { return f.id }

type fixedClock struct{ ms int64 }

func (f fixedClock) NowMs() int64 { return f.ms }

func newTestGossipEngine(t *testing.T) (*GossipEngine, *memoryPeerStore, *loopbackTransport) {
	t.Helper()
	st := newMemoryPeerStore()
	transport := &loopbackTransport{}
	replica := NewReplica(&sequentialIDs{})
	replica.SeedPassType("X", types.Infinite)

	g := NewGossipEngine("self-device", transport, st, replica, fixedClock{ms: 1000}, fixedIDs{id: "msg-1"}, nopLogger{}, NewMetrics(), DefaultTimerConfig(), syncInvoker{})
	return g, st, transport
}

func TestGossipEngine_DropsSelfEcho(t *testing.T) {
	g, _, transport := newTestGossipEngine(t)
	g.handleInbound(Inbound{Envelope: types.Envelope{Kind: types.KindHeartbeat, DeviceID: "self-device", StateHash: "h"}, RemoteIP: "10.0.0.1"})
	assert.Empty(t, transport.sentUnicast)
	assert.True(t, g.peers.IsEmpty(), "self-echo must never populate the peer table")
}

func TestGossipEngine_DedupesByMessageID(t *testing.T) {
	g, _, transport := newTestGossipEngine(t)
	env := types.Envelope{Kind: types.KindDelta, DeviceID: "peer-1", MessageID: "dup-1", Deltas: []types.ScanEvent{
		{Identifier: "s1", Code: "X", DeviceID: "peer-1", TimestampMs: 1, Day: "1jan"},
	}}

	g.handleInbound(Inbound{Envelope: env, RemoteIP: "10.0.0.2"})
	require.Len(t, transport.sentUnicast, 1, "first delivery should ack once")

	g.handleInbound(Inbound{Envelope: env, RemoteIP: "10.0.0.2"})
	assert.Len(t, transport.sentUnicast, 1, "duplicate delivery must not ack again")
}

func TestGossipEngine_DeltaDispatchLearnsAndAcks(t *testing.T) {
	g, st, transport := newTestGossipEngine(t)
	env := types.Envelope{Kind: types.KindDelta, DeviceID: "peer-1", MessageID: "m1", Deltas: []types.ScanEvent{
		{Identifier: "s1", Code: "X", DeviceID: "peer-1", TimestampMs: 1, Day: "1jan"},
	}}

	g.handleInbound(Inbound{Envelope: env, RemoteIP: "10.0.0.2"})

	assert.Len(t, g.replica.ScansFor("X"), 1)
	require.Len(t, transport.sentUnicast, 1)
	assert.Equal(t, types.KindAck, transport.sentUnicast[0].Kind)
	assert.Equal(t, "m1", transport.sentUnicast[0].AckMessageID)
	assert.NotEmpty(t, st.peers, "peer table should record the sender")

	entry, ok := st.passTypes["X"]
	require.True(t, ok, "learning a delta for a code should persist its pass-type projection")
	assert.Equal(t, types.Infinite, entry.Type)
}

func TestGossipEngine_AckDispatchClearsPending(t *testing.T) {
	g, _, _ := newTestGossipEngine(t)
	g.pending.Insert("m1", "peer-1", "10.0.0.2", nil, 1000)

	g.handleInbound(Inbound{Envelope: types.Envelope{Kind: types.KindAck, DeviceID: "peer-1", AckMessageID: "m1"}, RemoteIP: "10.0.0.2"})
	assert.Equal(t, 0, g.pending.Len())
}

func TestGossipEngine_StateHashMatchAdvancesToSynced(t *testing.T) {
	g, _, _ := newTestGossipEngine(t)
	g.peers.Upsert("peer-1", "10.0.0.2", 1000, false, "")

	matching := g.replica.StateHash()
	g.handleInbound(Inbound{Envelope: types.Envelope{Kind: types.KindStateHash, DeviceID: "peer-1", StateHash: matching}, RemoteIP: "10.0.0.2"})

	all := g.peers.All()
	require.Len(t, all, 1)
	assert.Equal(t, types.PhaseSynced, all[0].Phase)
}

func TestGossipEngine_StateHashMismatchTriggersStateRequest(t *testing.T) {
	g, _, transport := newTestGossipEngine(t)
	g.peers.Upsert("peer-1", "10.0.0.2", 1000, false, "")

	g.handleInbound(Inbound{Envelope: types.Envelope{Kind: types.KindStateHash, DeviceID: "peer-1", StateHash: "definitely-different"}, RemoteIP: "10.0.0.2"})

	var sawStateRequest bool
	for _, env := range transport.sentBroadcast {
		if env.Kind == types.KindStateRequest {
			sawStateRequest = true
		}
	}
	assert.True(t, sawStateRequest, "state-request is always broadcast regardless of known peers")
}
