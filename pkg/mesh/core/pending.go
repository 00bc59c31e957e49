package core

import (
	"sync"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// pendingKey identifies a pending outbound by (message_id, peer
// device id), per spec.md section 3.
type pendingKey struct {
	messageID string
	deviceID  string
}

// PendingTable is the in-memory-only table of deltas awaiting ACK.
// It is intentionally never persisted: spec.md section 5 treats ACK
// semantics as best-effort over UDP, and a restarting device re-learns
// state from peers via its post-init state-request instead.
type PendingTable struct {
	mutex   sync.Mutex
	entries map[pendingKey]*types.PendingOutbound
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[pendingKey]*types.PendingOutbound)}
}

// Insert records a newly sent delta awaiting ACK from peerDeviceID.
func (p *PendingTable) Insert(messageID, peerDeviceID, peerIP string, payload []byte, nowMs int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	key := pendingKey{messageID: messageID, deviceID: peerDeviceID}
	p.entries[key] = &types.PendingOutbound{
		MessageID:    messageID,
		PeerDeviceID: peerDeviceID,
		PeerIP:       peerIP,
		Payload:      payload,
		FirstSentMs:  nowMs,
		LastSentMs:   nowMs,
		Attempts:     1,
	}
}

// Ack removes the pending entry matching (ackMessageID, senderDeviceID),
// per spec.md section 4.D's ack dispatch.
func (p *PendingTable) Ack(ackMessageID, senderDeviceID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.entries, pendingKey{messageID: ackMessageID, deviceID: senderDeviceID})
}

// DueForRetry returns every pending entry older than ageMs at nowMs,
// for the retry-ack timer to act on.
func (p *PendingTable) DueForRetry(nowMs, ageMs int64) []*types.PendingOutbound {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var due []*types.PendingOutbound
	for _, e := range p.entries {
		if nowMs-e.LastSentMs > ageMs {
			cp := *e
			due = append(due, &cp)
		}
	}
	return due
}

// Drop removes an entry that exceeded the attempt cap.
func (p *PendingTable) Drop(messageID, peerDeviceID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.entries, pendingKey{messageID: messageID, deviceID: peerDeviceID})
}

// BumpAttempt increments the attempt counter and resets the send
// timestamp for a retried entry.
func (p *PendingTable) BumpAttempt(messageID, peerDeviceID string, nowMs int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	key := pendingKey{messageID: messageID, deviceID: peerDeviceID}
	e, ok := p.entries[key]
	if !ok {
		return
	}
	e.Attempts++
	e.LastSentMs = nowMs
}

// Len reports the number of entries awaiting ACK, backing
// query_health()'s pending_acks field.
func (p *PendingTable) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.entries)
}
