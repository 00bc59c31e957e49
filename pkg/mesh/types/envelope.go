package types

// MessageKind tags the wire envelope, spec.md section 4.D / 6.
type MessageKind string

const (
	KindDelta        MessageKind = "delta"
	KindFullState    MessageKind = "full-state"
	KindStateRequest MessageKind = "state-request"
	KindAck          MessageKind = "ack"
	KindHeartbeat    MessageKind = "heartbeat"
	KindStateHash    MessageKind = "state-hash"
)

// CodeState is one code's entry inside a full-state payload: its
// admission type and the full set of events known for it.
type CodeState struct {
	Type  PassType    `json:"type"`
	Scans []ScanEvent `json:"scans"`
}

// Envelope is the single wire struct every gossip datagram decodes
// into. Conditional fields are left zero-valued when not applicable
// to Kind; decoding into one concrete struct (instead of a tagged
// union of Go types) keeps the codec a single jsoniter call while
// Valid, checked by the transport before delivery, still treats
// unknown/malformed Kind values as a parse failure, per spec.md
// section 9's tagged-union guidance.
type Envelope struct {
	Kind        MessageKind          `json:"type"`
	DeviceID    string               `json:"deviceId"`
	SequenceNum uint64               `json:"sequenceNum"`
	TimestampMs int64                `json:"timestamp"`

	// delta
	MessageID string      `json:"messageId,omitempty"`
	Deltas    []ScanEvent `json:"deltas,omitempty"`

	// full-state
	FullState map[string]CodeState `json:"fullState,omitempty"`

	// ack
	AckMessageID string `json:"ackMessageId,omitempty"`

	// heartbeat / state-hash
	StateHash string `json:"stateHash,omitempty"`
}

// Valid rejects malformed envelopes before they reach dispatch,
// satisfying spec.md section 9's "prevent silent acceptance of
// malformed payloads" guidance.
func (e Envelope) Valid() bool {
	if e.DeviceID == "" {
		return false
	}
	switch e.Kind {
	case KindDelta:
		return e.MessageID != ""
	case KindFullState, KindStateRequest:
		return true
	case KindAck:
		return e.AckMessageID != ""
	case KindHeartbeat, KindStateHash:
		return e.StateHash != ""
	default:
		return false
	}
}
