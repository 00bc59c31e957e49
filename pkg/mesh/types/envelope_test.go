package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelope_ValidRejectsMissingDeviceID(t *testing.T) {
	assert.False(t, Envelope{Kind: KindHeartbeat, StateHash: "h"}.Valid())
}

func TestEnvelope_ValidPerKindRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"delta without message id", Envelope{Kind: KindDelta, DeviceID: "d"}, false},
		{"delta with message id", Envelope{Kind: KindDelta, DeviceID: "d", MessageID: "m"}, true},
		{"full-state", Envelope{Kind: KindFullState, DeviceID: "d"}, true},
		{"state-request", Envelope{Kind: KindStateRequest, DeviceID: "d"}, true},
		{"ack without ack id", Envelope{Kind: KindAck, DeviceID: "d"}, false},
		{"ack with ack id", Envelope{Kind: KindAck, DeviceID: "d", AckMessageID: "m"}, true},
		{"heartbeat without hash", Envelope{Kind: KindHeartbeat, DeviceID: "d"}, false},
		{"heartbeat with hash", Envelope{Kind: KindHeartbeat, DeviceID: "d", StateHash: "h"}, true},
		{"unknown kind", Envelope{Kind: "bogus", DeviceID: "d"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.ok, c.env.Valid())
		})
	}
}
