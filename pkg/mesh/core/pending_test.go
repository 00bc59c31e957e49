package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingTable_InsertAckRemovesEntry(t *testing.T) {
	p := NewPendingTable()
	p.Insert("msg-1", "peer-1", "10.0.0.2", []byte("payload"), 1000)
	assert.Equal(t, 1, p.Len())

	p.Ack("msg-1", "peer-1")
	assert.Equal(t, 0, p.Len())
}

func TestPendingTable_DueForRetryOnlyAfterAgeThreshold(t *testing.T) {
	p := NewPendingTable()
	p.Insert("msg-1", "peer-1", "10.0.0.2", nil, 1000)

	assert.Empty(t, p.DueForRetry(1000+100, 5000))
	due := p.DueForRetry(1000+6000, 5000)
	assert.Len(t, due, 1)
	assert.Equal(t, "msg-1", due[0].MessageID)
}

func TestPendingTable_BumpAttemptIncrementsAndResets(t *testing.T) {
	p := NewPendingTable()
	p.Insert("msg-1", "peer-1", "10.0.0.2", nil, 1000)
	p.BumpAttempt("msg-1", "peer-1", 2000)

	due := p.DueForRetry(2000+6000, 5000)
	assert.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
}

func TestPendingTable_DropRemovesEntry(t *testing.T) {
	p := NewPendingTable()
	p.Insert("msg-1", "peer-1", "10.0.0.2", nil, 1000)
	p.Drop("msg-1", "peer-1")
	assert.Equal(t, 0, p.Len())
}
