package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReceivedCache_SeenOrRecord(t *testing.T) {
	c := NewReceivedCache(10)
	assert.False(t, c.SeenOrRecord("a"), "first sighting should not be 'seen'")
	assert.True(t, c.SeenOrRecord("a"), "second sighting of the same id should be 'seen'")
}

func TestReceivedCache_ClampsToMinimumCapacity(t *testing.T) {
	c := NewReceivedCache(1)
	assert.Equal(t, defaultReceivedCacheCapacity, c.capacity)
}

func TestReceivedCache_EvictsOldestBatchOnOverflow(t *testing.T) {
	c := NewReceivedCache(defaultReceivedCacheCapacity)
	for i := 0; i < defaultReceivedCacheCapacity; i++ {
		c.SeenOrRecord(fmt.Sprintf("id-%d", i))
	}
	// one more insert should trigger eviction of the oldest ~10%
	c.SeenOrRecord("overflow")
	assert.False(t, c.SeenOrRecord("id-0"), "id-0 should have been evicted")
	assert.True(t, c.SeenOrRecord("overflow"))
}
