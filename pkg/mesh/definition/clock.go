package definition

import (
	"time"

	"github.com/google/uuid"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// WallClock is the real monotonic/wall-clock source used outside of
// tests, injected into the Engine (admission time) and the Gossip
// Engine (message timestamps, peer liveness) per spec.md section 9.
type WallClock struct{}

func NewWallClock() WallClock { return WallClock{} }

func (WallClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

var _ types.Clock = WallClock{}

// UUIDGenerator produces RFC 4122 version-4 identifiers for scan_id,
// device_id, and gossip message_id, satisfying spec.md section 3's
// 122-bit-entropy requirement.
type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator { return UUIDGenerator{} }

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

var _ types.IDGenerator = UUIDGenerator{}
