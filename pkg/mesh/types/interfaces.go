package types

// Logger is the leveled logging seam every component is constructed
// with. The default implementation (pkg/mesh/definition) backs this
// with a zap.SugaredLogger; tests may substitute a no-op or a
// recording logger.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
}

// Clock is the injected monotonic/wall-clock source spec.md section
// 9 asks the shell to provide, so admission and peer liveness stay
// testable without sleeping real time. The gossip scheduler's ticker
// does not read it.
type Clock interface {
	// NowMs returns wall-clock milliseconds since the Unix epoch.
	NowMs() int64
}

// IDGenerator produces the 128-bit identifiers spec.md section 3
// requires for scan_id, device_id, and gossip message_id.
type IDGenerator interface {
	NewID() string
}

// Storage is the Durable Store surface the engine and gossip layer
// persist through: scans, peers, the broadcast retry queue, the
// pass-type projection, device identity, and the config snapshot.
type Storage interface {
	AppendScan(e ScanEvent) error
	AppendScansBatch(es []ScanEvent) error
	LoadScansFor(code string) ([]ScanEvent, error)
	LoadScansForDay(code, day string) ([]ScanEvent, error)
	LoadFullState(codes []string) (map[string][]ScanEvent, error)
	DistinctCodes() ([]string, error)

	UpsertPeer(p PeerRecord) error
	LoadPeers() ([]PeerRecord, error)

	EnqueueBroadcast(payload []byte) error
	NextBroadcasts(maxAttempts, limit int) ([]RetryEntry, error)
	BumpBroadcastAttempts(id int64) error
	DeleteBroadcast(id int64) error

	SavePassType(e PassTypeEntry) error
	LoadPassTypes() ([]PassTypeEntry, error)

	GetOrCreateDeviceID(gen func() string) (string, error)
	SaveConfig(blob []byte) error
	LoadConfig() ([]byte, error)

	Close() error
}
