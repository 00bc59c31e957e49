package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendScanRoundTrips(t *testing.T) {
	s := openTestStore(t)
	event := types.ScanEvent{Identifier: "id-1", Code: "X", TimestampMs: 1000, DeviceID: "d1", Day: "1jan"}
	require.NoError(t, s.AppendScan(event))

	scans, err := s.LoadScansFor("X")
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, event, scans[0])
}

func TestStore_AppendScansBatchIsIdempotentOnScanID(t *testing.T) {
	s := openTestStore(t)
	event := types.ScanEvent{Identifier: "id-1", Code: "X", TimestampMs: 1000, DeviceID: "d1", Day: "1jan"}
	require.NoError(t, s.AppendScansBatch([]types.ScanEvent{event, event}))

	scans, err := s.LoadScansFor("X")
	require.NoError(t, err)
	assert.Len(t, scans, 1)
}

func TestStore_LoadScansForDayFilters(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendScansBatch([]types.ScanEvent{
		{Identifier: "1", Code: "X", TimestampMs: 1, DeviceID: "d1", Day: "1jan"},
		{Identifier: "2", Code: "X", TimestampMs: 2, DeviceID: "d1", Day: "2jan"},
	}))

	scans, err := s.LoadScansForDay("X", "1jan")
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "1", scans[0].Identifier)
}

func TestStore_DistinctCodesFindsScansWithNoPassTypeRow(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendScansBatch([]types.ScanEvent{
		{Identifier: "1", Code: "X", TimestampMs: 1, DeviceID: "d1", Day: "1jan"},
		{Identifier: "2", Code: "X", TimestampMs: 2, DeviceID: "d1", Day: "1jan"},
		{Identifier: "3", Code: "Y", TimestampMs: 3, DeviceID: "d1", Day: "1jan"},
	}))

	codes, err := s.DistinctCodes()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"X", "Y"}, codes)
}

func TestStore_UpsertPeerThenLoadPeers(t *testing.T) {
	s := openTestStore(t)
	record := types.PeerRecord{DeviceID: "peer-1", IP: "10.0.0.2", LastSeenMs: 1000, Phase: types.PhaseConnected}
	require.NoError(t, s.UpsertPeer(record))

	peers, err := s.LoadPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, record, peers[0])

	record.LastSeenMs = 2000
	require.NoError(t, s.UpsertPeer(record))
	peers, err = s.LoadPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, int64(2000), peers[0].LastSeenMs)
}

func TestStore_BroadcastQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnqueueBroadcast([]byte("payload")))

	entries, err := s.NextBroadcasts(5, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Attempts)

	require.NoError(t, s.BumpBroadcastAttempts(entries[0].ID))
	entries, err = s.NextBroadcasts(5, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)

	require.NoError(t, s.DeleteBroadcast(entries[0].ID))
	entries, err = s.NextBroadcasts(5, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_NextBroadcastsExcludesExhaustedAttempts(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnqueueBroadcast([]byte("payload")))
	entries, _ := s.NextBroadcasts(1, 10)
	require.Len(t, entries, 1)

	require.NoError(t, s.BumpBroadcastAttempts(entries[0].ID))
	entries, err := s.NextBroadcasts(1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "an entry at max attempts should not be returned")
}

func TestStore_GetOrCreateDeviceIDPersistsAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	calls := 0
	gen := func() string { calls++; return "generated-id" }

	first, err := s.GetOrCreateDeviceID(gen)
	require.NoError(t, err)
	assert.Equal(t, "generated-id", first)

	second, err := s.GetOrCreateDeviceID(gen)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "gen should only run on first call")
}

func TestStore_SaveAndLoadConfig(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadConfig()
	require.NoError(t, err)

	require.NoError(t, s.SaveConfig([]byte(`{"port":43210}`)))
	blob, err := s.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, `{"port":43210}`, string(blob))
}

func TestStore_SavePassTypeRoundTrips(t *testing.T) {
	s := openTestStore(t)
	entry := types.PassTypeEntry{Code: "X", Type: types.OneUse, DayEnabled: map[string]bool{"1jan": true}, Counter: 3}
	require.NoError(t, s.SavePassType(entry))

	loaded, err := s.LoadPassTypes()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, entry, loaded[0])
}
