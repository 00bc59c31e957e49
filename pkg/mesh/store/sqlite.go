// Package store implements the Durable Store component on an
// embedded, pure-Go SQLite engine.
package store

import (
	"database/sql"
	"sort"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	scan_id    TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	ts_ms      INTEGER NOT NULL,
	device_id  TEXT NOT NULL,
	day        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scans_code_ts ON scans(code, ts_ms);
CREATE INDEX IF NOT EXISTS idx_scans_code_day ON scans(code, day);

CREATE TABLE IF NOT EXISTS pass_types (
	code        TEXT PRIMARY KEY,
	pass_type   TEXT NOT NULL,
	day_enabled TEXT NOT NULL DEFAULT '{}',
	counter     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS device_state (
	device_id        TEXT PRIMARY KEY,
	ip               TEXT NOT NULL DEFAULT '',
	last_seen_ms     INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_ms INTEGER NOT NULL DEFAULT 0,
	state_hash       TEXT NOT NULL DEFAULT '',
	phase            TEXT NOT NULL DEFAULT 'discovering'
);

CREATE TABLE IF NOT EXISTS broadcast_queue (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	payload  BLOB NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

const (
	settingsDeviceIDKey = "device_id"
	settingsConfigKey   = "config"
)

// Store is the sqlite-backed implementation of types.Storage.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path, runs the
// additive schema migration, and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database at %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}
	return &Store{db: db}, nil
}

// migrate adds columns that a previous schema version lacked, per
// spec.md section 4.A's "simple forward-only migrations".
func migrate(db *sql.DB) error {
	hasColumn, err := columnSet(db, "scans")
	if err != nil {
		return err
	}
	if !hasColumn["day"] {
		if _, err := db.Exec(`ALTER TABLE scans ADD COLUMN day TEXT NOT NULL DEFAULT ''`); err != nil {
			return errors.Wrap(err, "adding scans.day")
		}
	}
	return nil
}

func columnSet(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return nil, errors.Wrapf(err, "reading table_info(%s)", table)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, errors.Wrap(err, "scanning table_info row")
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendScan upserts a single event, idempotent on scan_id.
func (s *Store) AppendScan(e types.ScanEvent) error {
	return s.AppendScansBatch([]types.ScanEvent{e})
}

// AppendScansBatch upserts every event inside one transaction: either
// all events land, or none do, per spec.md section 4.A's atomicity
// guarantee.
func (s *Store) AppendScansBatch(es []types.ScanEvent) error {
	if len(es) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning append_scans_batch transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO scans(scan_id, code, ts_ms, device_id, day) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scan_id) DO NOTHING`)
	if err != nil {
		return errors.Wrap(err, "preparing scan upsert")
	}
	defer stmt.Close()

	for _, e := range es {
		if _, err := stmt.Exec(e.Identifier, e.Code, e.TimestampMs, e.DeviceID, e.Day); err != nil {
			return errors.Wrapf(err, "upserting scan %s", e.Identifier)
		}
	}
	return errors.Wrap(tx.Commit(), "committing append_scans_batch")
}

// LoadScansFor returns every scan for code, ascending by (ts_ms, device_id).
func (s *Store) LoadScansFor(code string) ([]types.ScanEvent, error) {
	rows, err := s.db.Query(`SELECT scan_id, code, ts_ms, device_id, day FROM scans WHERE code = ? ORDER BY ts_ms, device_id`, code)
	if err != nil {
		return nil, errors.Wrapf(err, "loading scans for %s", code)
	}
	defer rows.Close()
	return scanRows(rows)
}

// LoadScansForDay returns every scan for (code, day).
func (s *Store) LoadScansForDay(code, day string) ([]types.ScanEvent, error) {
	rows, err := s.db.Query(`SELECT scan_id, code, ts_ms, device_id, day FROM scans WHERE code = ? AND day = ? ORDER BY ts_ms, device_id`, code, day)
	if err != nil {
		return nil, errors.Wrapf(err, "loading scans for %s on %s", code, day)
	}
	defer rows.Close()
	return scanRows(rows)
}

// LoadFullState returns every scan grouped by code, for the given codes.
func (s *Store) LoadFullState(codes []string) (map[string][]types.ScanEvent, error) {
	out := make(map[string][]types.ScanEvent, len(codes))
	for _, code := range codes {
		scans, err := s.LoadScansFor(code)
		if err != nil {
			return nil, err
		}
		out[code] = scans
	}
	return out, nil
}

// DistinctCodes returns every code with at least one recorded scan,
// independent of whether a pass-type projection row exists for it.
// Restart rehydration walks this list rather than pass_types, since a
// code can be admitted (and land in scans) before its projection is
// ever persisted.
func (s *Store) DistinctCodes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT code FROM scans`)
	if err != nil {
		return nil, errors.Wrap(err, "loading distinct scan codes")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, errors.Wrap(err, "scanning distinct code row")
		}
		out = append(out, code)
	}
	return out, errors.Wrap(rows.Err(), "iterating distinct scan codes")
}

func scanRows(rows *sql.Rows) ([]types.ScanEvent, error) {
	var out []types.ScanEvent
	for rows.Next() {
		var e types.ScanEvent
		if err := rows.Scan(&e.Identifier, &e.Code, &e.TimestampMs, &e.DeviceID, &e.Day); err != nil {
			return nil, errors.Wrap(err, "scanning scan row")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterating scan rows")
}

// UpsertPeer persists peer bookkeeping, replacing any prior row.
func (s *Store) UpsertPeer(p types.PeerRecord) error {
	_, err := s.db.Exec(`INSERT INTO device_state(device_id, ip, last_seen_ms, last_heartbeat_ms, state_hash, phase)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			ip = excluded.ip,
			last_seen_ms = excluded.last_seen_ms,
			last_heartbeat_ms = excluded.last_heartbeat_ms,
			state_hash = excluded.state_hash,
			phase = excluded.phase`,
		p.DeviceID, p.IP, p.LastSeenMs, p.LastHeartbeatMs, p.StateHash, string(p.Phase))
	return errors.Wrapf(err, "upserting peer %s", p.DeviceID)
}

// LoadPeers returns every known peer record.
func (s *Store) LoadPeers() ([]types.PeerRecord, error) {
	rows, err := s.db.Query(`SELECT device_id, ip, last_seen_ms, last_heartbeat_ms, state_hash, phase FROM device_state`)
	if err != nil {
		return nil, errors.Wrap(err, "loading peers")
	}
	defer rows.Close()

	var out []types.PeerRecord
	for rows.Next() {
		var p types.PeerRecord
		var phase string
		if err := rows.Scan(&p.DeviceID, &p.IP, &p.LastSeenMs, &p.LastHeartbeatMs, &p.StateHash, &phase); err != nil {
			return nil, errors.Wrap(err, "scanning peer row")
		}
		p.Phase = types.ConnectionPhase(phase)
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterating peer rows")
}

// EnqueueBroadcast appends a new retry-queue entry.
func (s *Store) EnqueueBroadcast(payload []byte) error {
	_, err := s.db.Exec(`INSERT INTO broadcast_queue(payload, attempts) VALUES (?, 0)`, payload)
	return errors.Wrap(err, "enqueuing broadcast")
}

// NextBroadcasts returns up to limit entries with fewer than
// maxAttempts attempts, oldest first.
func (s *Store) NextBroadcasts(maxAttempts, limit int) ([]types.RetryEntry, error) {
	rows, err := s.db.Query(`SELECT id, payload, attempts FROM broadcast_queue WHERE attempts < ? ORDER BY id LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, errors.Wrap(err, "loading broadcast queue")
	}
	defer rows.Close()

	var out []types.RetryEntry
	for rows.Next() {
		var e types.RetryEntry
		if err := rows.Scan(&e.ID, &e.Payload, &e.Attempts); err != nil {
			return nil, errors.Wrap(err, "scanning broadcast queue row")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterating broadcast queue")
}

// BumpBroadcastAttempts increments the attempt counter for id.
func (s *Store) BumpBroadcastAttempts(id int64) error {
	_, err := s.db.Exec(`UPDATE broadcast_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	return errors.Wrapf(err, "bumping broadcast attempts for %d", id)
}

// DeleteBroadcast removes a delivered entry.
func (s *Store) DeleteBroadcast(id int64) error {
	_, err := s.db.Exec(`DELETE FROM broadcast_queue WHERE id = ?`, id)
	return errors.Wrapf(err, "deleting broadcast %d", id)
}

// SavePassType upserts a pass-type projection row.
func (s *Store) SavePassType(e types.PassTypeEntry) error {
	days, err := wireJSON.Marshal(e.DayEnabled)
	if err != nil {
		return errors.Wrap(err, "marshalling day_enabled")
	}
	_, err = s.db.Exec(`INSERT INTO pass_types(code, pass_type, day_enabled, counter) VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET pass_type = excluded.pass_type, day_enabled = excluded.day_enabled, counter = excluded.counter`,
		e.Code, string(e.Type), string(days), e.Counter)
	return errors.Wrapf(err, "saving pass type %s", e.Code)
}

// LoadPassTypes returns the full bundled/persisted pass-type map.
func (s *Store) LoadPassTypes() ([]types.PassTypeEntry, error) {
	rows, err := s.db.Query(`SELECT code, pass_type, day_enabled, counter FROM pass_types`)
	if err != nil {
		return nil, errors.Wrap(err, "loading pass types")
	}
	defer rows.Close()

	var out []types.PassTypeEntry
	for rows.Next() {
		var e types.PassTypeEntry
		var passType, days string
		if err := rows.Scan(&e.Code, &passType, &days, &e.Counter); err != nil {
			return nil, errors.Wrap(err, "scanning pass type row")
		}
		e.Type = types.PassType(passType)
		e.DayEnabled = map[string]bool{}
		if err := wireJSON.Unmarshal([]byte(days), &e.DayEnabled); err != nil {
			return nil, errors.Wrapf(err, "unmarshalling day_enabled for %s", e.Code)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, errors.Wrap(rows.Err(), "iterating pass type rows")
}

// GetOrCreateDeviceID returns the persisted device id, minting and
// saving one with gen() on first run.
func (s *Store) GetOrCreateDeviceID(gen func() string) (string, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingsDeviceIDKey).Scan(&value)
	if err == nil {
		return string(value), nil
	}
	if err != sql.ErrNoRows {
		return "", errors.Wrap(err, "loading device id")
	}

	id := gen()
	if _, err := s.db.Exec(`INSERT INTO settings(key, value) VALUES (?, ?)`, settingsDeviceIDKey, []byte(id)); err != nil {
		return "", errors.Wrap(err, "persisting new device id")
	}
	return id, nil
}

// SaveConfig persists the raw config snapshot blob.
func (s *Store) SaveConfig(blob []byte) error {
	_, err := s.db.Exec(`INSERT INTO settings(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, settingsConfigKey, blob)
	return errors.Wrap(err, "saving config snapshot")
}

// LoadConfig returns the raw config snapshot blob, or nil if none was saved yet.
func (s *Store) LoadConfig() ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingsConfigKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, errors.Wrap(err, "loading config snapshot")
}

var _ types.Storage = (*Store)(nil)
