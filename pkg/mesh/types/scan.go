package types

import "fmt"

// PassType is the admission kind associated with a code in the
// bundled pass-type snapshot.
type PassType string

const (
	// Infinite codes may be scanned any number of times, subject
	// only to the cooldown window.
	Infinite PassType = "infinite"

	// OneUse codes admit at most a single scan per event-day.
	OneUse PassType = "one-use"
)

// ScanEvent is the sole CRDT atom replicated across the fleet. Once
// created it is never mutated; set membership is decided solely by
// Identifier, never by any other field.
type ScanEvent struct {
	Identifier string `json:"scanId"`
	Code       string `json:"qrCode"`
	TimestampMs int64 `json:"timestamp"`
	DeviceID   string `json:"deviceId"`
	Day        string `json:"date"`
}

// Valid reports whether the event satisfies the data-model invariants
// from spec.md section 3: non-empty code and device id.
func (e ScanEvent) Valid() bool {
	return e.Identifier != "" && e.Code != "" && e.DeviceID != ""
}

func (e ScanEvent) String() string {
	return fmt.Sprintf("scan(%s code=%s device=%s day=%s ts=%d)", e.Identifier, e.Code, e.DeviceID, e.Day, e.TimestampMs)
}

// Less orders two events by (ts_ms ascending, device_id ascending),
// the presentational ordering spec.md section 4.C mandates. Ordering
// never affects set membership, only the cached sorted view.
func (e ScanEvent) Less(other ScanEvent) bool {
	if e.TimestampMs != other.TimestampMs {
		return e.TimestampMs < other.TimestampMs
	}
	return e.DeviceID < other.DeviceID
}

// PassTypeEntry is one row of the bundled/persisted pass-type map:
// a code's admission type plus the optional per-day flags and counter
// spec.md section 3 allows a deployment to attach to a code.
type PassTypeEntry struct {
	Code       string
	Type       PassType
	DayEnabled map[string]bool
	Counter    int
}

// AdmissionReason names why a candidate scan was denied. The empty
// string means the scan was allowed.
type AdmissionReason string

const (
	ReasonNone        AdmissionReason = ""
	ReasonUnknown     AdmissionReason = "unknown"
	ReasonOneUseSpent AdmissionReason = "one-use already used today"
	ReasonCooldown    AdmissionReason = "cooldown"
)

// AdmissionResult is the structured accept/reject value returned by
// the admission predicate and by submit_scan. It is never an error:
// logical denials are not failures of the core (spec.md section 7).
type AdmissionResult struct {
	Allowed    bool
	Reason     AdmissionReason
	TodayCount int
	Event      *ScanEvent
}
