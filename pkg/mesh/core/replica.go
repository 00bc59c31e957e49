package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// codeSet is the per-code replicated state: the admission type plus
// the G-Set of events known for the code, keyed by scan_id for O(1)
// membership tests, with a slice kept sorted by ScanEvent.Less as a
// cached presentation view.
type codeSet struct {
	passType types.PassType
	ids      map[string]struct{}
	sorted   []types.ScanEvent
}

func newCodeSet(passType types.PassType) *codeSet {
	return &codeSet{passType: passType, ids: make(map[string]struct{})}
}

func (c *codeSet) add(e types.ScanEvent) bool {
	if _, seen := c.ids[e.Identifier]; seen {
		return false
	}
	c.ids[e.Identifier] = struct{}{}
	idx := sort.Search(len(c.sorted), func(i int) bool {
		return !c.sorted[i].Less(e)
	})
	c.sorted = append(c.sorted, types.ScanEvent{})
	copy(c.sorted[idx+1:], c.sorted[idx:])
	c.sorted[idx] = e
	return true
}

// Replica is the in-memory CRDT projection described in spec.md
// section 4.C: a mapping code -> (type, set-of-events), mutated only
// through ApplyLocal and the two Merge* operations.
type Replica struct {
	mutex sync.RWMutex
	codes map[string]*codeSet
	ids   IDGen
}

// IDGen is the subset of types.IDGenerator the replica needs to mint
// a fresh scan_id on local admission.
type IDGen interface {
	NewID() string
}

// NewReplica builds an empty replica. PassType defaults are seeded
// separately via SeedPassType once the bundled snapshot and the
// store's projection have been loaded.
func NewReplica(ids IDGen) *Replica {
	return &Replica{codes: make(map[string]*codeSet), ids: ids}
}

// SeedPassType registers a code's admission type without any events,
// used when loading the bundled pass-type snapshot or the store's
// projection at startup (spec.md section 3).
func (r *Replica) SeedPassType(code string, passType types.PassType) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.codes[code]; !ok {
		r.codes[code] = newCodeSet(passType)
	}
}

// PassTypeOf reports the admission type registered for code, and
// whether the code is known at all.
func (r *Replica) PassTypeOf(code string) (types.PassType, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cs, ok := r.codes[code]
	if !ok {
		return "", false
	}
	return cs.passType, true
}

// ApplyLocal creates a new event with a fresh scan_id, appends it,
// and returns it. Callers must only invoke this after Admission has
// accepted the candidate scan.
func (r *Replica) ApplyLocal(code, day, deviceID string, nowMs int64) types.ScanEvent {
	event := types.ScanEvent{
		Identifier:  r.ids.NewID(),
		Code:        code,
		TimestampMs: nowMs,
		DeviceID:    deviceID,
		Day:         day,
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	cs, ok := r.codes[code]
	if !ok {
		cs = newCodeSet(types.Infinite)
		r.codes[code] = cs
	}
	cs.add(event)
	return event
}

// MergeDeltas appends every event whose scan_id is not already present
// in its code's set, returning only the events actually newly learned
// (P1: idempotent and order-independent, since membership depends
// solely on Identifier).
func (r *Replica) MergeDeltas(events []types.ScanEvent) []types.ScanEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var learned []types.ScanEvent
	for _, e := range events {
		if !e.Valid() {
			continue
		}
		cs, ok := r.codes[e.Code]
		if !ok {
			cs = newCodeSet(types.Infinite)
			r.codes[e.Code] = cs
		}
		if cs.add(e) {
			learned = append(learned, e)
		}
	}
	return learned
}

// MergeFullState flattens a remote snapshot into a single delta list
// and delegates to MergeDeltas. A code unknown locally is admitted
// with the type declared in the snapshot rather than defaulting to
// Infinite.
func (r *Replica) MergeFullState(snapshot map[string]types.CodeState) []types.ScanEvent {
	r.mutex.Lock()
	for code, state := range snapshot {
		if _, ok := r.codes[code]; !ok {
			r.codes[code] = newCodeSet(state.Type)
		}
	}
	r.mutex.Unlock()

	var flattened []types.ScanEvent
	for _, state := range snapshot {
		flattened = append(flattened, state.Scans...)
	}
	return r.MergeDeltas(flattened)
}

// ScansFor returns the sorted events recorded for code.
func (r *Replica) ScansFor(code string) []types.ScanEvent {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cs, ok := r.codes[code]
	if !ok {
		return nil
	}
	out := make([]types.ScanEvent, len(cs.sorted))
	copy(out, cs.sorted)
	return out
}

// ScansForDay returns the sorted subset of ScansFor(code) whose Day
// matches day.
func (r *Replica) ScansForDay(code, day string) []types.ScanEvent {
	all := r.ScansFor(code)
	out := all[:0:0]
	for _, e := range all {
		if e.Day == day {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns the full replica view keyed by code, suitable for
// a full-state message or query_state().
func (r *Replica) Snapshot() map[string]types.CodeState {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make(map[string]types.CodeState, len(r.codes))
	for code, cs := range r.codes {
		scans := make([]types.ScanEvent, len(cs.sorted))
		copy(scans, cs.sorted)
		out[code] = types.CodeState{Type: cs.passType, Scans: scans}
	}
	return out
}

// StateHash returns the deterministic fingerprint from spec.md
// section 4.C: "empty" when no events exist, otherwise
// "{N}-{min_id[0..8]}-{max_id[0..8]}" where N is the global event
// count and ids are ordered by their xxhash digest rather than
// lexicographically on the raw UUID; the printed prefixes are the
// raw ids with dashes removed. Peers agree only when all of them use
// this same substitution.
func (r *Replica) StateHash() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	type digestedID struct {
		raw    string
		digest uint64
	}
	var all []digestedID
	for _, cs := range r.codes {
		for id := range cs.ids {
			all = append(all, digestedID{raw: id, digest: xxhash.Sum64String(id)})
		}
	}
	if len(all) == 0 {
		return "empty"
	}
	sort.Slice(all, func(i, j int) bool { return all[i].digest < all[j].digest })

	shortOf := func(id string) string {
		id = strings.ReplaceAll(id, "-", "")
		if len(id) > 8 {
			return id[:8]
		}
		return id
	}
	return fmt.Sprintf("%d-%s-%s", len(all), shortOf(all[0].raw), shortOf(all[len(all)-1].raw))
}
