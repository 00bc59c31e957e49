package core

import (
	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// DefaultCooldownMs is the spec.md section 9 resolution of the
// source's ambiguous COOLDOWN_MS: the reference value, used unless
// Config & Bootstrap (section 4.F) overrides it.
const DefaultCooldownMs int64 = 30_000

// Admission evaluates the accept/reject predicate from spec.md
// section 4.E against a Replica. It holds no mutable state of its
// own: Evaluate is a pure function of the replica snapshot at call
// time plus the clock (P4).
type Admission struct {
	replica    *Replica
	cooldownMs int64
}

// NewAdmission builds an Admission bound to replica, denying
// cooldown-window reuse shorter than cooldownMs.
func NewAdmission(replica *Replica, cooldownMs int64) *Admission {
	return &Admission{replica: replica, cooldownMs: cooldownMs}
}

// Evaluate applies the predicate from spec.md section 4.E. It never
// mutates the replica; on allow, the caller is responsible for
// invoking Replica.ApplyLocal, persisting the event, and triggering
// dissemination.
func (a *Admission) Evaluate(code string, nowMs int64) types.AdmissionResult {
	passType, known := a.replica.PassTypeOf(code)
	if !known {
		return types.AdmissionResult{Allowed: false, Reason: types.ReasonUnknown}
	}

	day := types.DayKey(nowMs)
	today := a.replica.ScansForDay(code, day)

	if passType == types.OneUse && len(today) > 0 {
		return types.AdmissionResult{Allowed: false, Reason: types.ReasonOneUseSpent}
	}

	for _, e := range today {
		if e.TimestampMs > nowMs-a.cooldownMs {
			return types.AdmissionResult{Allowed: false, Reason: types.ReasonCooldown}
		}
	}

	return types.AdmissionResult{Allowed: true, TodayCount: len(today)}
}
