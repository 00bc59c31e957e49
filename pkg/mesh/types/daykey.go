package types

import (
	"fmt"
	"strings"
	"time"
)

// DayKey computes the event-day bucket for nowMs in local time:
// "{day-of-month}{three-letter-month-lowercase}", e.g. "14nov".
func DayKey(nowMs int64) string {
	t := time.UnixMilli(nowMs).Local()
	month := strings.ToLower(t.Month().String()[:3])
	return fmt.Sprintf("%d%s", t.Day(), month)
}
