package entitlements

import "time"

// WeekPolicy selects how the rolling weekly discovery window is anchored.
// The intended product behavior is ambiguous between the two, so both are
// supported behind configuration.
type WeekPolicy string

const (
	// WeekPolicyCalendar anchors windows to the most recent Monday 00:00 UTC.
	WeekPolicyCalendar WeekPolicy = "calendar"
	// WeekPolicyRolling anchors windows to the user's first discovery event,
	// advancing in contiguous 7-day steps.
	WeekPolicyRolling WeekPolicy = "rolling"
)

// BurstPolicy selects whether a discovery cycle already under way may push
// the weekly counter past the limit.
type BurstPolicy string

const (
	// BurstAllow keeps the per-job check advisory: a cycle allowed to start
	// may still record jobs past the limit.
	BurstAllow BurstPolicy = "allow"
	// BurstStrict enforces the ceiling on every recorded job.
	BurstStrict BurstPolicy = "strict"
)

// MonthStart returns the first day of t's calendar month at 00:00 UTC.
// This is the usage ledger's period key.
func MonthStart(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CalendarWeekStart returns the most recent Monday 00:00 UTC at or before t.
func CalendarWeekStart(t time.Time) time.Time {
	tt := t.UTC()
	day := time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

// WeekWindow computes the window containing now under the given policy.
// anchor is the start of the most recent known window; it is ignored by the
// calendar policy and may be zero for the rolling policy (first use), in
// which case the window opens at now.
func WeekWindow(policy WeekPolicy, anchor, now time.Time) (start, end time.Time) {
	n := now.UTC()
	switch policy {
	case WeekPolicyRolling:
		if anchor.IsZero() || n.Before(anchor) {
			return n, n.Add(7 * 24 * time.Hour)
		}
		start = anchor.UTC()
		for !start.Add(7 * 24 * time.Hour).After(n) {
			start = start.Add(7 * 24 * time.Hour)
		}
		return start, start.Add(7 * 24 * time.Hour)
	default:
		start = CalendarWeekStart(n)
		return start, start.AddDate(0, 0, 7)
	}
}
