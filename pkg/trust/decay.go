package trust

import "time"

// decayMilestone is one point on the retention curve.
type decayMilestone struct {
	day       float64
	retention float64
}

// Retention milestones: full score through the 7-day grace window, then
// stepped down to 50% at day 182. Between milestones the curve is linear.
var decayMilestones = []decayMilestone{
	{0, 1.00},
	{7, 0.95},
	{14, 0.88},
	{28, 0.75},
	{56, 0.62},
	{112, 0.55},
	{182, 0.50},
}

// Retention returns the score multiplier for the given number of days since
// last activity. Days 0-6 are a grace window at 100%; beyond the final
// milestone the retention stays at its floor.
func Retention(days float64) float64 {
	if days < decayMilestones[1].day {
		return 1.0
	}
	last := decayMilestones[len(decayMilestones)-1]
	if days >= last.day {
		return last.retention
	}

	for i := 1; i < len(decayMilestones); i++ {
		next := decayMilestones[i]
		if days >= next.day {
			continue
		}
		prev := decayMilestones[i-1]
		progress := (days - prev.day) / (next.day - prev.day)
		return prev.retention - progress*(prev.retention-next.retention)
	}
	return last.retention
}

// DaysSince converts a last-activity timestamp to fractional days.
func DaysSince(lastActivity, now time.Time) float64 {
	if lastActivity.IsZero() || now.Before(lastActivity) {
		return 0
	}
	return now.Sub(lastActivity).Hours() / 24.0
}

// ApplyDecay scales a raw score by the retention for the elapsed time.
func ApplyDecay(raw int, lastActivity, now time.Time) int {
	return int(float64(raw)*Retention(DaysSince(lastActivity, now)) + 0.5)
}
