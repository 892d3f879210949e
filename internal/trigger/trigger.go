package trigger

import (
	"sort"
	"strings"
	"time"

	"github.com/jazzdanger/nudge-me/internal/model"
)

// LoiterDelay is how long the user must stay inside a region before an
// AT-style trigger fires its DWELL transition.
const LoiterDelay = 10 * time.Second

// ResolveTimeTrigger combines the user-selected date and time into a single
// fire instant. If that instant is at or before now, it is advanced by one
// calendar day.
//
// The repeat-day set is deliberately not consulted here: a reminder marked to
// repeat on specific weekdays whose time has already passed today still rolls
// to tomorrow, not to the next matching weekday. The repeat set only affects
// the display string.
func ResolveTimeTrigger(selectedDate, selectedTime, now time.Time) time.Time {
	fireAt := time.Date(
		selectedDate.Year(), selectedDate.Month(), selectedDate.Day(),
		selectedTime.Hour(), selectedTime.Minute(), 0, 0,
		now.Location(),
	)
	if !fireAt.After(now) {
		fireAt = fireAt.AddDate(0, 0, 1)
	}
	return fireAt
}

// FormatDisplayString renders a fire instant for display:
//
//	"Today, 15:04" / "Tomorrow, 15:04" / "Tuesday, 15:04" (same week) /
//	"Jun 04, 15:04" otherwise,
//
// with a "(Repeats: ...)" suffix when repeatDays is non-empty. The "same
// week" check buckets dates by their preceding Sunday, matching the
// week-of-year heuristic of the original; it is a locale-sensitive
// approximation, not ISO week numbering. The "Tomorrow" check compares year
// days within the same year, so Dec 31 -> Jan 1 falls through to the
// weekday/date form; that too matches the original's calendar arithmetic.
func FormatDisplayString(fireAt, now time.Time, repeatDays []time.Weekday) string {
	timeStr := fireAt.Format("15:04")

	var base string
	switch {
	case fireAt.Year() == now.Year() && fireAt.YearDay() == now.YearDay():
		base = "Today, " + timeStr
	case fireAt.Year() == now.Year() && fireAt.YearDay() == now.YearDay()+1:
		base = "Tomorrow, " + timeStr
	case sundayOf(fireAt).Equal(sundayOf(now)):
		base = fireAt.Format("Monday") + ", " + timeStr
	default:
		base = fireAt.Format("Jan 02") + ", " + timeStr
	}

	if len(repeatDays) == 0 {
		return base
	}
	return base + " (Repeats: " + joinWeekdays(repeatDays) + ")"
}

// sundayOf returns midnight of the Sunday starting the week containing t.
func sundayOf(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return d.AddDate(0, 0, -int(d.Weekday()))
}

// joinWeekdays renders a weekday set as comma-joined abbreviated names in
// day-of-week order (Sun first), de-duplicated.
func joinWeekdays(days []time.Weekday) string {
	seen := make(map[time.Weekday]bool, len(days))
	uniq := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			uniq = append(uniq, d)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	names := make([]string, len(uniq))
	for i, d := range uniq {
		names[i] = d.String()[:3]
	}
	return strings.Join(names, ", ")
}

// ResolveLocationTrigger maps a trigger type onto the geofence transition to
// monitor, the initial-trigger policy, and the loiter delay (non-zero only
// for AT). Leave and NotAt intentionally resolve to the same EXIT transition;
// there is no native "not present" transition, so both are approximated by
// EXIT and distinguished later by the notification message.
//
// Callers must validate that the reminder actually carries location fields
// before resolving; this function does not check them.
func ResolveLocationTrigger(t model.TriggerType) (transition, initial model.Transition, loiter time.Duration) {
	switch t {
	case model.TriggerEnter:
		return model.TransitionEnter, model.TransitionEnter, 0
	case model.TriggerLeave:
		return model.TransitionExit, model.TransitionExit, 0
	case model.TriggerAt:
		return model.TransitionDwell, model.TransitionDwell, LoiterDelay
	case model.TriggerNotAt:
		return model.TransitionExit, model.TransitionExit, 0
	default:
		return model.TransitionEnter, model.TransitionEnter, 0
	}
}
