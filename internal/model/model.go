package model

import (
	"fmt"
	"time"
)

// ReminderStatus is the lifecycle state of a reminder.
type ReminderStatus string

const (
	StatusPending   ReminderStatus = "PENDING"
	StatusActive    ReminderStatus = "ACTIVE"
	StatusCompleted ReminderStatus = "COMPLETED"
)

// TriggerType describes the semantic relationship between the user's
// location and the target region that should cause a notification. It is
// carried as a closed enum end-to-end; it is decoded once at the storage or
// API boundary and never re-parsed from a string downstream.
type TriggerType string

const (
	// TriggerEnter notifies on arrival at the region.
	TriggerEnter TriggerType = "ENTER"
	// TriggerLeave notifies on departure from the region.
	TriggerLeave TriggerType = "LEAVE"
	// TriggerAt notifies while dwelling inside the region.
	TriggerAt TriggerType = "AT"
	// TriggerNotAt notifies while away from the region. The underlying
	// transition is the same as TriggerLeave; only the rendered message
	// differs.
	TriggerNotAt TriggerType = "NOT_AT"
)

// ParseTriggerType decodes a stored trigger type value.
func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(s) {
	case TriggerEnter, TriggerLeave, TriggerAt, TriggerNotAt:
		return TriggerType(s), nil
	}
	return "", fmt.Errorf("unknown trigger type %q", s)
}

// Transition is a concrete geofence transition kind.
type Transition int

const (
	TransitionEnter Transition = 1 << iota
	TransitionExit
	TransitionDwell
)

func (t Transition) String() string {
	switch t {
	case TransitionEnter:
		return "ENTER"
	case TransitionExit:
		return "EXIT"
	case TransitionDwell:
		return "DWELL"
	}
	return fmt.Sprintf("Transition(%d)", int(t))
}

// Location is an optional circular geofence attached to a reminder.
// Latitude, Longitude and Radius are always set together; Radius is meters
// and must be positive.
type Location struct {
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Radius    float64     `json:"radius"`
	Trigger   TriggerType `json:"trigger"`
}

// Reminder is the persisted representation of a user reminder.
type Reminder struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Notes       string         `json:"notes"`
	DateTime    string         `json:"date_time"` // human-readable display string
	Icon        string         `json:"icon"`
	Status      ReminderStatus `json:"status"`
	RepeatDays  []time.Weekday `json:"repeat_days,omitempty"` // empty = one-shot
	IsCompleted bool           `json:"is_completed"`
	Location    *Location      `json:"location,omitempty"`
	// FireAt is the resolved fire instant for the pending time trigger, if
	// the reminder has one. It is recorded at save time so registrations can
	// be rebuilt after a restart.
	FireAt *time.Time `json:"fire_at,omitempty"`
}

// HasSchedule reports whether the reminder carries a time trigger.
func (r *Reminder) HasSchedule() bool { return r.FireAt != nil }

// ItemType classifies an item pulled from an external calendar.
type ItemType string

const (
	ItemEvent    ItemType = "EVENT"
	ItemBirthday ItemType = "BIRTHDAY"
	ItemTask     ItemType = "TASK"
)

// CalendarItem is a read-only item derived from an external calendar feed.
// It is recomputed on every sync pass and never persisted.
type CalendarItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Start       *time.Time `json:"start,omitempty"` // nil means "no date"
	AllDay      bool       `json:"all_day"`
	Description string     `json:"description,omitempty"`
	Type        ItemType   `json:"type"`
}

// ChecklistList is a named checklist.
type ChecklistList struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ChecklistItem is a single entry in a checklist.
type ChecklistItem struct {
	ID      int64  `json:"id"`
	ListID  int64  `json:"list_id"`
	Title   string `json:"title"`
	Checked bool   `json:"checked"`
}
