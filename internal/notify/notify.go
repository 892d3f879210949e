// Package notify renders fired triggers as user-visible notifications.
// Delivery is best-effort: a failed dispatch gets exactly one generic
// fallback attempt, and a failed fallback is logged and swallowed so the
// alarm and geofence callbacks can never crash.
package notify

import (
	"fmt"
	"time"

	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/model"
)

// Priority levels for the notification surface.
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
)

// Notification is the payload handed to sinks.
type Notification struct {
	ID         int       `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Priority   string    `json:"priority"`
	Category   string    `json:"category"`
	AutoCancel bool      `json:"auto_cancel"`
	Vibration  []int64   `json:"vibration,omitempty"` // pattern in milliseconds
	At         time.Time `json:"at"`
}

// Sink delivers a notification to some surface.
type Sink interface {
	Deliver(n Notification) error
}

// defaultVibration matches the original's five-pulse pattern.
var defaultVibration = []int64{1000, 1000, 1000, 1000, 1000}

// Presenter builds and dispatches notifications through its sinks.
type Presenter struct {
	sinks []Sink
	now   func() time.Time
}

// New creates a Presenter delivering through the given sinks, in order.
func New(sinks ...Sink) *Presenter {
	return &Presenter{sinks: sinks, now: time.Now}
}

// PresentAlarm renders an alarm firing. Title and notes are used verbatim;
// empty notes get a stock body.
func (p *Presenter) PresentAlarm(title, notes string) {
	if title == "" {
		title = "Reminder"
	}
	body := notes
	if body == "" {
		body = "Time for your reminder!"
	}
	p.present(title, body)
}

// PresentGeofence renders a geofence firing. The message is selected by
// cross-referencing the actual transition against the trigger type intended
// at registration time; unknown combinations fall back to a transition-only
// generic message.
func (p *Presenter) PresentGeofence(title string, actual model.Transition, intended model.TriggerType) {
	if title == "" {
		title = "Reminder"
	}
	p.present(title, GeofenceMessage(actual, intended))
}

// GeofenceMessage maps an (actual transition, intended trigger) pair onto
// the message shown to the user.
func GeofenceMessage(actual model.Transition, intended model.TriggerType) string {
	switch {
	case actual == model.TransitionEnter && intended == model.TriggerEnter:
		return "You have arrived at your selected location"
	case actual == model.TransitionExit && intended == model.TriggerLeave:
		return "You have left your selected location"
	case actual == model.TransitionDwell && intended == model.TriggerAt:
		return "You are currently at your selected location"
	case actual == model.TransitionExit && intended == model.TriggerNotAt:
		return "You are not at your selected location"
	}

	switch actual {
	case model.TransitionEnter:
		return "You have entered the location"
	case model.TransitionExit:
		return "You have left the location"
	case model.TransitionDwell:
		return "You are dwelling at the location"
	}
	return "You have a reminder!"
}

func (p *Presenter) present(title, body string) {
	n := Notification{
		// Fresh time-based ID so concurrent notifications stack instead of
		// overwriting each other.
		ID:         int(p.now().UnixMilli() & 0x7fffffff),
		Title:      title,
		Body:       body,
		Priority:   PriorityHigh,
		Category:   "reminder",
		AutoCancel: true,
		Vibration:  defaultVibration,
		At:         p.now(),
	}

	if err := p.deliver(n); err != nil {
		appLog.Error("notification dispatch failed, sending fallback", err,
			"title", title)
		fallback := n
		fallback.Title = "Reminder"
		fallback.Body = "You have a reminder!"
		if err := p.deliver(fallback); err != nil {
			appLog.Error("fallback notification failed", err)
		}
	}
}

// deliver sends n to every sink; the first error aborts and is returned.
func (p *Presenter) deliver(n Notification) error {
	if len(p.sinks) == 0 {
		return fmt.Errorf("no notification sinks configured")
	}
	for _, s := range p.sinks {
		if err := s.Deliver(n); err != nil {
			return err
		}
	}
	return nil
}
