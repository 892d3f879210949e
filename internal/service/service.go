// Package service implements the reminder lifecycle: validation, trigger
// resolution, persistence, and the alarm/geofence registrations that follow
// from a save. It is the only writer of registrations, so it can also tear
// them down when a reminder is deleted.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jazzdanger/nudge-me/internal/alarm"
	"github.com/jazzdanger/nudge-me/internal/geofence"
	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/model"
	"github.com/jazzdanger/nudge-me/internal/store"
	"github.com/jazzdanger/nudge-me/internal/trigger"
)

var (
	ErrMissingTitle    = errors.New("reminder title is required")
	ErrMissingDateTime = errors.New("date and time are required when notification is enabled")
	ErrMissingLocation = errors.New("a location with a positive radius is required when a location trigger is enabled")
)

// SaveInput is the edit-form payload for creating or updating a reminder.
// ID zero means create.
type SaveInput struct {
	ID    int64
	Title string
	Notes string
	Icon  string

	// NotifyEnabled arms the time trigger; Date and Time carry the selected
	// calendar date and wall-clock time respectively.
	NotifyEnabled bool
	Date          *time.Time
	Time          *time.Time
	RepeatDays    []time.Weekday

	// LocationEnabled arms the location trigger.
	LocationEnabled bool
	Location        *model.Location
}

// binding records the live registrations owned by a reminder so a delete
// can tear them down.
type binding struct {
	alarmCode  int
	hasAlarm   bool
	geofenceID string
}

// Service owns reminder writes and their side effects.
type Service struct {
	store  *store.Store
	alarms *alarm.Scheduler
	geo    *geofence.Registrar
	now    func() time.Time

	mu       sync.Mutex
	bindings map[int64]binding
}

func New(st *store.Store, alarms *alarm.Scheduler, geo *geofence.Registrar) *Service {
	return &Service{
		store:    st,
		alarms:   alarms,
		geo:      geo,
		now:      time.Now,
		bindings: make(map[int64]binding),
	}
}

// Save validates and persists a reminder, resolves its triggers, and
// registers the resulting alarm and geofence. On a validation error nothing
// is persisted. A geofence registration failure (permissions, region cap)
// is returned alongside the already-persisted reminder; the time trigger,
// if any, stays armed.
func (s *Service) Save(in SaveInput) (*model.Reminder, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	now := s.now()
	r := &model.Reminder{
		ID:         in.ID,
		Title:      in.Title,
		Notes:      in.Notes,
		Icon:       in.Icon,
		Status:     model.StatusPending,
		RepeatDays: in.RepeatDays,
	}
	if in.NotifyEnabled {
		fireAt := trigger.ResolveTimeTrigger(*in.Date, *in.Time, now)
		r.FireAt = &fireAt
		r.DateTime = trigger.FormatDisplayString(fireAt, now, in.RepeatDays)
	}
	if in.LocationEnabled {
		loc := *in.Location
		r.Location = &loc
	}

	if r.ID != 0 {
		// Editing does not change completion state: a completed reminder
		// stays completed until an explicit Restore.
		existing, err := s.store.GetReminder(r.ID)
		if err != nil {
			return nil, err
		}
		r.IsCompleted = existing.IsCompleted
		r.Status = existing.Status
		if err := s.store.UpdateReminder(r); err != nil {
			return nil, err
		}
		// Old registrations are dropped only once the write has succeeded,
		// so a failed update cannot strand a live reminder without them.
		s.teardown(r.ID)
	} else {
		id, err := s.store.InsertReminder(r)
		if err != nil {
			return nil, err
		}
		r.ID = id
	}

	var b binding
	if r.FireAt != nil {
		b.alarmCode = alarm.TimeCode(now)
		b.hasAlarm = true
		s.alarms.Schedule(r.Title, r.Notes, *r.FireAt, b.alarmCode)
	}

	var geoErr error
	if r.Location != nil {
		id, err := s.geo.Register(r.ID, r.Title, r.Location.Trigger,
			r.Location.Latitude, r.Location.Longitude, r.Location.Radius)
		if err != nil {
			appLog.Error("geofence registration failed", err, "reminder_id", r.ID)
			geoErr = err
		} else {
			b.geofenceID = id
		}
	}

	s.mu.Lock()
	s.bindings[r.ID] = b
	s.mu.Unlock()

	appLog.Info("reminder saved",
		"id", r.ID,
		"scheduled", r.FireAt != nil,
		"geofenced", b.geofenceID != "",
	)
	return r, geoErr
}

func validate(in SaveInput) error {
	if in.Title == "" {
		return ErrMissingTitle
	}
	if in.NotifyEnabled && (in.Date == nil || in.Time == nil) {
		return ErrMissingDateTime
	}
	if in.LocationEnabled && (in.Location == nil || in.Location.Radius <= 0) {
		return ErrMissingLocation
	}
	return nil
}

// Complete marks a reminder done. Its registrations are left in place; the
// completed state only changes how a firing is presented, not whether it
// happens.
func (s *Service) Complete(id int64) (*model.Reminder, error) {
	return s.setCompleted(id, true)
}

// Restore moves a completed reminder back to pending.
func (s *Service) Restore(id int64) (*model.Reminder, error) {
	return s.setCompleted(id, false)
}

func (s *Service) setCompleted(id int64, done bool) (*model.Reminder, error) {
	r, err := s.store.GetReminder(id)
	if err != nil {
		return nil, err
	}
	r.IsCompleted = done
	if done {
		r.Status = model.StatusCompleted
	} else {
		r.Status = model.StatusPending
	}
	if err := s.store.UpdateReminder(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a reminder and tears down its alarm and geofence
// registrations.
func (s *Service) Delete(id int64) error {
	s.teardown(id)
	return s.store.DeleteReminder(id)
}

func (s *Service) teardown(id int64) {
	s.mu.Lock()
	b, ok := s.bindings[id]
	delete(s.bindings, id)
	s.mu.Unlock()

	if ok && b.hasAlarm {
		s.alarms.Cancel(b.alarmCode)
	}
	// Unregister by owner rather than by the recorded id: it also catches
	// regions registered before the last restart, which have no binding.
	s.geo.UnregisterOwner(id)
}

// Rebind rebuilds alarm and geofence registrations from the store after a
// restart. A persisted fire instant that has already passed is advanced by
// whole days until it lies in the future, and the advanced instant and its
// display string are written back.
func (s *Service) Rebind() error {
	pending, err := s.store.ListPendingWithFireTime()
	if err != nil {
		return fmt.Errorf("list pending reminders: %w", err)
	}

	now := s.now()
	rebound := 0
	for i := range pending {
		r := &pending[i]

		fireAt := *r.FireAt
		if !fireAt.After(now) {
			for !fireAt.After(now) {
				fireAt = fireAt.AddDate(0, 0, 1)
			}
			r.FireAt = &fireAt
			r.DateTime = trigger.FormatDisplayString(fireAt, now, r.RepeatDays)
			if err := s.store.UpdateReminder(r); err != nil {
				appLog.Error("rewriting fire time failed", err, "reminder_id", r.ID)
				continue
			}
		}

		b := binding{
			alarmCode: alarm.CodeFor(fmt.Sprintf("reminder-%d", r.ID)),
			hasAlarm:  true,
		}
		s.alarms.Schedule(r.Title, r.Notes, fireAt, b.alarmCode)

		if r.Location != nil {
			id, err := s.geo.Register(r.ID, r.Title, r.Location.Trigger,
				r.Location.Latitude, r.Location.Longitude, r.Location.Radius)
			if err != nil {
				appLog.Error("geofence rebind failed", err, "reminder_id", r.ID)
			} else {
				b.geofenceID = id
			}
		}

		s.mu.Lock()
		s.bindings[r.ID] = b
		s.mu.Unlock()
		rebound++
	}

	// Reminders with a location trigger but no time trigger also need their
	// regions back.
	all, err := s.store.ListReminders()
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	for i := range all {
		r := &all[i]
		if r.Location == nil || r.HasSchedule() || r.IsCompleted {
			continue
		}
		s.mu.Lock()
		_, bound := s.bindings[r.ID]
		s.mu.Unlock()
		if bound {
			continue
		}
		id, err := s.geo.Register(r.ID, r.Title, r.Location.Trigger,
			r.Location.Latitude, r.Location.Longitude, r.Location.Radius)
		if err != nil {
			appLog.Error("geofence rebind failed", err, "reminder_id", r.ID)
			continue
		}
		s.mu.Lock()
		s.bindings[r.ID] = binding{geofenceID: id}
		s.mu.Unlock()
		rebound++
	}

	appLog.Info("registrations rebound", "count", rebound)
	return nil
}
