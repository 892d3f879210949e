package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jazzdanger/nudge-me/internal/model"
)

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("record not found")

const reminderColumns = `id, title, date_time, icon, status, repeat_days,
	is_completed, notes, latitude, longitude, radius, trigger_type, fire_at`

// InsertReminder persists a new reminder and returns its assigned id.
func (s *Store) InsertReminder(r *model.Reminder) (int64, error) {
	lat, lng, radius, trig := locationColumns(r.Location)
	res, err := s.db.Exec(
		`INSERT INTO reminders (title, date_time, icon, status, repeat_days,
			is_completed, notes, latitude, longitude, radius, trigger_type, fire_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.DateTime, r.Icon, string(r.Status), encodeRepeatDays(r.RepeatDays),
		boolInt(r.IsCompleted), r.Notes, lat, lng, radius, trig, encodeTime(r.FireAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	id, _ := res.LastInsertId()
	r.ID = id
	s.notify()
	return id, nil
}

// UpdateReminder rewrites every mutable column of an existing reminder.
func (s *Store) UpdateReminder(r *model.Reminder) error {
	lat, lng, radius, trig := locationColumns(r.Location)
	res, err := s.db.Exec(
		`UPDATE reminders SET title = ?, date_time = ?, icon = ?, status = ?,
			repeat_days = ?, is_completed = ?, notes = ?, latitude = ?,
			longitude = ?, radius = ?, trigger_type = ?, fire_at = ?
		 WHERE id = ?`,
		r.Title, r.DateTime, r.Icon, string(r.Status), encodeRepeatDays(r.RepeatDays),
		boolInt(r.IsCompleted), r.Notes, lat, lng, radius, trig, encodeTime(r.FireAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reminder %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

// DeleteReminder removes the reminder row permanently.
func (s *Store) DeleteReminder(id int64) error {
	res, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

// GetReminder fetches one reminder by id.
func (s *Store) GetReminder(id int64) (*model.Reminder, error) {
	row := s.db.QueryRow(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListReminders returns all reminders, newest first.
func (s *Store) ListReminders() ([]model.Reminder, error) {
	return s.listReminders(`SELECT ` + reminderColumns + ` FROM reminders ORDER BY id DESC`)
}

// ListCompletedReminders returns the history view: completed reminders only.
func (s *Store) ListCompletedReminders() ([]model.Reminder, error) {
	return s.listReminders(`SELECT ` + reminderColumns + ` FROM reminders WHERE is_completed = 1 ORDER BY id DESC`)
}

// ListPendingWithFireTime returns non-completed reminders that carry a
// resolved fire instant. The scheduler re-registers these at startup.
func (s *Store) ListPendingWithFireTime() ([]model.Reminder, error) {
	return s.listReminders(`SELECT ` + reminderColumns + ` FROM reminders
		WHERE is_completed = 0 AND fire_at IS NOT NULL ORDER BY id`)
}

func (s *Store) listReminders(query string) ([]model.Reminder, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*model.Reminder, error) {
	var (
		r          model.Reminder
		status     string
		repeatDays string
		completed  int
		lat, lng   sql.NullFloat64
		radius     sql.NullFloat64
		trig       sql.NullString
		fireAt     sql.NullString
	)
	err := row.Scan(&r.ID, &r.Title, &r.DateTime, &r.Icon, &status, &repeatDays,
		&completed, &r.Notes, &lat, &lng, &radius, &trig, &fireAt)
	if err != nil {
		return nil, err
	}

	r.Status = model.ReminderStatus(status)
	r.RepeatDays = decodeRepeatDays(repeatDays)
	r.IsCompleted = completed == 1

	// Location columns are set together or not at all.
	if lat.Valid && lng.Valid && radius.Valid && trig.Valid {
		tt, terr := model.ParseTriggerType(trig.String)
		if terr != nil {
			return nil, fmt.Errorf("reminder %d: %w", r.ID, terr)
		}
		r.Location = &model.Location{
			Latitude:  lat.Float64,
			Longitude: lng.Float64,
			Radius:    radius.Float64,
			Trigger:   tt,
		}
	}

	if fireAt.Valid && fireAt.String != "" {
		t, perr := time.Parse(time.RFC3339, fireAt.String)
		if perr != nil {
			return nil, fmt.Errorf("reminder %d: parse fire_at: %w", r.ID, perr)
		}
		r.FireAt = &t
	}
	return &r, nil
}

func locationColumns(loc *model.Location) (lat, lng, radius any, trig any) {
	if loc == nil {
		return nil, nil, nil, nil
	}
	return loc.Latitude, loc.Longitude, loc.Radius, string(loc.Trigger)
}

func encodeRepeatDays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeRepeatDays(s string) []time.Weekday {
	if s == "" {
		return nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		out = append(out, time.Weekday(n))
	}
	return out
}

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
