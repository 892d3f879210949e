// Package hydration delivers the periodic water reminder: an opt-in fixed
// cadence notification that reuses the alarm notification path with its
// default payload.
package hydration

import (
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "github.com/jazzdanger/nudge-me/internal/log"
)

// Presenter is the slice of the notification presenter the job needs.
type Presenter interface {
	PresentAlarm(title, notes string)
}

// Job sends the hydration notification on a cron cadence.
type Job struct {
	presenter Presenter
	cron      *cron.Cron
}

func New(p Presenter) *Job {
	return &Job{presenter: p}
}

// Start begins the periodic notifications on the given cron expression.
func (j *Job) Start(cronSpec string) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(cronSpec, j.Notify)
	if err != nil {
		return fmt.Errorf("invalid hydration cron %q: %w", cronSpec, err)
	}
	j.cron.Start()
	appLog.Info("hydration reminders enabled", "cron", cronSpec)
	return nil
}

// Stop halts the cadence.
func (j *Job) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// Notify sends one hydration notification. The payload is the alarm path's
// default: the generic title with the stock body.
func (j *Job) Notify() {
	j.presenter.PresentAlarm("Reminder", "")
}
