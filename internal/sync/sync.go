// Package sync runs the periodic calendar sync job: it pulls a forward
// window of events from the external calendar feeds, classifies them, and
// re-derives alarm registrations for each (including a one-hour pre-alarm).
package sync

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jazzdanger/nudge-me/internal/alarm"
	"github.com/jazzdanger/nudge-me/internal/calendar"
	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/model"
)

// Scheduler is the slice of the alarm scheduler the job needs.
type Scheduler interface {
	Schedule(title, notes string, fireAt time.Time, requestCode int)
}

// ItemSource produces classified calendar items for a time window.
type ItemSource interface {
	FetchItems(ctx context.Context, feeds []calendar.Feed, windowStart, windowEnd time.Time) ([]model.CalendarItem, []error)
}

// birthdayPhrases is the fixed pool a birthday body is drawn from. The pick
// is keyed by a stable hash of the name, so the same name always yields the
// same phrase while different names spread across the pool.
var birthdayPhrases = []string{
	"Heyy! It's %s's birthday. Don't forget a gift!",
	"Reminder: %s is celebrating today",
	"It's %s's big day, send your wishes!",
	"%s turns a year older today. Maybe a gift?",
}

const (
	initialRetryDelay = 5 * time.Minute
	maxRetryDelay     = time.Hour
)

// Job is the calendar sync job. It runs on a cron schedule and on demand,
// and requests its own retry with capped backoff when a pass fails.
type Job struct {
	src           ItemSource
	sched         Scheduler
	feeds         []calendar.Feed
	horizonMonths int

	cron *cron.Cron
	now  func() time.Time

	mu         sync.Mutex
	retryTimer *time.Timer
	retryDelay time.Duration
	lastRun    time.Time
	lastErr    error
}

// New creates a Job syncing the given feeds over a horizon of months.
func New(src ItemSource, sched Scheduler, feeds []calendar.Feed, horizonMonths int) *Job {
	if horizonMonths <= 0 {
		horizonMonths = 3
	}
	return &Job{
		src:           src,
		sched:         sched,
		feeds:         feeds,
		horizonMonths: horizonMonths,
		now:           time.Now,
		retryDelay:    initialRetryDelay,
	}
}

// Start begins periodic syncing on the given cron expression and kicks off
// an immediate first pass.
func (j *Job) Start(ctx context.Context, cronSpec string) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(cronSpec, func() { j.runWithRetry(ctx) })
	if err != nil {
		return fmt.Errorf("invalid sync cron %q: %w", cronSpec, err)
	}
	j.cron.Start()

	go j.runWithRetry(ctx)
	return nil
}

// Stop halts the cron schedule and any pending retry.
func (j *Job) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retryTimer != nil {
		j.retryTimer.Stop()
		j.retryTimer = nil
	}
}

// runWithRetry runs one pass; on failure it arms a capped-backoff retry, on
// success it resets the backoff.
func (j *Job) runWithRetry(ctx context.Context) {
	err := j.Run(ctx)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastRun = j.now()
	j.lastErr = err
	if err == nil {
		j.retryDelay = initialRetryDelay
		return
	}

	delay := j.retryDelay
	j.retryDelay *= 2
	if j.retryDelay > maxRetryDelay {
		j.retryDelay = maxRetryDelay
	}
	appLog.Error("calendar sync failed, retrying", err, "retry_in", delay.String())
	if j.retryTimer != nil {
		j.retryTimer.Stop()
	}
	j.retryTimer = time.AfterFunc(delay, func() {
		if ctx.Err() == nil {
			j.runWithRetry(ctx)
		}
	})
}

// Run performs a single sync pass. It fetches the primary feed plus any
// Birthday/Tasks-named feeds, and registers a primary alarm per qualifying
// future event plus a one-hour pre-alarm when that still lies in the future.
// Request codes are derived from event ids so a re-sync replaces earlier
// registrations instead of duplicating them.
func (j *Job) Run(ctx context.Context) error {
	feeds := j.selectFeeds()
	if len(feeds) == 0 {
		return fmt.Errorf("no primary calendar feed configured")
	}

	now := j.now()
	items, errs := j.src.FetchItems(ctx, feeds, now, now.AddDate(0, j.horizonMonths, 0))
	if len(items) == 0 && len(errs) > 0 {
		return fmt.Errorf("calendar fetch failed: %w", errs[0])
	}
	for _, err := range errs {
		// Partial failure (an optional feed missing) is tolerated.
		appLog.Error("calendar feed skipped during sync", err)
	}

	scheduled := 0
	for _, item := range items {
		if item.Start == nil {
			continue
		}
		notifyAt := *item.Start
		if item.AllDay {
			// All-day events notify at 08:00 local on the event's date.
			notifyAt = time.Date(notifyAt.Year(), notifyAt.Month(), notifyAt.Day(),
				8, 0, 0, 0, notifyAt.Location())
		}
		if !notifyAt.After(now) {
			continue
		}

		title, body := j.composeNotification(item)
		j.sched.Schedule(title, body, notifyAt, alarm.CodeFor(item.ID))
		scheduled++

		if pre := notifyAt.Add(-time.Hour); pre.After(now) {
			j.sched.Schedule(item.Title+" in 1 hour", "Calendar", pre, alarm.CodeFor(item.ID+"-pre"))
			scheduled++
		}
	}

	appLog.Info("calendar sync completed",
		"items", len(items),
		"alarms", scheduled,
		"feeds", len(feeds),
	)
	return nil
}

// LastRun reports the last pass time and its error, for the status API.
func (j *Job) LastRun() (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.lastErr
}

// selectFeeds keeps primary feeds plus any feed named like the optional
// Birthday/Tasks calendars. Missing optional calendars are simply absent.
func (j *Job) selectFeeds() []calendar.Feed {
	var out []calendar.Feed
	for _, f := range j.feeds {
		name := strings.ToLower(f.Name)
		if f.Primary || strings.Contains(name, "birthday") || strings.Contains(name, "tasks") {
			out = append(out, f)
		}
	}
	return out
}

func (j *Job) composeNotification(item model.CalendarItem) (title, body string) {
	if item.Type == model.ItemBirthday {
		return "Birthday today", BirthdayMessage(item.Title)
	}
	return item.Title, "Calendar"
}

// BirthdayMessage synthesizes a varied birthday body from the event title.
// The phrase choice is deterministic per name.
func BirthdayMessage(title string) string {
	name := extractBirthdayName(title)
	if name == "" {
		name = "someone"
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	phrase := birthdayPhrases[int(h.Sum32())%len(birthdayPhrases)]
	return fmt.Sprintf(phrase, name)
}

// extractBirthdayName strips the birthday phrasing out of an event title,
// case-insensitively.
func extractBirthdayName(title string) string {
	name := title
	for _, pat := range []string{"'s birthday", "birthday of", "birthday"} {
		name = removeFold(name, pat)
	}
	return strings.TrimSpace(name)
}

// removeFold removes every case-insensitive occurrence of sub from s.
func removeFold(s, sub string) string {
	lower := strings.ToLower(s)
	lowerSub := strings.ToLower(sub)
	var b strings.Builder
	for {
		i := strings.Index(lower, lowerSub)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s = s[i+len(sub):]
		lower = lower[i+len(lowerSub):]
	}
}
