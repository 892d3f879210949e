// Package alarm provides the wake-up registry backing time-based reminders.
// It mirrors the contract of a platform alarm service: one pending
// registration per integer request code, last-writer-wins replacement on
// re-registration, and a one-shot callback at (or shortly after) the fire
// instant.
package alarm

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	appLog "github.com/jazzdanger/nudge-me/internal/log"
)

// Firing is the payload delivered to the handler when an alarm goes off.
type Firing struct {
	RequestCode int
	Title       string
	Notes       string
	FireAt      time.Time
}

// Handler consumes a fired alarm. It runs on its own goroutine; panics are
// contained so a misbehaving handler can never take the scheduler down.
type Handler func(Firing)

type pendingAlarm struct {
	timer  *time.Timer
	firing Firing
}

// Scheduler keeps at most one pending wake-up per request code.
type Scheduler struct {
	mu      sync.Mutex
	pending map[int]*pendingAlarm
	handler Handler
	exact   bool
	closed  bool

	now func() time.Time
}

// New creates a Scheduler. When exact is false, fire instants are rounded up
// to the next whole minute: the degraded, best-effort registration used when
// exact wake-ups are not permitted.
func New(handler Handler, exact bool) *Scheduler {
	return &Scheduler{
		pending: make(map[int]*pendingAlarm),
		handler: handler,
		exact:   exact,
		now:     time.Now,
	}
}

// Schedule registers a wake-up for fireAt under requestCode, replacing any
// earlier registration with the same code. A fire instant already in the
// past fires immediately. Registration itself never fails; inexact mode is
// the only degradation.
func (s *Scheduler) Schedule(title, notes string, fireAt time.Time, requestCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if !s.exact {
		if rounded := fireAt.Truncate(time.Minute); rounded.Before(fireAt) {
			fireAt = rounded.Add(time.Minute)
		}
	}

	if old, ok := s.pending[requestCode]; ok {
		old.timer.Stop()
		appLog.Debug("alarm replaced", "request_code", requestCode, "fire_at", fireAt)
	}

	firing := Firing{RequestCode: requestCode, Title: title, Notes: notes, FireAt: fireAt}
	delay := fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.pending[requestCode] = &pendingAlarm{
		timer:  time.AfterFunc(delay, func() { s.fire(requestCode) }),
		firing: firing,
	}

	appLog.Info("alarm scheduled",
		"request_code", requestCode,
		"fire_at", fireAt,
		"exact", s.exact,
		"title", title,
	)
}

func (s *Scheduler) fire(requestCode int) {
	s.mu.Lock()
	p, ok := s.pending[requestCode]
	if ok {
		delete(s.pending, requestCode)
	}
	handler := s.handler
	s.mu.Unlock()
	if !ok || handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			appLog.Error("alarm handler panicked", fmt.Errorf("%v", r),
				"request_code", requestCode)
		}
	}()
	handler(p.firing)
}

// Cancel retracts a pending registration. It reports whether one existed.
func (s *Scheduler) Cancel(requestCode int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestCode]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, requestCode)
	appLog.Info("alarm cancelled", "request_code", requestCode)
	return true
}

// CancelAll retracts every listed registration.
func (s *Scheduler) CancelAll(requestCodes []int) {
	for _, code := range requestCodes {
		s.Cancel(code)
	}
}

// PendingFireAt returns the fire instant registered under requestCode.
func (s *Scheduler) PendingFireAt(requestCode int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestCode]
	if !ok {
		return time.Time{}, false
	}
	return p.firing.FireAt, true
}

// Len returns the number of pending registrations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops every pending timer. Further Schedule calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for code, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, code)
	}
}

// TimeCode derives a fresh request code from an instant. This is the manual
// save path's policy: each save gets its own code, so editing a reminder
// registers a new alarm rather than replacing the old one.
func TimeCode(now time.Time) int {
	return int(now.UnixMilli() & 0x7fffffff)
}

// CodeFor derives a stable request code from a string key. The sync path
// uses it so repeated syncs of the same event replace rather than duplicate
// the registration.
func CodeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}
