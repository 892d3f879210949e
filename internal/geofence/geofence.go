// Package geofence monitors circular regions for enter/exit/dwell
// transitions. It stands in for a platform geofencing facility: regions are
// registered with a transition mask and an initial-trigger policy, position
// samples are reported in, and matching transitions invoke a callback.
package geofence

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/model"
	"github.com/jazzdanger/nudge-me/internal/trigger"
)

// maxRegions matches the typical per-app platform geofence limit.
const maxRegions = 100

var (
	// ErrPermissionNeeded is returned when location permission gates are not
	// granted. Recoverable: the caller surfaces it and skips registration.
	ErrPermissionNeeded = errors.New("location permission needed for geofencing")
	// ErrTooManyRegions is returned at the per-app region cap.
	ErrTooManyRegions = fmt.Errorf("geofence limit of %d regions reached", maxRegions)
)

// Event is delivered to the handler when a monitored transition occurs.
// Actual is the transition that fired; Intended is the trigger type stored
// at registration time. The two are cross-referenced when the notification
// message is rendered.
type Event struct {
	RegionID string
	Title    string
	Actual   model.Transition
	Intended model.TriggerType
}

// Handler consumes geofence events on the reporting goroutine. Panics are
// contained.
type Handler func(Event)

// Permissions mirrors the platform's location permission state.
type Permissions struct {
	Foreground bool
	Background bool
}

type region struct {
	id         string
	owner      int64
	title      string
	intended   model.TriggerType
	transition model.Transition
	loiter     time.Duration

	lat, lng, radius float64

	inside      bool
	insideSince time.Time
	dwellFired  bool
	seen        bool // at least one position evaluated
}

// Registrar holds registered regions and derives transitions from reported
// positions.
type Registrar struct {
	mu      sync.Mutex
	regions map[string]*region
	handler Handler
	perms   Permissions

	hasLast  bool
	lastLat  float64
	lastLng  float64
	lastSeen time.Time
	seq      uint64

	now func() time.Time
}

// New creates a Registrar with the given permission gates.
func New(handler Handler, perms Permissions) *Registrar {
	return &Registrar{
		regions: make(map[string]*region),
		handler: handler,
		perms:   perms,
		now:     time.Now,
	}
}

// Register adds a circular monitored region tied to the reminder identified
// by owner. Each call creates an independent registration with a time-based
// request ID; idempotency is the caller's responsibility. The region never
// expires. If a last known position exists, the initial-trigger policy is
// evaluated against it immediately.
func (g *Registrar) Register(owner int64, title string, tt model.TriggerType, lat, lng, radius float64) (string, error) {
	if !g.perms.Foreground || !g.perms.Background {
		return "", ErrPermissionNeeded
	}
	if radius <= 0 {
		return "", fmt.Errorf("geofence radius must be positive, got %v", radius)
	}

	transition, initial, loiter := trigger.ResolveLocationTrigger(tt)

	g.mu.Lock()
	if len(g.regions) >= maxRegions {
		g.mu.Unlock()
		return "", ErrTooManyRegions
	}

	g.seq++
	r := &region{
		id:         fmt.Sprintf("reminder_%d_%d", g.now().UnixNano(), g.seq),
		owner:      owner,
		title:      title,
		intended:   tt,
		transition: transition,
		loiter:     loiter,
		lat:        lat,
		lng:        lng,
		radius:     radius,
	}
	g.regions[r.id] = r

	var initialEvent *Event
	if g.hasLast {
		inside := distanceMeters(g.lastLat, g.lastLng, lat, lng) <= radius
		r.seen = true
		r.inside = inside
		if inside {
			r.insideSince = g.lastSeen
		}
		// Initial trigger: fire right away if the current state already
		// satisfies the requested policy. DWELL still waits out the loiter
		// delay and is handled by subsequent position reports.
		switch {
		case initial == model.TransitionEnter && inside:
			initialEvent = &Event{RegionID: r.id, Title: title, Actual: model.TransitionEnter, Intended: tt}
		case initial == model.TransitionExit && !inside:
			initialEvent = &Event{RegionID: r.id, Title: title, Actual: model.TransitionExit, Intended: tt}
		}
	}
	g.mu.Unlock()

	appLog.Info("geofence registered",
		"region_id", r.id,
		"owner", owner,
		"trigger", string(tt),
		"radius_m", radius,
	)
	if initialEvent != nil {
		g.dispatch(*initialEvent)
	}
	return r.id, nil
}

// Unregister removes one region by its request ID.
func (g *Registrar) Unregister(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.regions[id]; !ok {
		return false
	}
	delete(g.regions, id)
	appLog.Info("geofence unregistered", "region_id", id)
	return true
}

// UnregisterOwner removes every region registered for a reminder id and
// returns how many were removed. This is the explicit teardown path used by
// reminder deletion.
func (g *Registrar) UnregisterOwner(owner int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, r := range g.regions {
		if r.owner == owner {
			delete(g.regions, id)
			n++
		}
	}
	if n > 0 {
		appLog.Info("geofences removed for reminder", "owner", owner, "count", n)
	}
	return n
}

// Len returns the number of monitored regions.
func (g *Registrar) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.regions)
}

// ReportPosition feeds a position sample into the engine at time `at`.
// Matching transitions for every region are dispatched before returning.
func (g *Registrar) ReportPosition(lat, lng float64, at time.Time) {
	g.mu.Lock()
	g.hasLast = true
	g.lastLat, g.lastLng, g.lastSeen = lat, lng, at

	var events []Event
	for _, r := range g.regions {
		inside := distanceMeters(lat, lng, r.lat, r.lng) <= r.radius

		switch {
		case !r.seen:
			// First observation establishes state without firing ENTER/EXIT;
			// only registration-time initial triggers do that.
			r.seen = true
			r.inside = inside
			if inside {
				r.insideSince = at
			}
		case inside && !r.inside:
			r.inside = true
			r.insideSince = at
			r.dwellFired = false
			if r.transition&model.TransitionEnter != 0 {
				events = append(events, Event{RegionID: r.id, Title: r.title, Actual: model.TransitionEnter, Intended: r.intended})
			}
		case !inside && r.inside:
			r.inside = false
			r.dwellFired = false
			if r.transition&model.TransitionExit != 0 {
				events = append(events, Event{RegionID: r.id, Title: r.title, Actual: model.TransitionExit, Intended: r.intended})
			}
		}

		// DWELL fires once per stay after the loiter delay has elapsed.
		if r.inside && !r.dwellFired &&
			r.transition&model.TransitionDwell != 0 &&
			at.Sub(r.insideSince) >= r.loiter {
			r.dwellFired = true
			events = append(events, Event{RegionID: r.id, Title: r.title, Actual: model.TransitionDwell, Intended: r.intended})
		}
	}
	g.mu.Unlock()

	for _, ev := range events {
		g.dispatch(ev)
	}
}

func (g *Registrar) dispatch(ev Event) {
	if g.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("geofence handler panicked", fmt.Errorf("%v", r),
				"region_id", ev.RegionID)
		}
	}()
	appLog.Debug("geofence transition",
		"region_id", ev.RegionID,
		"actual", ev.Actual.String(),
		"intended", string(ev.Intended),
	)
	g.handler(ev)
}

const earthRadiusMeters = 6371000.0

// distanceMeters is the haversine great-circle distance between two points.
func distanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
