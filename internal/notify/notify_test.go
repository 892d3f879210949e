package notify

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jazzdanger/nudge-me/internal/model"
)

type captureSink struct {
	mu       sync.Mutex
	got      []Notification
	failures int // fail the first N deliveries
}

func (c *captureSink) Deliver(n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("sink unavailable")
	}
	c.got = append(c.got, n)
	return nil
}

func (c *captureSink) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.got...)
}

func TestPresentAlarmVerbatimPayload(t *testing.T) {
	sink := &captureSink{}
	p := New(sink)

	p.PresentAlarm("Water plants", "back garden too")

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Water plants", got[0].Title)
	assert.Equal(t, "back garden too", got[0].Body)
	assert.Equal(t, PriorityHigh, got[0].Priority)
	assert.True(t, got[0].AutoCancel)
	assert.Equal(t, []int64{1000, 1000, 1000, 1000, 1000}, got[0].Vibration)
}

func TestPresentAlarmEmptyNotesGetStockBody(t *testing.T) {
	sink := &captureSink{}
	p := New(sink)

	p.PresentAlarm("Water plants", "")

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Time for your reminder!", got[0].Body)
}

func TestGeofenceMessages(t *testing.T) {
	cases := []struct {
		actual   model.Transition
		intended model.TriggerType
		want     string
	}{
		{model.TransitionEnter, model.TriggerEnter, "You have arrived at your selected location"},
		{model.TransitionExit, model.TriggerLeave, "You have left your selected location"},
		{model.TransitionDwell, model.TriggerAt, "You are currently at your selected location"},
		{model.TransitionExit, model.TriggerNotAt, "You are not at your selected location"},
		// Mismatched pairs fall back to transition-only messages.
		{model.TransitionEnter, model.TriggerLeave, "You have entered the location"},
		{model.TransitionExit, model.TriggerEnter, "You have left the location"},
		{model.TransitionDwell, model.TriggerEnter, "You are dwelling at the location"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GeofenceMessage(tc.actual, tc.intended),
			"actual=%s intended=%s", tc.actual, tc.intended)
	}
}

func TestPresentGeofenceDeliversMappedMessage(t *testing.T) {
	sink := &captureSink{}
	p := New(sink)

	p.PresentGeofence("Office", model.TransitionDwell, model.TriggerAt)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Office", got[0].Title)
	assert.Equal(t, "You are currently at your selected location", got[0].Body)
}

func TestFallbackOnDispatchFailure(t *testing.T) {
	sink := &captureSink{failures: 1}
	p := New(sink)

	p.PresentAlarm("Water plants", "back garden")

	got := sink.all()
	require.Len(t, got, 1, "exactly one fallback attempt")
	assert.Equal(t, "Reminder", got[0].Title)
	assert.Equal(t, "You have a reminder!", got[0].Body)
}

func TestDoubleFailureIsSwallowed(t *testing.T) {
	sink := &captureSink{failures: 2}
	p := New(sink)

	// Must not panic or propagate anything.
	p.PresentAlarm("Water plants", "")
	assert.Empty(t, sink.all())
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var gotPath string
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL + "/hook")
	err := sink.Deliver(Notification{ID: 1, Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "/hook", gotPath)
	assert.Equal(t, "application/json", gotType)
}

func TestWebhookSinkNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	assert.Error(t, sink.Deliver(Notification{ID: 1}))
}
