package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jazzdanger/nudge-me/internal/alarm"
	"github.com/jazzdanger/nudge-me/internal/calendar"
	"github.com/jazzdanger/nudge-me/internal/config"
	"github.com/jazzdanger/nudge-me/internal/geofence"
	"github.com/jazzdanger/nudge-me/internal/model"
	"github.com/jazzdanger/nudge-me/internal/service"
	"github.com/jazzdanger/nudge-me/internal/store"
)

type fakeItems struct {
	items []model.CalendarItem
	calls int
}

func (f *fakeItems) FetchItems(context.Context, []calendar.Feed, time.Time, time.Time) ([]model.CalendarItem, []error) {
	f.calls++
	return f.items, nil
}

type fakeSync struct {
	runs int
	err  error
}

func (f *fakeSync) Run(context.Context) error {
	f.runs++
	return f.err
}

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	geo   *geofence.Registrar
	items *fakeItems
	sync  *fakeSync
	cfg   *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alarms := alarm.New(func(alarm.Firing) {}, true)
	t.Cleanup(alarms.Close)
	geo := geofence.New(func(geofence.Event) {}, geofence.Permissions{
		Foreground: true,
		Background: true,
	})
	svc := service.New(st, alarms, geo)

	cfg := config.DefaultConfig()
	cfg.Calendars = []config.FeedConfig{
		{ID: "main", Name: "Main", URL: "https://example.test/main.ics", Primary: true},
	}

	env := &testEnv{
		store: st,
		geo:   geo,
		items: &fakeItems{},
		sync:  &fakeSync{},
		cfg:   cfg,
	}
	server := NewServer(cfg, st, svc, geo, env.items, env.sync)
	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func validCreate() map[string]any {
	return map[string]any{
		"title":          "Dentist",
		"notes":          "bring documents",
		"notify_enabled": true,
		"date":           time.Now().AddDate(0, 0, 1).Format("2006-01-02"),
		"time":           "09:30",
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetReminder(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/reminders", validCreate())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[model.Reminder](t, resp)
	assert.NotZero(t, created.ID)
	assert.NotNil(t, created.FireAt)
	assert.NotEmpty(t, created.DateTime)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/reminders/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.Reminder](t, resp)
	assert.Equal(t, "Dentist", got.Title)
}

func TestCreateValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/reminders", map[string]any{"notes": "no title"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/reminders", map[string]any{
		"title": "x", "notify_enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/reminders", map[string]any{
		"title": "x", "date": "not-a-date",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/reminders", map[string]any{
		"title": "x", "repeat_days": []int{9},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateReminder(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/reminders", validCreate())
	created := decode[model.Reminder](t, resp)

	update := validCreate()
	update["title"] = "Dentist moved"
	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/reminders/%d", created.ID), update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.Reminder](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Dentist moved", got.Title)

	resp = env.do(t, http.MethodPut, "/api/reminders/9999", update)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteRestoreAndListFilters(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/reminders", validCreate())
	created := decode[model.Reminder](t, resp)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/reminders/%d/complete", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[model.Reminder](t, resp)
	assert.True(t, done.IsCompleted)

	resp = env.do(t, http.MethodGet, "/api/reminders?completed=1", nil)
	completed := decode[[]model.Reminder](t, resp)
	require.Len(t, completed, 1)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/reminders/%d/restore", created.ID), nil)
	restored := decode[model.Reminder](t, resp)
	assert.False(t, restored.IsCompleted)

	resp = env.do(t, http.MethodGet, "/api/reminders?completed=1", nil)
	completed = decode[[]model.Reminder](t, resp)
	assert.Empty(t, completed)
}

func TestWatchRemindersLongPoll(t *testing.T) {
	env := newTestEnv(t)

	type result struct {
		items []model.Reminder
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Get(env.srv.URL + "/api/reminders/watch?timeout=10")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var items []model.Reminder
		err = json.NewDecoder(resp.Body).Decode(&items)
		resCh <- result{items: items, err: err}
	}()

	// Give the poller time to register its watcher before mutating.
	time.Sleep(200 * time.Millisecond)
	resp := env.do(t, http.MethodPost, "/api/reminders", validCreate())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.Len(t, res.items, 1)
		assert.Equal(t, "Dentist", res.items[0].Title)
	case <-time.After(5 * time.Second):
		t.Fatal("watch poll did not return after a mutation")
	}
}

func TestWatchRemindersTimesOutWithCurrentList(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now()
	resp := env.do(t, http.MethodGet, "/api/reminders/watch?timeout=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]model.Reminder](t, resp)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestDeleteReminder(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/reminders", validCreate())
	created := decode[model.Reminder](t, resp)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/reminders/%d", created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/reminders/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGeofenceRegistrationViaAPI(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/reminders", map[string]any{
		"title":            "Pharmacy",
		"location_enabled": true,
		"location": map[string]any{
			"latitude": 37.0, "longitude": -122.0, "radius": 150, "trigger": "ENTER",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, env.geo.Len())

	resp = env.do(t, http.MethodPost, "/api/position", map[string]any{
		"latitude": 37.0, "longitude": -122.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]int](t, resp)
	assert.Equal(t, 1, body["regions"])
}

func TestChecklistFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/checklists", map[string]any{"name": "Packing"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	list := decode[model.ChecklistList](t, resp)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/checklists/%d/items", list.ID), map[string]any{"title": "Passport"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	item := decode[model.ChecklistItem](t, resp)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/checklist-items/%d", item.ID), map[string]any{"checked": true})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/checklists/%d", list.ID), nil)
	detail := decode[checklistDetail](t, resp)
	require.Len(t, detail.Items, 1)
	assert.True(t, detail.Items[0].Checked)

	resp = env.do(t, http.MethodGet, "/api/checklists", nil)
	lists := decode[[]checklistResponse](t, resp)
	require.Len(t, lists, 1)
	assert.Equal(t, 1, lists[0].ItemCount)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/checklists/%d", list.ID), map[string]any{"name": "Trip"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/checklist-items/%d", item.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEventsUsesCache(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now().Add(24 * time.Hour)
	env.items.items = []model.CalendarItem{
		{ID: "ev", Title: "Dentist", Start: &start, Type: model.ItemEvent},
	}

	resp := env.do(t, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]model.CalendarItem](t, resp)
	require.Len(t, items, 1)

	resp = env.do(t, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.items.calls, "second request must hit the cache")
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.sync.runs)
}

func TestBasicAuth(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alarms := alarm.New(func(alarm.Firing) {}, true)
	t.Cleanup(alarms.Close)
	geo := geofence.New(func(geofence.Event) {}, geofence.Permissions{Foreground: true, Background: true})
	svc := service.New(st, alarms, geo)

	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}

	server := NewServer(cfg, st, svc, geo, &fakeItems{}, &fakeSync{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/reminders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// /health stays open.
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/reminders", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
