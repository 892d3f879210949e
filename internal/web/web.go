// Package web exposes the HTTP API: reminder CRUD and lifecycle, checklists,
// the calendar item feed, position reports for the geofence engine, and an
// on-demand sync trigger.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jazzdanger/nudge-me/internal/calendar"
	"github.com/jazzdanger/nudge-me/internal/config"
	"github.com/jazzdanger/nudge-me/internal/geofence"
	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/model"
	"github.com/jazzdanger/nudge-me/internal/service"
	"github.com/jazzdanger/nudge-me/internal/store"
)

// ItemSource produces classified calendar items for a time window.
type ItemSource interface {
	FetchItems(ctx context.Context, feeds []calendar.Feed, windowStart, windowEnd time.Time) ([]model.CalendarItem, []error)
}

// SyncRunner triggers a sync pass on demand.
type SyncRunner interface {
	Run(ctx context.Context) error
}

// Server provides the HTTP API for the reminder daemon.
type Server struct {
	cfg   *config.Config
	store *store.Store
	svc   *service.Service
	geo   *geofence.Registrar
	items ItemSource
	sync  SyncRunner
	mux   *http.ServeMux

	// In-memory cache for /api/events responses to avoid redundant
	// fetch/parse/expand work on every HTTP request.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	items     []model.CalendarItem
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st *store.Store, svc *service.Service, geo *geofence.Registrar, items ItemSource, syncRunner SyncRunner) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		svc:   svc,
		geo:   geo,
		items: items,
		sync:  syncRunner,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth rather than locking
	// everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="NudgeMe", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is cancelled.
func StartServer(ctx context.Context, srv *Server) error {
	hs := &http.Server{
		Addr:    srv.cfg.Listen,
		Handler: srv.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+srv.cfg.Listen)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/reminders", s.handleListReminders)
	s.mux.HandleFunc("GET /api/reminders/watch", s.handleWatchReminders)
	s.mux.HandleFunc("POST /api/reminders", s.handleCreateReminder)
	s.mux.HandleFunc("GET /api/reminders/{id}", s.handleGetReminder)
	s.mux.HandleFunc("PUT /api/reminders/{id}", s.handleUpdateReminder)
	s.mux.HandleFunc("DELETE /api/reminders/{id}", s.handleDeleteReminder)
	s.mux.HandleFunc("POST /api/reminders/{id}/complete", s.handleCompleteReminder)
	s.mux.HandleFunc("POST /api/reminders/{id}/restore", s.handleRestoreReminder)

	s.mux.HandleFunc("GET /api/checklists", s.handleListChecklists)
	s.mux.HandleFunc("POST /api/checklists", s.handleCreateChecklist)
	s.mux.HandleFunc("GET /api/checklists/{id}", s.handleGetChecklist)
	s.mux.HandleFunc("PUT /api/checklists/{id}", s.handleRenameChecklist)
	s.mux.HandleFunc("POST /api/checklists/{id}/items", s.handleCreateChecklistItem)
	s.mux.HandleFunc("PUT /api/checklist-items/{id}", s.handleSetChecklistItem)
	s.mux.HandleFunc("DELETE /api/checklist-items/{id}", s.handleDeleteChecklistItem)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/position", s.handlePosition)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// reminderPayload is the JSON request shape for creating or updating a
// reminder. Date is "2006-01-02" and Time is "15:04".
type reminderPayload struct {
	Title string `json:"title"`
	Notes string `json:"notes"`
	Icon  string `json:"icon"`

	NotifyEnabled bool   `json:"notify_enabled"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
	RepeatDays    []int  `json:"repeat_days,omitempty"`

	LocationEnabled bool            `json:"location_enabled"`
	Location        *model.Location `json:"location,omitempty"`
}

func (p *reminderPayload) toInput(id int64) (service.SaveInput, error) {
	in := service.SaveInput{
		ID:              id,
		Title:           p.Title,
		Notes:           p.Notes,
		Icon:            p.Icon,
		NotifyEnabled:   p.NotifyEnabled,
		LocationEnabled: p.LocationEnabled,
		Location:        p.Location,
	}
	for _, d := range p.RepeatDays {
		if d < 0 || d > 6 {
			return in, errors.New("repeat_days entries must be 0 (Sunday) through 6 (Saturday)")
		}
		in.RepeatDays = append(in.RepeatDays, time.Weekday(d))
	}
	if p.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", p.Date, time.Local)
		if err != nil {
			return in, errors.New("date must be formatted 2006-01-02")
		}
		in.Date = &d
	}
	if p.Time != "" {
		t, err := time.ParseInLocation("15:04", p.Time, time.Local)
		if err != nil {
			return in, errors.New("time must be formatted 15:04")
		}
		in.Time = &t
	}
	return in, nil
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.Reminder
		err  error
	)
	if r.URL.Query().Get("completed") == "1" {
		list, err = s.store.ListCompletedReminders()
	} else {
		list, err = s.store.ListReminders()
	}
	if err != nil {
		appLog.Error("listing reminders failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list reminders")
		return
	}
	if list == nil {
		list = []model.Reminder{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleWatchReminders long-polls the store's watch channel: the response is
// the current reminder list, sent as soon as a mutation lands or when the
// poll window expires. Clients loop on it to stream list updates the way the
// original streamed its reactive queries into the UI.
//
// GET /api/reminders/watch?timeout=30
//   - timeout: poll window in seconds (default 30, capped at 120)
func (s *Server) handleWatchReminders(w http.ResponseWriter, r *http.Request) {
	timeout := parseIntDefault(r.URL.Query().Get("timeout"), 30)
	if timeout <= 0 {
		timeout = 30
	}
	if timeout > 120 {
		timeout = 120
	}

	ch, cancel := s.store.Watch()
	defer cancel()

	timer := time.NewTimer(time.Duration(timeout) * time.Second)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	list, err := s.store.ListReminders()
	if err != nil {
		appLog.Error("listing reminders failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list reminders")
		return
	}
	if list == nil {
		list = []model.Reminder{}
	}
	writeJSON(w, http.StatusOK, list)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	s.saveReminder(w, r, 0)
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetReminder(id); err != nil {
		s.writeStoreError(w, err, "failed to load reminder")
		return
	}
	s.saveReminder(w, r, id)
}

func (s *Server) saveReminder(w http.ResponseWriter, r *http.Request, id int64) {
	var p reminderPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in, err := p.toInput(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.svc.Save(in)
	switch {
	case errors.Is(err, service.ErrMissingTitle),
		errors.Is(err, service.ErrMissingDateTime),
		errors.Is(err, service.ErrMissingLocation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, geofence.ErrPermissionNeeded),
		errors.Is(err, geofence.ErrTooManyRegions):
		// The reminder is persisted; only the region registration failed.
		writeJSON(w, http.StatusConflict, saved)
		return
	case err != nil:
		appLog.Error("saving reminder failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save reminder")
		return
	}

	status := http.StatusOK
	if id == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rem, err := s.store.GetReminder(id)
	if err != nil {
		s.writeStoreError(w, err, "failed to load reminder")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(id); err != nil {
		s.writeStoreError(w, err, "failed to delete reminder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteReminder(w http.ResponseWriter, r *http.Request) {
	s.setReminderCompleted(w, r, true)
}

func (s *Server) handleRestoreReminder(w http.ResponseWriter, r *http.Request) {
	s.setReminderCompleted(w, r, false)
}

func (s *Server) setReminderCompleted(w http.ResponseWriter, r *http.Request, done bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var (
		rem *model.Reminder
		err error
	)
	if done {
		rem, err = s.svc.Complete(id)
	} else {
		rem, err = s.svc.Restore(id)
	}
	if err != nil {
		s.writeStoreError(w, err, "failed to update reminder")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

// checklistResponse is a checklist with its item count, for list views.
type checklistResponse struct {
	model.ChecklistList
	ItemCount int `json:"item_count"`
}

type checklistDetail struct {
	model.ChecklistList
	Items []model.ChecklistItem `json:"items"`
}

func (s *Server) handleListChecklists(w http.ResponseWriter, _ *http.Request) {
	lists, err := s.store.ListChecklists()
	if err != nil {
		appLog.Error("listing checklists failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list checklists")
		return
	}
	out := make([]checklistResponse, 0, len(lists))
	for _, l := range lists {
		n, err := s.store.CountChecklistItems(l.ID)
		if err != nil {
			appLog.Error("counting checklist items failed", err, "list_id", l.ID)
		}
		out = append(out, checklistResponse{ChecklistList: l, ItemCount: n})
	}
	writeJSON(w, http.StatusOK, out)
}

type namePayload struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateChecklist(w http.ResponseWriter, r *http.Request) {
	var p namePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
		writeError(w, http.StatusBadRequest, "a non-empty name is required")
		return
	}
	id, err := s.store.InsertChecklist(p.Name)
	if err != nil {
		appLog.Error("creating checklist failed", err)
		writeError(w, http.StatusInternalServerError, "failed to create checklist")
		return
	}
	writeJSON(w, http.StatusCreated, model.ChecklistList{ID: id, Name: p.Name})
}

func (s *Server) handleGetChecklist(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := s.store.GetChecklist(id)
	if err != nil {
		s.writeStoreError(w, err, "failed to load checklist")
		return
	}
	items, err := s.store.ListChecklistItems(id)
	if err != nil {
		appLog.Error("listing checklist items failed", err, "list_id", id)
		writeError(w, http.StatusInternalServerError, "failed to load checklist items")
		return
	}
	if items == nil {
		items = []model.ChecklistItem{}
	}
	writeJSON(w, http.StatusOK, checklistDetail{ChecklistList: *list, Items: items})
}

func (s *Server) handleRenameChecklist(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p namePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
		writeError(w, http.StatusBadRequest, "a non-empty name is required")
		return
	}
	if err := s.store.RenameChecklist(id, p.Name); err != nil {
		s.writeStoreError(w, err, "failed to rename checklist")
		return
	}
	writeJSON(w, http.StatusOK, model.ChecklistList{ID: id, Name: p.Name})
}

func (s *Server) handleCreateChecklistItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetChecklist(id); err != nil {
		s.writeStoreError(w, err, "failed to load checklist")
		return
	}
	var p struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Title == "" {
		writeError(w, http.StatusBadRequest, "a non-empty title is required")
		return
	}
	itemID, err := s.store.InsertChecklistItem(id, p.Title)
	if err != nil {
		appLog.Error("creating checklist item failed", err, "list_id", id)
		writeError(w, http.StatusInternalServerError, "failed to create checklist item")
		return
	}
	writeJSON(w, http.StatusCreated, model.ChecklistItem{ID: itemID, ListID: id, Title: p.Title})
}

func (s *Server) handleSetChecklistItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p struct {
		Checked bool `json:"checked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.SetChecklistItemChecked(id, p.Checked); err != nil {
		s.writeStoreError(w, err, "failed to update checklist item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChecklistItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteChecklistItem(id); err != nil {
		s.writeStoreError(w, err, "failed to delete checklist item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents returns classified calendar items over the sync horizon.
// Responses are cached briefly so UI polling does not hammer the feeds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	const eventsCacheTTL = 30 * time.Second
	now := time.Now()

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && now.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.items)
		return
	}

	feeds := make([]calendar.Feed, 0, len(s.cfg.Calendars))
	for _, c := range s.cfg.Calendars {
		if c.URL == "" {
			continue
		}
		feeds = append(feeds, calendar.Feed{
			ID:      c.ID,
			URL:     c.URL,
			Name:    c.Name,
			Primary: c.Primary,
		})
	}
	if len(feeds) == 0 {
		writeJSON(w, http.StatusOK, []model.CalendarItem{})
		return
	}

	windowEnd := now.AddDate(0, s.cfg.SyncHorizonMonths, 0)
	items, errs := s.items.FetchItems(r.Context(), feeds, now, windowEnd)
	if len(items) == 0 && len(errs) > 0 {
		appLog.Error("api events: all feeds failed", errs[0], "error_count", len(errs))
		writeError(w, http.StatusBadGateway, "failed to fetch calendar feeds")
		return
	}
	for _, err := range errs {
		appLog.Error("api events: feed skipped", err)
	}
	if items == nil {
		items = []model.CalendarItem{}
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{items: items, updatedAt: time.Now()}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, items)
}

// handlePosition feeds an observed position into the geofence engine.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Latitude  float64    `json:"latitude"`
		Longitude float64    `json:"longitude"`
		At        *time.Time `json:"at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	at := time.Now()
	if p.At != nil {
		at = *p.At
	}
	s.geo.ReportPosition(p.Latitude, p.Longitude, at)
	writeJSON(w, http.StatusOK, map[string]int{"regions": s.geo.Len()})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	if err := s.sync.Run(r.Context()); err != nil {
		appLog.Error("on-demand sync failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses the {id} path segment; on failure it writes a 400 and
// reports false.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	appLog.Error(msg, err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
