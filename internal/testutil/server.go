package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
)

// Server is an in-process fake of the calendar API backed by chi. It
// issues real (signed, expiring) token pairs, enforces bearer auth on
// calendar and event routes, and supports the failure injection the
// session and sync tests need: revoking tokens to force 401s and
// failing the next request to a route with an arbitrary status.
type Server struct {
	*httptest.Server
	t *testing.T

	mu           sync.Mutex
	accounts     map[string]account          // username -> account
	usersByID    map[string]models.User      // user id -> user
	validAccess  map[string]string           // access token -> user id
	validRefresh map[string]string           // refresh token -> user id
	calendars    []models.Calendar           // authoritative state, events nested
	members      map[string][]models.CalendarMember
	invites      map[string]string           // invite code -> calendar id
	requests     map[string]int              // "METHOD /route" -> count
	failures     map[string][]int            // "METHOD /route" -> queued statuses
	tokenTTL     time.Duration
}

type account struct {
	password string
	user     models.User
}

type tokenPairResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *models.User `json:"user,omitempty"`
}

// NewServer starts a fake calendar API. It is closed automatically when
// the test finishes.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		t:            t,
		accounts:     make(map[string]account),
		usersByID:    make(map[string]models.User),
		validAccess:  make(map[string]string),
		validRefresh: make(map[string]string),
		members:      make(map[string][]models.CalendarMember),
		invites:      make(map[string]string),
		requests:     make(map[string]int),
		failures:     make(map[string][]int),
		tokenTTL:     time.Hour,
	}

	r := chi.NewRouter()
	r.Use(s.countAndInject)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/guest", s.handleGuest)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/auth/logout", s.handleLogout)

			r.Get("/calendars", s.handleListCalendars)
			r.Post("/calendars", s.handleCreateCalendar)
			r.Delete("/calendars/{id}", s.handleDeleteCalendar)
			r.Post("/calendars/join", s.handleJoinCalendar)
			r.Get("/calendars/{id}/members", s.handleListMembers)
			r.Get("/calendars/{id}/invite", s.handleInviteCode)
			r.Post("/calendars/{id}/regenerate-code", s.handleRegenerateCode)
			r.Get("/calendars/{id}/events", s.handleListEvents)

			r.Post("/events", s.handleCreateEvent)
			r.Put("/events/{id}", s.handleUpdateEvent)
			r.Delete("/events/{id}", s.handleDeleteEvent)
			r.Post("/events/clear-events", s.handleClearEvents)
		})
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// BaseURL returns the API root including the /api prefix.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

// --- test seams ---

// RegisterAccount pre-seeds a login-able account and returns its user.
func (s *Server) RegisterAccount(username, password string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := models.User{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: username,
	}
	s.accounts[username] = account{password: password, user: user}
	s.usersByID[user.ID] = user
	return user
}

// SeedCalendar installs a calendar (with its events) as server state.
func (s *Server) SeedCalendar(cal models.Calendar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars = append(s.calendars, cal.Clone())
}

// RemoveCalendar drops a calendar server-side, simulating deletion or
// revoked access from another device.
func (s *Server) RemoveCalendar(calendarID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.calendars[:0:0]
	for _, cal := range s.calendars {
		if cal.ID != calendarID {
			kept = append(kept, cal)
		}
	}
	s.calendars = kept
}

// SetMembers installs the member projection for a calendar.
func (s *Server) SetMembers(calendarID string, members []models.CalendarMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[calendarID] = members
}

// SetInvite maps an invite code to a calendar.
func (s *Server) SetInvite(code, calendarID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[code] = calendarID
}

// RevokeAccessTokens invalidates every outstanding access token while
// keeping refresh tokens valid. Authed requests then fail 401 until the
// client refreshes.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validAccess = make(map[string]string)
}

// RevokeRefreshTokens invalidates every outstanding refresh token, so
// the next refresh attempt fails 401.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validRefresh = make(map[string]string)
}

// FailNext queues an error status for the next request to the route,
// e.g. FailNext("POST /api/calendars", http.StatusInternalServerError).
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], status)
}

// Requests returns how many times the route has been hit, counted
// before failure injection, e.g. Requests("POST /api/auth/guest").
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// Calendars returns a deep copy of the server-side calendar state.
func (s *Server) Calendars() []models.Calendar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneCalendars(s.calendars)
}

// Events returns a deep copy of one calendar's server-side events.
func (s *Server) Events(calendarID string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cal := range s.calendars {
		if cal.ID == calendarID {
			out := make([]models.Event, len(cal.Events))
			copy(out, cal.Events)
			return out
		}
	}
	return nil
}

// SetTokenTTL overrides the expiry of subsequently minted access tokens.
func (s *Server) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = ttl
}

// --- middleware ---

// countAndInject records the request against its route pattern and pops
// one queued failure for it, if any.
func (s *Server) countAndInject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// chi resolves the route pattern only after routing, so match on
		// the concrete path normalized back to its pattern.
		route := r.Method + " " + normalizePath(r.URL.Path)

		s.mu.Lock()
		s.requests[route]++
		var status int
		if queue := s.failures[route]; len(queue) > 0 {
			status = queue[0]
			s.failures[route] = queue[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// normalizePath collapses resource ids to {id} so tests can address
// routes without knowing generated ids.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if i == 0 || p == "" {
			continue
		}
		if _, err := uuid.Parse(strings.TrimPrefix(p, models.TempIDPrefix)); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		_, ok := s.validAccess[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userFromRequest(r *http.Request) (models.User, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.validAccess[token]
	if !ok {
		return models.User{}, false
	}
	user, ok := s.usersByID[id]
	return user, ok
}

// --- auth handlers ---

// issueTokens mints a signed token pair for the user. Caller must not
// hold s.mu.
func (s *Server) issueTokens(user models.User) tokenPairResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		s.t.Fatalf("sign access token: %v", err)
	}
	refresh := uuid.New().String()

	s.usersByID[user.ID] = user
	s.validAccess[access] = user.ID
	s.validRefresh[refresh] = user.ID

	u := user
	return tokenPairResponse{AccessToken: access, RefreshToken: refresh, User: &u}
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	guest := models.User{
		ID:          uuid.New().String(),
		DisplayName: "Guest",
		IsGuest:     true,
	}
	writeJSON(w, http.StatusCreated, s.issueTokens(guest))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[creds.Username]
	s.mu.Unlock()
	if !ok || acc.password != creds.Password {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	writeJSON(w, http.StatusOK, s.issueTokens(acc.user))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	_, taken := s.accounts[creds.Username]
	s.mu.Unlock()
	if taken {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}

	user := s.RegisterAccount(creds.Username, creds.Password)
	writeJSON(w, http.StatusCreated, s.issueTokens(user))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	userID, ok := s.validRefresh[body.RefreshToken]
	if ok {
		delete(s.validRefresh, body.RefreshToken)
	}
	user := s.usersByID[userID]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, s.issueTokens(user))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// --- calendar handlers ---

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listCalendarsWithoutEvents())
}

// listCalendarsWithoutEvents mirrors the real API: the list endpoint
// returns calendar metadata only, events come from the per-calendar
// events endpoint.
func (s *Server) listCalendarsWithoutEvents() []models.Calendar {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Calendar, 0, len(s.calendars))
	for _, cal := range s.calendars {
		c := cal.Clone()
		c.Events = nil
		out = append(out, c)
	}
	return out
}

func (s *Server) handleCreateCalendar(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	user, _ := s.userFromRequest(r)

	cal := models.Calendar{
		ID:      uuid.New().String(),
		Name:    body.Name,
		Role:    models.RoleOwner,
		OwnerID: user.ID,
		Events:  []models.Event{},
	}

	s.mu.Lock()
	s.calendars = append(s.calendars, cal)
	s.mu.Unlock()

	resp := cal.Clone()
	resp.Events = nil
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteCalendar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, _ := s.userFromRequest(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cal := range s.calendars {
		if cal.ID != id {
			continue
		}
		if cal.OwnerID != user.ID {
			writeError(w, http.StatusForbidden, "Only the owner can delete a calendar")
			return
		}
		s.calendars = append(s.calendars[:i], s.calendars[i+1:]...)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "Calendar not found")
}

func (s *Server) handleJoinCalendar(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	calendarID, ok := s.invites[body.Code]
	var joined *models.Calendar
	if ok {
		for i := range s.calendars {
			if s.calendars[i].ID == calendarID {
				joined = &s.calendars[i]
				break
			}
		}
	}
	s.mu.Unlock()

	if joined == nil {
		writeError(w, http.StatusNotFound, "Invalid invite code")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	members := s.members[id]
	s.mu.Unlock()
	if members == nil {
		members = []models.CalendarMember{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleInviteCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, calID := range s.invites {
		if calID == id {
			writeJSON(w, http.StatusOK, map[string]string{"code": code})
			return
		}
	}
	code := uuid.New().String()[:8]
	s.invites[code] = id
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (s *Server) handleRegenerateCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	for code, calID := range s.invites {
		if calID == id {
			delete(s.invites, code)
		}
	}
	code := uuid.New().String()[:8]
	s.invites[code] = id
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// --- event handlers ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events := s.Events(id)
	if events == nil {
		writeError(w, http.StatusNotFound, "Calendar not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		models.Event
		CalendarID string `json:"calendar_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	event := payload.Event
	event.ID = uuid.New().String()
	event.SyncStatus = models.SyncSynced
	if event.Links == nil {
		event.Links = []string{}
	}

	s.mu.Lock()
	stored := false
	for i := range s.calendars {
		if s.calendars[i].ID == payload.CalendarID {
			s.calendars[i].Events = append(s.calendars[i].Events, event)
			stored = true
			break
		}
	}
	s.mu.Unlock()

	if !stored {
		writeError(w, http.StatusNotFound, "Calendar not found")
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	event.ID = id
	event.SyncStatus = models.SyncSynced

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calendars {
		for j := range s.calendars[i].Events {
			if s.calendars[i].Events[j].ID == id {
				s.calendars[i].Events[j] = event
				w.WriteHeader(http.StatusOK)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "Event not found")
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calendars {
		for j, ev := range s.calendars[i].Events {
			if ev.ID == id {
				s.calendars[i].Events = append(s.calendars[i].Events[:j], s.calendars[i].Events[j+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "Event not found")
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CalendarID string `json:"calendarId"`
		Start      string `json:"start"`
		End        string `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	start, err1 := time.Parse(time.RFC3339Nano, body.Start)
	end, err2 := time.Parse(time.RFC3339Nano, body.End)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid time range")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calendars {
		if s.calendars[i].ID != body.CalendarID {
			continue
		}
		kept := s.calendars[i].Events[:0:0]
		for _, ev := range s.calendars[i].Events {
			anchor, ok := ev.AnchorDate()
			if ok && !anchor.Before(start) && !anchor.After(end) {
				continue
			}
			kept = append(kept, ev)
		}
		s.calendars[i].Events = kept
		w.WriteHeader(http.StatusOK)
		return
	}
	writeError(w, http.StatusNotFound, "Calendar not found")
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
