package calendars

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaVOVAN/StudentCalendarApp/internal/api"
	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
	"github.com/DaVOVAN/StudentCalendarApp/internal/session"
	"github.com/DaVOVAN/StudentCalendarApp/internal/testutil"
	"github.com/DaVOVAN/StudentCalendarApp/pkg/storage"
)

// stubSessions satisfies the engine's session dependency without a
// network round trip, for permission-gate tests.
type stubSessions struct {
	user         models.User
	refreshCalls int
}

func (s *stubSessions) CurrentUser() models.User                { return s.user }
func (s *stubSessions) RefreshSession(ctx context.Context) error { s.refreshCalls++; return nil }

// testHarness is a fully wired engine talking to the fake API as a
// logged-in user.
type testHarness struct {
	srv     *testutil.Server
	store   *storage.MemoryStore
	manager *session.Manager
	engine  *Engine
	user    models.User
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	srv := testutil.NewServer(t)
	store := storage.NewMemoryStore()
	client := api.NewClient(srv.BaseURL(), 5*time.Second)
	manager := session.NewManager(client, store, time.Minute)

	user := srv.RegisterAccount("alice", "secret")
	require.NoError(t, manager.Login(context.Background(), "alice", "secret"))

	return &testHarness{
		srv:     srv,
		store:   store,
		manager: manager,
		engine:  NewEngine(client, store, manager),
		user:    user,
	}
}

// assertSnapshotMatchesMemory checks that the persisted snapshot and the
// in-memory list are identical, which must hold after every successful
// mutation step.
func (h *testHarness) assertSnapshotMatchesMemory(t *testing.T) {
	t.Helper()
	var snapshot []models.Calendar
	require.NoError(t, h.store.Get(context.Background(), storage.CalendarsKey, &snapshot))
	assert.Equal(t, h.engine.Calendars(), snapshot)
}

func TestBootstrapMergesServerListWithLocalEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	serverEvent := testutil.TestEvent("Lecture", time.Now())
	cal.Events = []models.Event{serverEvent}
	h.srv.SeedCalendar(cal)

	// A previous run left a snapshot with a pending event the server has
	// not confirmed yet.
	pending := testutil.PendingEvent("Draft", time.Now())
	snapshot := cal.Clone()
	snapshot.Name = "Stale Name"
	snapshot.Events = []models.Event{pending}
	require.NoError(t, h.store.Set(ctx, storage.CalendarsKey, []models.Calendar{snapshot}))

	require.NoError(t, h.engine.Bootstrap(ctx))

	cals := h.engine.Calendars()
	require.Len(t, cals, 1)
	assert.Equal(t, "Math", cals[0].Name, "metadata comes from the server")
	require.Len(t, cals[0].Events, 1)
	assert.Equal(t, pending.ID, cals[0].Events[0].ID, "events come from the snapshot")
	h.assertSnapshotMatchesMemory(t)
}

func TestBootstrapFallsBackToSnapshotWhenOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snapshot := []models.Calendar{testutil.TestCalendar("Cached", h.user)}
	require.NoError(t, h.store.Set(ctx, storage.CalendarsKey, snapshot))

	h.srv.FailNext("GET /api/calendars", http.StatusServiceUnavailable)
	require.NoError(t, h.engine.Bootstrap(ctx), "offline bootstrap must not fail")

	cals := h.engine.Calendars()
	require.Len(t, cals, 1)
	assert.Equal(t, "Cached", cals[0].Name)
}

func TestBootstrapStartsEmptyWithoutSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Bootstrap(context.Background()))
	assert.Empty(t, h.engine.Calendars())
}

func TestAddCalendarConfirmsTempID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))

	created, err := h.engine.AddCalendar(ctx, "Physics")
	require.NoError(t, err)

	assert.False(t, models.IsTempID(created.ID), "temp id must be replaced by the server id")
	assert.Equal(t, "Physics", created.Name)
	assert.Equal(t, models.RoleOwner, created.Role)
	assert.Equal(t, h.user.ID, created.OwnerID)

	cals := h.engine.Calendars()
	require.Len(t, cals, 1)
	assert.Equal(t, created.ID, cals[0].ID)

	serverCals := h.srv.Calendars()
	require.Len(t, serverCals, 1)
	assert.Equal(t, created.ID, serverCals[0].ID)
	h.assertSnapshotMatchesMemory(t)
}

func TestAddCalendarRollsBackOnServerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))

	h.srv.FailNext("POST /api/calendars", http.StatusInternalServerError)
	_, err := h.engine.AddCalendar(ctx, "Doomed")
	require.Error(t, err)

	assert.Empty(t, h.engine.Calendars(), "temporary calendar must be rolled back")
	h.assertSnapshotMatchesMemory(t)
}

func TestAddCalendarRejectsGuests(t *testing.T) {
	srv := testutil.NewServer(t)
	store := storage.NewMemoryStore()
	client := api.NewClient(srv.BaseURL(), 5*time.Second)
	engine := NewEngine(client, store, &stubSessions{user: testutil.TestGuestUser()})

	_, err := engine.AddCalendar(context.Background(), "Nope")
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 0, srv.Requests("POST /api/calendars"), "the guard must fire before any request")
}

func TestAddEventConfirmsOptimisticCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	start := time.Now().Add(time.Hour)
	created, err := h.engine.AddEvent(ctx, cal.ID, models.Event{
		Title:         "Midterm",
		StartDatetime: &start,
		Type:          models.EventCheckpoint,
	})
	require.NoError(t, err)

	assert.False(t, models.IsTempID(created.ID))
	assert.Equal(t, models.SyncSynced, created.SyncStatus)

	got, ok := h.engine.Calendar(cal.ID)
	require.True(t, ok)
	require.Len(t, got.Events, 1)
	assert.Equal(t, created.ID, got.Events[0].ID)
	assert.Equal(t, models.SyncSynced, got.Events[0].SyncStatus)

	require.Len(t, h.srv.Events(cal.ID), 1)
	h.assertSnapshotMatchesMemory(t)
}

func TestAddEventRollsBackOnServerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	h.srv.FailNext("POST /api/events", http.StatusInternalServerError)
	_, err := h.engine.AddEvent(ctx, cal.ID, models.Event{Title: "Doomed"})
	require.Error(t, err)

	got, ok := h.engine.Calendar(cal.ID)
	require.True(t, ok)
	assert.Empty(t, got.Events, "optimistic event must be rolled back")
	h.assertSnapshotMatchesMemory(t)
}

func TestAddEventUnknownCalendar(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Bootstrap(context.Background()))

	_, err := h.engine.AddEvent(context.Background(), "no-such-calendar", models.Event{Title: "Lost"})
	require.ErrorIs(t, err, ErrCalendarNotFound)
}

func TestUpdateEventRefetchesCalendarEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	created, err := h.engine.AddEvent(ctx, cal.ID, models.Event{Title: "Before"})
	require.NoError(t, err)

	edited := created
	edited.Title = "After"
	require.NoError(t, h.engine.UpdateEvent(ctx, cal.ID, edited))

	got, ok := h.engine.Calendar(cal.ID)
	require.True(t, ok)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "After", got.Events[0].Title)
	assert.Equal(t, models.SyncSynced, got.Events[0].SyncStatus)
	h.assertSnapshotMatchesMemory(t)
}

func TestDeleteEventRemovesLocallyAfterRefetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	created, err := h.engine.AddEvent(ctx, cal.ID, models.Event{Title: "Short-lived"})
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteEvent(ctx, cal.ID, created.ID))

	got, ok := h.engine.Calendar(cal.ID)
	require.True(t, ok)
	assert.Empty(t, got.Events)
	h.assertSnapshotMatchesMemory(t)
}

func TestDeleteCalendarRequiresOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Shared", h.user)
	cal.Role = models.RoleMember
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	err := h.engine.DeleteCalendar(ctx, cal.ID)
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 0, h.srv.Requests("DELETE /api/calendars/{id}"), "non-owners never reach the network")
	require.Len(t, h.engine.Calendars(), 1)
}

func TestDeleteCalendarRestoresBackupOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	cal.Events = []models.Event{testutil.TestEvent("Lecture", time.Now())}
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.SyncCalendars(ctx))

	before := h.engine.Calendars()
	h.srv.FailNext("DELETE /api/calendars/{id}", http.StatusInternalServerError)

	err := h.engine.DeleteCalendar(ctx, cal.ID)
	require.Error(t, err)
	assert.Equal(t, before, h.engine.Calendars(), "the backup must be restored verbatim")
	h.assertSnapshotMatchesMemory(t)
}

func TestDeleteCalendarForbiddenTriggersResync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The server reports an owner role that is out of date: the actual
	// owner is someone else, so the delete comes back 403.
	cal := testutil.TestCalendar("Not Actually Mine", h.user)
	cal.OwnerID = "someone-else"
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	listsBefore := h.srv.Requests("GET /api/calendars")
	err := h.engine.DeleteCalendar(ctx, cal.ID)
	require.Error(t, err)
	assert.True(t, api.IsStatus(err, http.StatusForbidden))

	require.Len(t, h.engine.Calendars(), 1, "the calendar must be restored")
	assert.Greater(t, h.srv.Requests("GET /api/calendars"), listsBefore,
		"a forbidden delete must refetch the authoritative list")
}

func TestDeleteCalendarSucceedsForOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Mine", h.user)
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))

	require.NoError(t, h.engine.DeleteCalendar(ctx, cal.ID))
	assert.Empty(t, h.engine.Calendars())
	assert.Empty(t, h.srv.Calendars())
	h.assertSnapshotMatchesMemory(t)
}

func TestClearDateEventsRemovesAnchoredDayOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	onDay := testutil.TestEvent("Morning Lab", day.Add(9*time.Hour))
	otherDay := testutil.TestEvent("Tomorrow", day.Add(30*time.Hour))

	// Anchored to its end date on the target day via attach_to_end.
	spanning := testutil.TestEvent("Spanning", day.Add(-20*time.Hour))
	spanning.EndDatetime = testutil.TimePtr(day.Add(11 * time.Hour))
	spanning.AttachToEnd = true

	cal := testutil.TestCalendar("Math", h.user)
	cal.Events = []models.Event{onDay, otherDay, spanning}
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.SyncEvents(ctx, cal.ID))

	require.NoError(t, h.engine.ClearDateEvents(ctx, cal.ID, day))

	got, ok := h.engine.Calendar(cal.ID)
	require.True(t, ok)
	require.Len(t, got.Events, 1)
	assert.Equal(t, otherDay.ID, got.Events[0].ID)

	require.Len(t, h.srv.Events(cal.ID), 1)
	h.assertSnapshotMatchesMemory(t)
}

func TestSyncCalendarsPreservesPendingAndDropsRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	serverEvent := testutil.TestEvent("Confirmed Elsewhere", time.Now())
	cal.Events = []models.Event{serverEvent}
	h.srv.SeedCalendar(cal)

	// The snapshot carries a pending event the server has never seen and
	// a synced event the server meanwhile deleted.
	pending := testutil.PendingEvent("Still Unacknowledged", time.Now())
	stale := testutil.TestEvent("Deleted On Another Device", time.Now())
	snapshot := cal.Clone()
	snapshot.Events = []models.Event{stale, pending}
	require.NoError(t, h.store.Set(ctx, storage.CalendarsKey, []models.Calendar{snapshot}))
	require.NoError(t, h.engine.Bootstrap(ctx))

	require.NoError(t, h.engine.SyncCalendars(ctx))

	got, ok := h.engine.Calendar(cal.ID)
	require.True(t, ok)
	require.Len(t, got.Events, 2)
	assert.Equal(t, pending.ID, got.Events[0].ID, "pending events survive in front")
	assert.Equal(t, models.SyncPending, got.Events[0].SyncStatus)
	assert.Equal(t, serverEvent.ID, got.Events[1].ID)
	assert.Equal(t, models.SyncSynced, got.Events[1].SyncStatus)
	h.assertSnapshotMatchesMemory(t)
}

func TestSyncCalendarsDropsCalendarsGoneFromServer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Revocable", h.user)
	h.srv.SeedCalendar(cal)
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.Len(t, h.engine.Calendars(), 1)

	h.srv.RemoveCalendar(cal.ID)
	require.NoError(t, h.engine.SyncCalendars(ctx))

	assert.Empty(t, h.engine.Calendars())
	h.assertSnapshotMatchesMemory(t)
}

func TestSyncCalendarsRefreshesSessionOnPersistentAuthFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))

	// Two injected 401s exhaust the transport's single replay; the
	// engine then refreshes the session explicitly and retries the run.
	h.srv.FailNext("GET /api/calendars", http.StatusUnauthorized)
	h.srv.FailNext("GET /api/calendars", http.StatusUnauthorized)

	require.NoError(t, h.engine.SyncCalendars(ctx))
	assert.GreaterOrEqual(t, h.srv.Requests("POST /api/auth/refresh"), 1)
	assert.Equal(t, "alice", h.manager.CurrentUser().Username)
}

func TestJoinCalendarResyncsOnSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))

	cal := testutil.TestCalendar("Study Group", h.user)
	cal.Role = models.RoleMember
	h.srv.SeedCalendar(cal)
	h.srv.SetInvite("join-me-42", cal.ID)

	require.NoError(t, h.engine.JoinCalendar(ctx, "join-me-42"))

	cals := h.engine.Calendars()
	require.Len(t, cals, 1)
	assert.Equal(t, cal.ID, cals[0].ID)
}

func TestJoinCalendarInvalidCode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Bootstrap(context.Background()))

	err := h.engine.JoinCalendar(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not join calendar")
	assert.Empty(t, h.engine.Calendars())
}

func TestMembersAndInviteCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cal := testutil.TestCalendar("Math", h.user)
	h.srv.SeedCalendar(cal)
	h.srv.SetMembers(cal.ID, []models.CalendarMember{
		{UserID: h.user.ID, DisplayName: h.user.DisplayName, Role: models.RoleOwner},
		{UserID: "u2", DisplayName: "Mentor", Role: models.RoleMentor},
	})
	require.NoError(t, h.engine.Bootstrap(ctx))

	members, err := h.engine.Members(ctx, cal.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, models.RoleMentor, members[1].Role)

	code, err := h.engine.InviteCode(ctx, cal.ID)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	rotated, err := h.engine.RegenerateInviteCode(ctx, cal.ID)
	require.NoError(t, err)
	assert.NotEqual(t, code, rotated)
}
