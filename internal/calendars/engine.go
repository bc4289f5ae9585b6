// Package calendars is the sync engine: it owns the in-memory list of
// calendars with their nested events, applies every local mutation
// optimistically with a defined rollback, and reconciles local state
// against the server on a polling schedule.
//
// All state changes flow through one choke point, updateCalendars,
// which persists the new list before making it visible. After any
// successful mutation step the persisted snapshot and the in-memory
// list are therefore identical.
package calendars

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/DaVOVAN/StudentCalendarApp/internal/api"
	"github.com/DaVOVAN/StudentCalendarApp/internal/metrics"
	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
	"github.com/DaVOVAN/StudentCalendarApp/pkg/storage"
)

var (
	// ErrNotAuthorized is returned for mutations the current user's
	// role does not allow. Client-side the check is a UX guard; the
	// server remains the final authority.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrCalendarNotFound is returned when the named calendar is not in
	// local state.
	ErrCalendarNotFound = errors.New("calendar not found")
)

// Sessions is what the engine needs from the session manager: the user
// for permission guards, and an explicit refresh when a sync run hits
// an authorization failure.
type Sessions interface {
	CurrentUser() models.User
	RefreshSession(ctx context.Context) error
}

// Engine mediates every calendar/event mutation through an optimistic
// apply, confirm-or-rollback protocol. Construct one per process.
type Engine struct {
	client   *api.Client
	store    storage.Store
	sessions Sessions

	mu        sync.Mutex
	calendars []models.Calendar
}

// NewEngine creates an engine with injected dependencies. Call
// Bootstrap before using it.
func NewEngine(client *api.Client, store storage.Store, sessions Sessions) *Engine {
	return &Engine{
		client:   client,
		store:    store,
		sessions: sessions,
	}
}

// Calendars returns a deep copy of the current calendar list.
func (e *Engine) Calendars() []models.Calendar {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.CloneCalendars(e.calendars)
}

// Calendar returns a deep copy of one calendar by id.
func (e *Engine) Calendar(id string) (models.Calendar, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cal := range e.calendars {
		if cal.ID == id {
			return cal.Clone(), true
		}
	}
	return models.Calendar{}, false
}

// updateCalendars is the single mutation choke point. The transform fn
// receives a deep copy of the current list and returns the next one.
// The result is persisted first and only then made current, so storage
// and memory never diverge after a successful step. An error means
// nothing changed.
func (e *Engine) updateCalendars(ctx context.Context, fn func([]models.Calendar) []models.Calendar) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := fn(models.CloneCalendars(e.calendars))
	if next == nil {
		next = []models.Calendar{}
	}

	if err := e.store.Set(ctx, storage.CalendarsKey, next); err != nil {
		return fmt.Errorf("persist calendars: %w", err)
	}
	e.calendars = next
	metrics.SetCalendarCount(len(next))
	return nil
}

// Bootstrap loads initial state: the persisted snapshot and the
// authoritative server list are fetched concurrently and merged. If the
// network fetch fails the engine degrades to the snapshot alone instead
// of failing outright, so the app stays usable offline.
func (e *Engine) Bootstrap(ctx context.Context) error {
	var (
		snapshot  []models.Calendar
		server    []models.Calendar
		serverErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.store.Get(gctx, storage.CalendarsKey, &snapshot); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to load calendar snapshot, starting empty")
		}
		return nil
	})
	g.Go(func() error {
		server, serverErr = e.client.ListCalendars(gctx)
		return nil
	})
	_ = g.Wait()

	if serverErr != nil {
		log.Warn().Err(serverErr).Int("cached", len(snapshot)).Msg("Calendar fetch failed, using persisted snapshot")
		metrics.RecordSyncRun("bootstrap", "offline")

		e.mu.Lock()
		if snapshot == nil {
			snapshot = []models.Calendar{}
		}
		e.calendars = snapshot
		metrics.SetCalendarCount(len(snapshot))
		e.mu.Unlock()
		return nil
	}

	merged := mergeCalendars(server, snapshot)
	if err := e.updateCalendars(ctx, func([]models.Calendar) []models.Calendar {
		return merged
	}); err != nil {
		return err
	}

	metrics.RecordSyncRun("bootstrap", "success")
	log.Info().Int("calendars", len(merged)).Msg("Calendar state bootstrapped")
	return nil
}

// AddCalendar optimistically creates a calendar owned by the current
// user. Guests cannot create calendars. On network failure the
// temporary entry is removed again and the error surfaced; on success
// the temp id is swapped for the server-assigned one in place,
// preserving any events accumulated in the interim.
func (e *Engine) AddCalendar(ctx context.Context, name string) (models.Calendar, error) {
	user := e.sessions.CurrentUser()
	if user.ID == "" || user.IsGuest {
		return models.Calendar{}, fmt.Errorf("%w: sign in to create calendars", ErrNotAuthorized)
	}

	temp := models.Calendar{
		ID:      models.NewTempID(),
		Name:    name,
		Role:    models.RoleOwner,
		OwnerID: user.ID,
		Events:  []models.Event{},
	}
	if err := e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		return append(cals, temp)
	}); err != nil {
		return models.Calendar{}, err
	}

	created, err := e.client.CreateCalendar(ctx, name)
	if err != nil {
		metrics.RecordRollback("add_calendar")
		if rbErr := e.removeCalendarLocally(ctx, temp.ID); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back temporary calendar")
		}
		return models.Calendar{}, fmt.Errorf("create calendar: %w", err)
	}

	var confirmed models.Calendar
	err = e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		for i := range cals {
			if cals[i].ID != temp.ID {
				continue
			}
			events := cals[i].Events
			cals[i].ID = created.ID
			if created.Name != "" {
				cals[i].Name = created.Name
			}
			if created.Role != "" {
				cals[i].Role = created.Role
			}
			if created.OwnerID != "" {
				cals[i].OwnerID = created.OwnerID
			}
			cals[i].Settings = created.Settings
			cals[i].Events = events
			confirmed = cals[i].Clone()
			break
		}
		return cals
	})
	if err != nil {
		return models.Calendar{}, err
	}

	log.Info().Str("calendar_id", confirmed.ID).Msg("Calendar created")
	return confirmed, nil
}

// AddEvent optimistically appends a pending event to the named
// calendar, then confirms it against the server. An event is always in
// exactly one of three states afterwards: present-and-pending,
// present-and-synced, or absent (after rollback).
func (e *Engine) AddEvent(ctx context.Context, calendarID string, event models.Event) (models.Event, error) {
	event.ID = models.NewTempID()
	event.SyncStatus = models.SyncPending
	if event.Links == nil {
		event.Links = []string{}
	}

	found := false
	if err := e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		for i := range cals {
			if cals[i].ID == calendarID {
				cals[i].Events = append(cals[i].Events, event)
				found = true
				break
			}
		}
		return cals
	}); err != nil {
		return models.Event{}, err
	}
	if !found {
		return models.Event{}, fmt.Errorf("%w: %s", ErrCalendarNotFound, calendarID)
	}

	created, err := e.client.CreateEvent(ctx, calendarID, event)
	if err != nil {
		metrics.RecordRollback("add_event")
		if rbErr := e.removeEventLocally(ctx, calendarID, event.ID); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back temporary event")
		}
		return models.Event{}, fmt.Errorf("create event: %w", err)
	}

	confirmed := *created
	confirmed.SyncStatus = models.SyncSynced
	if err := e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		for i := range cals {
			if cals[i].ID != calendarID {
				continue
			}
			for j := range cals[i].Events {
				if cals[i].Events[j].ID == event.ID {
					cals[i].Events[j] = confirmed
					break
				}
			}
			break
		}
		return cals
	}); err != nil {
		return models.Event{}, err
	}

	return confirmed, nil
}

// UpdateEvent pushes the edit to the server and then refetches the
// calendar's events wholesale. Edits can move an event's anchor date,
// and a full refetch is cheaper to get right than local patching.
func (e *Engine) UpdateEvent(ctx context.Context, calendarID string, event models.Event) error {
	if err := e.client.UpdateEvent(ctx, event); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return e.SyncEvents(ctx, calendarID)
}

// DeleteEvent deletes server-side and refetches, same as UpdateEvent.
func (e *Engine) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := e.client.DeleteEvent(ctx, eventID); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return e.SyncEvents(ctx, calendarID)
}

// DeleteCalendar removes a calendar the current user owns. The full
// list is snapshotted first; on failure it is restored verbatim. A 403
// additionally refetches the authoritative list, since the client's
// notion of ownership may be stale.
func (e *Engine) DeleteCalendar(ctx context.Context, calendarID string) error {
	e.mu.Lock()
	backup := models.CloneCalendars(e.calendars)
	var role models.Role
	found := false
	for _, cal := range e.calendars {
		if cal.ID == calendarID {
			role = cal.Role
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrCalendarNotFound, calendarID)
	}
	if role != models.RoleOwner {
		return fmt.Errorf("%w: only the owner can delete a calendar", ErrNotAuthorized)
	}

	if err := e.removeCalendarLocally(ctx, calendarID); err != nil {
		return err
	}

	if err := e.client.DeleteCalendar(ctx, calendarID); err != nil {
		metrics.RecordRollback("delete_calendar")
		if rbErr := e.updateCalendars(ctx, func([]models.Calendar) []models.Calendar {
			return backup
		}); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to restore calendar backup")
		}

		if api.IsStatus(err, 403) {
			// Ownership was stale; pull the authoritative list.
			if syncErr := e.syncCalendars(ctx, "manual"); syncErr != nil {
				log.Warn().Err(syncErr).Msg("Resync after forbidden delete failed")
			}
		}
		return fmt.Errorf("delete calendar: %w", err)
	}

	log.Info().Str("calendar_id", calendarID).Msg("Calendar deleted")
	return nil
}

// ClearDateEvents bulk-deletes every event of the calendar anchored on
// the given date. The server is asked to clear the local-time window
// [00:00:00.000, 23:59:59.999]; on success the same window is cleared
// from local state. Destructive and not undoable client-side.
func (e *Engine) ClearDateEvents(ctx context.Context, calendarID string, date time.Time) error {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.Add(24*time.Hour - time.Millisecond)

	if err := e.client.ClearEvents(ctx, calendarID, start, end); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	return e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		for i := range cals {
			if cals[i].ID != calendarID {
				continue
			}
			kept := cals[i].Events[:0:0]
			for _, ev := range cals[i].Events {
				anchor, ok := ev.AnchorDate()
				if ok && !anchor.Before(start) && !anchor.After(end) {
					continue
				}
				kept = append(kept, ev)
			}
			if kept == nil {
				kept = []models.Event{}
			}
			cals[i].Events = kept
			break
		}
		return cals
	})
}

// SyncEvents refetches one calendar's events from the server and merges
// them with the local copy, preserving unacknowledged pending events.
// A calendar that vanished locally in the meantime is a no-op.
func (e *Engine) SyncEvents(ctx context.Context, calendarID string) error {
	serverEvents, err := e.client.ListEvents(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("fetch events for calendar %s: %w", calendarID, err)
	}

	return e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		for i := range cals {
			if cals[i].ID == calendarID {
				cals[i].Events = mergeEvents(serverEvents, cals[i].Events)
				break
			}
		}
		return cals
	})
}

// SyncCalendars runs a full reconciliation on demand: fetch the
// authoritative list, merge, persist, then refresh every calendar's
// events in parallel.
func (e *Engine) SyncCalendars(ctx context.Context) error {
	return e.syncCalendars(ctx, "manual")
}

// ResyncTick is the interval entry point used by the background timer.
// Failures are logged, never raised.
func (e *Engine) ResyncTick(ctx context.Context) {
	if err := e.syncCalendars(ctx, "interval"); err != nil {
		log.Warn().Err(err).Msg("Periodic calendar sync failed")
	}
}

func (e *Engine) syncCalendars(ctx context.Context, trigger string) error {
	var (
		server []models.Calendar
		err    error
	)

	// One engine-level retry after an explicit session refresh, on top
	// of the transport's own single 401 replay. If the refresh fails it
	// has already fallen back to guest; re-raise so the caller aborts.
	for attempt := 0; ; attempt++ {
		server, err = e.client.ListCalendars(ctx)
		if err == nil {
			break
		}
		if attempt == 0 && api.IsAuthFailure(err) {
			log.Debug().Err(err).Msg("Calendar sync unauthorized, refreshing session")
			if refreshErr := e.sessions.RefreshSession(ctx); refreshErr != nil {
				metrics.RecordSyncRun(trigger, "error")
				return fmt.Errorf("sync calendars: %w", refreshErr)
			}
			continue
		}
		metrics.RecordSyncRun(trigger, "error")
		return fmt.Errorf("sync calendars: %w", err)
	}

	var ids []string
	if err := e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		merged := mergeCalendars(server, cals)
		ids = make([]string, 0, len(merged))
		for _, cal := range merged {
			ids = append(ids, cal.ID)
		}
		return merged
	}); err != nil {
		metrics.RecordSyncRun(trigger, "error")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := e.SyncEvents(gctx, id); err != nil {
				log.Warn().Err(err).Str("calendar_id", id).Msg("Event sync failed")
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RecordSyncRun(trigger, "error")
		return fmt.Errorf("sync events: %w", err)
	}

	metrics.RecordSyncRun(trigger, "success")
	return nil
}

// JoinCalendar redeems an invite code and resyncs to pick up the newly
// joined calendar. The cause (invalid vs expired code) is not
// distinguished here; callers can inspect the wrapped API status.
func (e *Engine) JoinCalendar(ctx context.Context, code string) error {
	if err := e.client.JoinCalendar(ctx, code); err != nil {
		return fmt.Errorf("could not join calendar: %w", err)
	}
	return e.syncCalendars(ctx, "manual")
}

// Members fetches the member projection for a calendar. Read-only: the
// result is never cached in engine state.
func (e *Engine) Members(ctx context.Context, calendarID string) ([]models.CalendarMember, error) {
	return e.client.ListMembers(ctx, calendarID)
}

// InviteCode fetches the calendar's current invite code.
func (e *Engine) InviteCode(ctx context.Context, calendarID string) (string, error) {
	return e.client.InviteCode(ctx, calendarID)
}

// RegenerateInviteCode rotates the calendar's invite code.
func (e *Engine) RegenerateInviteCode(ctx context.Context, calendarID string) (string, error) {
	return e.client.RegenerateInviteCode(ctx, calendarID)
}

func (e *Engine) removeCalendarLocally(ctx context.Context, calendarID string) error {
	return e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		kept := cals[:0:0]
		for _, cal := range cals {
			if cal.ID != calendarID {
				kept = append(kept, cal)
			}
		}
		return kept
	})
}

func (e *Engine) removeEventLocally(ctx context.Context, calendarID, eventID string) error {
	return e.updateCalendars(ctx, func(cals []models.Calendar) []models.Calendar {
		for i := range cals {
			if cals[i].ID != calendarID {
				continue
			}
			kept := cals[i].Events[:0:0]
			for _, ev := range cals[i].Events {
				if ev.ID != eventID {
					kept = append(kept, ev)
				}
			}
			if kept == nil {
				kept = []models.Event{}
			}
			cals[i].Events = kept
			break
		}
		return cals
	})
}
