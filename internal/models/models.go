// Package models defines the core domain models shared by the session
// manager and the sync engine: users, sessions, calendars, events, and
// calendar members.
//
// All models carry JSON struct tags matching the wire format of the
// calendar API. Field names that look inconsistent (camelCase for auth
// payloads, snake_case for event payloads) mirror the server exactly.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the current user's permission level on a single calendar.
// It is not a global property of the user: the same user may be owner
// of one calendar and a plain member of another.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMentor Role = "mentor"
	RoleEditor Role = "editor"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

// SyncStatus tracks whether an event has been confirmed by the server.
type SyncStatus string

const (
	// SyncPending marks an event that was applied optimistically and is
	// still waiting for server confirmation.
	SyncPending SyncStatus = "pending"
	// SyncSynced marks an event whose current state came from the server.
	SyncSynced SyncStatus = "synced"
)

// EventType classifies an event. The set is fixed by the server.
type EventType string

const (
	EventLab        EventType = "lab"
	EventCheckpoint EventType = "checkpoint"
	EventFinal      EventType = "final"
	EventMeeting    EventType = "meeting"
	EventConference EventType = "conference"
	EventCommission EventType = "commission"
	EventOther      EventType = "other"
)

// User identifies the account behind the current session. Guest users
// are server-issued ephemeral identities and have no username.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
	IsGuest     bool   `json:"isGuest"`
}

// Session is the authentication state for the process: a bearer token
// pair plus the user it belongs to. There is at most one active session
// per process; it is either a guest session or an authenticated one.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// Event is a single calendar entry. StartDatetime and EndDatetime are
// both optional; AnchorDate picks the one used for day grouping.
type Event struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	StartDatetime *time.Time `json:"start_datetime,omitempty"`
	EndDatetime   *time.Time `json:"end_datetime,omitempty"`
	Type          EventType  `json:"type"`
	Location      string     `json:"location,omitempty"`
	IsEmergency   bool       `json:"is_emergency"`
	AttachToEnd   bool       `json:"attach_to_end"`
	Links         []string   `json:"links"`
	SyncStatus    SyncStatus `json:"sync_status"`
}

// AnchorDate returns the single date used to place the event into a
// day-grouped view. If AttachToEnd is set and an end datetime exists,
// the event is keyed to its end date; otherwise to its start date.
// The second return value is false when the event has no usable date.
func (e Event) AnchorDate() (time.Time, bool) {
	if e.AttachToEnd && e.EndDatetime != nil {
		return *e.EndDatetime, true
	}
	if e.StartDatetime != nil {
		return *e.StartDatetime, true
	}
	if e.EndDatetime != nil {
		return *e.EndDatetime, true
	}
	return time.Time{}, false
}

// Calendar is a calendar as seen by the current user, with its events
// nested. Role is this user's permission level on the calendar.
type Calendar struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Events   []Event         `json:"events"`
	Role     Role            `json:"role"`
	OwnerID  string          `json:"owner_id,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Clone returns a deep copy of the calendar, including its event slice.
// The sync engine hands copies to callers so external code can never
// mutate engine state behind the lock.
func (c Calendar) Clone() Calendar {
	out := c
	if c.Events != nil {
		out.Events = make([]Event, len(c.Events))
		copy(out.Events, c.Events)
	}
	if c.Settings != nil {
		out.Settings = append(json.RawMessage(nil), c.Settings...)
	}
	return out
}

// CloneCalendars deep-copies a calendar list.
func CloneCalendars(cals []Calendar) []Calendar {
	if cals == nil {
		return nil
	}
	out := make([]Calendar, len(cals))
	for i, c := range cals {
		out[i] = c.Clone()
	}
	return out
}

// CalendarMember is a read-only projection of one member of a calendar.
// It is fetched on demand and never cached in the primary data model.
type CalendarMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// TempIDPrefix namespaces client-generated placeholder ids. Server ids
// never start with this prefix, so reconciliation is a plain lookup on
// the temp id with no risk of colliding with a confirmed entity.
const TempIDPrefix = "temp_"

// NewTempID generates a placeholder id for an entity awaiting its
// server-assigned identity.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id is a client-generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
