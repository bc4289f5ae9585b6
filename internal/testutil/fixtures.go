// Package testutil provides common testing utilities, fixtures, and an
// in-process fake of the calendar API for use across all test files in
// the project.
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
)

// testSigningKey signs tokens minted by the fake server and by
// SignedToken. Tests only decode the exp claim, never verify.
var testSigningKey = []byte("testutil-signing-key")

// TestUser creates a registered (non-guest) test user with default values
func TestUser() models.User {
	return models.User{
		ID:          uuid.New().String(),
		Username:    "student42",
		DisplayName: "Test Student",
		IsGuest:     false,
	}
}

// TestGuestUser creates a guest test user
func TestGuestUser() models.User {
	return models.User{
		ID:          uuid.New().String(),
		DisplayName: "Guest",
		IsGuest:     true,
	}
}

// TestCalendar creates a test calendar owned by the given user
func TestCalendar(name string, owner models.User) models.Calendar {
	return models.Calendar{
		ID:      uuid.New().String(),
		Name:    name,
		Role:    models.RoleOwner,
		OwnerID: owner.ID,
		Events:  []models.Event{},
	}
}

// TestEvent creates a synced test event starting at the given time
func TestEvent(title string, start time.Time) models.Event {
	return models.Event{
		ID:            uuid.New().String(),
		Title:         title,
		StartDatetime: &start,
		Type:          models.EventOther,
		Links:         []string{},
		SyncStatus:    models.SyncSynced,
	}
}

// PendingEvent creates an optimistic test event with a temp id
func PendingEvent(title string, start time.Time) models.Event {
	return models.Event{
		ID:            models.NewTempID(),
		Title:         title,
		StartDatetime: &start,
		Type:          models.EventOther,
		Links:         []string{},
		SyncStatus:    models.SyncPending,
	}
}

// SignedToken mints an HS256 token expiring at the given time. The
// session manager only decodes the exp claim, so any signing key works.
func SignedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uuid.New().String(),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return signed
}

// TimePtr returns a pointer to the given time
func TimePtr(t time.Time) *time.Time {
	return &t
}
