// Package session owns the authentication state of the process: the
// access/refresh token pair, the user it belongs to, and the guest
// fallback that keeps the app usable without explicit login.
//
// The manager is a state machine over one Session value:
//
//	Uninitialized --Resume--> Authenticated | Guest
//	Authenticated --refresh failure (4xx)--> Guest
//	Guest --Login/Register--> Authenticated
//	Authenticated --Logout--> Guest
//
// Exactly one manager exists per process; it is constructed by the
// composition root and handed by reference to consumers.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/DaVOVAN/StudentCalendarApp/internal/api"
	"github.com/DaVOVAN/StudentCalendarApp/internal/metrics"
	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
	"github.com/DaVOVAN/StudentCalendarApp/pkg/storage"
)

var (
	// ErrInvalidCredentials is returned by Login when the server
	// rejects the username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRegistrationFailed is returned by Register; the wrapped
	// message distinguishes a taken username from other failures.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrRefreshTokenMissing is returned by RefreshSession when there
	// is no refresh token to exchange.
	ErrRefreshTokenMissing = errors.New("no refresh token available")
	// ErrInvalidTokenResponse is returned when an auth endpoint answers
	// 2xx but the payload is missing tokens or the user object.
	ErrInvalidTokenResponse = errors.New("invalid token response")
	// ErrSessionRefreshFailed is returned when the refresh token was
	// rejected and the session fell back to guest.
	ErrSessionRefreshFailed = errors.New("session refresh failed")
)

// Manager maintains exactly one valid bearer token from the point of
// view of outbound requests, transparently upgrading and downgrading
// between guest and authenticated sessions. It implements
// api.TokenSource, which is how the client's 401-retry pipeline reaches
// back into it.
type Manager struct {
	client        *api.Client
	store         storage.Store
	refreshWindow time.Duration

	// refreshMu single-flights refresh attempts so that concurrent 401
	// replays exchange the refresh token once, not once per request.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	current models.Session
}

// NewManager wires a manager to the API client and the persisted store.
// refreshWindow is the safety margin before token expiry at which the
// manager refreshes proactively. The manager registers itself as the
// client's token source.
func NewManager(client *api.Client, store storage.Store, refreshWindow time.Duration) *Manager {
	m := &Manager{
		client:        client,
		store:         store,
		refreshWindow: refreshWindow,
	}
	client.SetTokenSource(m)
	return m
}

// CurrentUser returns the user of the active session. The zero User
// (empty id) means Resume has not completed yet.
func (m *Manager) CurrentUser() models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.User
}

// AccessToken implements api.TokenSource.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.AccessToken
}

// Refresh implements api.TokenSource.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.RefreshSession(ctx)
}

// Resume restores the session at process start. With no persisted
// refresh token it creates a guest session. With one, it adopts the
// cached session if the access token is still comfortably valid,
// otherwise exchanges the refresh token; if that exchange fails, all
// persisted auth state is discarded and a guest session replaces it.
//
// An error from Resume means no usable session exists (guest creation
// itself failed) and is fatal to startup.
func (m *Manager) Resume(ctx context.Context) error {
	var refreshToken string
	if err := m.store.Get(ctx, storage.RefreshTokenKey, &refreshToken); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to read stored refresh token, starting as guest")
		}
		return m.CreateGuestSession(ctx)
	}
	if refreshToken == "" {
		return m.CreateGuestSession(ctx)
	}

	var accessToken string
	var user models.User
	_ = m.store.Get(ctx, storage.AccessTokenKey, &accessToken)
	userErr := m.store.Get(ctx, storage.SessionUserKey, &user)

	if accessToken != "" && userErr == nil {
		if exp, err := tokenExpiry(accessToken); err == nil && time.Until(exp) > m.refreshWindow {
			m.setCurrent(models.Session{
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				User:         user,
			})
			log.Info().Str("user_id", user.ID).Bool("guest", user.IsGuest).Msg("Resumed cached session")
			return nil
		}
	}

	resp, err := m.client.RefreshTokens(ctx, refreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("Stored refresh token rejected, discarding auth state")
		m.clearAuthState(ctx)
		return m.CreateGuestSession(ctx)
	}

	sess, err := m.sessionFromResponse(resp, user)
	if err != nil {
		m.clearAuthState(ctx)
		return m.CreateGuestSession(ctx)
	}
	if err := m.applySession(ctx, sess); err != nil {
		return err
	}

	log.Info().Str("user_id", sess.User.ID).Msg("Session resumed via refresh")
	return nil
}

// Login authenticates with explicit credentials and replaces the
// session wholesale. On failure the current session (guest or
// otherwise) is left untouched.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	resp, err := m.client.Login(ctx, username, password)
	if err != nil {
		if api.IsStatus(err, http.StatusUnauthorized) {
			metrics.RecordAuthAttempt("login", "invalid_credentials")
			return ErrInvalidCredentials
		}
		metrics.RecordAuthAttempt("login", "error")
		return fmt.Errorf("login: %w", err)
	}

	sess, err := m.sessionFromResponse(resp, models.User{})
	if err != nil {
		metrics.RecordAuthAttempt("login", "error")
		return err
	}
	if err := m.applySession(ctx, sess); err != nil {
		return err
	}

	metrics.RecordAuthAttempt("login", "success")
	log.Info().Str("user_id", sess.User.ID).Msg("Logged in")
	return nil
}

// Register creates an account and logs it in. A 409 means the username
// is taken; the server's message is preserved in the returned error.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	resp, err := m.client.Register(ctx, username, password)
	if err != nil {
		if api.IsStatus(err, http.StatusConflict) {
			metrics.RecordAuthAttempt("register", "username_taken")
			var apiErr *api.Error
			if errors.As(err, &apiErr) {
				return fmt.Errorf("%w: %s", ErrRegistrationFailed, apiErr.Message)
			}
		}
		metrics.RecordAuthAttempt("register", "error")
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	sess, err := m.sessionFromResponse(resp, models.User{})
	if err != nil {
		metrics.RecordAuthAttempt("register", "error")
		return err
	}
	if err := m.applySession(ctx, sess); err != nil {
		return err
	}

	metrics.RecordAuthAttempt("register", "success")
	log.Info().Str("user_id", sess.User.ID).Msg("Registered")
	return nil
}

// Logout invalidates the server-side session (best effort), clears all
// persisted auth state plus the calendar snapshot, and downgrades to a
// fresh guest session.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.client.Logout(ctx); err != nil {
		log.Warn().Err(err).Msg("Server-side logout failed, clearing local state anyway")
	}

	m.clearAuthState(ctx)
	if err := m.store.Delete(ctx, storage.CalendarsKey); err != nil {
		log.Warn().Err(err).Msg("Failed to clear calendar snapshot on logout")
	}

	return m.CreateGuestSession(ctx)
}

// RefreshSession exchanges the current refresh token for a new pair.
//
// With no refresh token it falls back to a guest session and returns
// ErrRefreshTokenMissing. A 400-class rejection clears auth state,
// falls back to guest, and returns ErrSessionRefreshFailed so callers
// (including the 401-retry pipeline) know not to keep retrying.
// Transport errors change nothing and are returned as-is.
func (m *Manager) RefreshSession(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	refreshToken := m.current.RefreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		metrics.RecordTokenRefresh("guest_fallback")
		if err := m.CreateGuestSession(ctx); err != nil {
			return err
		}
		return ErrRefreshTokenMissing
	}

	resp, err := m.client.RefreshTokens(ctx, refreshToken)
	if err != nil {
		if code := api.StatusCode(err); code >= 400 && code < 500 {
			log.Warn().Err(err).Msg("Refresh token rejected, falling back to guest session")
			m.clearAuthState(ctx)
			if guestErr := m.CreateGuestSession(ctx); guestErr != nil {
				log.Error().Err(guestErr).Msg("Guest fallback after refresh failure also failed")
			}
			metrics.RecordTokenRefresh("guest_fallback")
			return fmt.Errorf("%w: %w", ErrSessionRefreshFailed, err)
		}
		metrics.RecordTokenRefresh("error")
		return fmt.Errorf("refresh session: %w", err)
	}

	m.mu.RLock()
	cachedUser := m.current.User
	m.mu.RUnlock()

	sess, err := m.sessionFromResponse(resp, cachedUser)
	if err != nil {
		metrics.RecordTokenRefresh("error")
		return err
	}
	if err := m.applySession(ctx, sess); err != nil {
		return err
	}

	metrics.RecordTokenRefresh("success")
	log.Debug().Str("user_id", sess.User.ID).Msg("Session refreshed")
	return nil
}

// CreateGuestSession obtains a server-issued ephemeral identity. The
// request goes out bare, so it can never recurse into the 401-retry
// interceptor. A failure here means the process has no usable session.
func (m *Manager) CreateGuestSession(ctx context.Context) error {
	resp, err := m.client.GuestSession(ctx)
	if err != nil {
		return fmt.Errorf("create guest session: %w", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.User == nil {
		return ErrInvalidTokenResponse
	}

	sess := models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         *resp.User,
	}
	sess.User.IsGuest = true

	if err := m.applySession(ctx, sess); err != nil {
		return err
	}

	log.Info().Str("user_id", sess.User.ID).Msg("Guest session created")
	return nil
}

// CheckExpiry is the periodic expiry probe. If the access token expires
// within the safety window it refreshes proactively. Failures are
// logged, never raised: a background timer must not take the process
// down, and RefreshSession already handles the guest fallback.
func (m *Manager) CheckExpiry(ctx context.Context) {
	m.mu.RLock()
	accessToken := m.current.AccessToken
	m.mu.RUnlock()

	if accessToken == "" {
		return
	}

	exp, err := tokenExpiry(accessToken)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot decode access token expiry")
		return
	}
	if remaining := time.Until(exp); remaining > m.refreshWindow {
		return
	}

	log.Info().Time("expires_at", exp).Msg("Access token near expiry, refreshing")
	if err := m.RefreshSession(ctx); err != nil {
		log.Warn().Err(err).Msg("Background session refresh failed")
	}
}

// sessionFromResponse validates a token-pair payload and builds the new
// session. cachedUser fills in when the server omits the user object
// (some refresh responses carry tokens only).
func (m *Manager) sessionFromResponse(resp *api.SessionResponse, cachedUser models.User) (models.Session, error) {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return models.Session{}, ErrInvalidTokenResponse
	}

	user := cachedUser
	if resp.User != nil {
		user = *resp.User
	}
	if user.ID == "" {
		return models.Session{}, ErrInvalidTokenResponse
	}

	return models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         user,
	}, nil
}

// applySession persists the session and then makes it current. Persist
// first: if the store write fails, in-memory state keeps the old pair
// and storage never diverges from what requests actually use.
func (m *Manager) applySession(ctx context.Context, sess models.Session) error {
	if err := m.store.Set(ctx, storage.AccessTokenKey, sess.AccessToken); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if err := m.store.Set(ctx, storage.RefreshTokenKey, sess.RefreshToken); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}
	if err := m.store.Set(ctx, storage.SessionUserKey, sess.User); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}

	m.setCurrent(sess)
	return nil
}

func (m *Manager) setCurrent(sess models.Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
}

// clearAuthState drops the in-memory session and every persisted auth
// key. Called before a guest fallback replaces the session.
func (m *Manager) clearAuthState(ctx context.Context) {
	m.setCurrent(models.Session{})
	if err := m.store.Delete(ctx, storage.AuthKeys()...); err != nil {
		log.Warn().Err(err).Msg("Failed to clear persisted auth state")
	}
}

// tokenExpiry decodes the exp claim of a bearer token. The client holds
// no signing secret, so the token is parsed without verification; the
// server remains the authority on actual validity.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no expiry claim")
	}
	return claims.ExpiresAt.Time, nil
}
