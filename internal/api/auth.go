package api

import (
	"context"
	"net/http"

	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
)

// SessionResponse is the payload returned by every endpoint that issues
// a token pair. User is omitted by some refresh responses; callers keep
// their cached user in that case.
type SessionResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *models.User `json:"user,omitempty"`
}

// GuestSession creates a server-issued ephemeral guest session. Sent
// bare: this call must never recurse into the 401-retry path.
func (c *Client) GuestSession(ctx context.Context) (*SessionResponse, error) {
	var out SessionResponse
	if err := c.do(ctx, modeBare, http.MethodPost, "/auth/guest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token pair. 401 means the
// credentials were rejected.
func (c *Client) Login(ctx context.Context, username, password string) (*SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, modeBare, http.MethodPost, "/auth/login", credentials{username, password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and returns its first token pair. 409
// means the username is already taken.
func (c *Client) Register(ctx context.Context, username, password string) (*SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, modeBare, http.MethodPost, "/auth/register", credentials{username, password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshTokens exchanges a refresh token for a new pair. 400-class
// responses mean the refresh token is invalid or expired.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (*SessionResponse, error) {
	body := struct {
		RefreshToken string `json:"refreshToken"`
	}{refreshToken}

	var out SessionResponse
	if err := c.do(ctx, modeBare, http.MethodPost, "/auth/refresh", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the server-side refresh token. Carries the bearer
// token but never triggers a refresh retry: a session being torn down
// is not worth recovering.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, modeNoRetry, http.MethodPost, "/auth/logout", nil, nil)
}
