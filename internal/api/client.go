// Package api is the HTTP client for the calendar service. It owns
// bearer-token injection and the single-retry recovery path for expired
// access tokens; typed wrappers for every endpoint live in auth.go,
// calendars.go and events.go.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenSource supplies the bearer token for outbound requests and knows
// how to obtain a fresh one after the server rejects the current token.
// The session manager implements it.
type TokenSource interface {
	// AccessToken returns the current access token, or "" when no
	// session exists yet.
	AccessToken() string
	// Refresh replaces the current token pair. Called by the client
	// after a 401 before replaying the failed request.
	Refresh(ctx context.Context) error
}

// Client issues requests against the calendar API.
//
// Every authenticated request carries "Authorization: Bearer <token>"
// from the token source. On a 401 the client refreshes the session and
// replays the original request exactly once; the retry budget is an
// explicit loop bound here, never a flag smuggled on the request. Auth
// endpoints themselves (guest/login/register/refresh) bypass both the
// bearer header and the retry, which is what breaks the recursion when
// the refresh endpoint itself answers 401.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenSource
}

// NewClient creates a client for the API rooted at baseURL
// (e.g. "http://localhost:3000/api").
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// SetTokenSource wires the session manager in after construction. The
// manager needs the client to talk to the auth endpoints, so the two
// are connected in this order: client first, then manager.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// requestMode selects header and retry behavior for one request.
type requestMode int

const (
	// modeAuthed attaches the bearer token and refreshes+retries once
	// on 401.
	modeAuthed requestMode = iota
	// modeNoRetry attaches the bearer token but never retries. Used for
	// logout, where a stale token is not worth recovering.
	modeNoRetry
	// modeBare sends no bearer token and never retries. Used for the
	// auth endpoints that establish or replace the session.
	modeBare
)

// do runs one logical request. For modeAuthed the attempt budget is
// exactly two transports: the original send and, after a successful
// token refresh, one replay. A second 401 is returned to the caller.
func (c *Client) do(ctx context.Context, mode requestMode, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.roundTrip(ctx, mode, method, path, body, out)
		if err == nil {
			return nil
		}

		retryable := mode == modeAuthed &&
			attempt == 0 &&
			IsStatus(err, http.StatusUnauthorized) &&
			c.tokens != nil

		if !retryable {
			return err
		}

		log.Debug().Str("method", method).Str("path", path).Msg("Got 401, refreshing session before retry")
		if refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
			// The refresh path already handled its own fallback; the
			// original 401 is the error the caller cares about.
			return fmt.Errorf("request unauthorized and refresh failed: %w", err)
		}
	}
}

// roundTrip performs a single HTTP exchange: marshal, send, decode.
func (c *Client) roundTrip(ctx context.Context, mode requestMode, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mode != modeBare && c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s %s: %w", method, path, err)
		}
	}
	return nil
}

// parseError builds an *Error from a non-2xx response. The server
// reports failures as {"message": "..."} or {"error": "..."}.
func parseError(resp *http.Response) error {
	apiErr := &Error{
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			apiErr.Message = payload.Message
		} else if payload.Error != "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
