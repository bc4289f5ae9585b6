package api

import (
	"context"
	"net/http"

	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
)

// ListCalendars fetches the authoritative calendar list for the current
// user. Events are not included; they are fetched per calendar.
func (c *Client) ListCalendars(ctx context.Context) ([]models.Calendar, error) {
	var out []models.Calendar
	if err := c.do(ctx, modeAuthed, http.MethodGet, "/calendars", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateCalendar creates a calendar and returns it with its
// server-assigned id.
func (c *Client) CreateCalendar(ctx context.Context, name string) (*models.Calendar, error) {
	body := struct {
		Name string `json:"name"`
	}{name}

	var out models.Calendar
	if err := c.do(ctx, modeAuthed, http.MethodPost, "/calendars", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCalendar deletes a calendar. The server enforces ownership; the
// sync engine's client-side check is only a UX guard.
func (c *Client) DeleteCalendar(ctx context.Context, id string) error {
	return c.do(ctx, modeAuthed, http.MethodDelete, "/calendars/"+id, nil, nil)
}

// JoinCalendar redeems a short invite code.
func (c *Client) JoinCalendar(ctx context.Context, code string) error {
	body := struct {
		Code string `json:"code"`
	}{code}
	return c.do(ctx, modeAuthed, http.MethodPost, "/calendars/join", body, nil)
}

// ListMembers fetches the member projection for one calendar.
func (c *Client) ListMembers(ctx context.Context, calendarID string) ([]models.CalendarMember, error) {
	var out []models.CalendarMember
	if err := c.do(ctx, modeAuthed, http.MethodGet, "/calendars/"+calendarID+"/members", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type inviteResponse struct {
	Code string `json:"code"`
}

// InviteCode fetches the current invite code for a calendar.
func (c *Client) InviteCode(ctx context.Context, calendarID string) (string, error) {
	var out inviteResponse
	if err := c.do(ctx, modeAuthed, http.MethodGet, "/calendars/"+calendarID+"/invite", nil, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

// RegenerateInviteCode invalidates the current invite code and returns
// a fresh one.
func (c *Client) RegenerateInviteCode(ctx context.Context, calendarID string) (string, error) {
	var out inviteResponse
	if err := c.do(ctx, modeAuthed, http.MethodPost, "/calendars/"+calendarID+"/regenerate-code", nil, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}
