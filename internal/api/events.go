package api

import (
	"context"
	"net/http"
	"time"

	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
)

// ListEvents fetches all events of one calendar.
func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]models.Event, error) {
	var out []models.Event
	if err := c.do(ctx, modeAuthed, http.MethodGet, "/calendars/"+calendarID+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// eventPayload is an event plus the calendar it belongs to; the create
// endpoint takes the calendar id in the body rather than the path.
type eventPayload struct {
	models.Event
	CalendarID string `json:"calendar_id"`
}

// CreateEvent creates an event in the given calendar and returns the
// server's copy with its assigned id. The temp id of the optimistic
// local copy is not sent.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event models.Event) (*models.Event, error) {
	payload := eventPayload{Event: event, CalendarID: calendarID}
	payload.ID = ""
	payload.SyncStatus = ""

	var out models.Event
	if err := c.do(ctx, modeAuthed, http.MethodPost, "/events", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateEvent replaces an event's fields server-side.
func (c *Client) UpdateEvent(ctx context.Context, event models.Event) error {
	return c.do(ctx, modeAuthed, http.MethodPut, "/events/"+event.ID, event, nil)
}

// DeleteEvent deletes a single event.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	return c.do(ctx, modeAuthed, http.MethodDelete, "/events/"+eventID, nil, nil)
}

// ClearEvents bulk-deletes every event of a calendar whose anchor falls
// inside [start, end]. Timestamps are sent as ISO 8601.
func (c *Client) ClearEvents(ctx context.Context, calendarID string, start, end time.Time) error {
	body := struct {
		CalendarID string `json:"calendarId"`
		Start      string `json:"start"`
		End        string `json:"end"`
	}{
		CalendarID: calendarID,
		Start:      start.Format(time.RFC3339Nano),
		End:        end.Format(time.RFC3339Nano),
	}
	return c.do(ctx, modeAuthed, http.MethodPost, "/events/clear-events", body, nil)
}
