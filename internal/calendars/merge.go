package calendars

import (
	"github.com/DaVOVAN/StudentCalendarApp/internal/models"
)

// mergeCalendars reconciles the authoritative server list with the
// locally cached one. The result contains exactly the calendars present
// server-side: metadata (name, role, owner, settings) always comes from
// the server copy, while events come from the corresponding local entry
// so that locally-pending events survive until the server reflects
// them. Calendars that exist only locally are dropped: they were
// deleted remotely or access was revoked.
func mergeCalendars(server, local []models.Calendar) []models.Calendar {
	localByID := make(map[string]models.Calendar, len(local))
	for _, cal := range local {
		localByID[cal.ID] = cal
	}

	merged := make([]models.Calendar, 0, len(server))
	for _, sc := range server {
		cal := sc.Clone()
		if lc, ok := localByID[sc.ID]; ok {
			cal.Events = make([]models.Event, len(lc.Events))
			copy(cal.Events, lc.Events)
		}
		if cal.Events == nil {
			cal.Events = []models.Event{}
		}
		merged = append(merged, cal)
	}
	return merged
}

// mergeEvents reconciles one calendar's events. Local events still
// pending whose id the server does not know yet are kept in front,
// unchanged; every server event follows, tagged synced. There is no
/// deduplication beyond the id-presence check: the moment a pending
// event's id shows up server-side, the server's version wins and the
// pending copy is dropped.
func mergeEvents(server, local []models.Event) []models.Event {
	serverIDs := make(map[string]struct{}, len(server))
	for _, ev := range server {
		serverIDs[ev.ID] = struct{}{}
	}

	merged := make([]models.Event, 0, len(server)+len(local))
	for _, ev := range local {
		if ev.SyncStatus != models.SyncPending {
			continue
		}
		if _, confirmed := serverIDs[ev.ID]; confirmed {
			continue
		}
		merged = append(merged, ev)
	}

	for _, ev := range server {
		ev.SyncStatus = models.SyncSynced
		merged = append(merged, ev)
	}
	return merged
}
