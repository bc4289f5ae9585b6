// Package metrics exposes Prometheus instrumentation for the session
// and sync flows. All collectors live in the default registry and are
// served by the daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// authAttemptsTotal counts login/register attempts by result.
	//
	// Labels: operation (login, register), result (success, invalid_credentials,
	// username_taken, error)
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"operation", "result"},
	)

	// tokenRefreshTotal counts refresh attempts by result. A rising
	// guest_fallback rate means refresh tokens are being invalidated.
	//
	// Labels: result (success, guest_fallback, error)
	tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_token_refresh_total",
			Help: "Total number of session refresh attempts",
		},
		[]string{"result"},
	)

	// syncRunsTotal counts full calendar sync runs by result.
	//
	// Labels: trigger (interval, manual, bootstrap), result (success, offline, error)
	syncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_runs_total",
			Help: "Total number of calendar sync runs",
		},
		[]string{"trigger", "result"},
	)

	// rollbacksTotal counts optimistic mutations that had to be rolled
	// back after the network request failed.
	//
	// Labels: operation (add_calendar, add_event, delete_calendar)
	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_optimistic_rollbacks_total",
			Help: "Total number of optimistic mutations rolled back",
		},
		[]string{"operation"},
	)

	// calendarCount tracks how many calendars the engine currently holds.
	calendarCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendar_calendars",
			Help: "Number of calendars in local state",
		},
	)
)

func init() {
	prometheus.MustRegister(
		authAttemptsTotal,
		tokenRefreshTotal,
		syncRunsTotal,
		rollbacksTotal,
		calendarCount,
	)
}

// RecordAuthAttempt records the outcome of a login or register call.
func RecordAuthAttempt(operation, result string) {
	authAttemptsTotal.WithLabelValues(operation, result).Inc()
}

// RecordTokenRefresh records the outcome of a session refresh.
func RecordTokenRefresh(result string) {
	tokenRefreshTotal.WithLabelValues(result).Inc()
}

// RecordSyncRun records the outcome of a full calendar sync.
func RecordSyncRun(trigger, result string) {
	syncRunsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordRollback records one rolled-back optimistic mutation.
func RecordRollback(operation string) {
	rollbacksTotal.WithLabelValues(operation).Inc()
}

// SetCalendarCount updates the calendar gauge after a state change.
func SetCalendarCount(n int) {
	calendarCount.Set(float64(n))
}
