package storage

// Storage keys for the client's persisted state. The "@"-prefixed names
// are kept byte-for-byte compatible with the mobile client's key-value
// namespace so the two can share a dump during migration testing.
const (
	// AccessTokenKey holds the current bearer access token.
	AccessTokenKey = "@access_token"
	// RefreshTokenKey holds the current refresh token.
	RefreshTokenKey = "@refresh_token"
	// SessionUserKey holds the serialized user of the active session.
	SessionUserKey = "@user"
	// CalendarsKey holds the serialized calendar snapshot used for
	// offline bootstrap.
	CalendarsKey = "@calendars"
	// ThemeKey holds the selected UI theme. The sync core only persists
	// it on behalf of the shell; it never interprets the value.
	ThemeKey = "@theme"
)

// AuthKeys lists every key cleared when auth state is discarded
// (logout or irrecoverable refresh failure).
func AuthKeys() []string {
	return []string{AccessTokenKey, RefreshTokenKey, SessionUserKey}
}
