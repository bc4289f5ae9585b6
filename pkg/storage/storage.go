// Package storage provides the persisted key-value store backing the
// session manager and the sync engine. Values are serialized as JSON,
// so any Go struct can be stored and loaded transparently.
//
// Three implementations are provided:
//   - MemoryStore: process-local, used in tests and throwaway runs
//   - FileStore: a single JSON file on disk, the default for the daemon
//   - RedisStore: Redis-backed, for deployments that already run Redis
//
// All implementations satisfy Store and treat a missing key as
// ErrNotFound rather than an error condition.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested key has never been written or was
// deleted. Callers are expected to treat it as "no persisted state yet".
//
//	var sess models.Session
//	err := store.Get(ctx, storage.SessionUserKey, &sess)
//	if errors.Is(err, storage.ErrNotFound) {
//	    // first launch, no session persisted
//	}
var ErrNotFound = errors.New("storage: key not found")

// Store is the persisted key-value interface consumed by the session
// manager and the sync engine. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get loads the value under key into target (a pointer). Returns
	// ErrNotFound if the key is absent.
	Get(ctx context.Context, key string, target any) error

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value any) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
