package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// storeUnderTest runs the shared Store contract against one implementation.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		var out sample
		err := store.Get(ctx, "absent", &out)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get round-trips", func(t *testing.T) {
		in := sample{Name: "calendars", Count: 3}
		require.NoError(t, store.Set(ctx, CalendarsKey, in))

		var out sample
		require.NoError(t, store.Get(ctx, CalendarsKey, &out))
		assert.Equal(t, in, out)
	})

	t.Run("set replaces previous value", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, AccessTokenKey, "first"))
		require.NoError(t, store.Set(ctx, AccessTokenKey, "second"))

		var tok string
		require.NoError(t, store.Get(ctx, AccessTokenKey, &tok))
		assert.Equal(t, "second", tok)
	})

	t.Run("delete removes keys and ignores missing ones", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, RefreshTokenKey, "r1"))
		require.NoError(t, store.Delete(ctx, RefreshTokenKey, "never-existed"))

		var tok string
		err := store.Get(ctx, RefreshTokenKey, &tok)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)
	storeUnderTest(t, store)

	t.Run("state survives reopen", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Set(ctx, SessionUserKey, sample{Name: "guest"}))

		reopened, err := NewFileStore(path)
		require.NoError(t, err)

		var out sample
		require.NoError(t, reopened.Get(ctx, SessionUserKey, &out))
		assert.Equal(t, "guest", out.Name)
	})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	storeUnderTest(t, store)
}

func TestAuthKeys(t *testing.T) {
	keys := AuthKeys()
	assert.ElementsMatch(t, []string{AccessTokenKey, RefreshTokenKey, SessionUserKey}, keys)
	assert.NotContains(t, keys, CalendarsKey)
}
