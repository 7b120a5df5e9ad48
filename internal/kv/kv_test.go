package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "cache:user:u1:products", "[1]"))
	require.NoError(t, s.Set(ctx, "cache:user:u1:customers", "[2]"))
	require.NoError(t, s.Set(ctx, "cache:public:templates", "[3]"))
	require.NoError(t, s.Set(ctx, "cache:user:u1:products", "[4]"))

	value, ok, err := s.Get(ctx, "cache:user:u1:products")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[4]", value)

	keys, err := s.Keys(ctx, "cache:user:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:user:u1:products", "cache:user:u1:customers"}, keys)

	require.NoError(t, s.Remove(ctx, "cache:user:u1:products"))
	_, ok, err = s.Get(ctx, "cache:user:u1:products")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemory())
}

func TestMemoryStorageRejectsUseAfterClose(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	err := m.Set(context.Background(), "k", "v")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteStorageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	exerciseStorage(t, s)
	require.NoError(t, s.Set(context.Background(), "queue", `[{"id":"x"}]`))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	value, ok, err := reopened.Get(context.Background(), "queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"id":"x"}]`, value)
}

func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("DUKAFITI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set DUKAFITI_TEST_REDIS_ADDR to run redis storage test")
	}
	r := NewRedis(addr, "", 15)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Ping(context.Background()))
	require.NoError(t, r.client.FlushDB(context.Background()).Err())

	exerciseStorage(t, r)
}
