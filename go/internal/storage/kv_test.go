package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcharge/queuesync/go/internal/storage"
)

func backends(t *testing.T) map[string]storage.KV {
	t.Helper()
	ctx := context.Background()

	sqlite, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	out := map[string]storage.KV{
		"memory": storage.NewMemoryKV(),
		"sqlite": sqlite,
	}

	if addr := os.Getenv("QUEUESYNC_TEST_REDIS_ADDR"); addr != "" {
		r, err := storage.NewRedisKV(ctx, addr, "test:"+uuid.NewString()+":")
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		out["redis"] = r
	}
	return out
}

func TestKVContract(t *testing.T) {
	ctx := context.Background()

	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, kv.Set(ctx, "countdown_1", "a"))
			require.NoError(t, kv.Set(ctx, "countdown_1", "b"))
			require.NoError(t, kv.Set(ctx, "countdown_frozen_1", "00:01:00"))
			require.NoError(t, kv.Set(ctx, "countdownX", "not matched by underscore"))
			require.NoError(t, kv.Set(ctx, "queuePostId", "post-9"))

			v, found, err := kv.Get(ctx, "countdown_1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "b", v)

			keys, err := kv.Keys(ctx, "countdown_")
			require.NoError(t, err)
			assert.Equal(t, []string{"countdown_1", "countdown_frozen_1"}, keys)

			require.NoError(t, kv.Delete(ctx, "countdown_1"))
			require.NoError(t, kv.Delete(ctx, "never-existed"))

			_, found, err = kv.Get(ctx, "countdown_1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "initialQueueRank", "3"))
	require.NoError(t, first.Close())

	second, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	v, found, err := second.Get(ctx, "initialQueueRank")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "3", v)
}

func TestMemoryKVClosed(t *testing.T) {
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Close())

	_, _, err := kv.Get(context.Background(), "k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, kv.Set(context.Background(), "k", "v"), storage.ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Options{Driver: "etcd"})
	assert.Error(t, err)
}
