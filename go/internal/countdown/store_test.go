package countdown_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcharge/queuesync/go/internal/countdown"
	"github.com/evcharge/queuesync/go/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// failingKV fails every operation
type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, assert.AnError
}
func (failingKV) Set(context.Context, string, string) error { return assert.AnError }
func (failingKV) Delete(context.Context, string) error      { return assert.AnError }
func (failingKV) Keys(context.Context, string) ([]string, error) {
	return nil, assert.AnError
}
func (failingKV) Close() error { return nil }

func TestStoreLoad(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	kv := storage.NewMemoryKV()
	store := countdown.NewStore(kv, clock)

	t.Run("future end time round-trips", func(t *testing.T) {
		store.Save(ctx, countdown.Key("b1"), t0.Add(5*time.Minute))
		end, ok := store.Load(ctx, countdown.Key("b1"))
		require.True(t, ok)
		assert.True(t, end.Equal(t0.Add(5*time.Minute)))
	})

	t.Run("save overwrites", func(t *testing.T) {
		store.Save(ctx, countdown.Key("b1"), t0.Add(9*time.Minute))
		end, ok := store.Load(ctx, countdown.Key("b1"))
		require.True(t, ok)
		assert.True(t, end.Equal(t0.Add(9*time.Minute)))
	})

	t.Run("expired record is deleted on load", func(t *testing.T) {
		store.Save(ctx, countdown.Key("old"), t0.Add(-time.Second))
		_, ok := store.Load(ctx, countdown.Key("old"))
		assert.False(t, ok)
		assert.False(t, store.Exists(ctx, countdown.Key("old")))
	})

	t.Run("end time equal to now is expired", func(t *testing.T) {
		store.Save(ctx, countdown.Key("edge"), t0)
		_, ok := store.Load(ctx, countdown.Key("edge"))
		assert.False(t, ok)
	})

	t.Run("corrupt record is treated as absent", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, countdown.Key("bad"), "{not a time"))
		_, ok := store.Load(ctx, countdown.Key("bad"))
		assert.False(t, ok)
		assert.False(t, store.Exists(ctx, countdown.Key("bad")))
	})
}

func TestStoreSwallowsBackendErrors(t *testing.T) {
	ctx := context.Background()
	store := countdown.NewStore(failingKV{}, clockwork.NewFakeClockAt(t0))

	assert.NotPanics(t, func() {
		store.Save(ctx, countdown.Key("x"), t0.Add(time.Minute))
		store.Remove(ctx, countdown.Key("x"))
	})
	_, ok := store.Load(ctx, countdown.Key("x"))
	assert.False(t, ok)
	assert.Empty(t, store.ListKeysWithPrefix(ctx, countdown.KeyPrefix))
	assert.Equal(t, 0, store.CleanupExcept(ctx, []string{countdown.KeyPrefix}))
}

func TestCleanupExceptLeavesOnlyKeptKeys(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	store := countdown.NewStore(kv, clockwork.NewFakeClockAt(t0))

	for _, id := range []string{"a", "b", "c"} {
		store.Save(ctx, countdown.Key(id), t0.Add(time.Hour))
	}
	store.SaveFrozen(ctx, "a", "00:02:00")
	store.SaveFrozen(ctx, "z", "00:01:00")
	require.NoError(t, kv.Set(ctx, "queuePostId", "p1"))

	removed := store.CleanupExcept(ctx,
		[]string{countdown.KeyPrefix, countdown.FrozenPrefix},
		countdown.Key("b"), countdown.FrozenKey("b"))

	assert.Equal(t, 4, removed)
	assert.Equal(t, []string{countdown.Key("b")}, store.ListKeysWithPrefix(ctx, countdown.KeyPrefix))

	_, found, err := kv.Get(ctx, "queuePostId")
	require.NoError(t, err)
	assert.True(t, found, "keys outside the prefixes are untouched")
}

func TestFreeze(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	store := countdown.NewStore(storage.NewMemoryKV(), clock)

	store.Save(ctx, countdown.Key("b1"), t0.Add(3*time.Minute))

	display, ok := store.Freeze(ctx, "b1")
	require.True(t, ok)
	assert.Equal(t, "00:03:00", display)
	assert.False(t, store.Exists(ctx, countdown.Key("b1")))

	frozen, ok := store.LoadFrozen(ctx, "b1")
	require.True(t, ok)
	assert.Equal(t, "00:03:00", frozen)

	_, ok = store.Freeze(ctx, "nothing-running")
	assert.False(t, ok)
	_, ok = store.LoadFrozen(ctx, "nothing-running")
	assert.False(t, ok)
}

func TestLiveIDs(t *testing.T) {
	ctx := context.Background()
	store := countdown.NewStore(storage.NewMemoryKV(), clockwork.NewFakeClockAt(t0))

	store.Save(ctx, countdown.Key("b7"), t0.Add(time.Minute))
	store.SaveFrozen(ctx, "b6", "00:00:10")

	assert.Equal(t, []string{"b7"}, store.LiveIDs(ctx))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
		secs int
	}{
		{0, "00:00:00", 0},
		{-5 * time.Second, "00:00:00", 0},
		{500 * time.Millisecond, "00:00:01", 1},
		{3 * time.Minute, "00:03:00", 180},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03", 3723},
	}
	for _, tc := range tests {
		t.Run(tc.in.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, countdown.FormatHMS(tc.in))
			assert.Equal(t, tc.secs, countdown.Seconds(tc.in))
		})
	}
}

func TestParseEndTime(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2026-03-01T10:15:00Z", true, t0.Add(15 * time.Minute)},
		{"2026-03-01T12:15:00+02:00", true, t0.Add(15 * time.Minute)},
		{"2026-03-01T10:15:00", true, t0.Add(15 * time.Minute)},
		{"2026-03-01 10:15:00", true, t0.Add(15 * time.Minute)},
		{"", false, time.Time{}},
		{"tomorrow", false, time.Time{}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := countdown.ParseEndTime(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, tc.want.Equal(got), "got %s", got)
			}
		})
	}
}
