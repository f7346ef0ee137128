package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcharge/queuesync/go/internal/storage"
)

// changeLog records every change published on a bus
type changeLog struct {
	mu      sync.Mutex
	changes []storage.Change
}

func (l *changeLog) add(c storage.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) list() []storage.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.Change{}, l.changes...)
}

func newBridgedStore(t *testing.T, url string) (*storage.Notifying, *changeLog) {
	t.Helper()
	store := storage.NewNotifying(storage.NewMemoryKV(), nil)
	changes := &changeLog{}
	store.Bus().Subscribe("", changes.add)

	cfg := storage.DefaultNATSBridgeConfig()
	cfg.URL = url
	cfg.Subject = "queuesync.test.changes"
	bridge, err := storage.NewNATSBridge(cfg, store)
	require.NoError(t, err)
	t.Cleanup(func() { bridge.Close() })
	require.True(t, bridge.Connected())
	return store, changes
}

func TestNATSBridgeMirrorsChanges(t *testing.T) {
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	a, aChanges := newBridgedStore(t, srv.ClientURL())
	b, bChanges := newBridgedStore(t, srv.ClientURL())

	require.NoError(t, a.Set(ctx, "driverStatus", "waiting"))

	require.Eventually(t, func() bool {
		v, ok, err := b.Get(ctx, "driverStatus")
		return err == nil && ok && v == "waiting"
	}, 2*time.Second, 5*time.Millisecond)

	remote := bChanges.list()
	require.Len(t, remote, 1)
	assert.Equal(t, "driverStatus", remote[0].Key)
	assert.Equal(t, "waiting", remote[0].Value)
	assert.NotEmpty(t, remote[0].Origin, "applied changes carry the sender's origin")

	require.NoError(t, b.Delete(ctx, "queuePostId"))
	require.Eventually(t, func() bool {
		for _, c := range aChanges.list() {
			if c.Key == "queuePostId" && c.Deleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// nothing written by a comes back to a
	assert.Never(t, func() bool {
		n := 0
		for _, c := range aChanges.list() {
			if c.Key == "driverStatus" {
				n++
			}
		}
		return n > 1
	}, 200*time.Millisecond, 10*time.Millisecond)

	local := aChanges.list()[0]
	assert.Equal(t, storage.Change{Key: "driverStatus", Value: "waiting"}, local)
	assert.Len(t, bChanges.list(), 2)
}

func TestNATSBridgeUnreachable(t *testing.T) {
	cfg := storage.DefaultNATSBridgeConfig()
	cfg.URL = "nats://127.0.0.1:1"
	_, err := storage.NewNATSBridge(cfg, storage.NewNotifying(storage.NewMemoryKV(), nil))
	require.Error(t, err)
}
