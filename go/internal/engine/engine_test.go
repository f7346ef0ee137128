package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcharge/queuesync/go/clients/chargeapi"
	"github.com/evcharge/queuesync/go/internal/channel"
	"github.com/evcharge/queuesync/go/internal/countdown"
	"github.com/evcharge/queuesync/go/internal/engine"
	"github.com/evcharge/queuesync/go/internal/queue"
	"github.com/evcharge/queuesync/go/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu        sync.Mutex
	booking   chargeapi.BookingResult
	waitlist  chargeapi.WaitlistResult
	waitErr   error
	session   chargeapi.Session
	cancelled []string
	finished  []float64
	fetches   int
}

func (f *fakeAPI) CreateBooking(ctx context.Context, userID, postID, carID string) (chargeapi.BookingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.booking, nil
}

func (f *fakeAPI) CancelBooking(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, "booking:"+id)
	return nil
}

func (f *fakeAPI) CancelWaitlist(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, "waitlist:"+id)
	return nil
}

func (f *fakeAPI) WaitingListByUser(ctx context.Context, userID string) (chargeapi.WaitlistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitlist, f.waitErr
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (chargeapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.session, nil
}

func (f *fakeAPI) FinishSession(ctx context.Context, id string, totalEnergyKWh float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, totalEnergyKWh)
	f.session.Status = "completed"
	return nil
}

// pipeConn is a push connection fed from a Go channel
type pipeConn struct {
	msgs   chan string
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{msgs: make(chan string, 32), closed: make(chan struct{})}
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.msgs:
		return []byte(m), nil
	case <-c.closed:
		return nil, channel.ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fixture struct {
	t      *testing.T
	api    *fakeAPI
	kv     *storage.Notifying
	engine *engine.Engine
	queue  *pipeConn
	tel    *pipeConn

	mu       sync.Mutex
	dialed   []string
	notes    []queue.Notification
	statuses []storage.Change
}

func newFixture(t *testing.T, seed map[string]string) *fixture {
	t.Helper()
	f := &fixture{t: t, api: &fakeAPI{}, queue: newPipeConn(), tel: newPipeConn()}

	mem := storage.NewMemoryKV()
	for k, v := range seed {
		require.NoError(t, mem.Set(context.Background(), k, v))
	}
	f.kv = storage.NewNotifying(mem, nil)
	f.kv.Bus().Subscribe(engine.KeyDriverStatus, func(c storage.Change) {
		f.mu.Lock()
		f.statuses = append(f.statuses, c)
		f.mu.Unlock()
	})

	dialers := engine.Dialers{
		Queue: func(subjectID, resourceID string) channel.Dialer {
			f.mu.Lock()
			f.dialed = append(f.dialed, "queue:"+subjectID+"/"+resourceID)
			f.mu.Unlock()
			return channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) { return f.queue, nil })
		},
		Telemetry: func(sessionID string) channel.Dialer {
			f.mu.Lock()
			f.dialed = append(f.dialed, "telemetry:"+sessionID)
			f.mu.Unlock()
			return channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) { return f.tel, nil })
		},
	}

	f.engine = engine.New(engine.Config{
		UserID:             "user-1",
		BookingHoldMinutes: 15,
		RepeatThreshold:    4,
		QueueChannel:       channel.Config{MaxAttempts: 2, ReconnectWait: time.Millisecond},
		TelemetryChannel:   channel.Config{MaxAttempts: 2, ReconnectWait: time.Millisecond},
	}, f.api, f.kv, dialers, clockwork.NewFakeClockAt(t0))
	f.engine.Subscribe(func(ev engine.Event) {
		if ev.Type == engine.EventNotification {
			f.mu.Lock()
			f.notes = append(f.notes, *ev.Notification)
			f.mu.Unlock()
		}
	})
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) get(key string) (string, bool) {
	v, ok, err := f.kv.Get(context.Background(), key)
	require.NoError(f.t, err)
	return v, ok
}

func (f *fixture) dialedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.dialed...)
}

func rank(v int) *int { return &v }

func TestJoinWaitlistFollowsLiveFeed(t *testing.T) {
	f := newFixture(t, nil)
	f.api.booking = chargeapi.BookingResult{Outcome: chargeapi.OutcomeSuccess, Status: chargeapi.StatusWaiting, ActionID: "w-1", Rank: rank(3)}

	res, err := f.engine.JoinQueue(context.Background(), "post-1", "car-1")
	require.NoError(t, err)
	assert.True(t, res.Queued())

	snap := f.engine.Snapshot()
	want := &engine.Entry{ActionID: "w-1", PostID: "post-1", Status: chargeapi.StatusWaiting}
	if diff := cmp.Diff(want, snap.Entry); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, snap.Rank.Rank)
	assert.Equal(t, queue.SourceInitialAPI, snap.Rank.Source)
	assert.Equal(t, countdown.StatusIdle, snap.Countdown.Status, "no end time declared for waiting entries")
	assert.Equal(t, engine.DriverWaiting, snap.DriverStatus)

	for key, want := range map[string]string{
		queue.KeyInitialRank:   "3",
		queue.KeyPostID:        "post-1",
		queue.KeyActionID:      "w-1",
		engine.KeyDriverStatus: "waiting",
	} {
		got, ok := f.get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	assert.Equal(t, []string{"queue:user-1/post-1"}, f.dialedList())

	f.queue.msgs <- `{"position":2}`
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.notes) == 1
	}, time.Second, time.Millisecond)

	snap = f.engine.Snapshot()
	assert.Equal(t, queue.SourceLiveFeed, snap.Rank.Source)
	got, _ := f.get(queue.KeyInitialRank)
	assert.Equal(t, "2", got)

	f.mu.Lock()
	require.Len(t, f.notes, 1)
	assert.Equal(t, 3, f.notes[0].Previous)
	require.NotEmpty(t, f.statuses)
	assert.Equal(t, "waiting", f.statuses[0].Value)
	f.mu.Unlock()
}

func TestCancelFreezesCountdown(t *testing.T) {
	f := newFixture(t, map[string]string{countdown.Key("stale"): t0.Add(time.Hour).Format(time.RFC3339)})
	f.api.booking = chargeapi.BookingResult{
		Outcome:  chargeapi.OutcomeSuccess,
		Status:   chargeapi.StatusBooking,
		ActionID: "b-1",
		EndTime:  t0.Add(3 * time.Minute).Format(time.RFC3339),
	}

	_, err := f.engine.JoinQueue(context.Background(), "post-1", "car-1")
	require.NoError(t, err)

	snap := f.engine.Snapshot()
	assert.Equal(t, countdown.StatusRunning, snap.Countdown.Status)
	assert.Equal(t, 180, snap.Countdown.RemainingSeconds)
	_, ok := f.get(countdown.Key("stale"))
	assert.False(t, ok, "other countdowns are cleaned up")
	assert.Empty(t, f.dialedList(), "bookings do not open the position feed")

	require.NoError(t, f.engine.Cancel(context.Background()))

	snap = f.engine.Snapshot()
	if diff := cmp.Diff(countdown.Snapshot{ID: "b-1", Status: countdown.StatusCancelled, DisplayTime: "00:03:00"}, snap.Countdown); diff != "" {
		t.Errorf("countdown mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, snap.Entry)
	assert.Equal(t, queue.SourceUnknown, snap.Rank.Source)
	assert.Equal(t, "calculating…", snap.RankDisplay)

	_, ok = f.get(countdown.Key("b-1"))
	assert.False(t, ok)
	frozen, ok := f.get(countdown.FrozenKey("b-1"))
	require.True(t, ok)
	assert.Equal(t, "00:03:00", frozen)
	for _, key := range []string{queue.KeyInitialRank, queue.KeyPostID, queue.KeyActionID, engine.KeyDriverStatus} {
		_, ok := f.get(key)
		assert.False(t, ok, key)
	}
	assert.Equal(t, []string{"booking:b-1"}, f.api.cancelled)

	assert.ErrorIs(t, f.engine.Cancel(context.Background()), engine.ErrNoActiveEntry)
}

func TestJoinBusyLeavesStateAlone(t *testing.T) {
	f := newFixture(t, nil)
	f.api.booking = chargeapi.BookingResult{Outcome: chargeapi.OutcomeBusy, Reason: "post is busy"}

	res, err := f.engine.JoinQueue(context.Background(), "post-1", "")
	require.NoError(t, err)
	assert.Equal(t, chargeapi.OutcomeBusy, res.Outcome)

	snap := f.engine.Snapshot()
	assert.Nil(t, snap.Entry)
	assert.Empty(t, snap.DriverStatus)
	_, ok := f.get(queue.KeyActionID)
	assert.False(t, ok)
}

func TestRestoreKeepsStateWhilePending(t *testing.T) {
	seed := map[string]string{
		queue.KeyInitialRank:   "4",
		queue.KeyPostID:        "post-7",
		queue.KeyActionID:      "w-7",
		engine.KeyDriverStatus: "waiting",
	}
	f := newFixture(t, seed)
	f.api.waitlist = chargeapi.WaitlistResult{} // null answer

	require.NoError(t, f.engine.Restore(context.Background()))

	snap := f.engine.Snapshot()
	assert.Equal(t, 4, snap.Rank.Rank)
	assert.Equal(t, queue.SourcePersisted, snap.Rank.Source)
	require.NotNil(t, snap.Entry)
	assert.Equal(t, "w-7", snap.Entry.ActionID)
	assert.Equal(t, []string{"queue:user-1/post-7"}, f.dialedList())
	for key, want := range seed {
		got, ok := f.get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got)
	}

	f.api.mu.Lock()
	f.api.waitlist = chargeapi.WaitlistResult{Loaded: true}
	f.api.mu.Unlock()
	require.NoError(t, f.engine.Refresh(context.Background()))

	snap = f.engine.Snapshot()
	assert.Nil(t, snap.Entry)
	assert.Equal(t, queue.SourceUnknown, snap.Rank.Source)
	for key := range seed {
		_, ok := f.get(key)
		assert.False(t, ok, key)
	}
}

func TestRefreshAdoptsWaitlistEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.api.waitlist = chargeapi.WaitlistResult{Loaded: true, Entries: []chargeapi.WaitlistEntry{
		{ID: "w-5", PostID: "post-5", UserID: "user-1", Rank: 6},
	}}

	require.NoError(t, f.engine.Refresh(context.Background()))

	snap := f.engine.Snapshot()
	want := &engine.Entry{ActionID: "w-5", PostID: "post-5", Status: chargeapi.StatusWaiting}
	if diff := cmp.Diff(want, snap.Entry); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, snap.Rank.Rank)
	assert.Equal(t, queue.SourceInitialAPI, snap.Rank.Source)
	assert.Equal(t, engine.DriverWaiting, snap.DriverStatus)
	assert.Equal(t, []string{"queue:user-1/post-5"}, f.dialedList())

	for key, want := range map[string]string{
		queue.KeyInitialRank: "6",
		queue.KeyPostID:      "post-5",
		queue.KeyActionID:    "w-5",
	} {
		got, ok := f.get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got)
	}

	// the adopted entry can be cancelled like any other
	require.NoError(t, f.engine.Cancel(context.Background()))
	f.api.mu.Lock()
	assert.Equal(t, []string{"waitlist:w-5"}, f.api.cancelled)
	f.api.mu.Unlock()
}

func TestRestoreResumesCountdown(t *testing.T) {
	f := newFixture(t, map[string]string{
		queue.KeyActionID:      "b-2",
		queue.KeyPostID:        "post-2",
		engine.KeyDriverStatus: "booking",
		countdown.Key("b-2"):   t0.Add(10 * time.Minute).Format(time.RFC3339),
	})

	require.NoError(t, f.engine.Restore(context.Background()))

	snap := f.engine.Snapshot()
	assert.Equal(t, countdown.StatusRunning, snap.Countdown.Status)
	assert.Equal(t, 600, snap.Countdown.RemainingSeconds)
	assert.Equal(t, chargeapi.StatusBooking, snap.Entry.Status)
	assert.Empty(t, f.dialedList())
}

func TestStartSessionForbidden(t *testing.T) {
	f := newFixture(t, nil)
	f.api.session = chargeapi.Session{ID: "s-1", OwnerID: "someone-else", Status: "charging"}

	require.NoError(t, f.engine.StartSession(context.Background(), "s-1"))

	snap := f.engine.Snapshot()
	require.NotNil(t, snap.Session)
	assert.True(t, snap.Session.Forbidden)
	assert.Empty(t, f.dialedList())
	assert.Empty(t, snap.DriverStatus)
}

func TestStalledSessionFinishesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.api.session = chargeapi.Session{ID: "s-1", OwnerID: "user-1", Status: "charging"}

	require.NoError(t, f.engine.StartSession(context.Background(), "s-1"))
	assert.Equal(t, engine.DriverSession, f.engine.Snapshot().DriverStatus)

	const payload = `{"chargedEnergy_kWh":7.5,"elapsedSeconds":60,"pin":1,"targetPin":2,"secondRemaining":10,"maxSeconds":70}`
	for i := 0; i < 10; i++ {
		f.tel.msgs <- payload
	}

	require.Eventually(t, func() bool {
		snap := f.engine.Snapshot()
		return snap.Session != nil && snap.Session.Completed && snap.DriverStatus == ""
	}, time.Second, time.Millisecond)

	snap := f.engine.Snapshot()
	assert.True(t, snap.Session.Stalled)
	assert.True(t, snap.Session.Recovered)
	assert.Empty(t, snap.DriverStatus)

	f.api.mu.Lock()
	assert.Equal(t, []float64{7.5}, f.api.finished)
	f.api.mu.Unlock()

	// a new session gets a fresh recovery token
	f.api.mu.Lock()
	f.api.session = chargeapi.Session{ID: "s-2", OwnerID: "user-1", Status: "charging"}
	f.api.mu.Unlock()
	require.NoError(t, f.engine.StartSession(context.Background(), "s-2"))
	snap = f.engine.Snapshot()
	assert.False(t, snap.Session.Recovered)
	assert.Equal(t, []string{"telemetry:s-1", "telemetry:s-2"}, f.dialedList())
}
