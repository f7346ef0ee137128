package channel_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcharge/queuesync/go/internal/channel"
)

// scriptConn replays messages then fails with err
type scriptConn struct {
	msgs   chan []byte
	err    error
	closed chan struct{}
	once   sync.Once
}

func newScriptConn(err error, msgs ...string) *scriptConn {
	c := &scriptConn{msgs: make(chan []byte, len(msgs)), err: err, closed: make(chan struct{})}
	for _, m := range msgs {
		c.msgs <- []byte(m)
	}
	close(c.msgs)
	return c
}

func (c *scriptConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m, ok := <-c.msgs:
		if ok {
			return m, nil
		}
	case <-c.closed:
		return nil, channel.ErrClosed
	}
	if c.err == nil {
		// hold the connection open until closed
		<-c.closed
		return nil, channel.ErrClosed
	}
	return nil, c.err
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recorder struct {
	mu     sync.Mutex
	msgs   []channel.Message
	states []channel.State
}

func (r *recorder) message(m channel.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) state(s channel.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Data)
	}
	return out
}

func fastConfig(attempts int) channel.Config {
	return channel.Config{
		Name:             "test",
		MaxAttempts:      attempts,
		ReconnectWait:    time.Millisecond,
		MaxReconnectWait: 4 * time.Millisecond,
	}
}

func TestChannelDeliversInOrderAcrossReconnects(t *testing.T) {
	conns := []channel.Conn{
		newScriptConn(io.EOF, "1", "2"),
		newScriptConn(nil, "3", "4"),
	}
	var mu sync.Mutex
	dials := 0
	dialer := channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := conns[dials]
		dials++
		return c, nil
	})

	rec := &recorder{}
	ch := channel.New(fastConfig(3), dialer, nil, rec.message, rec.state)
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool { return len(rec.payloads()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4"}, rec.payloads())
	assert.Equal(t, channel.StateConnected, ch.State())
	assert.Equal(t, uint64(2), ch.Generation())

	rec.mu.Lock()
	assert.Equal(t, uint64(1), rec.msgs[0].Generation)
	assert.Equal(t, uint64(2), rec.msgs[3].Generation)
	rec.mu.Unlock()
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, errors.New("connection refused")
	})

	rec := &recorder{}
	ch := channel.New(fastConfig(3), dialer, nil, rec.message, rec.state)
	ch.Start(context.Background())

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not give up")
	}

	assert.Equal(t, channel.StateError, ch.State())
	mu.Lock()
	assert.Equal(t, 3, dials)
	mu.Unlock()

	rec.mu.Lock()
	assert.Equal(t, channel.StateConnecting, rec.states[0])
	assert.Equal(t, channel.StateError, rec.states[len(rec.states)-1])
	rec.mu.Unlock()
}

func TestChannelCloseIsIdempotentAndSuppressesReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return newScriptConn(nil), nil
	})

	ch := channel.New(fastConfig(3), dialer, nil, nil, nil)
	ch.Start(context.Background())
	require.Eventually(t, func() bool { return ch.State() == channel.StateConnected }, time.Second, time.Millisecond)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel loop did not exit")
	}
	assert.Equal(t, channel.StateDisconnected, ch.State())
	mu.Lock()
	assert.Equal(t, 1, dials)
	mu.Unlock()

	// never-started channels close cleanly too
	idle := channel.New(fastConfig(1), dialer, nil, nil, nil)
	require.NoError(t, idle.Close())
	<-idle.Done()
	idle.Start(context.Background())
	assert.Equal(t, channel.StateDisconnected, idle.State())
}

func TestChannelCloseFromHandler(t *testing.T) {
	var ch *channel.Channel
	var got []string
	dialer := channel.DialerFunc(func(ctx context.Context) (channel.Conn, error) {
		return newScriptConn(nil, "a", "b", "c"), nil
	})
	ch = channel.New(fastConfig(3), dialer, nil, func(m channel.Message) {
		got = append(got, string(m.Data))
		if string(m.Data) == "b" {
			ch.Close()
		}
	}, nil)
	ch.Start(context.Background())

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel loop did not exit")
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSSEDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": heartbeat\n\n")
		io.WriteString(w, "data: {\"a\":1}\n\n")
		io.WriteString(w, "event: progress\nid: 7\ndata: line1\ndata: line2\n\n")
		io.WriteString(w, "data:no-space\r\n\r\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	d := &channel.SSEDialer{URL: srv.URL, Header: http.Header{"Authorization": []string{"Bearer t"}}}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	var got []string
	for {
		msg, err := conn.ReadMessage(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, string(msg))
	}
	assert.Equal(t, []string{`{"a":1}`, "line1\nline2", "no-space"}, got)
}

func TestSSEDialerRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := (&channel.SSEDialer{URL: srv.URL}).Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestWebSocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"position":3}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"position":2}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer srv.Close()

	d := &channel.WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), ReadTimeout: time.Second}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	first, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"position":3}`, string(first))

	second, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"position":2}`, string(second))

	_, err = conn.ReadMessage(context.Background())
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
