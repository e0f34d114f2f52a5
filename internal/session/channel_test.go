package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgw/internal/message"
)

func reconnectPending(c *Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReconnecting && c.reconnect != nil
}

func TestOpenLogsInAndResolvesWaiters(t *testing.T) {
	b := newBackend(t)
	ch := NewChannel("metadata", b.url("/metadata"), testSessionConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = ch.Close() })
	ctx := context.Background()

	early := make(chan string, 1)
	go func() {
		token, err := ch.WaitForSession(ctx, 5*time.Second)
		assert.NoError(t, err)
		early <- token
	}()

	require.NoError(t, ch.Open(ctx))
	assert.Equal(t, StateReady, ch.State())

	late, err := ch.WaitForSession(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", late)

	select {
	case token := <-early:
		assert.Equal(t, late, token)
	case <-time.After(2 * time.Second):
		t.Fatal("early waiter was never resolved")
	}

	b.mu.Lock()
	assert.Equal(t, loginData{Username: "user", Password: "secret"}, b.lastLogin)
	assert.Equal(t, 2, b.lastVersion)
	b.mu.Unlock()

	assert.Error(t, ch.Open(ctx), "second open")
}

func TestOpenRejectedLogin(t *testing.T) {
	b := newBackend(t)
	b.rejectLogin = func(int) bool { return true }
	ch := NewChannel("metadata", b.url("/metadata"), testSessionConfig(), zerolog.Nop())

	err := ch.Open(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.Equal(t, StateClosed, ch.State())

	_, err = ch.WaitForSession(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, ch.Send(7, "x"), ErrChannelClosed)
	assert.ErrorIs(t, ch.Open(context.Background()), ErrChannelClosed)

	time.Sleep(50 * time.Millisecond)
	_, logins, _ := b.counts()
	assert.Equal(t, 1, logins, "rejected login is not retried")
}

func TestWaitForSessionTimeout(t *testing.T) {
	ch := NewChannel("metadata", "ws://127.0.0.1:1/", testSessionConfig(), zerolog.Nop())
	_, err := ch.WaitForSession(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSessionTimeout)
}

func TestCloseResolvesPendingWaiter(t *testing.T) {
	ch := NewChannel("metadata", "ws://127.0.0.1:1/", testSessionConfig(), zerolog.Nop())

	result := make(chan error, 1)
	go func() {
		_, err := ch.WaitForSession(context.Background(), 10*time.Second)
		result <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter still pending after close")
	}
}

func TestSendStampsToken(t *testing.T) {
	b := newBackend(t)
	ch := NewChannel("network", b.url("/network"), testSessionConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = ch.Close() })

	assert.ErrorIs(t, ch.Send(7, map[string]int{"a": 1}), ErrNotReady)

	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Send(7, map[string]int{"a": 1}))

	f := b.nextFrame(t)
	assert.Equal(t, 7, f.Type)
	assert.Equal(t, "tok-1", f.SessionID)
	assert.JSONEq(t, `{"a":1}`, string(f.Data))
}

func TestDispatchInWireOrder(t *testing.T) {
	b := newBackend(t)
	b.afterAuth = func(conn *websocket.Conn, _ int, _ string) {
		for _, frame := range []string{
			`{"type":3,"data":{"network_id":10,"node_id":2,"fields":{"name":"sensor"}}}`,
			`not json`,
			`{"type":3,"data":{"node_id":1}}`,
			`{"type":77,"data":{"a":1}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		b.pump(conn)
	}

	ch := NewChannel("metadata", b.url("/metadata"), testSessionConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = ch.Close() })

	var mu sync.Mutex
	var got []message.Message
	ch.OnMessage(func(m message.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, ch.Open(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, &message.MetadataUpdate{NetworkID: 10, NodeID: 2, Fields: map[string]any{"name": "sensor"}}, got[0])
	assert.Equal(t, &message.Unknown{Tag: 77, Payload: []byte(`{"a":1}`)}, got[1])
	assert.Equal(t, StateReady, ch.State(), "bad frames do not affect the channel")
}

func TestReconnectQueuesAndFlushes(t *testing.T) {
	b := newBackend(t)
	b.afterAuth = func(conn *websocket.Conn, n int, _ string) {
		if n == 1 {
			return
		}
		b.pump(conn)
	}
	clk := clock.NewMock()
	ch := NewChannel("realtime", b.url("/realtime"), testSessionConfig(), zerolog.Nop(), WithClock(clk))
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool { return reconnectPending(ch) }, 2*time.Second, 5*time.Millisecond)

	// queue holds two frames, "a" is dropped
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, ch.Send(7, v))
	}

	clk.Add(10 * time.Millisecond)
	first, second := b.nextFrame(t), b.nextFrame(t)
	assert.JSONEq(t, `"b"`, string(first.Data))
	assert.JSONEq(t, `"c"`, string(second.Data))
	assert.Equal(t, "tok-2", first.SessionID, "token is stamped at write time")
	assert.Equal(t, StateReady, ch.State())

	token, err := ch.WaitForSession(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestReconnectRejectedLoginCloses(t *testing.T) {
	b := newBackend(t)
	b.rejectLogin = func(login int) bool { return login == 2 }
	b.afterAuth = func(*websocket.Conn, int, string) {}

	clk := clock.NewMock()
	ch := NewChannel("realtime", b.url("/realtime"), testSessionConfig(), zerolog.Nop(), WithClock(clk))
	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool { return reconnectPending(ch) }, 2*time.Second, 5*time.Millisecond)

	clk.Add(10 * time.Millisecond)
	require.Eventually(t, func() bool { return ch.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)

	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	_, logins, _ := b.counts()
	assert.Equal(t, 2, logins)
}

func TestHeartbeatKeepsLinkAlive(t *testing.T) {
	b := newBackend(t)
	cfg := testSessionConfig()
	cfg.Heartbeat = 20 * time.Millisecond
	ch := NewChannel("metadata", b.url("/metadata"), cfg, zerolog.Nop())
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Open(context.Background()))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateReady, ch.State())
	conns, _, _ := b.counts()
	assert.Equal(t, 1, conns)
}

func TestMissingPongsDropLink(t *testing.T) {
	b := newBackend(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// silent peer: never reads, so pings go unanswered
	b.afterAuth = func(*websocket.Conn, int, string) { <-release }

	cfg := testSessionConfig()
	cfg.Heartbeat = 20 * time.Millisecond
	clk := clock.NewMock()
	ch := NewChannel("metadata", b.url("/metadata"), cfg, zerolog.Nop(), WithClock(clk))
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool {
		conns, _, _ := b.counts()
		if conns >= 2 {
			return true
		}
		clk.Add(cfg.Heartbeat)
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStalledHandshakeTimesOutOnChannelClock(t *testing.T) {
	b := newBackend(t)
	stalled := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b.beforeReply = func(Frame) {
		stalled <- struct{}{}
		<-release
	}

	clk := clock.NewMock()
	ch := NewChannel("metadata", b.url("/metadata"), testSessionConfig(), zerolog.Nop(), WithClock(clk))
	t.Cleanup(func() { _ = ch.Close() })

	opened := make(chan error, 1)
	go func() { opened <- ch.Open(context.Background()) }()

	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("login never reached the backend")
	}
	clk.Add(testSessionConfig().HandshakeTimeout)

	select {
	case err := <-opened:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("open still blocked after the handshake timeout")
	}
	assert.True(t, reconnectPending(ch))
}

func TestRejectedAttachIsRetried(t *testing.T) {
	b := newBackend(t)
	clk := clock.NewMock()
	ch := NewChannel("realtime", b.url("/realtime"), testSessionConfig(), zerolog.Nop(), WithClock(clk))
	t.Cleanup(func() { _ = ch.Close() })

	var mu sync.Mutex
	token := "tok-9"
	ch.attachTo(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return token, nil
	})

	require.NoError(t, ch.Open(context.Background()))
	assert.True(t, reconnectPending(ch))

	// a login elsewhere makes tok-1 the live session
	login := NewChannel("auth", b.url("/auth"), testSessionConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = login.Close() })
	require.NoError(t, login.Open(context.Background()))
	mu.Lock()
	token = "tok-1"
	mu.Unlock()

	clk.Add(testSessionConfig().ReconnectMaxDelay)
	require.Eventually(t, func() bool { return ch.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "tok-1", ch.Token())

	_, _, attaches := b.counts()
	assert.Equal(t, []string{"tok-9", "tok-1"}, attaches)
}

func TestAttachClosesWhenOwnerIsGone(t *testing.T) {
	b := newBackend(t)
	ch := NewChannel("realtime", b.url("/realtime"), testSessionConfig(), zerolog.Nop())
	ch.attachTo(func(context.Context) (string, error) { return "", ErrChannelClosed })

	assert.ErrorIs(t, ch.Open(context.Background()), errSessionGone)
	assert.Equal(t, StateClosed, ch.State())
	conns, _, _ := b.counts()
	assert.Zero(t, conns)
}

func TestRequeueKeepsQueueBound(t *testing.T) {
	ch := NewChannel("realtime", "ws://127.0.0.1:1/", testSessionConfig(), zerolog.Nop())
	frame := func(v string) outbound { return outbound{kind: 7, data: json.RawMessage(`"` + v + `"`)} }

	ch.mu.Lock()
	ch.enqueueLocked(frame("late"))
	ch.requeueLocked([]outbound{frame("a"), frame("b")})
	queued := append([]outbound(nil), ch.queue...)
	ch.mu.Unlock()

	require.Len(t, queued, 2)
	assert.JSONEq(t, `"b"`, string(queued[0].data))
	assert.JSONEq(t, `"late"`, string(queued[1].data))
}

func TestWaitForSessionBlocksWhileLinkIsDown(t *testing.T) {
	b := newBackend(t)
	b.afterAuth = func(conn *websocket.Conn, n int, _ string) {
		if n == 1 {
			return
		}
		b.pump(conn)
	}
	clk := clock.NewMock()
	ch := NewChannel("auth", b.url("/auth"), testSessionConfig(), zerolog.Nop(), WithClock(clk))
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool { return reconnectPending(ch) }, 2*time.Second, 5*time.Millisecond)

	result := make(chan string, 1)
	go func() {
		token, err := ch.WaitForSession(context.Background(), time.Hour)
		assert.NoError(t, err)
		result <- token
	}()

	select {
	case token := <-result:
		t.Fatalf("waiter resolved with stale token %q", token)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(10 * time.Millisecond)
	select {
	case token := <-result:
		assert.Equal(t, "tok-2", token)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not resolved by the new login")
	}
}

func TestKindsRegistry(t *testing.T) {
	k := NewKinds()
	parser := func(json.RawMessage) (message.Message, error) { return &message.Unknown{}, nil }
	require.NoError(t, k.Register(9, parser))
	assert.Error(t, k.Register(9, parser))
	assert.Error(t, k.Register(10, nil))

	msg, err := k.Parse(11, []byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, &message.Unknown{Tag: 11, Payload: []byte(`[1,2]`)}, msg)

	_, err = DefaultKinds().Parse(TypeMetadataUpdate, []byte(`{"fields":{}}`))
	assert.Error(t, err)
}
