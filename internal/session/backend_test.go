package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meshgw/pkg/types"
)

// backend is a websocket server speaking the session handshake.
type backend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	frames   chan Frame

	mu          sync.Mutex
	live        map[*websocket.Conn]struct{}
	conns       int
	logins      int
	current     string
	lastLogin   loginData
	lastVersion int
	attaches    []string
	rejectLogin func(login int) bool
	// beforeReply runs before the handshake response is written
	beforeReply func(req Frame)
	// afterAuth takes over the connection after a successful handshake; the
	// connection is closed when it returns
	afterAuth func(conn *websocket.Conn, n int, path string)
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{frames: make(chan Frame, 64), live: make(map[*websocket.Conn]struct{})}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url(path string) string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + path
}

func (b *backend) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	b.mu.Lock()
	b.live[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.live, conn)
		b.mu.Unlock()
	}()

	var req Frame
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	b.mu.Lock()
	b.conns++
	n := b.conns
	ok := false
	var token string
	switch req.Type {
	case TypeLogin:
		b.logins++
		token = fmt.Sprintf("tok-%d", b.logins)
		_ = json.Unmarshal(req.Data, &b.lastLogin)
		b.lastVersion = req.Version
		ok = b.rejectLogin == nil || !b.rejectLogin(b.logins)
		if ok {
			b.current = token
		}
	case TypeAttach:
		b.attaches = append(b.attaches, req.SessionID)
		token = req.SessionID
		ok = req.SessionID != "" && req.SessionID == b.current
	}
	after, before := b.afterAuth, b.beforeReply
	b.mu.Unlock()

	if before != nil {
		before(req)
	}

	resp := Frame{Type: req.Type, Result: &ok}
	if ok {
		resp.Data, _ = json.Marshal(sessionData{SessionID: token})
	} else {
		resp.Data, _ = json.Marshal(sessionData{Message: "bad credentials"})
	}
	if err := conn.WriteJSON(resp); err != nil || !ok {
		return
	}

	if after != nil {
		after(conn, n, r.URL.Path)
		return
	}
	b.pump(conn)
}

// pump forwards every inbound frame to b.frames until the connection ends.
func (b *backend) pump(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		b.frames <- f
	}
}

// restart invalidates the session and drops every open connection.
func (b *backend) restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = ""
	for conn := range b.live {
		conn.Close()
	}
}

func (b *backend) counts() (conns, logins int, attaches []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns, b.logins, append([]string(nil), b.attaches...)
}

func (b *backend) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-b.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func testSessionConfig() *types.SessionConfig {
	return &types.SessionConfig{
		Auth:              types.Credentials{Username: "user", Password: "secret"},
		ProtocolVersion:   2,
		HandshakeTimeout:  2 * time.Second,
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
		QueueSize:         2,
	}
}
