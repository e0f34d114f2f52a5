// Package session keeps authenticated websocket channels to the backend.
//
// A Channel logs in (or attaches to a session another channel owns), delivers
// inbound frames to listeners in wire order and redials with backoff when the
// link drops. A Manager opens a set of channels that share one session.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meshgw/internal/backoff"
	"meshgw/internal/message"
	"meshgw/pkg/types"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 64
)

// State of a session channel.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Listener receives every parsed inbound message of a channel.
type Listener func(message.Message)

type Option func(*Channel)

func WithClock(c clock.Clock) Option { return func(ch *Channel) { ch.clock = c } }

func WithDialer(d *websocket.Dialer) Option { return func(ch *Channel) { ch.dialer = d } }

func WithKinds(k *Kinds) Option { return func(ch *Channel) { ch.kinds = k } }

// future is resolved exactly once when a login succeeds or the channel closes.
// A lost link swaps in a fresh future so waiters block until the next login.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

type outbound struct {
	kind int
	data json.RawMessage
}

// Channel is one websocket connection to the backend.
type Channel struct {
	name    string
	url     string
	config  *types.SessionConfig
	logger  zerolog.Logger
	clock   clock.Clock
	dialer  *websocket.Dialer
	kinds   *Kinds
	backoff *backoff.Backoff

	// set in attach mode; waits for the token owned by another channel
	sessionSource func(ctx context.Context) (string, error)

	// serialises frame writes and the queue flush after (re)authentication
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	connDone  chan struct{}
	token     string
	session   *future
	queue     []outbound
	listeners []Listener
	reconnect *clock.Timer
}

func NewChannel(name, url string, config *types.SessionConfig, logger zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		name:    name,
		url:     url,
		config:  config,
		logger:  logger.With().Str("component", "SessionChannel").Str("channel", name).Logger(),
		clock:   clock.New(),
		kinds:   DefaultKinds(),
		backoff: backoff.New(config.ReconnectMinDelay, config.ReconnectMaxDelay),
		session: newFuture(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.handshakeTimeout(),
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify},
		}
	}
	return c
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the current session token, or "" before the first login.
func (c *Channel) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// OnMessage registers a listener. Listeners run on the read goroutine and must not block.
func (c *Channel) OnMessage(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Channel) handshakeTimeout() time.Duration {
	if c.config.HandshakeTimeout > 0 {
		return c.config.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (c *Channel) queueSize() int {
	if c.config.QueueSize > 0 {
		return c.config.QueueSize
	}
	return defaultQueueSize
}

// attachTo makes the channel present the token of source instead of logging in.
// Source is asked again before every (re)dial.
func (c *Channel) attachTo(source func(ctx context.Context) (string, error)) {
	c.sessionSource = source
}

// terminal reports whether err ends the channel instead of scheduling a redial.
// A rejected attach is retried: the owning channel may be logging in again.
func (c *Channel) terminal(err error) bool {
	if errors.Is(err, errSessionGone) {
		return true
	}
	return c.sessionSource == nil && errors.Is(err, ErrAuthentication)
}

// Open dials the channel and authenticates. A rejected login closes the channel
// and returns an error matching ErrAuthentication. An unreachable backend or a
// rejected attach is logged and redialed in the background; Open then returns nil.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	case StateCreated:
		c.state = StateConnecting
	default:
		c.mu.Unlock()
		return fmt.Errorf("session channel %s already opened", c.name)
	}
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("Opening session channel")
	err := c.connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrChannelClosed):
		return err
	case c.terminal(err):
		c.logger.Error().Err(err).Msg("Session login rejected")
		_ = c.Close()
		return err
	default:
		c.logger.Error().Err(err).Msg("Failed to open session channel, retrying in the background")
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		c.backoff.Failure()
		c.scheduleReconnect()
		return nil
	}
}

func (c *Channel) connect(ctx context.Context) error {
	attachToken := ""
	if c.sessionSource != nil {
		token, err := c.sessionSource(ctx)
		switch {
		case errors.Is(err, ErrChannelClosed):
			return errSessionGone
		case err != nil:
			return fmt.Errorf("no session to attach to: %w", err)
		}
		attachToken = token
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	token, err := c.authenticate(conn, attachToken)
	if err != nil {
		conn.Close()
		if c.State() == StateClosed {
			return ErrChannelClosed
		}
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	c.conn = conn
	c.token = token
	c.state = StateReady
	done := make(chan struct{})
	c.connDone = done
	queued := c.queue
	c.queue = nil
	session := c.session
	c.mu.Unlock()

	c.backoff.Reset()
	session.resolve(nil)
	c.logger.Info().Int("queued", len(queued)).Msg("Session channel ready")

	seen := new(atomic.Int64)
	seen.Store(c.clock.Now().UnixNano())
	go c.readLoop(conn, seen)
	if c.config.Heartbeat > 0 {
		go c.heartbeat(conn, done, seen)
	}

	for i, out := range queued {
		if err := c.writeFrame(conn, out); err != nil {
			c.mu.Lock()
			c.requeueLocked(queued[i:])
			c.mu.Unlock()
			c.linkLost(conn, err)
			break
		}
	}
	return nil
}

// guard closes conn once d has passed on the channel clock. The returned func
// disarms it.
func (c *Channel) guard(conn *websocket.Conn, d time.Duration) func() bool {
	return c.clock.AfterFunc(d, func() { conn.Close() }).Stop
}

func (c *Channel) authenticate(conn *websocket.Conn, attachToken string) (string, error) {
	disarm := c.guard(conn, c.handshakeTimeout())
	defer disarm()

	var req Frame
	if c.sessionSource != nil {
		req = Frame{Type: TypeAttach, SessionID: attachToken}
	} else {
		data, err := json.Marshal(loginData{Username: c.config.Auth.Username, Password: c.config.Auth.Password})
		if err != nil {
			return "", err
		}
		req = Frame{Type: TypeLogin, Version: c.config.ProtocolVersion, Data: data}
	}

	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("failed to send login: %w", err)
	}

	var resp Frame
	if err := conn.ReadJSON(&resp); err != nil {
		return "", fmt.Errorf("failed to read login response: %w", err)
	}

	if resp.Type != req.Type {
		return "", fmt.Errorf("unexpected frame type %d during login", resp.Type)
	}

	var body sessionData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &body); err != nil {
			return "", fmt.Errorf("malformed login response: %w", err)
		}
	}
	if resp.Result == nil || !*resp.Result {
		if body.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrAuthentication, body.Message)
		}
		return "", ErrAuthentication
	}

	token := body.SessionID
	if token == "" {
		token = attachToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: response carried no session id", ErrAuthentication)
	}
	return token, nil
}

// WaitForSession blocks until the channel holds a live session token. Callers
// that arrive before and after a login observe the same token; while the link
// is down they wait for the next login.
func (c *Channel) WaitForSession(ctx context.Context, timeout time.Duration) (string, error) {
	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		f := c.session
		c.mu.Unlock()

		select {
		case <-f.done:
		case <-timer.C:
			return "", ErrSessionTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}

		c.mu.Lock()
		if f.err != nil || c.state == StateClosed {
			c.mu.Unlock()
			return "", ErrChannelClosed
		}
		if c.session == f {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()
	}
}

// Send writes one frame of kind with data. While the link is being
// (re)established frames are queued; the queue is bounded and drops its oldest
// entry when full.
func (c *Channel) Send(kind int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode frame data: %w", err)
	}
	out := outbound{kind: kind, data: raw}

	c.mu.Lock()
	switch c.state {
	case StateCreated:
		c.mu.Unlock()
		return ErrNotReady
	case StateClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	case StateReady:
		conn := c.conn
		c.mu.Unlock()
		return c.sendNow(conn, out)
	default:
		c.enqueueLocked(out)
		c.mu.Unlock()
		return nil
	}
}

func (c *Channel) enqueueLocked(out outbound) {
	c.queue = append(c.queue, out)
	c.trimLocked()
}

// requeueLocked puts frames that failed to flush back ahead of the ones queued
// since.
func (c *Channel) requeueLocked(rest []outbound) {
	c.queue = append(append([]outbound(nil), rest...), c.queue...)
	c.trimLocked()
}

func (c *Channel) trimLocked() {
	if over := len(c.queue) - c.queueSize(); over > 0 {
		c.logger.Warn().Int("dropped", over).Int("queue_size", c.queueSize()).Msg("Session queue full, dropping oldest frames")
		c.queue = append([]outbound(nil), c.queue[over:]...)
	}
}

func (c *Channel) sendNow(conn *websocket.Conn, out outbound) error {
	c.writeMu.Lock()
	err := c.writeFrame(conn, out)
	c.writeMu.Unlock()
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.enqueueLocked(out)
	c.mu.Unlock()
	c.linkLost(conn, err)
	return nil
}

// writeFrame stamps the current token; callers hold writeMu.
func (c *Channel) writeFrame(conn *websocket.Conn, out outbound) error {
	frame := Frame{Type: out.kind, SessionID: c.Token(), Data: out.data}
	disarm := c.guard(conn, c.handshakeTimeout())
	defer disarm()
	return conn.WriteJSON(frame)
}

// readLoop stamps seen with the channel clock on every frame and pong.
func (c *Channel) readLoop(conn *websocket.Conn, seen *atomic.Int64) {
	conn.SetPongHandler(func(string) error {
		seen.Store(c.clock.Now().UnixNano())
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.linkLost(conn, err)
			return
		}
		seen.Store(c.clock.Now().UnixNano())
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping unparseable session frame")
		return
	}
	msg, err := c.kinds.Parse(frame.Type, frame.Data)
	if err != nil {
		c.logger.Warn().Err(err).Int("type", frame.Type).Msg("Dropping session frame")
		return
	}

	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(msg)
	}
}

// heartbeat pings every interval and drops the link once nothing was read for
// two intervals.
func (c *Channel) heartbeat(conn *websocket.Conn, done chan struct{}, seen *atomic.Int64) {
	hb := c.config.Heartbeat
	ticker := c.clock.Ticker(hb)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if silent := c.clock.Since(time.Unix(0, seen.Load())); silent > 2*hb {
				c.linkLost(conn, fmt.Errorf("no pong for %s", silent))
				return
			}
			disarm := c.guard(conn, hb)
			err := conn.WriteControl(websocket.PingMessage, nil, time.Time{})
			disarm()
			if err != nil {
				c.linkLost(conn, err)
				return
			}
		}
	}
}

// linkLost handles the failure of conn. Failures of a connection that is no
// longer current are ignored.
func (c *Channel) linkLost(conn *websocket.Conn, reason error) {
	c.mu.Lock()
	if c.conn != conn || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.state = StateReconnecting
	select {
	case <-c.session.done:
		c.session = newFuture()
	default:
	}
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn().Err(reason).Msg("Session link lost")
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.reconnect != nil {
		return
	}
	delay := c.backoff.Next()
	c.logger.Info().Dur("delay", delay).Msg("Scheduling session redial")
	c.reconnect = c.clock.AfterFunc(delay, c.redial)
}

func (c *Channel) redial() {
	c.mu.Lock()
	c.reconnect = nil
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}

	err := c.connect(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelClosed):
	case c.terminal(err):
		c.logger.Error().Err(err).Msg("Session login rejected while reconnecting, closing channel")
		_ = c.Close()
	default:
		c.logger.Warn().Err(err).Msg("Session redial failed")
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		c.backoff.Failure()
		c.scheduleReconnect()
	}
}

// Close stops the channel for good. Pending WaitForSession callers get
// ErrChannelClosed and queued frames are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	conn := c.conn
	c.conn = nil
	dropped := len(c.queue)
	c.queue = nil
	session := c.session
	c.mu.Unlock()

	session.resolve(ErrChannelClosed)
	if dropped > 0 {
		c.logger.Warn().Int("dropped", dropped).Msg("Discarding queued session frames on close")
	}
	c.logger.Info().Msg("Session channel closed")

	if conn == nil {
		return nil
	}
	disarm := c.guard(conn, time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Time{})
	disarm()
	return conn.Close()
}
