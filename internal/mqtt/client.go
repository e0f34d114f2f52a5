// Package mqtt is the gateway transport: one broker connection that subscribes
// to gateway event topics, emits RawGatewayEvents and publishes send-data
// requests. Reconnection and liveness are handled here rather than by paho so
// the backoff bounds and keep-alive deadline are under our control.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshgw/internal/backoff"
	"meshgw/internal/topic"
	"meshgw/pkg/types"
)

var (
	// ErrConnection matches every failure to establish the broker connection.
	ErrConnection = errors.New("mqtt connection failed")
	// ErrAuthentication matches connection failures caused by rejected credentials.
	ErrAuthentication = errors.New("mqtt broker rejected credentials")
	ErrNotConnected   = errors.New("mqtt client not connected")
	ErrClosed         = errors.New("mqtt client closed")

	errKeepAliveExpired = errors.New("no broker acknowledgement within keep-alive deadline")
)

// ConnectionError reports a failed connection attempt.
type ConnectionError struct {
	Broker string
	Auth   bool
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Auth {
		return fmt.Sprintf("mqtt broker %s rejected credentials: %v", e.Broker, e.Err)
	}
	return fmt.Sprintf("failed to connect to mqtt broker %s: %v", e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection || (e.Auth && target == ErrAuthentication)
}

func isAuthRejection(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

// State of the broker connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ClientFactory builds the underlying paho client. Tests swap it for a fake.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// EventHandler receives every accepted gateway event.
type EventHandler func(*types.RawGatewayEvent)

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = c } }

func WithClientFactory(f ClientFactory) Option { return func(cl *Client) { cl.newClient = f } }

// Client is the gateway transport.
type Client struct {
	config    *types.MQTTConfig
	logger    zerolog.Logger
	clock     clock.Clock
	newClient ClientFactory
	backoff   *backoff.Backoff
	brokerURL string
	clientID  string

	handler EventHandler

	mu            sync.Mutex
	client        paho.Client
	state         State
	subscriptions map[string]string // topic pattern -> event root
	reconnect     *clock.Timer
	stopKeepAlive chan struct{}
	lastAck       time.Time
	authFailed    bool
}

// NewClient creates a transport for config. It does not connect until Connect is called.
func NewClient(config *types.MQTTConfig, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		config:        config,
		logger:        logger.With().Str("component", "MQTTTransport").Logger(),
		clock:         clock.New(),
		newClient:     paho.NewClient,
		backoff:       backoff.New(config.Client.ReconnectMinDelay, config.Client.ReconnectMaxDelay),
		subscriptions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	scheme := "tcp"
	if config.Broker.UseTLS {
		scheme = "ssl"
	}
	c.brokerURL = fmt.Sprintf("%s://%s:%d", scheme, config.Broker.Host, config.Broker.Port)
	c.clientID = expandClientID(config.Client.ClientID)
	return c
}

// SetEventHandler sets the callback for inbound gateway events. It must be set before Connect.
func (c *Client) SetEventHandler(h EventHandler) {
	c.handler = h
}

func expandClientID(id string) string {
	if id == "" {
		id = "meshgw-{random}"
	}
	if strings.Contains(id, "{random}") {
		id = strings.ReplaceAll(id, "{random}", uuid.NewString()[:8])
	}
	return id
}

// ClientID is the id presented to the broker after template expansion.
func (c *Client) ClientID() string { return c.clientID }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Connect opens the broker connection. A credential rejection is returned as a
// *ConnectionError matching ErrAuthentication and is not retried. Any other
// failure is logged and retried in the background with backoff; Connect then
// returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.client == nil {
		opts, err := c.options()
		if err != nil {
			c.mu.Unlock()
			return &ConnectionError{Broker: c.brokerURL, Err: err}
		}
		c.client = c.newClient(opts)
	}
	c.mu.Unlock()

	c.logger.Info().Str("broker", c.brokerURL).Str("client_id", c.clientID).Msg("Connecting to MQTT broker")
	err := c.attempt(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrClosed) {
		return err
	}
	c.logger.Error().Err(err).Msg("Initial MQTT connection failed, retrying in the background")
	c.backoff.Failure()
	c.scheduleReconnect()
	return nil
}

func (c *Client) attempt(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	client := c.client
	c.mu.Unlock()

	timeout := c.config.Client.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	err := waitToken(ctx, client.Connect(), timeout)
	if err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if isAuthRejection(err) {
			c.mu.Lock()
			c.authFailed = true
			c.mu.Unlock()
			return &ConnectionError{Broker: c.brokerURL, Auth: true, Err: err}
		}
		return &ConnectionError{Broker: c.brokerURL, Err: err}
	}

	c.onConnected(client)
	return nil
}

func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) onConnected(client paho.Client) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		client.Disconnect(0)
		return
	}
	c.state = StateConnected
	c.lastAck = c.clock.Now()
	c.backoff.Reset()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	c.startKeepAliveLocked()
	c.mu.Unlock()

	c.logger.Info().Int("subscriptions", len(topics)).Msg("MQTT client connected")
	for _, t := range topics {
		if err := c.subscribeTopic(client, t); err != nil {
			c.logger.Error().Err(err).Str("topic", t).Msg("Failed to re-issue subscription")
		}
	}
}

// Subscribe registers every topic of filter. Registering a topic twice is a no-op.
// Topics are subscribed immediately when connected and otherwise on the next connect.
func (c *Client) Subscribe(filter topic.Filter) error {
	root := filter.Root
	if root == "" {
		root = topic.DefaultRoot
	}

	c.mu.Lock()
	var fresh []string
	for _, t := range filter.Topics() {
		if _, ok := c.subscriptions[t]; ok {
			continue
		}
		c.subscriptions[t] = root
		fresh = append(fresh, t)
	}
	connected := c.state == StateConnected
	client := c.client
	c.mu.Unlock()

	if !connected {
		for _, t := range fresh {
			c.logger.Debug().Str("topic", t).Msg("Subscription deferred until connected")
		}
		return nil
	}

	var errs []error
	for _, t := range fresh {
		if err := c.subscribeTopic(client, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) subscribeTopic(client paho.Client, t string) error {
	timeout := c.config.Client.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := waitToken(context.Background(), client.Subscribe(t, c.config.Client.QoS, c.onMessage), timeout); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", t, err)
	}
	c.logger.Info().Str("topic", t).Msg("Subscribed to MQTT topic")
	return nil
}

// Topics returns the registered subscription patterns.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

// Publish publishes payload to a concrete topic.
func (c *Client) Publish(t string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	client, state := c.client, c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if state != StateConnected {
		return fmt.Errorf("failed to publish to topic %s: %w", t, ErrNotConnected)
	}

	timeout := c.config.Client.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := waitToken(context.Background(), client.Publish(t, qos, retained, payload), timeout); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", t, err)
	}
	return nil
}

// Disconnect closes the connection for good and cancels pending reconnects and keep-alive probes.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.stopKeepAliveLocked()
	client := c.client
	c.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		c.logger.Info().Msg("Disconnecting from MQTT broker")
		client.Disconnect(250)
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.handleDisconnect(err)
}

func (c *Client) handleDisconnect(reason error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.stopKeepAliveLocked()
	c.mu.Unlock()

	c.logger.Warn().Err(reason).Msg("MQTT connection lost")
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.reconnect != nil || c.authFailed {
		return
	}
	delay := c.backoff.Next()
	c.logger.Info().Dur("delay", delay).Int("attempt", c.backoff.Attempt()).Msg("Scheduling MQTT reconnect")
	c.reconnect = c.clock.AfterFunc(delay, c.reconnectNow)
}

func (c *Client) reconnectNow() {
	c.mu.Lock()
	c.reconnect = nil
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}

	err := c.attempt(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed):
	case errors.Is(err, ErrAuthentication):
		c.logger.Error().Err(err).Msg("MQTT broker rejected credentials, giving up on reconnect")
	default:
		c.logger.Warn().Err(err).Msg("MQTT reconnect attempt failed")
		c.backoff.Failure()
		c.scheduleReconnect()
	}
}

// startKeepAliveLocked starts the probe loop. The ticker is created before the
// goroutine so clock advances made right after connect are observed.
func (c *Client) startKeepAliveLocked() {
	interval := c.config.Client.KeepAlive
	if interval <= 0 || c.config.Client.ProbeTopic == "" {
		return
	}
	c.stopKeepAliveLocked()
	stop := make(chan struct{})
	c.stopKeepAlive = stop
	ticker := c.clock.Ticker(interval)
	go c.keepAlive(ticker, interval, stop)
}

func (c *Client) stopKeepAliveLocked() {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
}

func (c *Client) keepAlive(ticker *clock.Ticker, interval time.Duration, stop chan struct{}) {
	defer ticker.Stop()
	probeTopic := strings.ReplaceAll(c.config.Client.ProbeTopic, "{client_id}", c.clientID)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		since := c.clock.Since(c.lastAck)
		client := c.client
		c.mu.Unlock()

		if since > 2*interval {
			c.logger.Warn().Dur("since_last_ack", since).Msg("MQTT keep-alive expired, forcing reconnect")
			c.forceReconnect(client, stop)
			return
		}

		token := client.Publish(probeTopic, 1, false, []byte(c.clock.Now().UTC().Format(time.RFC3339Nano)))
		go func() {
			select {
			case <-token.Done():
				if token.Error() == nil {
					c.markAck()
				}
			case <-stop:
			}
		}()
	}
}

func (c *Client) forceReconnect(client paho.Client, stop chan struct{}) {
	c.mu.Lock()
	// a newer connection already replaced this loop
	if c.stopKeepAlive != stop {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	client.Disconnect(0)
	c.handleDisconnect(errKeepAliveExpired)
}

func (c *Client) markAck() {
	c.mu.Lock()
	c.lastAck = c.clock.Now()
	c.mu.Unlock()
}

func (c *Client) rootFor(concrete string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pattern, root := range c.subscriptions {
		if topic.Matches(pattern, concrete) {
			return root, true
		}
	}
	return "", false
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	// any inbound traffic proves the link is alive
	c.markAck()

	root, ok := c.rootFor(msg.Topic())
	if !ok {
		c.logger.Debug().Str("topic", msg.Topic()).Msg("Ignoring publish outside active subscriptions")
		return
	}

	tuple, err := topic.ParseEventTopic(root, msg.Topic())
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping event with malformed topic")
		return
	}

	event, err := DecodeEvent(msg.Payload())
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Int("bytes", len(msg.Payload())).Msg("Dropping malformed gateway event")
		return
	}
	event.Topic = msg.Topic()
	event.NetworkID = tuple.Network
	event.ReceivedAt = c.clock.Now().UTC()

	if c.handler != nil {
		c.handler(event)
	}
}

func (c *Client) options() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.brokerURL)
	opts.SetClientID(c.clientID)

	if c.config.Auth.Username != "" {
		opts.SetUsername(c.config.Auth.Username)
		opts.SetPassword(c.config.Auth.Password)
	}

	if c.config.Broker.UseTLS {
		tlsConfig, err := newTLSConfig(c.config)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
		c.logger.Info().Str("sni", c.config.Broker.Host).Msg("TLS enabled")
	}

	if c.config.Client.KeepAlive > 0 {
		opts.SetKeepAlive(c.config.Client.KeepAlive)
	}
	if c.config.Client.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.config.Client.ConnectTimeout)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	// the event handler only queues; callbacks need not wait for each other
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessage)
	return opts, nil
}

func newTLSConfig(config *types.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         config.Broker.Host,
		InsecureSkipVerify: config.TLS.InsecureSkipVerify,
	}

	// without a CA file and with use_os_certs the system pool applies
	if config.TLS.CACertFile != "" && !config.Broker.UseOSCerts {
		pem, err := os.ReadFile(config.TLS.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", config.TLS.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to append CA cert from %s", config.TLS.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if config.TLS.ClientCertFile != "" && config.TLS.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCertFile, config.TLS.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
