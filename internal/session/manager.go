package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"meshgw/internal/message"
	"meshgw/pkg/types"
)

// Manager owns the channels of one backend session. The auth channel logs in;
// every other channel attaches with the token it holds at dial time.
type Manager struct {
	config   *types.SessionConfig
	logger   zerolog.Logger
	auth     *Channel
	channels []*Channel
	byName   map[string]*Channel
}

func NewManager(config *types.SessionConfig, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		config: config,
		logger: logger.With().Str("component", "ChannelManager").Logger(),
		byName: make(map[string]*Channel, len(config.Channels)),
	}

	for _, cc := range config.Channels {
		if cc.Name == "" {
			return nil, fmt.Errorf("session channel with url %s has no name", cc.URL)
		}
		if _, dup := m.byName[cc.Name]; dup {
			return nil, fmt.Errorf("duplicate session channel %s", cc.Name)
		}
		ch := NewChannel(cc.Name, cc.URL, config, logger, opts...)
		m.byName[cc.Name] = ch
		m.channels = append(m.channels, ch)
	}

	auth, ok := m.byName[config.AuthChannel]
	if !ok {
		return nil, fmt.Errorf("auth channel %q is not among the configured session channels", config.AuthChannel)
	}
	m.auth = auth
	source := func(ctx context.Context) (string, error) {
		return auth.WaitForSession(ctx, m.handshakeTimeout())
	}
	for _, ch := range m.channels {
		if ch != auth {
			ch.attachTo(source)
		}
	}
	return m, nil
}

func (m *Manager) handshakeTimeout() time.Duration {
	if m.config.HandshakeTimeout > 0 {
		return m.config.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

// OpenAll logs in on the auth channel, waits for its session and then opens
// the remaining channels concurrently with the shared token.
func (m *Manager) OpenAll(ctx context.Context) error {
	if err := m.auth.Open(ctx); err != nil {
		return fmt.Errorf("failed to open auth channel %s: %w", m.auth.Name(), err)
	}

	if _, err := m.auth.WaitForSession(ctx, m.handshakeTimeout()); err != nil {
		return fmt.Errorf("no session on auth channel %s: %w", m.auth.Name(), err)
	}
	m.logger.Info().Str("auth_channel", m.auth.Name()).Msg("Session established")

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range m.channels {
		if ch == m.auth {
			continue
		}
		ch := ch
		g.Go(func() error {
			if err := ch.Open(gctx); err != nil {
				return fmt.Errorf("failed to open session channel %s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CloseAll closes dependent channels in reverse order and the auth channel last.
func (m *Manager) CloseAll() error {
	var err error
	for i := len(m.channels) - 1; i >= 0; i-- {
		if m.channels[i] == m.auth {
			continue
		}
		err = multierr.Append(err, m.channels[i].Close())
	}
	return multierr.Append(err, m.auth.Close())
}

// WaitForSession waits on the auth channel.
func (m *Manager) WaitForSession(ctx context.Context, timeout time.Duration) (string, error) {
	return m.auth.WaitForSession(ctx, timeout)
}

func (m *Manager) Channel(name string) (*Channel, bool) {
	ch, ok := m.byName[name]
	return ch, ok
}

// Channels returns the channels in configuration order.
func (m *Manager) Channels() []*Channel {
	return append([]*Channel(nil), m.channels...)
}

// OnMessage registers l on every channel.
func (m *Manager) OnMessage(l func(channel string, msg message.Message)) {
	for _, ch := range m.channels {
		name := ch.Name()
		ch.OnMessage(func(msg message.Message) { l(name, msg) })
	}
}

// States reports the state of every channel by name.
func (m *Manager) States() map[string]State {
	out := make(map[string]State, len(m.channels))
	for _, ch := range m.channels {
		out[ch.Name()] = ch.State()
	}
	return out
}
