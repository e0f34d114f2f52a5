// Package bridge wires the gateway transport, the session channels and Kafka
// together: gateway events are decoded and written to Kafka, command records
// read from Kafka are encoded and published to gateways, and failed deliveries
// are retried through a dead letter queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"meshgw/internal/decoder"
	"meshgw/internal/kafka"
	"meshgw/internal/mqtt"
	"meshgw/internal/session"
	"meshgw/internal/topic"
	"meshgw/pkg/types"
)

// RecordWriter writes one record to Kafka.
type RecordWriter interface {
	WriteMessage(ctx context.Context, msg *types.KafkaMessage) error
}

// RecordReader blocks for the next record of a Kafka topic.
type RecordReader interface {
	ReadMessage(ctx context.Context) (*types.KafkaMessage, error)
}

// Publisher publishes to the gateway broker.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

type Option func(*Service)

// WithRecordWriter replaces the Kafka producer.
func WithRecordWriter(w RecordWriter) Option { return func(s *Service) { s.writer = w } }

// WithRecordReader replaces the Kafka command consumer.
func WithRecordReader(r RecordReader) Option { return func(s *Service) { s.reader = r } }

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithTransportOptions(opts ...mqtt.Option) Option {
	return func(s *Service) { s.transportOpts = append(s.transportOpts, opts...) }
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Service) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// Service owns every bridge component and their lifecycle.
type Service struct {
	config *types.Config
	logger zerolog.Logger
	clock  clock.Clock

	transportOpts []mqtt.Option
	sessionOpts   []session.Option

	transport *mqtt.Client
	sessions  *session.Manager
	producer  *kafka.Producer
	consumer  *kafka.Consumer
	writer    RecordWriter
	reader    RecordReader

	encoder   *RecordEncoder
	inventory *Inventory
	metrics   *Metrics
	dlq       *DeadLetterQueue
	ingest    *Ingest
	commands  *Commands

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds the components enabled in config. Nothing connects until Start.
func NewService(config *types.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		config:  config,
		logger:  logger.With().Str("component", "Bridge").Logger(),
		clock:   clock.New(),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	features := config.Bridge.Features
	if !features.Ingest && !features.Commands && !features.Sessions {
		return nil, errors.New("no bridge features enabled - check configuration")
	}

	var err error
	if s.encoder, err = NewRecordEncoder(config.Bridge.Output); err != nil {
		return nil, err
	}
	if s.inventory, err = NewInventory(config.Bridge.Inventory.Size, config.Bridge.Inventory.Nodes); err != nil {
		return nil, fmt.Errorf("failed to create gateway inventory: %w", err)
	}

	if s.writer == nil && s.needsProducer() {
		s.producer = kafka.NewProducer(&config.Kafka, logger)
		s.writer = s.producer
	}
	if s.reader == nil && features.Commands {
		s.consumer = kafka.NewConsumer(&config.Kafka, config.Bridge.Commands.Topic, logger)
		s.reader = s.consumer
	}
	if s.needsTransport() {
		s.transport = mqtt.NewClient(&config.MQTT, logger, append([]mqtt.Option{mqtt.WithClock(s.clock)}, s.transportOpts...)...)
	}
	if config.Session.Enabled {
		if s.sessions, err = session.NewManager(&config.Session, logger, append([]session.Option{session.WithClock(s.clock)}, s.sessionOpts...)...); err != nil {
			return nil, fmt.Errorf("failed to create session channels: %w", err)
		}
	}

	var publisher Publisher
	if s.transport != nil {
		publisher = s.transport
	}
	s.dlq = NewDeadLetterQueue(config.Bridge.DeadLetter, s.writer, publisher, s.metrics, s.clock, logger)

	if features.Ingest || features.Sessions {
		registry, err := decoder.DefaultRegistry()
		if err != nil {
			return nil, err
		}
		s.ingest = &Ingest{
			events:    newIngestQueue(config.Bridge.Ingest.QueueSize),
			prefix:    config.Bridge.Mapping.KafkaPrefix,
			decoder:   decoder.New(registry, logger),
			encoder:   s.encoder,
			writer:    s.writer,
			dlq:       s.dlq,
			inventory: s.inventory,
			metrics:   s.metrics,
			now:       s.clock.Now,
			logger:    logger.With().Str("component", "Ingest").Logger(),
		}
	}
	if features.Commands {
		s.commands = &Commands{
			requestsRoot: config.MQTT.Requests.Root,
			reader:       s.reader,
			publisher:    s.transport,
			limiter:      newLimiter(config.Bridge.Commands),
			dlq:          s.dlq,
			metrics:      s.metrics,
			logger:       logger.With().Str("component", "Commands").Logger(),
		}
	}
	return s, nil
}

func (s *Service) needsProducer() bool {
	f := s.config.Bridge.Features
	dl := s.config.Bridge.DeadLetter
	return f.Ingest || f.Sessions || (dl.Enabled && dl.KafkaTopic != "")
}

func (s *Service) needsTransport() bool {
	f := s.config.Bridge.Features
	dl := s.config.Bridge.DeadLetter
	return f.Ingest || f.Commands || (dl.Enabled && dl.MQTTTopic != "")
}

// Start connects the enabled components. Unreachable brokers are retried in
// the background; authentication failures and bad configuration are returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("bridge already started")
	}
	s.logger.Info().
		Bool("ingest", s.config.Bridge.Features.Ingest).
		Bool("commands", s.config.Bridge.Features.Commands).
		Bool("sessions", s.config.Bridge.Features.Sessions).
		Msg("Starting bridge")

	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.start(ctx, runCtx); err != nil {
		cancel()
		s.wg.Wait()
		return multierr.Append(err, s.shutdown())
	}
	s.cancel = cancel
	s.running = true
	s.logger.Info().Msg("Bridge started")
	return nil
}

func (s *Service) start(ctx, runCtx context.Context) error {
	if s.producer != nil {
		if err := s.producer.Connect(); err != nil {
			return fmt.Errorf("failed to connect Kafka producer: %w", err)
		}
	}
	if err := s.dlq.Start(); err != nil {
		return err
	}

	if listen := s.config.Bridge.Metrics.Listen; listen != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metrics.Serve(runCtx, listen, s.logger); err != nil {
				s.logger.Error().Err(err).Msg("Metrics listener stopped")
			}
		}()
	}

	if s.transport != nil {
		if s.config.Bridge.Features.Ingest {
			filter, err := topic.FromConfig(s.config.MQTT.Subscription)
			if err != nil {
				return err
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = s.ingest.Run(runCtx)
			}()
			s.transport.SetEventHandler(s.ingest.Enqueue)
			if err := s.transport.Subscribe(filter); err != nil {
				return fmt.Errorf("failed to subscribe to gateway events: %w", err)
			}
		}
		if err := s.transport.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect MQTT client: %w", err)
		}
	}

	if s.sessions != nil {
		if s.config.Bridge.Features.Sessions {
			s.sessions.OnMessage(s.ingest.HandleSession)
		}
		if err := s.sessions.OpenAll(ctx); err != nil {
			return fmt.Errorf("failed to open session channels: %w", err)
		}
	}

	if s.commands != nil {
		if s.consumer != nil {
			if err := s.consumer.Connect(); err != nil {
				return fmt.Errorf("failed to connect Kafka consumer: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.commands.Run(runCtx); err != nil {
				s.logger.Error().Err(err).Msg("Command intake stopped")
			}
		}()
	}
	return nil
}

// Stop shuts every component down and returns the combined errors.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.logger.Info().Msg("Stopping bridge")
	s.cancel()
	s.wg.Wait()
	s.running = false

	err := s.shutdown()
	if err != nil {
		s.logger.Error().Err(err).Msg("Bridge stopped with errors")
	} else {
		s.logger.Info().Msg("Bridge stopped")
	}
	return err
}

func (s *Service) shutdown() error {
	var err error
	if s.sessions != nil {
		err = multierr.Append(err, s.sessions.CloseAll())
	}
	if s.consumer != nil {
		err = multierr.Append(err, s.consumer.Close())
	}
	err = multierr.Append(err, s.dlq.Stop())
	if s.transport != nil {
		s.transport.Disconnect()
	}
	if s.producer != nil {
		err = multierr.Append(err, s.producer.Close())
	}
	return err
}

// WaitForSession blocks until the backend session is established.
func (s *Service) WaitForSession(ctx context.Context, timeout time.Duration) (string, error) {
	if s.sessions == nil {
		return "", errors.New("session channels are not enabled")
	}
	return s.sessions.WaitForSession(ctx, timeout)
}

func (s *Service) Inventory() *Inventory { return s.inventory }

func (s *Service) Metrics() *Metrics { return s.metrics }

// GetStatus reports the enabled features and the live state of each component.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	status := Status{
		IngestEnabled:   s.config.Bridge.Features.Ingest,
		CommandsEnabled: s.config.Bridge.Features.Commands,
		SessionsEnabled: s.config.Bridge.Features.Sessions,
		IsRunning:       running,
		RetryPending:    s.dlq.GetFailedMessageCount(),
		Gateways:        s.inventory.Len(),
		Nodes:           s.inventory.NodeCount(),
	}
	if s.transport != nil {
		status.Transport = s.transport.State().String()
	}
	if s.sessions != nil {
		status.Sessions = make(map[string]string)
		for name, state := range s.sessions.States() {
			status.Sessions[name] = state.String()
		}
	}
	return status
}

// Status is the operational snapshot returned by GetStatus.
type Status struct {
	IngestEnabled   bool              `json:"ingest_enabled"`
	CommandsEnabled bool              `json:"commands_enabled"`
	SessionsEnabled bool              `json:"sessions_enabled"`
	IsRunning       bool              `json:"is_running"`
	Transport       string            `json:"transport,omitempty"`
	Sessions        map[string]string `json:"sessions,omitempty"`
	RetryPending    int               `json:"retry_pending"`
	Gateways        int               `json:"gateways"`
	Nodes           int               `json:"nodes"`
}
