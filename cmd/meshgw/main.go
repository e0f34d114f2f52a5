package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"meshgw/internal/bridge"
	"meshgw/internal/config"
	"meshgw/internal/decoder"
	"meshgw/internal/kafka"
	"meshgw/internal/mqtt"
	"meshgw/internal/topic"
	"meshgw/pkg/types"
)

const version = "0.3.0"

func main() {
	fmt.Println("meshgw mesh gateway bridge")
	fmt.Printf("Version: %s\n", version)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		os.Exit(0)
	}

	logger := newLogger("info")

	// Connectivity checks load the file without certificate location checks.
	if len(os.Args) > 1 && os.Args[1] == "--test-mqtt" {
		testMQTTConnectivity(logger)
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "--test-kafka" {
		testKafkaConnectivity(logger)
		return
	}

	configPath := config.GetConfigPath()
	logger.Info().Str("path", configPath).Msg("Loading configuration")
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = newLogger(cfg.Bridge.Logging.Level)

	logger.Info().
		Str("mqtt", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)).
		Strs("kafka", cfg.Kafka.Brokers).
		Bool("ingest", cfg.Bridge.Features.Ingest).
		Bool("commands", cfg.Bridge.Features.Commands).
		Bool("sessions", cfg.Bridge.Features.Sessions).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := bridge.NewService(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create bridge")
	}
	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start bridge")
	}

	if cfg.Session.Enabled {
		go func() {
			token, err := svc.WaitForSession(ctx, cfg.Session.HandshakeTimeout)
			if err != nil {
				logger.Warn().Err(err).Msg("Backend session not established yet")
				return
			}
			logger.Info().Int("token_len", len(token)).Msg("Backend session established")
		}()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	if err := svc.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping bridge")
	}
	logger.Info().Msg("Bridge stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if os.Getenv("MESHGW_LOG_CONSOLE") != "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "meshgw").Logger()
}

func testMQTTConnectivity(logger zerolog.Logger) {
	logger.Info().Msg("Testing MQTT connectivity")

	cfg, err := config.LoadForTesting(config.GetConfigPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Debug().
		Str("host", cfg.MQTT.Broker.Host).
		Int("port", cfg.MQTT.Broker.Port).
		Bool("tls", cfg.MQTT.Broker.UseTLS).
		Str("username", cfg.MQTT.Auth.Username).
		Msg("MQTT settings")

	registry, err := decoder.DefaultRegistry()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build decoder registry")
	}
	dec := decoder.New(registry, logger)

	const maxEvents = 3
	events := make(chan *types.RawGatewayEvent, maxEvents)
	client := mqtt.NewClient(&cfg.MQTT, logger)
	client.SetEventHandler(func(e *types.RawGatewayEvent) {
		select {
		case events <- e:
		default:
		}
	})

	filter, err := topic.FromConfig(cfg.MQTT.Subscription)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid subscription")
	}
	if err := client.Subscribe(filter); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MQTT")
	}
	defer client.Disconnect()

	logger.Info().Int("events", maxEvents).Msg("Connected, waiting for gateway events (30 second timeout)")
	for received := 0; received < maxEvents; received++ {
		select {
		case <-ctx.Done():
			logger.Warn().Int("received", received).Msg("Timeout reached")
			return
		case e := <-events:
			fmt.Printf("Event %d:\n", received+1)
			fmt.Printf("  Gateway: %s  Sink: %s  Network: %s\n", e.GatewayID, e.SinkID, e.NetworkID)
			fmt.Printf("  Route: %s:%d -> %s:%d\n", e.SourceAddress, e.SourceEndpoint, e.DestinationAddress, e.DestinationEndpoint)
			fmt.Printf("  Result: %s\n", decoder.Describe(dec.Decode(e)))
			fmt.Println("---")
		}
	}
}

func testKafkaConnectivity(logger zerolog.Logger) {
	logger.Info().Msg("Testing Kafka connectivity")

	cfg, err := config.LoadForTesting(config.GetConfigPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("protocol", cfg.Kafka.Security.Protocol).
		Msg("Kafka settings")

	producer := kafka.NewProducer(&cfg.Kafka, logger)
	if err := producer.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Kafka")
	}
	defer producer.Close()

	msg := &types.KafkaMessage{
		Key:   "connectivity-check",
		Value: []byte(`{"check":"connectivity","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`),
		Topic: cfg.Bridge.Mapping.KafkaPrefix + ".test",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.WriteMessage(ctx, msg); err != nil {
		logger.Fatal().Err(err).Str("topic", msg.Topic).Msg("Failed to send test message")
	}
	logger.Info().Str("topic", msg.Topic).Str("key", msg.Key).Msg("Test message delivered")
}
