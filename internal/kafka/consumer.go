package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"meshgw/pkg/types"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads one topic as part of the configured consumer group.
type Consumer struct {
	config *types.KafkaConfig
	topic  string
	logger zerolog.Logger
	reader messageReader
}

func NewConsumer(config *types.KafkaConfig, topic string, logger zerolog.Logger) *Consumer {
	return &Consumer{
		config: config,
		topic:  topic,
		logger: logger.With().Str("component", "KafkaConsumer").Str("topic", topic).Logger(),
	}
}

func (c *Consumer) Connect() error {
	if len(c.config.Brokers) == 0 {
		return errors.New("no Kafka brokers configured")
	}
	dialer, err := newDialer(c.config, c.logger)
	if err != nil {
		return err
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.config.Brokers,
		GroupID:     c.config.Consumer.GroupID,
		Topic:       c.topic,
		Dialer:      dialer,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.LastOffset,
	})

	c.logger.Info().Strs("brokers", c.config.Brokers).Str("group_id", c.config.Consumer.GroupID).Msg("Kafka consumer connected")
	return nil
}

// ReadMessage blocks for the next record.
func (c *Consumer) ReadMessage(ctx context.Context) (*types.KafkaMessage, error) {
	if c.reader == nil {
		return nil, errors.New("kafka consumer not connected")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return &types.KafkaMessage{
		Topic: msg.Topic,
		Key:   string(msg.Key),
		Value: msg.Value,
	}, nil
}

func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	c.logger.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}

func (c *Consumer) Topic() string { return c.topic }
