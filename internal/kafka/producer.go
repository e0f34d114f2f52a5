// Package kafka wraps the kafka-go writer and reader used for decoded event
// output and for the gateway command input.
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

const (
	unknownTopicRetries = 3
	// single record writes flush after this instead of the kafka-go default of 1s
	writeBatchTimeout = 10 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes records to Kafka, partitioned by key.
type Producer struct {
	config *types.KafkaConfig
	logger zerolog.Logger
	writer messageWriter
}

func NewProducer(config *types.KafkaConfig, logger zerolog.Logger) *Producer {
	return &Producer{
		config: config,
		logger: logger.With().Str("component", "KafkaProducer").Logger(),
	}
}

// Connect initializes the writer. kafka-go connects lazily on the first write.
func (p *Producer) Connect() error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no Kafka brokers configured")
	}
	dialer, err := newDialer(p.config, p.logger)
	if err != nil {
		return err
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      p.config.Brokers,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: writeBatchTimeout,
	})
	writer.AllowAutoTopicCreation = true
	p.writer = writer

	p.logger.Info().Strs("brokers", p.config.Brokers).Msg("Kafka producer initialized")
	return nil
}

// WriteMessage sends one record. Writes to a topic the broker has not created
// yet are retried a few times while auto-creation completes.
func (p *Producer) WriteMessage(ctx context.Context, msg *types.KafkaMessage) error {
	if p.writer == nil {
		return errors.New("kafka producer not connected")
	}
	kafkaMsg := toKafka(msg)

	err := p.writer.WriteMessages(ctx, kafkaMsg)
	for i := 1; i <= unknownTopicRetries && errors.Is(err, kafka.UnknownTopicOrPartition); i++ {
		p.logger.Debug().Str("topic", msg.Topic).Int("retry", i).Msg("Topic not available yet, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*200) * time.Millisecond):
		}
		err = p.writer.WriteMessages(ctx, kafkaMsg)
	}
	if err != nil {
		return fmt.Errorf("failed to write message to Kafka topic %s: %w", msg.Topic, err)
	}
	return nil
}

// WriteMessages sends a batch of records.
func (p *Producer) WriteMessages(ctx context.Context, messages []*types.KafkaMessage) error {
	if p.writer == nil {
		return errors.New("kafka producer not connected")
	}
	kafkaMessages := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		kafkaMessages[i] = toKafka(msg)
	}
	if err := p.writer.WriteMessages(ctx, kafkaMessages...); err != nil {
		return fmt.Errorf("failed to write messages to Kafka: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	p.logger.Info().Msg("Closing Kafka producer")
	return p.writer.Close()
}

func toKafka(msg *types.KafkaMessage) kafka.Message {
	return kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
}
