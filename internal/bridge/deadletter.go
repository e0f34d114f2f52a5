package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshgw/pkg/types"
)

// Directions recorded on failed messages.
const (
	DirectionIngest  = "mqtt-to-kafka"
	DirectionCommand = "kafka-to-mqtt"
	DirectionDecode  = "decode"
)

const retryTimeout = 10 * time.Second

// DeadLetterQueue retries failed deliveries and, once the retry budget is
// spent, publishes them to the configured dead letter topics.
type DeadLetterQueue struct {
	config    types.DeadLetterConfig
	writer    RecordWriter
	publisher Publisher
	metrics   *Metrics
	clock     clock.Clock
	logger    zerolog.Logger

	mu             sync.Mutex
	failedMessages map[string]*types.FailedMessage

	retryTicker *clock.Ticker
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewDeadLetterQueue returns nil when the dead letter queue is disabled. All
// methods accept a nil receiver.
func NewDeadLetterQueue(config types.DeadLetterConfig, writer RecordWriter, publisher Publisher, metrics *Metrics, clk clock.Clock, logger zerolog.Logger) *DeadLetterQueue {
	if !config.Enabled {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &DeadLetterQueue{
		config:         config,
		writer:         writer,
		publisher:      publisher,
		metrics:        metrics,
		clock:          clk,
		logger:         logger.With().Str("component", "DeadLetterQueue").Logger(),
		failedMessages: make(map[string]*types.FailedMessage),
	}
}

func (dlq *DeadLetterQueue) Start() error {
	if dlq == nil || dlq.retryTicker != nil {
		return nil
	}
	if dlq.config.RetryInterval <= 0 {
		return fmt.Errorf("dead letter retry interval must be positive, got %v", dlq.config.RetryInterval)
	}
	dlq.logger.Info().Dur("retry_interval", dlq.config.RetryInterval).Int("max_retries", dlq.config.MaxRetries).Msg("Starting dead letter queue")

	dlq.retryTicker = dlq.clock.Ticker(dlq.config.RetryInterval)
	dlq.stopChan = make(chan struct{})
	dlq.wg.Add(1)
	go dlq.processRetries(dlq.retryTicker, dlq.stopChan)
	return nil
}

func (dlq *DeadLetterQueue) Stop() error {
	if dlq == nil || dlq.retryTicker == nil {
		return nil
	}
	dlq.logger.Info().Int("pending", dlq.GetFailedMessageCount()).Msg("Stopping dead letter queue")
	close(dlq.stopChan)
	dlq.retryTicker.Stop()
	dlq.wg.Wait()
	dlq.retryTicker = nil
	dlq.stopChan = nil
	return nil
}

// HandleFailedMessage records a first failure. original must be a
// *types.KafkaMessage for DirectionIngest or a *PublishRequest for
// DirectionCommand so it can be retried.
func (dlq *DeadLetterQueue) HandleFailedMessage(original any, reason, direction, originalTopic, targetTopic string) {
	if dlq == nil {
		return
	}
	now := dlq.clock.Now()
	failed := &types.FailedMessage{
		ID:              uuid.NewString(),
		OriginalMessage: original,
		FailureReason:   reason,
		AttemptCount:    1,
		FirstFailure:    now,
		LastAttempt:     now,
		Direction:       direction,
		OriginalTopic:   originalTopic,
		TargetTopic:     targetTopic,
	}

	if failed.AttemptCount >= dlq.config.MaxRetries {
		dlq.sendToDeadLetterQueue(failed)
		return
	}

	dlq.mu.Lock()
	dlq.failedMessages[failed.ID] = failed
	pending := len(dlq.failedMessages)
	dlq.mu.Unlock()
	dlq.metrics.retryPending.Set(float64(pending))

	dlq.logger.Warn().
		Str("id", failed.ID).
		Str("direction", direction).
		Str("target_topic", targetTopic).
		Str("reason", reason).
		Msgf("Added message to retry queue (attempt 1/%d)", dlq.config.MaxRetries)
}

// Bury sends a message straight to the dead letter topics without retrying.
// It is used for failures a retry cannot fix.
func (dlq *DeadLetterQueue) Bury(original any, reason, direction, originalTopic string) {
	if dlq == nil {
		return
	}
	now := dlq.clock.Now()
	dlq.sendToDeadLetterQueue(&types.FailedMessage{
		ID:              uuid.NewString(),
		OriginalMessage: original,
		FailureReason:   reason,
		FirstFailure:    now,
		LastAttempt:     now,
		Direction:       direction,
		OriginalTopic:   originalTopic,
	})
}

func (dlq *DeadLetterQueue) processRetries(ticker *clock.Ticker, stop <-chan struct{}) {
	defer dlq.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			dlq.retryFailedMessages()
		}
	}
}

func (dlq *DeadLetterQueue) retryFailedMessages() {
	dlq.mu.Lock()
	due := make([]*types.FailedMessage, 0, len(dlq.failedMessages))
	for _, msg := range dlq.failedMessages {
		if dlq.clock.Since(msg.LastAttempt) >= dlq.config.RetryInterval {
			due = append(due, msg)
		}
	}
	dlq.mu.Unlock()

	for _, msg := range due {
		dlq.retryMessage(msg)
	}
}

func (dlq *DeadLetterQueue) retryMessage(failed *types.FailedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
	defer cancel()

	err := dlq.redeliver(ctx, failed)

	dlq.mu.Lock()
	if err == nil {
		delete(dlq.failedMessages, failed.ID)
		dlq.mu.Unlock()
		dlq.logger.Info().Str("id", failed.ID).Str("target_topic", failed.TargetTopic).Msg("Retry successful")
		dlq.updatePending()
		return
	}
	failed.AttemptCount++
	failed.LastAttempt = dlq.clock.Now()
	failed.FailureReason = err.Error()
	exhausted := failed.AttemptCount >= dlq.config.MaxRetries
	if exhausted {
		delete(dlq.failedMessages, failed.ID)
	}
	dlq.mu.Unlock()

	dlq.logger.Warn().
		Str("id", failed.ID).
		Err(err).
		Msgf("Message retry failed (attempt %d/%d)", failed.AttemptCount, dlq.config.MaxRetries)
	if exhausted {
		dlq.sendToDeadLetterQueue(failed)
		dlq.updatePending()
	}
}

func (dlq *DeadLetterQueue) redeliver(ctx context.Context, failed *types.FailedMessage) error {
	switch msg := failed.OriginalMessage.(type) {
	case *types.KafkaMessage:
		if dlq.writer == nil {
			return errors.New("retry: no Kafka writer")
		}
		return dlq.writer.WriteMessage(ctx, msg)
	case *PublishRequest:
		if dlq.publisher == nil {
			return errors.New("retry: no MQTT publisher")
		}
		return dlq.publisher.Publish(msg.Topic, msg.Payload, msg.QoS, false)
	default:
		return fmt.Errorf("retry: unsupported message type %T", failed.OriginalMessage)
	}
}

func (dlq *DeadLetterQueue) sendToDeadLetterQueue(failed *types.FailedMessage) {
	dlq.metrics.deadLettered.WithLabelValues(failed.Direction).Inc()

	payload, err := json.Marshal(failed)
	if err != nil {
		dlq.logger.Error().Err(err).Str("id", failed.ID).Msg("Failed to serialize dead letter")
		return
	}

	if dlq.config.KafkaTopic != "" && dlq.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
		err := dlq.writer.WriteMessage(ctx, &types.KafkaMessage{
			Key:   fmt.Sprintf("dlq-%s-%s", failed.Direction, failed.ID),
			Value: payload,
			Topic: dlq.config.KafkaTopic,
		})
		cancel()
		if err != nil {
			dlq.logger.Error().Err(err).Str("topic", dlq.config.KafkaTopic).Msg("Failed to send to Kafka dead letter topic")
		} else {
			dlq.logger.Info().Str("id", failed.ID).Str("topic", dlq.config.KafkaTopic).Str("reason", failed.FailureReason).Msg("Sent message to Kafka dead letter topic")
		}
	}

	if dlq.config.MQTTTopic != "" && dlq.publisher != nil {
		if err := dlq.publisher.Publish(dlq.config.MQTTTopic, payload, 1, false); err != nil {
			dlq.logger.Error().Err(err).Str("topic", dlq.config.MQTTTopic).Msg("Failed to send to MQTT dead letter topic")
		} else {
			dlq.logger.Info().Str("id", failed.ID).Str("topic", dlq.config.MQTTTopic).Msg("Sent message to MQTT dead letter topic")
		}
	}
}

func (dlq *DeadLetterQueue) updatePending() {
	dlq.metrics.retryPending.Set(float64(dlq.GetFailedMessageCount()))
}

// GetFailedMessageCount returns the number of messages waiting for a retry.
func (dlq *DeadLetterQueue) GetFailedMessageCount() int {
	if dlq == nil {
		return 0
	}
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return len(dlq.failedMessages)
}
