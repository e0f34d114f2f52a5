package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"meshgw/internal/mqtt"
	"meshgw/internal/msap"
	"meshgw/pkg/types"
	"meshgw/pkg/validation"
)

const (
	defaultRequestsRoot = "gw-request/send_data"
	readErrorPause      = time.Second
)

// ErrInvalidCommand marks command records that can never be delivered.
var ErrInvalidCommand = errors.New("invalid command")

// Command is the JSON body of a record on the command topic.
type Command struct {
	GatewayID          string         `json:"gateway_id"`
	SinkID             string         `json:"sink_id"`
	DestinationAddress string         `json:"destination_address"`
	Kind               string         `json:"kind"`
	Params             map[string]any `json:"params"`
	QoS                uint8          `json:"qos"`
}

// PublishRequest is one encoded send data request ready for the broker.
type PublishRequest struct {
	Topic     string `json:"topic"`
	RequestID uint64 `json:"request_id"`
	Payload   []byte `json:"payload"`
	QoS       byte   `json:"qos"`
}

// Commands turns command records into gateway send data requests.
type Commands struct {
	requestsRoot string
	reader       RecordReader
	publisher    Publisher
	limiter      *rate.Limiter
	dlq          *DeadLetterQueue
	metrics      *Metrics
	logger       zerolog.Logger
}

func newLimiter(cfg types.CommandConfig) *rate.Limiter {
	if cfg.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
}

// ParseCommand decodes and validates a command record body.
func ParseCommand(value []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if cmd.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", ErrInvalidCommand)
	}
	for _, f := range []struct{ name, value string }{
		{"gateway_id", cmd.GatewayID},
		{"sink_id", cmd.SinkID},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidCommand, f.name)
		}
		if err := validation.ValidateTopicLevel(f.value); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, f.name, err)
		}
	}
	if cmd.DestinationAddress == "" {
		cmd.DestinationAddress = msap.BroadcastAddress
	}
	if cmd.QoS > 1 {
		return nil, fmt.Errorf("%w: qos must be 0 or 1", ErrInvalidCommand)
	}
	return &cmd, nil
}

// BuildRequest encodes a command into the request published to its gateway.
func BuildRequest(requestsRoot string, cmd *Command) (*PublishRequest, error) {
	apdu, err := msap.Encode(cmd.Kind, cmd.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if requestsRoot == "" {
		requestsRoot = defaultRequestsRoot
	}
	id := uuid.New()
	req := &types.SendDataRequest{
		RequestID:           binary.BigEndian.Uint64(id[:8]),
		GatewayID:           cmd.GatewayID,
		SinkID:              cmd.SinkID,
		DestinationAddress:  cmd.DestinationAddress,
		SourceEndpoint:      msap.SourceEndpoint,
		DestinationEndpoint: msap.DestinationEndpoint,
		QoS:                 cmd.QoS,
		Payload:             apdu,
	}
	return &PublishRequest{
		Topic:     requestsRoot + "/" + cmd.GatewayID + "/" + cmd.SinkID,
		RequestID: req.RequestID,
		Payload:   mqtt.EncodeSendData(req),
		QoS:       1,
	}, nil
}

// Run consumes the command topic until ctx is cancelled.
func (c *Commands) Run(ctx context.Context) error {
	c.logger.Info().Msg("Command intake started")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("Failed to read command")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorPause):
			}
			continue
		}
		if err := c.Handle(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("key", msg.Key).Msg("Command not delivered")
		}
	}
}

// Handle delivers one command record. Invalid records are dead lettered
// immediately; publish failures are queued for retry.
func (c *Commands) Handle(ctx context.Context, msg *types.KafkaMessage) error {
	cmd, err := ParseCommand(msg.Value)
	if err == nil {
		var req *PublishRequest
		if req, err = BuildRequest(c.requestsRoot, cmd); err == nil {
			return c.publish(ctx, msg, cmd, req)
		}
	}
	c.metrics.commands.WithLabelValues("rejected").Inc()
	c.dlq.Bury(msg, err.Error(), DirectionCommand, msg.Topic)
	return err
}

func (c *Commands) publish(ctx context.Context, msg *types.KafkaMessage, cmd *Command, req *PublishRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.publisher.Publish(req.Topic, req.Payload, req.QoS, false); err != nil {
		c.metrics.commands.WithLabelValues("failed").Inc()
		c.dlq.HandleFailedMessage(req, err.Error(), DirectionCommand, msg.Topic, req.Topic)
		return fmt.Errorf("failed to publish %s to %s: %w", cmd.Kind, req.Topic, err)
	}
	c.metrics.commands.WithLabelValues("published").Inc()
	c.logger.Info().
		Str("kind", cmd.Kind).
		Str("gateway_id", cmd.GatewayID).
		Str("sink_id", cmd.SinkID).
		Str("destination_address", cmd.DestinationAddress).
		Uint64("request_id", req.RequestID).
		Msg("Published gateway command")
	return nil
}
