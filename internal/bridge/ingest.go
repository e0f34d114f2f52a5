package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meshgw/internal/decoder"
	"meshgw/internal/message"
	"meshgw/internal/msap"
	"meshgw/pkg/types"
)

const (
	writeTimeout           = 10 * time.Second
	defaultIngestQueueSize = 1024
)

// Ingest forwards gateway events and session messages to Kafka.
type Ingest struct {
	events    chan *types.RawGatewayEvent
	prefix    string
	decoder   *decoder.GatewayEventDecoder
	encoder   *RecordEncoder
	writer    RecordWriter
	dlq       *DeadLetterQueue
	inventory *Inventory
	metrics   *Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

func newIngestQueue(size int) chan *types.RawGatewayEvent {
	if size <= 0 {
		size = defaultIngestQueueSize
	}
	return make(chan *types.RawGatewayEvent, size)
}

// Enqueue hands an event to the Run loop without blocking. It is installed as
// the transport's event handler so a slow Kafka write never stalls the MQTT
// client. Events arriving while the queue is full are dropped.
func (i *Ingest) Enqueue(event *types.RawGatewayEvent) {
	select {
	case i.events <- event:
		i.metrics.ingestQueued.Set(float64(len(i.events)))
	default:
		i.metrics.events.WithLabelValues("dropped").Inc()
		i.logger.Warn().
			Str("gateway_id", event.GatewayID).
			Str("topic", event.Topic).
			Int("queue_size", cap(i.events)).
			Msg("Ingest queue full, dropping gateway event")
	}
}

// Run handles queued events until ctx is cancelled.
func (i *Ingest) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(i.events); n > 0 {
				i.logger.Warn().Int("pending", n).Msg("Ingest stopped with queued events")
			}
			return nil
		case event := <-i.events:
			i.metrics.ingestQueued.Set(float64(len(i.events)))
			i.HandleEvent(event)
		}
	}
}

// HandleEvent decodes one gateway event and writes the resulting record.
func (i *Ingest) HandleEvent(event *types.RawGatewayEvent) {
	i.inventory.Observe(event)
	i.metrics.gatewaysKnown.Set(float64(i.inventory.Len()))
	i.metrics.nodesKnown.Set(float64(i.inventory.NodeCount()))

	result := i.decoder.Decode(event)
	record := i.encoder.EventRecord(result)

	var target string
	switch r := result.(type) {
	case *decoder.Decoded:
		i.metrics.events.WithLabelValues("decoded").Inc()
		if status, ok := r.Message.(*msap.ScratchpadStatusResponse); ok {
			i.inventory.ObserveScratchpad(event, status)
		}
		target = decodedTopic(i.prefix)
	case *decoder.Passthrough:
		i.metrics.events.WithLabelValues("passthrough").Inc()
		target = rawTopic(i.prefix)
	case *decoder.Failed:
		i.metrics.events.WithLabelValues("failed").Inc()
		i.logger.Warn().
			Str("gateway_id", event.GatewayID).
			Str("source_address", event.SourceAddress).
			Uint8("source_endpoint", event.SourceEndpoint).
			Uint8("destination_endpoint", event.DestinationEndpoint).
			Err(r.Err).
			Msg("Failed to decode gateway event")
		i.dlq.Bury(record, r.Err.Error(), DirectionDecode, event.Topic)
		return
	}

	i.write(record, RecordKey(event), target, event.Topic)
}

// HandleSession writes a message received on a session channel.
func (i *Ingest) HandleSession(channel string, msg message.Message) {
	i.write(i.encoder.SessionRecord(channel, msg, i.now()), channel, sessionTopic(i.prefix), channel)
}

func (i *Ingest) write(record map[string]any, key, target, source string) {
	value, err := i.encoder.Marshal(record)
	if err != nil {
		i.logger.Error().Err(err).Str("topic", target).Msg("Failed to encode record")
		return
	}
	msg := &types.KafkaMessage{Key: key, Value: value, Topic: target}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := i.writer.WriteMessage(ctx, msg); err != nil {
		i.metrics.writeErrors.WithLabelValues(target).Inc()
		i.logger.Error().Err(err).Str("topic", target).Str("key", key).Msg("Failed to write record")
		i.dlq.HandleFailedMessage(msg, err.Error(), DirectionIngest, source, target)
		return
	}
	i.metrics.records.WithLabelValues(target).Inc()
	i.logger.Debug().Str("source", source).Str("topic", target).Msg("Forwarded record")
}
