package bridge

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"meshgw/internal/decoder"
	"meshgw/pkg/types"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	written  []*types.KafkaMessage
}

func (f *fakeWriter) WriteMessage(_ context.Context, msg *types.KafkaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.written = append(f.written, msg)
	return nil
}

func (f *fakeWriter) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeWriter) messages() []*types.KafkaMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.KafkaMessage(nil), f.written...)
}

func (f *fakeWriter) onTopic(topic string) []*types.KafkaMessage {
	var out []*types.KafkaMessage
	for _, m := range f.messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type publish struct {
	topic   string
	payload []byte
	qos     byte
}

type fakePublisher struct {
	mu        sync.Mutex
	failures  []error
	published []publish
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.published = append(f.published, publish{topic: topic, payload: payload, qos: qos})
	return nil
}

func (f *fakePublisher) messages() []publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publish(nil), f.published...)
}

type fakeReader struct {
	msgs chan *types.KafkaMessage
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan *types.KafkaMessage, 16)}
}

func (f *fakeReader) ReadMessage(ctx context.Context) (*types.KafkaMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-f.msgs:
		return m, nil
	}
}

// --- paho fakes for running the service against an in-memory broker ---

type doneToken struct{ err error }

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type inboundMessage struct {
	topic   string
	payload []byte
}

func (m *inboundMessage) Topic() string     { return m.topic }
func (m *inboundMessage) Payload() []byte   { return m.payload }
func (m *inboundMessage) MessageID() uint16 { return 1 }
func (m *inboundMessage) Duplicate() bool   { return false }
func (m *inboundMessage) Qos() byte         { return 1 }
func (m *inboundMessage) Retained() bool    { return false }
func (m *inboundMessage) Ack()              {}

type fakeBroker struct {
	mu         sync.Mutex
	connected  bool
	subscribed []string
	handler    paho.MessageHandler
	published  []publish
}

func (b *fakeBroker) factory(*paho.ClientOptions) paho.Client { return b }

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}
func (b *fakeBroker) IsConnectionOpen() bool { return b.IsConnected() }
func (b *fakeBroker) Connect() paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return &doneToken{}
}
func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}
func (b *fakeBroker) Subscribe(t string, _ byte, callback paho.MessageHandler) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, t)
	b.handler = callback
	return &doneToken{}
}
func (b *fakeBroker) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &doneToken{}
}
func (b *fakeBroker) Unsubscribe(...string) paho.Token { return &doneToken{} }
func (b *fakeBroker) Publish(t string, qos byte, _ bool, payload interface{}) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, _ := payload.([]byte)
	b.published = append(b.published, publish{topic: t, payload: p, qos: qos})
	return &doneToken{}
}
func (b *fakeBroker) AddRoute(string, paho.MessageHandler) {}
func (b *fakeBroker) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (b *fakeBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h(b, &inboundMessage{topic: topic, payload: payload})
}

func (b *fakeBroker) messages() []publish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publish(nil), b.published...)
}

func (b *fakeBroker) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

// --- fixtures ---

func testEvent(src, dst uint8, payload []byte) *types.RawGatewayEvent {
	return &types.RawGatewayEvent{
		Topic:               "gw-event/received_data/net1/sink0/gw-1/240/255",
		NetworkID:           "net1",
		GatewayID:           "gw-1",
		SinkID:              "sink0",
		RxTimeMs:            1700000000000,
		SourceAddress:       "42",
		DestinationAddress:  "1",
		SourceEndpoint:      src,
		DestinationEndpoint: dst,
		TravelTimeMs:        12,
		HopCount:            2,
		Payload:             payload,
		ReceivedAt:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestIngest(writer RecordWriter, dlq *DeadLetterQueue, output types.OutputConfig) *Ingest {
	registry, err := decoder.DefaultRegistry()
	if err != nil {
		panic(err)
	}
	enc, err := NewRecordEncoder(output)
	if err != nil {
		panic(err)
	}
	inv, err := NewInventory(8, 8)
	if err != nil {
		panic(err)
	}
	metrics := NewMetrics()
	if dlq != nil {
		dlq.metrics = metrics
	}
	return &Ingest{
		events:    newIngestQueue(4),
		prefix:    "meshgw",
		decoder:   decoder.New(registry, zerolog.Nop()),
		encoder:   enc,
		writer:    writer,
		dlq:       dlq,
		inventory: inv,
		metrics:   metrics,
		now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		logger:    zerolog.Nop(),
	}
}
