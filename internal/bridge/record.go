package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"meshgw/internal/decoder"
	"meshgw/internal/message"
	"meshgw/pkg/types"
)

// Record encodings accepted in bridge.output.format.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// cborMode encodes records with sorted map keys so equal records produce
// identical bytes.
var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	cborMode, err = opts.EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
}

// RecordEncoder turns decoder results and session messages into Kafka record values.
type RecordEncoder struct {
	format  string
	flatten bool
}

func NewRecordEncoder(cfg types.OutputConfig) (*RecordEncoder, error) {
	format := cfg.Format
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCBOR {
		return nil, fmt.Errorf("unsupported output format %q", cfg.Format)
	}
	return &RecordEncoder{format: format, flatten: cfg.Flatten}, nil
}

func (e *RecordEncoder) Format() string { return e.format }

// EventRecord builds the record for one decoder result. The event header is
// always present; the body is "message", "payload" or "error" depending on
// the result variant.
func (e *RecordEncoder) EventRecord(result decoder.Result) map[string]any {
	event := result.Event()
	record := map[string]any{
		"gateway_id":           event.GatewayID,
		"sink_id":              event.SinkID,
		"network_id":           event.NetworkID,
		"rx_time_ms":           event.RxTimeMs,
		"source_address":       event.SourceAddress,
		"destination_address":  event.DestinationAddress,
		"source_endpoint":      event.SourceEndpoint,
		"destination_endpoint": event.DestinationEndpoint,
		"travel_time_ms":       event.TravelTimeMs,
		"qos":                  event.QoS,
		"hop_count":            event.HopCount,
		"received_at":          event.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}

	switch r := result.(type) {
	case *decoder.Decoded:
		record["message"] = r.Message.Serialize(false)
	case *decoder.Passthrough:
		record["payload"] = hex.EncodeToString(r.Payload)
	case *decoder.Failed:
		record["error"] = r.Err.Serialize(false)
	}
	return message.Finish(record, e.flatten)
}

// SessionRecord wraps a message received on a named session channel.
func (e *RecordEncoder) SessionRecord(channel string, msg message.Message, at time.Time) map[string]any {
	return message.Finish(map[string]any{
		"channel":     channel,
		"received_at": at.UTC().Format(time.RFC3339Nano),
		"message":     msg.Serialize(false),
	}, e.flatten)
}

func (e *RecordEncoder) Marshal(record map[string]any) ([]byte, error) {
	if e.format == FormatCBOR {
		return cborMode.Marshal(record)
	}
	return json.Marshal(record)
}

// RecordKey partitions records per node so a node's events stay ordered.
func RecordKey(event *types.RawGatewayEvent) string {
	return event.GatewayID + "/" + event.SinkID + "/" + event.SourceAddress
}

// Topic names derived from bridge.mapping.kafka_prefix.
func decodedTopic(prefix string) string { return prefix + ".decoded" }
func rawTopic(prefix string) string     { return prefix + ".raw" }
func sessionTopic(prefix string) string { return prefix + ".session" }
