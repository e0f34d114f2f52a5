package decoder

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"meshgw/internal/message"
	"meshgw/pkg/types"
)

// Result is the outcome of decoding one event: Decoded, Passthrough or Failed.
type Result interface {
	Event() *types.RawGatewayEvent
	isResult()
}

// Decoded carries the message a registered decoder produced.
type Decoded struct {
	Source  *types.RawGatewayEvent
	Message message.Message
}

// Passthrough is returned when no decoder is registered for the event's endpoint pair.
// Payload is the original, unmodified bytes.
type Passthrough struct {
	Source  *types.RawGatewayEvent
	Payload []byte
}

// Failed is returned when the registered decoder rejected the payload.
type Failed struct {
	Source *types.RawGatewayEvent
	Err    *message.DecodeError
}

func (r *Decoded) Event() *types.RawGatewayEvent     { return r.Source }
func (r *Passthrough) Event() *types.RawGatewayEvent { return r.Source }
func (r *Failed) Event() *types.RawGatewayEvent      { return r.Source }

func (*Decoded) isResult()     {}
func (*Passthrough) isResult() {}
func (*Failed) isResult()      {}

// GatewayEventDecoder routes events to the registry's decoders.
type GatewayEventDecoder struct {
	registry *Registry
	logger   zerolog.Logger
}

func New(registry *Registry, logger zerolog.Logger) *GatewayEventDecoder {
	return &GatewayEventDecoder{
		registry: registry,
		logger:   logger.With().Str("component", "GatewayEventDecoder").Logger(),
	}
}

// Decode never panics and never returns nil.
func (d *GatewayEventDecoder) Decode(event *types.RawGatewayEvent) (result Result) {
	dec, ok := d.registry.Lookup(event.SourceEndpoint, event.DestinationEndpoint)
	if !ok {
		return &Passthrough{Source: event, Payload: event.Payload}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("gateway_id", event.GatewayID).
				Uint8("source_endpoint", event.SourceEndpoint).
				Uint8("destination_endpoint", event.DestinationEndpoint).
				Interface("panic", r).
				Msg("Decoder panicked")
			result = &Failed{Source: event, Err: message.NewDecodeError(event.Payload, nil, "decoder panic: %v", r)}
		}
	}()

	msg, err := dec.Decode(event.Payload)
	if err != nil {
		var decodeErr *message.DecodeError
		if !errors.As(err, &decodeErr) {
			decodeErr = message.NewDecodeError(event.Payload, nil, "%v", err)
		}
		return &Failed{Source: event, Err: decodeErr}
	}
	if msg == nil {
		return &Failed{Source: event, Err: message.NewDecodeError(event.Payload, nil, "decoder returned no message")}
	}
	return &Decoded{Source: event, Message: msg}
}

// Describe is a short log friendly label for a result.
func Describe(r Result) string {
	switch v := r.(type) {
	case *Decoded:
		return string(v.Message.Kind())
	case *Passthrough:
		return fmt.Sprintf("passthrough %d bytes", len(v.Payload))
	case *Failed:
		return v.Err.Error()
	default:
		return "unknown result"
	}
}
