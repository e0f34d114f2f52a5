// Package decoder turns raw gateway events into decoded messages using a
// registry of APDU decoders keyed by (source endpoint, destination endpoint).
package decoder

import (
	"fmt"

	"meshgw/internal/message"
	"meshgw/internal/msap"
)

// EndpointPair selects a decoder.
type EndpointPair struct {
	Source      uint8
	Destination uint8
}

func (p EndpointPair) String() string {
	return fmt.Sprintf("%d->%d", p.Source, p.Destination)
}

// Decoder parses one APDU. Implementations must be pure functions of the payload.
// A failure should be a *message.DecodeError; anything else is wrapped into one.
type Decoder interface {
	Decode(payload []byte) (message.Message, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(payload []byte) (message.Message, error)

func (f DecoderFunc) Decode(payload []byte) (message.Message, error) { return f(payload) }

// Registry maps endpoint pairs to decoders. It is populated during startup and
// only read afterwards, so lookups take no lock. Register must not be called
// once the registry is shared with a GatewayEventDecoder.
type Registry struct {
	decoders map[EndpointPair]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[EndpointPair]Decoder)}
}

// Register binds d to the (src, dst) pair. Binding a pair twice is an error.
func (r *Registry) Register(src, dst uint8, d Decoder) error {
	if d == nil {
		return fmt.Errorf("nil decoder for endpoint pair %d->%d", src, dst)
	}
	key := EndpointPair{Source: src, Destination: dst}
	if _, exists := r.decoders[key]; exists {
		return fmt.Errorf("endpoint pair %s already has a decoder", key)
	}
	r.decoders[key] = d
	return nil
}

// Lookup returns the decoder bound to (src, dst).
func (r *Registry) Lookup(src, dst uint8) (Decoder, bool) {
	d, ok := r.decoders[EndpointPair{Source: src, Destination: dst}]
	return d, ok
}

// Len reports the number of registered pairs.
func (r *Registry) Len() int { return len(r.decoders) }

// DefaultRegistry registers the diagnostics service decoders: requests towards
// the node on 255->240 and responses from it on 240->255.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(msap.SourceEndpoint, msap.DestinationEndpoint, DecoderFunc(msap.DecodeRequest)); err != nil {
		return nil, err
	}
	if err := r.Register(msap.DestinationEndpoint, msap.SourceEndpoint, DecoderFunc(msap.DecodeResponse)); err != nil {
		return nil, err
	}
	return r, nil
}
