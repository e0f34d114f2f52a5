package mqtt

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"meshgw/pkg/types"
)

// Field numbers of the received-data event published by gateways.
const (
	eventGatewayID           protowire.Number = 1
	eventSinkID              protowire.Number = 2
	eventRxTimeMs            protowire.Number = 3
	eventSourceAddress       protowire.Number = 4
	eventDestinationAddress  protowire.Number = 5
	eventSourceEndpoint      protowire.Number = 6
	eventDestinationEndpoint protowire.Number = 7
	eventTravelTimeMs        protowire.Number = 8
	eventQoS                 protowire.Number = 9
	eventPayload             protowire.Number = 10
	eventHopCount            protowire.Number = 11
)

// Field numbers of the send-data request consumed by gateways.
const (
	requestGatewayID           protowire.Number = 1
	requestSinkID              protowire.Number = 2
	requestDestinationAddress  protowire.Number = 3
	requestSourceEndpoint      protowire.Number = 4
	requestDestinationEndpoint protowire.Number = 5
	requestQoS                 protowire.Number = 6
	requestPayload             protowire.Number = 7
	requestID                  protowire.Number = 8
)

// ErrMalformedEvent marks an event envelope that cannot be turned into a RawGatewayEvent.
var ErrMalformedEvent = errors.New("malformed gateway event")

// EncodeEvent writes the event envelope. Header fields are always emitted so
// zero valued endpoints survive the round trip.
func EncodeEvent(e *types.RawGatewayEvent) []byte {
	var b []byte
	b = appendString(b, eventGatewayID, e.GatewayID)
	b = appendString(b, eventSinkID, e.SinkID)
	b = appendVarint(b, eventRxTimeMs, e.RxTimeMs)
	b = appendString(b, eventSourceAddress, e.SourceAddress)
	b = appendString(b, eventDestinationAddress, e.DestinationAddress)
	b = appendVarint(b, eventSourceEndpoint, uint64(e.SourceEndpoint))
	b = appendVarint(b, eventDestinationEndpoint, uint64(e.DestinationEndpoint))
	b = appendVarint(b, eventTravelTimeMs, uint64(e.TravelTimeMs))
	b = appendVarint(b, eventQoS, uint64(e.QoS))
	b = protowire.AppendTag(b, eventPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = appendVarint(b, eventHopCount, uint64(e.HopCount))
	return b
}

// DecodeEvent parses an event envelope. Gateway id, sink id and both endpoints
// are required; failures wrap ErrMalformedEvent.
func DecodeEvent(b []byte) (*types.RawGatewayEvent, error) {
	e := &types.RawGatewayEvent{}
	var seenSrc, seenDst bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch num {
		case eventGatewayID:
			e.GatewayID, b, err = consumeString(b, typ, num)
		case eventSinkID:
			e.SinkID, b, err = consumeString(b, typ, num)
		case eventSourceAddress:
			e.SourceAddress, b, err = consumeString(b, typ, num)
		case eventDestinationAddress:
			e.DestinationAddress, b, err = consumeString(b, typ, num)
		case eventRxTimeMs:
			e.RxTimeMs, b, err = consumeVarint(b, typ, num, math.MaxUint64)
		case eventSourceEndpoint:
			var v uint64
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			e.SourceEndpoint, seenSrc = uint8(v), true
		case eventDestinationEndpoint:
			var v uint64
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			e.DestinationEndpoint, seenDst = uint8(v), true
		case eventTravelTimeMs:
			var v uint64
			v, b, err = consumeVarint(b, typ, num, math.MaxUint32)
			e.TravelTimeMs = uint32(v)
		case eventQoS:
			var v uint64
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			e.QoS = uint8(v)
		case eventHopCount:
			var v uint64
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			e.HopCount = uint8(v)
		case eventPayload:
			e.Payload, b, err = consumeBytes(b, typ, num)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
		if err != nil {
			return nil, err
		}
	}

	switch {
	case e.GatewayID == "":
		return nil, malformed("missing gateway_id")
	case e.SinkID == "":
		return nil, malformed("missing sink_id")
	case !seenSrc:
		return nil, malformed("missing source_endpoint")
	case !seenDst:
		return nil, malformed("missing destination_endpoint")
	}
	return e, nil
}

// EncodeSendData writes the send-data request envelope.
func EncodeSendData(r *types.SendDataRequest) []byte {
	var b []byte
	b = appendString(b, requestGatewayID, r.GatewayID)
	b = appendString(b, requestSinkID, r.SinkID)
	b = appendString(b, requestDestinationAddress, r.DestinationAddress)
	b = appendVarint(b, requestSourceEndpoint, uint64(r.SourceEndpoint))
	b = appendVarint(b, requestDestinationEndpoint, uint64(r.DestinationEndpoint))
	b = appendVarint(b, requestQoS, uint64(r.QoS))
	b = protowire.AppendTag(b, requestPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Payload)
	b = appendVarint(b, requestID, r.RequestID)
	return b
}

// DecodeSendData parses a send-data request envelope.
func DecodeSendData(b []byte) (*types.SendDataRequest, error) {
	r := &types.SendDataRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		var v uint64
		switch num {
		case requestGatewayID:
			r.GatewayID, b, err = consumeString(b, typ, num)
		case requestSinkID:
			r.SinkID, b, err = consumeString(b, typ, num)
		case requestDestinationAddress:
			r.DestinationAddress, b, err = consumeString(b, typ, num)
		case requestSourceEndpoint:
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			r.SourceEndpoint = uint8(v)
		case requestDestinationEndpoint:
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			r.DestinationEndpoint = uint8(v)
		case requestQoS:
			v, b, err = consumeVarint(b, typ, num, math.MaxUint8)
			r.QoS = uint8(v)
		case requestPayload:
			r.Payload, b, err = consumeBytes(b, typ, num)
		case requestID:
			r.RequestID, b, err = consumeVarint(b, typ, num, math.MaxUint64)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeString(b []byte, typ protowire.Type, num protowire.Number) (string, []byte, error) {
	if typ != protowire.BytesType {
		return "", nil, malformed("field %d has wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", nil, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte, typ protowire.Type, num protowire.Number) ([]byte, []byte, error) {
	if typ != protowire.BytesType {
		return nil, nil, malformed("field %d has wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return append([]byte(nil), v...), b[n:], nil
}

func consumeVarint(b []byte, typ protowire.Type, num protowire.Number, max uint64) (uint64, []byte, error) {
	if typ != protowire.VarintType {
		return 0, nil, malformed("field %d has wire type %d, want varint", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	if v > max {
		return 0, nil, malformed("field %d value %d exceeds %d", num, v, max)
	}
	return v, b[n:], nil
}
