package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"meshgw/pkg/types"
)

func sampleEvent() *types.RawGatewayEvent {
	return &types.RawGatewayEvent{
		GatewayID:           "gw-1",
		SinkID:              "sink0",
		RxTimeMs:            1700000000123,
		SourceAddress:       "42",
		DestinationAddress:  "1",
		SourceEndpoint:      255,
		DestinationEndpoint: 240,
		TravelTimeMs:        87,
		QoS:                 1,
		HopCount:            3,
		Payload:             []byte{0x01, 0x00},
	}
}

func TestEventRoundTrip(t *testing.T) {
	for name, event := range map[string]*types.RawGatewayEvent{
		"full": sampleEvent(),
		"zero endpoints": {
			GatewayID: "gw-2",
			SinkID:    "sink1",
			Payload:   []byte{0xff},
		},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeEvent(EncodeEvent(event))
			require.NoError(t, err)
			assert.Equal(t, event, got)
		})
	}
}

func TestDecodeEventRequiredFields(t *testing.T) {
	full := sampleEvent()
	withoutField := func(skip protowire.Number) []byte {
		var b []byte
		if skip != eventGatewayID {
			b = appendString(b, eventGatewayID, full.GatewayID)
		}
		if skip != eventSinkID {
			b = appendString(b, eventSinkID, full.SinkID)
		}
		if skip != eventSourceEndpoint {
			b = appendVarint(b, eventSourceEndpoint, uint64(full.SourceEndpoint))
		}
		if skip != eventDestinationEndpoint {
			b = appendVarint(b, eventDestinationEndpoint, uint64(full.DestinationEndpoint))
		}
		return b
	}

	tests := []struct {
		name  string
		skip  protowire.Number
		error string
	}{
		{"gateway", eventGatewayID, "missing gateway_id"},
		{"sink", eventSinkID, "missing sink_id"},
		{"source endpoint", eventSourceEndpoint, "missing source_endpoint"},
		{"destination endpoint", eventDestinationEndpoint, "missing destination_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(withoutField(tt.skip))
			require.ErrorIs(t, err, ErrMalformedEvent)
			assert.Contains(t, err.Error(), tt.error)
		})
	}
}

func TestDecodeEventRejectsBadValues(t *testing.T) {
	base := appendString(nil, eventGatewayID, "gw")
	base = appendString(base, eventSinkID, "s")

	t.Run("endpoint out of range", func(t *testing.T) {
		b := appendVarint(append([]byte(nil), base...), eventSourceEndpoint, 256)
		b = appendVarint(b, eventDestinationEndpoint, 1)
		_, err := DecodeEvent(b)
		require.ErrorIs(t, err, ErrMalformedEvent)
		assert.Contains(t, err.Error(), "exceeds")
	})

	t.Run("wrong wire type", func(t *testing.T) {
		b := appendString(append([]byte(nil), base...), eventSourceEndpoint, "1")
		_, err := DecodeEvent(b)
		require.ErrorIs(t, err, ErrMalformedEvent)
		assert.Contains(t, err.Error(), "wire type")
	})

	t.Run("truncated", func(t *testing.T) {
		b := EncodeEvent(sampleEvent())
		_, err := DecodeEvent(b[:len(b)-4])
		require.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestDecodeEventSkipsUnknownFields(t *testing.T) {
	b := EncodeEvent(sampleEvent())
	b = appendString(b, 99, "future field")
	b = protowire.AppendTag(b, 100, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	got, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, sampleEvent(), got)
}

func TestSendDataRoundTrip(t *testing.T) {
	req := &types.SendDataRequest{
		RequestID:           0xdeadbeef,
		GatewayID:           "gw-1",
		SinkID:              "sink0",
		DestinationAddress:  "4294967295",
		SourceEndpoint:      255,
		DestinationEndpoint: 240,
		QoS:                 1,
		Payload:             []byte{0x05, 0x02, 0x64, 0x00},
	}
	got, err := DecodeSendData(EncodeSendData(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = DecodeEvent(EncodeSendData(req))
	assert.ErrorIs(t, err, ErrMalformedEvent, "request envelope is not an event")
}
