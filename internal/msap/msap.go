// Package msap implements the mesh scratchpad access protocol APDUs exchanged
// with the diagnostics service of a mesh node: scratchpad (firmware image)
// status, begin/end/cancel of an update session and the update countdown.
//
// Every request and response is framed as [type][length][body...]. Error
// responses are a single type byte in 0xF8..0xFF with no body. A payload may
// carry several frames back to back, which decodes into a Combo.
package msap

import (
	"fmt"
	"sort"

	"meshgw/internal/message"
)

const (
	// SourceEndpoint and DestinationEndpoint address the node side service.
	// Responses travel on the reversed pair.
	SourceEndpoint      uint8 = 255
	DestinationEndpoint uint8 = 240

	// BroadcastAddress addresses every node of a network.
	BroadcastAddress = "4294967295"

	// MaxPacketSize is the largest APDU a sink accepts.
	MaxPacketSize = 102
)

const (
	TypePingRequest             byte = 0x00
	TypeBeginRequest            byte = 0x01
	TypeEndRequest              byte = 0x03
	TypeCancelRequest           byte = 0x04
	TypeUpdateRequest           byte = 0x05
	TypeScratchpadStatusRequest byte = 0x19
	TypeScratchpadUpdateRequest byte = 0x1A

	responseBit byte = 0x80

	TypePingResponse             = TypePingRequest | responseBit
	TypeBeginResponse            = TypeBeginRequest | responseBit
	TypeEndResponse              = TypeEndRequest | responseBit
	TypeCancelResponse           = TypeCancelRequest | responseBit
	TypeUpdateResponse           = TypeUpdateRequest | responseBit
	TypeScratchpadStatusResponse = TypeScratchpadStatusRequest | responseBit
	TypeScratchpadUpdateResponse = TypeScratchpadUpdateRequest | responseBit
)

// Error response type bytes.
const (
	ErrAccessDenied     byte = 0xF8
	ErrInvalidBroadcast byte = 0xFA
	ErrInvalidBegin     byte = 0xFB
	ErrNoSpace          byte = 0xFC
	ErrInvalidValue     byte = 0xFD
	ErrInvalidLength    byte = 0xFE
	ErrUnknownRequest   byte = 0xFF
)

const (
	KindPingRequest              message.Kind = "msap_ping_request"
	KindPingResponse             message.Kind = "msap_ping_response"
	KindBeginRequest             message.Kind = "msap_begin_request"
	KindBeginResponse            message.Kind = "msap_begin_response"
	KindEndRequest               message.Kind = "msap_end_request"
	KindEndResponse              message.Kind = "msap_end_response"
	KindCancelRequest            message.Kind = "msap_cancel_request"
	KindCancelResponse           message.Kind = "msap_cancel_response"
	KindUpdateRequest            message.Kind = "msap_update_request"
	KindUpdateResponse           message.Kind = "msap_update_response"
	KindScratchpadStatusRequest  message.Kind = "msap_scratchpad_status_request"
	KindScratchpadStatusResponse message.Kind = "msap_scratchpad_status_response"
	KindScratchpadUpdateRequest  message.Kind = "msap_scratchpad_update_request"
	KindScratchpadUpdateResponse message.Kind = "msap_scratchpad_update_response"
	KindErrorResponse            message.Kind = "msap_error_response"
	KindCombo                    message.Kind = "msap_combo"
)

var errorNames = map[byte]string{
	ErrAccessDenied:     "access_denied",
	ErrInvalidBroadcast: "invalid_broadcast_request",
	ErrInvalidBegin:     "invalid_begin",
	ErrNoSpace:          "no_space",
	ErrInvalidValue:     "invalid_value",
	ErrInvalidLength:    "invalid_length",
	ErrUnknownRequest:   "unknown_request",
}

// IsErrorType reports whether b is one of the error response type bytes.
func IsErrorType(b byte) bool {
	_, ok := errorNames[b]
	return ok
}

type bodyParser func(body []byte) (message.Message, error)

var requestParsers = map[byte]bodyParser{
	TypePingRequest:             parsePingRequest,
	TypeBeginRequest:            emptyBody(func() message.Message { return &BeginRequest{} }),
	TypeEndRequest:              emptyBody(func() message.Message { return &EndRequest{} }),
	TypeCancelRequest:           emptyBody(func() message.Message { return &CancelRequest{} }),
	TypeUpdateRequest:           parseUpdateRequest,
	TypeScratchpadStatusRequest: emptyBody(func() message.Message { return &ScratchpadStatusRequest{} }),
	TypeScratchpadUpdateRequest: parseScratchpadUpdateRequest,
}

var responseParsers = map[byte]bodyParser{
	TypePingResponse:             parsePingResponse,
	TypeBeginResponse:            resultBody(func(r byte) message.Message { return &BeginResponse{Result: r} }),
	TypeEndResponse:              resultBody(func(r byte) message.Message { return &EndResponse{Result: r} }),
	TypeCancelResponse:           resultBody(func(r byte) message.Message { return &CancelResponse{Result: r} }),
	TypeUpdateResponse:           parseUpdateResponse,
	TypeScratchpadStatusResponse: parseScratchpadStatusResponse,
	TypeScratchpadUpdateResponse: resultBody(func(r byte) message.Message { return &ScratchpadUpdateResponse{Result: r} }),
}

var (
	requestTypes  = expectedTypes(requestParsers, false)
	responseTypes = expectedTypes(responseParsers, true)
)

// DecodeRequest decodes a payload sent towards a node. Failures are *message.DecodeError.
func DecodeRequest(payload []byte) (message.Message, error) {
	return decode(payload, requestParsers, requestTypes, false)
}

// DecodeResponse decodes a payload sent back by a node. Failures are *message.DecodeError.
func DecodeResponse(payload []byte) (message.Message, error) {
	return decode(payload, responseParsers, responseTypes, true)
}

func decode(payload []byte, parsers map[byte]bodyParser, expected []byte, responses bool) (message.Message, error) {
	if len(payload) == 0 {
		return nil, message.NewDecodeError(payload, expected, "empty payload")
	}

	var msgs []message.Message
	for i := 0; i < len(payload); {
		t := payload[i]

		if responses && IsErrorType(t) {
			msgs = append(msgs, &ErrorResponse{Code: t})
			i++
			// an explicit zero length byte may follow the error type
			if i < len(payload) && payload[i] == 0x00 {
				i++
			}
			continue
		}

		parse, ok := parsers[t]
		if !ok {
			return nil, &message.DecodeError{
				Payload:  append([]byte(nil), payload...),
				Expected: append([]byte(nil), expected...),
				Actual:   t,
				Reason:   fmt.Sprintf("unexpected type byte at offset %d", i),
			}
		}
		if i+1 >= len(payload) {
			return nil, frameError(payload, expected, t, "missing length byte at offset %d", i+1)
		}
		length := int(payload[i+1])
		remaining := len(payload) - (i + 2)
		if length > remaining {
			return nil, frameError(payload, expected, t, "declared length %d exceeds %d remaining bytes", length, remaining)
		}

		body := payload[i+2 : i+2+length]
		m, err := parse(body)
		if err != nil {
			return nil, frameError(payload, expected, t, "%v", err)
		}
		msgs = append(msgs, m)
		i += 2 + length
	}

	if len(msgs) == 1 {
		return msgs[0], nil
	}
	return &Combo{Messages: msgs}, nil
}

func frameError(payload, expected []byte, actual byte, format string, args ...any) *message.DecodeError {
	return &message.DecodeError{
		Payload:  append([]byte(nil), payload...),
		Expected: append([]byte(nil), expected...),
		Actual:   actual,
		Reason:   fmt.Sprintf(format, args...),
	}
}

func expectedTypes(parsers map[byte]bodyParser, responses bool) []byte {
	out := make([]byte, 0, len(parsers)+len(errorNames))
	for t := range parsers {
		out = append(out, t)
	}
	if responses {
		for t := range errorNames {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func emptyBody(build func() message.Message) bodyParser {
	return func(body []byte) (message.Message, error) {
		if len(body) != 0 {
			return nil, fmt.Errorf("body length %d, want 0", len(body))
		}
		return build(), nil
	}
}

func resultBody(build func(result byte) message.Message) bodyParser {
	return func(body []byte) (message.Message, error) {
		if len(body) != 1 {
			return nil, fmt.Errorf("body length %d, want 1", len(body))
		}
		return build(body[0]), nil
	}
}

// frame prefixes body with its type and length bytes.
func frame(t byte, body []byte) ([]byte, error) {
	if len(body) > 255 {
		return nil, fmt.Errorf("body of %d bytes does not fit a length byte", len(body))
	}
	out := make([]byte, 0, 2+len(body))
	out = append(out, t, byte(len(body)))
	return append(out, body...), nil
}

// Combo is several APDUs carried in one payload.
type Combo struct {
	Messages []message.Message
}

func (c *Combo) Kind() message.Kind { return KindCombo }

func (c *Combo) Serialize(flatten bool) map[string]any {
	parts := make(map[string]any, len(c.Messages))
	for i, m := range c.Messages {
		parts[fmt.Sprintf("%d", i)] = m.Serialize(false)
	}
	return message.Finish(map[string]any{
		"kind":     string(c.Kind()),
		"count":    len(c.Messages),
		"messages": parts,
	}, flatten)
}

// MarshalBinary concatenates the encoded frames of every part.
func (c *Combo) MarshalBinary() ([]byte, error) {
	var out []byte
	for _, m := range c.Messages {
		enc, ok := m.(interface{ MarshalBinary() ([]byte, error) })
		if !ok {
			return nil, fmt.Errorf("combo part %s cannot be encoded", m.Kind())
		}
		b, err := enc.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if len(out) > MaxPacketSize {
		return nil, fmt.Errorf("combo payload of %d bytes exceeds %d", len(out), MaxPacketSize)
	}
	return out, nil
}
