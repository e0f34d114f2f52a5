package msap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"meshgw/internal/message"
)

// Command names accepted by Encode.
const (
	CommandPing             = "ping"
	CommandBegin            = "begin"
	CommandEnd              = "end"
	CommandCancel           = "cancel"
	CommandUpdate           = "update"
	CommandScratchpadStatus = "scratchpad_status"
	CommandScratchpadUpdate = "scratchpad_update"
)

var commandKinds = map[string]message.Kind{
	CommandPing:             KindPingRequest,
	CommandBegin:            KindBeginRequest,
	CommandEnd:              KindEndRequest,
	CommandCancel:           KindCancelRequest,
	CommandUpdate:           KindUpdateRequest,
	CommandScratchpadStatus: KindScratchpadStatusRequest,
	CommandScratchpadUpdate: KindScratchpadUpdateRequest,
}

// Build turns a command name and its parameters into a request message.
// Parameter values are validated here so an invalid request never reaches the wire.
func Build(kind string, params map[string]any) (message.Message, error) {
	switch kind {
	case CommandPing:
		data, err := optionalHex(params, "data")
		if err != nil {
			return nil, err
		}
		return &PingRequest{Data: data}, nil
	case CommandBegin:
		return &BeginRequest{}, nil
	case CommandEnd:
		return &EndRequest{}, nil
	case CommandCancel:
		return &CancelRequest{}, nil
	case CommandUpdate:
		v, err := intParam(params, "countdown")
		if err != nil {
			return nil, err
		}
		return NewUpdateRequest(v)
	case CommandScratchpadStatus:
		return &ScratchpadStatusRequest{}, nil
	case CommandScratchpadUpdate:
		v, err := intParam(params, "sequence")
		if err != nil {
			return nil, err
		}
		if v < 0 || v > math.MaxUint8 {
			return nil, fmt.Errorf("scratchpad sequence %d out of range [0, 255]", v)
		}
		return &ScratchpadUpdateRequest{Sequence: uint8(v)}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", kind)
	}
}

// Encode builds and encodes the request named by kind. No bytes are produced
// when a parameter is missing or out of range.
func Encode(kind string, params map[string]any) ([]byte, error) {
	m, err := Build(kind, params)
	if err != nil {
		return nil, err
	}
	enc, ok := m.(interface{ MarshalBinary() ([]byte, error) })
	if !ok {
		return nil, fmt.Errorf("command %q has no wire form", kind)
	}
	return enc.MarshalBinary()
}

// DecodeKind decodes payload as the request named by kind.
func DecodeKind(kind string, payload []byte) (message.Message, error) {
	want, ok := commandKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", kind)
	}
	m, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	if m.Kind() != want {
		return nil, fmt.Errorf("payload decodes to %s, not %s", m.Kind(), want)
	}
	return m, nil
}

func intParam(params map[string]any, name string) (int, error) {
	raw, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("parameter %q must be an integer, got %v", name, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", name, err)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q has unsupported type %T", name, raw)
	}
}

func optionalHex(params map[string]any, name string) ([]byte, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a hex string", name)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parameter %q: %w", name, err)
	}
	return clone(b), nil
}
