package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"meshgw/internal/message"
)

// Frame type tags.
const (
	TypeLogin          = 1
	TypeAttach         = 2
	TypeMetadataUpdate = 3
)

var (
	ErrAuthentication = errors.New("session login rejected")
	ErrSessionTimeout = errors.New("timed out waiting for session")
	ErrChannelClosed  = errors.New("session channel closed")
	ErrNotReady       = errors.New("session channel not opened")

	errSessionGone = errors.New("owning session channel closed")
)

// Frame is the JSON envelope exchanged on every session channel.
type Frame struct {
	Type      int             `json:"type"`
	Version   int             `json:"version,omitempty"`
	Result    *bool           `json:"result,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type loginData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionData struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// Parser turns the data of one frame into a message.
type Parser func(data json.RawMessage) (message.Message, error)

// Kinds maps frame type tags to parsers. It is filled before channels are
// opened and only read afterwards.
type Kinds struct {
	parsers map[int]Parser
}

func NewKinds() *Kinds {
	return &Kinds{parsers: make(map[int]Parser)}
}

// DefaultKinds knows the metadata update frames pushed by the backend.
func DefaultKinds() *Kinds {
	k := NewKinds()
	k.parsers[TypeMetadataUpdate] = parseMetadataUpdate
	return k
}

func (k *Kinds) Register(tag int, p Parser) error {
	if p == nil {
		return fmt.Errorf("nil parser for frame type %d", tag)
	}
	if _, exists := k.parsers[tag]; exists {
		return fmt.Errorf("frame type %d already registered", tag)
	}
	k.parsers[tag] = p
	return nil
}

// Parse resolves tag to its parser. Unregistered tags yield message.Unknown
// carrying the raw data.
func (k *Kinds) Parse(tag int, data json.RawMessage) (message.Message, error) {
	p, ok := k.parsers[tag]
	if !ok {
		return &message.Unknown{Tag: tag, Payload: append([]byte(nil), data...)}, nil
	}
	return p(data)
}

func parseMetadataUpdate(data json.RawMessage) (message.Message, error) {
	var body struct {
		NetworkID *uint64        `json:"network_id"`
		NodeID    uint64         `json:"node_id"`
		Fields    map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("metadata update: %w", err)
	}
	if body.NetworkID == nil {
		return nil, errors.New("metadata update: missing network_id")
	}
	if body.Fields == nil {
		body.Fields = map[string]any{}
	}
	return &message.MetadataUpdate{NetworkID: *body.NetworkID, NodeID: body.NodeID, Fields: body.Fields}, nil
}
