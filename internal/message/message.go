// Package message defines the decoded message model shared by the gateway
// decoders and the session channels.
package message

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// Kind names a concrete message variant.
type Kind string

const (
	KindMetadataUpdate Kind = "metadata_update"
	KindUnknown        Kind = "unknown"
)

// Message is implemented by every decoded message variant.
type Message interface {
	Kind() Kind
	// Serialize renders the message as a mapping. With flatten set, nested
	// mappings are collapsed into dot separated keys.
	Serialize(flatten bool) map[string]any
}

// Flatten collapses nested map[string]any values into dot separated keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// Finish applies the flatten option to a freshly built mapping.
func Finish(m map[string]any, flatten bool) map[string]any {
	if flatten {
		return Flatten(m)
	}
	return m
}

// MetadataUpdate carries node or network metadata pushed by the backend.
type MetadataUpdate struct {
	NetworkID uint64
	NodeID    uint64
	Fields    map[string]any
}

func (m *MetadataUpdate) Kind() Kind { return KindMetadataUpdate }

func (m *MetadataUpdate) Serialize(flatten bool) map[string]any {
	fields := make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		fields[k] = v
	}
	return Finish(map[string]any{
		"kind":       string(m.Kind()),
		"network_id": m.NetworkID,
		"node_id":    m.NodeID,
		"fields":     fields,
	}, flatten)
}

// Unknown holds a message whose tag has no registered parser.
type Unknown struct {
	Tag     int
	Payload []byte
}

func (u *Unknown) Kind() Kind { return KindUnknown }

func (u *Unknown) Serialize(flatten bool) map[string]any {
	return Finish(map[string]any{
		"kind":    string(u.Kind()),
		"tag":     u.Tag,
		"payload": hex.EncodeToString(u.Payload),
	}, flatten)
}

// DecodeError describes a payload a registered decoder could not parse.
// It is returned as data so one bad packet never stops ingestion.
type DecodeError struct {
	Payload  []byte
	Expected []byte
	Actual   byte
	Reason   string
}

func (e *DecodeError) Error() string {
	if len(e.Expected) > 0 {
		return fmt.Sprintf("decode: %s (type byte 0x%02x, expected one of %s)", e.Reason, e.Actual, hexList(e.Expected))
	}
	return fmt.Sprintf("decode: %s", e.Reason)
}

func (e *DecodeError) Serialize(flatten bool) map[string]any {
	expected := make([]string, 0, len(e.Expected))
	for _, b := range e.Expected {
		expected = append(expected, fmt.Sprintf("0x%02x", b))
	}
	return Finish(map[string]any{
		"reason":   e.Reason,
		"payload":  hex.EncodeToString(e.Payload),
		"actual":   fmt.Sprintf("0x%02x", e.Actual),
		"expected": expected,
	}, flatten)
}

// NewDecodeError builds a DecodeError for payload. The actual type byte is taken
// from the first payload byte when there is one.
func NewDecodeError(payload []byte, expected []byte, format string, args ...any) *DecodeError {
	e := &DecodeError{
		Payload:  append([]byte(nil), payload...),
		Expected: sortedCopy(expected),
		Reason:   fmt.Sprintf(format, args...),
	}
	if len(payload) > 0 {
		e.Actual = payload[0]
	}
	return e
}

func sortedCopy(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := append([]byte(nil), b...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func hexList(b []byte) string {
	s := "["
	for i, v := range b {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("0x%02x", v)
	}
	return s + "]"
}
