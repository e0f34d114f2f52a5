package msap

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"meshgw/internal/message"
)

const (
	MinCountdown = 10
	MaxCountdown = 32767
)

// PingRequest asks the node to echo Data back.
type PingRequest struct {
	Data []byte
}

func (r *PingRequest) Kind() message.Kind { return KindPingRequest }

func (r *PingRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind()), "data": hex.EncodeToString(r.Data)}, flatten)
}

func (r *PingRequest) MarshalBinary() ([]byte, error) { return frame(TypePingRequest, r.Data) }

func parsePingRequest(body []byte) (message.Message, error) {
	return &PingRequest{Data: clone(body)}, nil
}

// BeginRequest opens a scratchpad update session on the node.
type BeginRequest struct{}

func (r *BeginRequest) Kind() message.Kind { return KindBeginRequest }
func (r *BeginRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind())}, flatten)
}
func (r *BeginRequest) MarshalBinary() ([]byte, error) { return frame(TypeBeginRequest, nil) }

// EndRequest closes the update session.
type EndRequest struct{}

func (r *EndRequest) Kind() message.Kind { return KindEndRequest }
func (r *EndRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind())}, flatten)
}
func (r *EndRequest) MarshalBinary() ([]byte, error) { return frame(TypeEndRequest, nil) }

// CancelRequest aborts a pending update countdown.
type CancelRequest struct{}

func (r *CancelRequest) Kind() message.Kind { return KindCancelRequest }
func (r *CancelRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind())}, flatten)
}
func (r *CancelRequest) MarshalBinary() ([]byte, error) { return frame(TypeCancelRequest, nil) }

// UpdateRequest schedules processing of the stored scratchpad after Countdown seconds.
type UpdateRequest struct {
	Countdown uint16
}

// NewUpdateRequest validates countdown against [MinCountdown, MaxCountdown].
func NewUpdateRequest(countdown int) (*UpdateRequest, error) {
	if err := checkCountdown(countdown); err != nil {
		return nil, err
	}
	return &UpdateRequest{Countdown: uint16(countdown)}, nil
}

func checkCountdown(v int) error {
	if v < MinCountdown || v > MaxCountdown {
		return fmt.Errorf("update countdown %d out of range [%d, %d]", v, MinCountdown, MaxCountdown)
	}
	return nil
}

func (r *UpdateRequest) Kind() message.Kind { return KindUpdateRequest }

func (r *UpdateRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind()), "countdown": r.Countdown}, flatten)
}

func (r *UpdateRequest) MarshalBinary() ([]byte, error) {
	if err := checkCountdown(int(r.Countdown)); err != nil {
		return nil, err
	}
	return frame(TypeUpdateRequest, binary.LittleEndian.AppendUint16(nil, r.Countdown))
}

func parseUpdateRequest(body []byte) (message.Message, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("body length %d, want 2", len(body))
	}
	v := binary.LittleEndian.Uint16(body)
	if err := checkCountdown(int(v)); err != nil {
		return nil, err
	}
	return &UpdateRequest{Countdown: v}, nil
}

// ScratchpadStatusRequest asks the node for its scratchpad and firmware state.
type ScratchpadStatusRequest struct{}

func (r *ScratchpadStatusRequest) Kind() message.Kind { return KindScratchpadStatusRequest }
func (r *ScratchpadStatusRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind())}, flatten)
}
func (r *ScratchpadStatusRequest) MarshalBinary() ([]byte, error) {
	return frame(TypeScratchpadStatusRequest, nil)
}

// ScratchpadUpdateRequest marks the stored scratchpad with Sequence for processing.
type ScratchpadUpdateRequest struct {
	Sequence uint8
}

func (r *ScratchpadUpdateRequest) Kind() message.Kind { return KindScratchpadUpdateRequest }

func (r *ScratchpadUpdateRequest) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind()), "sequence": r.Sequence}, flatten)
}

func (r *ScratchpadUpdateRequest) MarshalBinary() ([]byte, error) {
	return frame(TypeScratchpadUpdateRequest, []byte{r.Sequence})
}

func parseScratchpadUpdateRequest(body []byte) (message.Message, error) {
	if len(body) != 1 {
		return nil, fmt.Errorf("body length %d, want 1", len(body))
	}
	return &ScratchpadUpdateRequest{Sequence: body[0]}, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
