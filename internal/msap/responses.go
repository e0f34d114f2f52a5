package msap

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"meshgw/internal/message"
)

const (
	scratchpadStatusLength    = 24
	scratchpadStatusAppLength = 15
)

// PingResponse echoes the data of a PingRequest.
type PingResponse struct {
	Data []byte
}

func (r *PingResponse) Kind() message.Kind { return KindPingResponse }

func (r *PingResponse) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind()), "data": hex.EncodeToString(r.Data)}, flatten)
}

func (r *PingResponse) MarshalBinary() ([]byte, error) { return frame(TypePingResponse, r.Data) }

func parsePingResponse(body []byte) (message.Message, error) {
	return &PingResponse{Data: clone(body)}, nil
}

// BeginResponse reports the node's verdict on a BeginRequest.
type BeginResponse struct{ Result byte }

func (r *BeginResponse) Kind() message.Kind { return KindBeginResponse }
func (r *BeginResponse) Serialize(flatten bool) map[string]any {
	return resultMap(r.Kind(), r.Result, flatten)
}
func (r *BeginResponse) MarshalBinary() ([]byte, error) {
	return frame(TypeBeginResponse, []byte{r.Result})
}

type EndResponse struct{ Result byte }

func (r *EndResponse) Kind() message.Kind { return KindEndResponse }
func (r *EndResponse) Serialize(flatten bool) map[string]any {
	return resultMap(r.Kind(), r.Result, flatten)
}
func (r *EndResponse) MarshalBinary() ([]byte, error) { return frame(TypeEndResponse, []byte{r.Result}) }

type CancelResponse struct{ Result byte }

func (r *CancelResponse) Kind() message.Kind { return KindCancelResponse }
func (r *CancelResponse) Serialize(flatten bool) map[string]any {
	return resultMap(r.Kind(), r.Result, flatten)
}
func (r *CancelResponse) MarshalBinary() ([]byte, error) {
	return frame(TypeCancelResponse, []byte{r.Result})
}

type ScratchpadUpdateResponse struct{ Result byte }

func (r *ScratchpadUpdateResponse) Kind() message.Kind { return KindScratchpadUpdateResponse }
func (r *ScratchpadUpdateResponse) Serialize(flatten bool) map[string]any {
	return resultMap(r.Kind(), r.Result, flatten)
}
func (r *ScratchpadUpdateResponse) MarshalBinary() ([]byte, error) {
	return frame(TypeScratchpadUpdateResponse, []byte{r.Result})
}

func resultMap(kind message.Kind, result byte, flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(kind), "result": result}, flatten)
}

// UpdateResponse carries the countdown the node actually scheduled.
type UpdateResponse struct {
	Countdown uint16
}

func (r *UpdateResponse) Kind() message.Kind { return KindUpdateResponse }

func (r *UpdateResponse) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{"kind": string(r.Kind()), "countdown": r.Countdown}, flatten)
}

func (r *UpdateResponse) MarshalBinary() ([]byte, error) {
	return frame(TypeUpdateResponse, binary.LittleEndian.AppendUint16(nil, r.Countdown))
}

func parseUpdateResponse(body []byte) (message.Message, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("body length %d, want 2", len(body))
	}
	return &UpdateResponse{Countdown: binary.LittleEndian.Uint16(body)}, nil
}

// ErrorResponse is one of the bare error type bytes, e.g. ErrInvalidBegin when
// another update session is already in progress on the node.
type ErrorResponse struct {
	Code byte
}

func (r *ErrorResponse) Kind() message.Kind { return KindErrorResponse }

// Name returns the symbolic error name.
func (r *ErrorResponse) Name() string {
	if n, ok := errorNames[r.Code]; ok {
		return n
	}
	return fmt.Sprintf("0x%02x", r.Code)
}

func (r *ErrorResponse) Serialize(flatten bool) map[string]any {
	return message.Finish(map[string]any{
		"kind":  string(r.Kind()),
		"code":  r.Code,
		"error": r.Name(),
	}, flatten)
}

func (r *ErrorResponse) MarshalBinary() ([]byte, error) {
	if !IsErrorType(r.Code) {
		return nil, fmt.Errorf("0x%02x is not an error response type", r.Code)
	}
	return []byte{r.Code}, nil
}

// ScratchpadArea describes the stored scratchpad image.
type ScratchpadArea struct {
	Length   uint32
	CRC      uint16
	Sequence uint8
	Type     uint8
	Status   uint8
}

// ProcessedArea describes the image the firmware was last updated from.
type ProcessedArea struct {
	Length   uint32
	CRC      uint16
	Sequence uint8
	AreaID   uint32
}

// ApplicationArea is the optional trailing section describing the application image.
type ApplicationArea struct {
	Length   uint32
	CRC      uint16
	Sequence uint8
	AreaID   uint32
	Version  [4]byte
}

// ScratchpadStatusResponse reports scratchpad and firmware state of a node.
type ScratchpadStatusResponse struct {
	Stored          ScratchpadArea
	Processed       ProcessedArea
	FirmwareVersion [4]byte
	Application     *ApplicationArea
}

func (r *ScratchpadStatusResponse) Kind() message.Kind { return KindScratchpadStatusResponse }

func (r *ScratchpadStatusResponse) Serialize(flatten bool) map[string]any {
	m := map[string]any{
		"kind": string(r.Kind()),
		"stored": map[string]any{
			"length":   r.Stored.Length,
			"crc":      r.Stored.CRC,
			"sequence": r.Stored.Sequence,
			"type":     r.Stored.Type,
			"status":   r.Stored.Status,
		},
		"processed": map[string]any{
			"length":   r.Processed.Length,
			"crc":      r.Processed.CRC,
			"sequence": r.Processed.Sequence,
			"area_id":  r.Processed.AreaID,
		},
		"firmware_version": versionString(r.FirmwareVersion),
	}
	if a := r.Application; a != nil {
		m["application"] = map[string]any{
			"length":   a.Length,
			"crc":      a.CRC,
			"sequence": a.Sequence,
			"area_id":  a.AreaID,
			"version":  versionString(a.Version),
		}
	}
	return message.Finish(m, flatten)
}

func versionString(v [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

func (r *ScratchpadStatusResponse) MarshalBinary() ([]byte, error) {
	body := make([]byte, 0, scratchpadStatusLength+scratchpadStatusAppLength)
	body = binary.LittleEndian.AppendUint32(body, r.Stored.Length)
	body = binary.LittleEndian.AppendUint16(body, r.Stored.CRC)
	body = append(body, r.Stored.Sequence, r.Stored.Type, r.Stored.Status)
	body = binary.LittleEndian.AppendUint32(body, r.Processed.Length)
	body = binary.LittleEndian.AppendUint16(body, r.Processed.CRC)
	body = append(body, r.Processed.Sequence)
	body = binary.LittleEndian.AppendUint32(body, r.Processed.AreaID)
	body = append(body, r.FirmwareVersion[:]...)
	if a := r.Application; a != nil {
		body = binary.LittleEndian.AppendUint32(body, a.Length)
		body = binary.LittleEndian.AppendUint16(body, a.CRC)
		body = append(body, a.Sequence)
		body = binary.LittleEndian.AppendUint32(body, a.AreaID)
		body = append(body, a.Version[:]...)
	}
	return frame(TypeScratchpadStatusResponse, body)
}

func parseScratchpadStatusResponse(body []byte) (message.Message, error) {
	if len(body) != scratchpadStatusLength && len(body) != scratchpadStatusLength+scratchpadStatusAppLength {
		return nil, fmt.Errorf("body length %d, want %d or %d", len(body),
			scratchpadStatusLength, scratchpadStatusLength+scratchpadStatusAppLength)
	}

	r := &ScratchpadStatusResponse{}
	r.Stored.Length = binary.LittleEndian.Uint32(body[0:4])
	r.Stored.CRC = binary.LittleEndian.Uint16(body[4:6])
	r.Stored.Sequence = body[6]
	r.Stored.Type = body[7]
	r.Stored.Status = body[8]
	r.Processed.Length = binary.LittleEndian.Uint32(body[9:13])
	r.Processed.CRC = binary.LittleEndian.Uint16(body[13:15])
	r.Processed.Sequence = body[15]
	r.Processed.AreaID = binary.LittleEndian.Uint32(body[16:20])
	copy(r.FirmwareVersion[:], body[20:24])

	if len(body) > scratchpadStatusLength {
		app := body[scratchpadStatusLength:]
		a := &ApplicationArea{
			Length:   binary.LittleEndian.Uint32(app[0:4]),
			CRC:      binary.LittleEndian.Uint16(app[4:6]),
			Sequence: app[6],
			AreaID:   binary.LittleEndian.Uint32(app[7:11]),
		}
		copy(a.Version[:], app[11:15])
		r.Application = a
	}
	return r, nil
}
