package zmqlink

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tphakala/ephys2osc/internal/errors"
)

// Message types carried in the frame header
const (
	TypeData  = "data"
	TypeEvent = "event"
	TypeSpike = "spike"
)

// ErrProtocolDecode marks a malformed frame: wrong part count, bad JSON or a payload
// that does not match the header.
var ErrProtocolDecode = errors.NewStd("protocol decode error")

// Content is the per-type body of a frame header.
type Content struct {
	ChannelNum  int     `json:"channel_num"`
	ChannelName string  `json:"channel_name"`
	NumSamples  int     `json:"num_samples"`
	SampleNum   int64   `json:"sample_num"`
	SampleRate  float64 `json:"sample_rate"`
	Stream      string  `json:"stream"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the raw content for event records, which carry more fields.
func (c *Content) UnmarshalJSON(data []byte) error {
	type plain Content
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Content(p)
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the undecoded content object.
func (c Content) Raw() json.RawMessage {
	return c.raw
}

// Header is the JSON part of a data socket frame.
type Header struct {
	MessageNum int64           `json:"message_num"`
	Type       string          `json:"type"`
	Content    Content         `json:"content"`
	DataSize   int             `json:"data_size"`
	Spike      json.RawMessage `json:"spike"`
}

// Frame is a decoded multipart message: routing key, header, optional payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// DecodeFrame parses the parts received from the data socket. Part 0 is the routing
// key and is ignored, part 1 is the JSON header and part 2, when present, the payload.
func DecodeFrame(parts [][]byte) (Frame, error) {
	if len(parts) < 2 {
		return Frame{}, decodeError(fmt.Errorf("expected at least 2 frame parts, got %d: %w", len(parts), ErrProtocolDecode)).
			Context("parts", len(parts)).
			Build()
	}

	var f Frame
	if err := json.Unmarshal(parts[1], &f.Header); err != nil {
		return Frame{}, decodeError(fmt.Errorf("invalid frame header: %w: %w", ErrProtocolDecode, err)).
			Context("header_bytes", len(parts[1])).
			Build()
	}
	if f.Header.Type == "" {
		return Frame{}, decodeError(fmt.Errorf("frame header has no type: %w", ErrProtocolDecode)).
			Context("message_num", f.Header.MessageNum).
			Build()
	}
	if len(parts) > 2 {
		f.Payload = parts[2]
	}
	return f, nil
}

// DecodeSamples reinterprets a little-endian float32 payload as rows of numSamples
// values. The row count is the number of channels carried by the frame.
func DecodeSamples(numSamples int, payload []byte) ([][]float32, error) {
	if numSamples <= 0 {
		return nil, decodeError(fmt.Errorf("num_samples must be positive, got %d: %w", numSamples, ErrProtocolDecode)).
			Build()
	}
	rowBytes := numSamples * 4
	if len(payload) == 0 || len(payload)%rowBytes != 0 {
		return nil, decodeError(fmt.Errorf("payload of %d bytes is not a multiple of %d samples: %w",
			len(payload), numSamples, ErrProtocolDecode)).
			Context("num_samples", numSamples).
			Context("payload_bytes", len(payload)).
			Build()
	}

	rows := make([][]float32, len(payload)/rowBytes)
	for r := range rows {
		row := make([]float32, numSamples)
		base := r * rowBytes
		for s := range row {
			row[s] = math.Float32frombits(binary.LittleEndian.Uint32(payload[base+s*4:]))
		}
		rows[r] = row
	}
	return rows, nil
}

// EncodeSamples is the inverse of DecodeSamples. It is used by tests and tools that
// replay recorded streams.
func EncodeSamples(rows [][]float32) []byte {
	var n int
	for _, r := range rows {
		n += len(r)
	}
	out := make([]byte, 0, n*4)
	for _, r := range rows {
		for _, v := range r {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}

func decodeError(err error) *errors.ErrorBuilder {
	return errors.New(err).
		Component(componentLink).
		Category(errors.CategoryProtocol)
}
