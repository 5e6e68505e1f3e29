package zmqlink

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EventKind is the OpenEphys event type code.
type EventKind int

const (
	EventTimestamp EventKind = iota
	EventBufferSize
	EventParameterChange
	EventTTL
	EventSpike
	EventMessage
	EventBinaryMessage
)

var eventKindNames = [...]string{
	EventTimestamp:       "TIMESTAMP",
	EventBufferSize:      "BUFFER_SIZE",
	EventParameterChange: "PARAMETER_CHANGE",
	EventTTL:             "TTL",
	EventSpike:           "SPIKE",
	EventMessage:         "MESSAGE",
	EventBinaryMessage:   "BINARY_MSG",
}

// String implements fmt.Stringer
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EVENT(%d)", int(k))
	}
	return eventKindNames[k]
}

// EventRecord is a decoded TTL, message or timestamp event.
type EventRecord struct {
	Kind       EventKind
	Stream     string
	SampleNum  int64
	SourceNode int
	EventState bool
	EventLine  int
	EventWord  uint64
	NumBytes   int
	Timestamp  *int64
	Data       []byte
}

type eventContent struct {
	Type       *int   `json:"type"`
	Stream     string `json:"stream"`
	SampleNum  int64  `json:"sample_num"`
	SourceNode int    `json:"source_node"`
	EventState int    `json:"event_state"`
	EventLine  int    `json:"event_line"`
	EventWord  uint64 `json:"event_word"`
}

// Binary event payload layout
const (
	eventLineOffset  = 0
	eventStateOffset = 1
	eventWordOffset  = 2
	eventWordSize    = 8
	timestampSize    = 8
)

// DecodeEventRecord builds an event from the header content and the optional payload.
// When a payload is present the line, state and word fields come from it; TIMESTAMP
// events carry their int64 timestamp at the start of the payload.
func DecodeEventRecord(content json.RawMessage, payload []byte) (EventRecord, error) {
	var c eventContent
	if err := json.Unmarshal(content, &c); err != nil {
		return EventRecord{}, decodeError(fmt.Errorf("invalid event content: %w: %w", ErrProtocolDecode, err)).Build()
	}
	if c.Type == nil || *c.Type < 0 || *c.Type >= len(eventKindNames) {
		return EventRecord{}, decodeError(fmt.Errorf("unknown event type: %w", ErrProtocolDecode)).
			Context("type", c.Type).
			Build()
	}

	rec := EventRecord{
		Kind:       EventKind(*c.Type),
		Stream:     c.Stream,
		SampleNum:  c.SampleNum,
		SourceNode: c.SourceNode,
		EventState: c.EventState != 0,
		EventLine:  c.EventLine,
		EventWord:  c.EventWord,
	}

	if len(payload) > 0 {
		rec.Data = payload
		rec.NumBytes = len(payload)
		rec.EventLine = int(payload[eventLineOffset])
		if len(payload) > eventStateOffset {
			rec.EventState = payload[eventStateOffset] != 0
		}
		if len(payload) >= eventWordOffset+eventWordSize {
			rec.EventWord = binary.LittleEndian.Uint64(payload[eventWordOffset:])
		}
	}

	if rec.Kind == EventTimestamp {
		if len(payload) < timestampSize {
			return EventRecord{}, decodeError(fmt.Errorf("timestamp event needs %d payload bytes, got %d: %w",
				timestampSize, len(payload), ErrProtocolDecode)).Build()
		}
		ts := int64(binary.LittleEndian.Uint64(payload))
		rec.Timestamp = &ts
	}
	return rec, nil
}

// SpikeRecord is a decoded spike header with its raw waveform payload.
type SpikeRecord struct {
	Stream      string
	SourceNode  int
	Electrode   string
	SampleNum   int64
	NumChannels int
	NumSamples  int
	SortedID    int
	Threshold   []float64
	Data        []byte
}

type spikeHeader struct {
	Stream      string          `json:"stream"`
	SourceNode  int             `json:"source_node"`
	Electrode   json.RawMessage `json:"electrode"`
	SampleNum   int64           `json:"sample_num"`
	NumChannels int             `json:"num_channels"`
	NumSamples  int             `json:"num_samples"`
	SortedID    int             `json:"sorted_id"`
	Threshold   []float64       `json:"threshold"`
}

// DecodeSpikeRecord parses the spike section of a frame header. The electrode is
// sent either as a name or as an index.
func DecodeSpikeRecord(spike json.RawMessage, payload []byte) (SpikeRecord, error) {
	if len(spike) == 0 {
		return SpikeRecord{}, decodeError(fmt.Errorf("spike frame without spike header: %w", ErrProtocolDecode)).Build()
	}
	var h spikeHeader
	if err := json.Unmarshal(spike, &h); err != nil {
		return SpikeRecord{}, decodeError(fmt.Errorf("invalid spike header: %w: %w", ErrProtocolDecode, err)).Build()
	}

	electrode := string(h.Electrode)
	var name string
	if err := json.Unmarshal(h.Electrode, &name); err == nil {
		electrode = name
	}

	return SpikeRecord{
		Stream:      h.Stream,
		SourceNode:  h.SourceNode,
		Electrode:   electrode,
		SampleNum:   h.SampleNum,
		NumChannels: h.NumChannels,
		NumSamples:  h.NumSamples,
		SortedID:    h.SortedID,
		Threshold:   h.Threshold,
		Data:        payload,
	}, nil
}
