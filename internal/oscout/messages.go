package oscout

import (
	"fmt"
	"strings"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
)

// MessageFormat selects the OSC address layout. One format is used for a whole run.
type MessageFormat string

const (
	// FormatSample sends one message per sample time with every channel value.
	FormatSample MessageFormat = "sample"
	// FormatBatch sends base/batch/<N> with the channel count and channel-major data.
	FormatBatch MessageFormat = "batch"
	// FormatChunk sends base/chunk with a unix timestamp, both counts and the data.
	FormatChunk MessageFormat = "chunk"
	// FormatChunkArray sends base/chunk/array with the data only.
	FormatChunkArray MessageFormat = "chunk_array"
	// FormatChannel sends one scalar message per sample per channel, addressed by the
	// channel address format alone.
	FormatChannel MessageFormat = "channel"
)

// Defaults for the OSC address layout
const (
	DefaultBaseAddress          = "/data"
	DefaultChannelAddressFormat = "/ch%03d"
)

// ParseMessageFormat validates a format name.
func ParseMessageFormat(s string) (MessageFormat, error) {
	switch f := MessageFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatSample, FormatBatch, FormatChunk, FormatChunkArray, FormatChannel:
		return f, nil
	default:
		return "", errors.Newf("invalid OSC format %q, valid options: sample, batch, chunk, chunk_array, channel", s).
			Component(componentSender).
			Category(errors.CategoryValidation).
			Build()
	}
}

// MessageBuilder turns batches into OSC messages for one format.
type MessageBuilder struct {
	format        MessageFormat
	base          string
	channelFormat string
}

// NewMessageBuilder creates a builder. Empty addresses use the defaults.
func NewMessageBuilder(format MessageFormat, base, channelFormat string) *MessageBuilder {
	if base == "" {
		base = DefaultBaseAddress
	}
	if channelFormat == "" {
		channelFormat = DefaultChannelAddressFormat
	}
	return &MessageBuilder{
		format:        format,
		base:          strings.TrimSuffix(base, "/"),
		channelFormat: channelFormat,
	}
}

// Build returns the messages for one batch. now stamps chunk messages.
func (b *MessageBuilder) Build(batch events.SampleBatch, now time.Time) []*osc.Message {
	if batch.SampleCount == 0 || batch.ChannelCount == 0 {
		return nil
	}

	switch b.format {
	case FormatBatch:
		msg := osc.NewMessage(fmt.Sprintf("%s/batch/%d", b.base, batch.SampleCount), int32(batch.ChannelCount))
		appendFloats(msg, batch.Data)
		return []*osc.Message{msg}

	case FormatChunk:
		ts := float64(now.UnixNano()) / float64(time.Second)
		msg := osc.NewMessage(b.base+"/chunk", ts, int32(batch.SampleCount), int32(batch.ChannelCount))
		appendFloats(msg, batch.Data)
		return []*osc.Message{msg}

	case FormatChunkArray:
		msg := osc.NewMessage(b.base + "/chunk/array")
		appendFloats(msg, batch.Data)
		return []*osc.Message{msg}

	case FormatChannel:
		msgs := make([]*osc.Message, 0, batch.ChannelCount*batch.SampleCount)
		for ch := range batch.ChannelCount {
			addr := fmt.Sprintf(b.channelFormat, ch)
			for _, v := range batch.Channel(ch) {
				msgs = append(msgs, osc.NewMessage(addr, v))
			}
		}
		return msgs

	default:
		msgs := make([]*osc.Message, 0, batch.SampleCount)
		for s := range batch.SampleCount {
			msg := osc.NewMessage(b.base + "/sample")
			appendFloats(msg, batch.Sample(s))
			msgs = append(msgs, msg)
		}
		return msgs
	}
}

func appendFloats(msg *osc.Message, values []float32) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	msg.Append(args...)
}
