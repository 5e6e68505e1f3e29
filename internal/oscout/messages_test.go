package oscout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/ephys2osc/internal/events"
)

// batchOf builds a channel-major batch where channel ch holds base+ch*10+s.
func batchOf(channels, samples int, base float32) events.SampleBatch {
	data := make([]float32, 0, channels*samples)
	for ch := range channels {
		for s := range samples {
			data = append(data, base+float32(ch*10+s))
		}
	}
	return events.SampleBatch{SampleCount: samples, ChannelCount: channels, Data: data}
}

func TestMessageBuilderFormats(t *testing.T) {
	t.Parallel()

	batch := batchOf(2, 3, 0) // ch0: 0 1 2, ch1: 10 11 12
	now := time.Unix(1700000000, 500_000_000)

	tests := []struct {
		format    MessageFormat
		addresses []string
		args      [][]any
	}{
		{
			format:    FormatSample,
			addresses: []string{"/data/sample", "/data/sample", "/data/sample"},
			args: [][]any{
				{float32(0), float32(10)},
				{float32(1), float32(11)},
				{float32(2), float32(12)},
			},
		},
		{
			format:    FormatBatch,
			addresses: []string{"/data/batch/3"},
			args:      [][]any{{int32(2), float32(0), float32(1), float32(2), float32(10), float32(11), float32(12)}},
		},
		{
			format:    FormatChunk,
			addresses: []string{"/data/chunk"},
			args:      [][]any{{1700000000.5, int32(3), int32(2), float32(0), float32(1), float32(2), float32(10), float32(11), float32(12)}},
		},
		{
			format:    FormatChunkArray,
			addresses: []string{"/data/chunk/array"},
			args:      [][]any{{float32(0), float32(1), float32(2), float32(10), float32(11), float32(12)}},
		},
		{
			format:    FormatChannel,
			addresses: []string{"/ch000", "/ch000", "/ch000", "/ch001", "/ch001", "/ch001"},
			args: [][]any{
				{float32(0)}, {float32(1)}, {float32(2)},
				{float32(10)}, {float32(11)}, {float32(12)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			t.Parallel()

			msgs := NewMessageBuilder(tt.format, "/data/", "").Build(batch, now)
			require.Len(t, msgs, len(tt.addresses))
			for i, msg := range msgs {
				assert.Equal(t, tt.addresses[i], msg.Address)
				assert.Equal(t, tt.args[i], msg.Arguments)
			}
		})
	}
}

func TestChannelFormatIgnoresBaseAddress(t *testing.T) {
	t.Parallel()

	msgs := NewMessageBuilder(FormatChannel, "/data", "/eeg/%d").Build(batchOf(3, 1, 0), time.Now())
	require.Len(t, msgs, 3)
	assert.Equal(t, "/eeg/2", msgs[2].Address)
	assert.Equal(t, []any{float32(20)}, msgs[2].Arguments)
}

func TestMessageBuilderEmptyBatch(t *testing.T) {
	t.Parallel()

	b := NewMessageBuilder(FormatBatch, "", "")
	assert.Empty(t, b.Build(events.SampleBatch{}, time.Now()))
}

func TestParseMessageFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseMessageFormat("CHUNK_ARRAY")
	require.NoError(t, err)
	assert.Equal(t, FormatChunkArray, f)

	_, err = ParseMessageFormat("json")
	require.Error(t, err)
}
