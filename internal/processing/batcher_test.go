package processing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func frames(n, channels int) [][]float32 {
	out := make([][]float32, n)
	for s := range out {
		out[s] = make([]float32, channels)
		for ch := range out[s] {
			out[s][ch] = float32(ch*1000 + s)
		}
	}
	return out
}

func TestBatcherEmitsWhenFull(t *testing.T) {
	t.Parallel()

	b := NewBatcher(3, time.Second)
	batches := b.Add(frames(7, 2), t0)

	require.Len(t, batches, 2)
	assert.Equal(t, 1, b.Pending())

	first := batches[0]
	assert.Equal(t, 3, first.SampleCount)
	assert.Equal(t, 2, first.ChannelCount)
	assert.Equal(t, []float32{0, 1, 2, 1000, 1001, 1002}, first.Data, "data is channel-major")
	assert.Equal(t, []float32{3, 4, 5, 1003, 1004, 1005}, batches[1].Data)
}

func TestBatchSizeOneEmitsEverySample(t *testing.T) {
	t.Parallel()

	b := NewBatcher(1, time.Second)
	batches := b.Add(frames(4, 3), t0)

	require.Len(t, batches, 4)
	for s, batch := range batches {
		assert.Equal(t, 1, batch.SampleCount)
		assert.Equal(t, []float32{float32(s), float32(1000 + s), float32(2000 + s)}, batch.Data)
	}
	assert.Zero(t, b.Pending())
}

func TestBatchTimeoutFlush(t *testing.T) {
	t.Parallel()

	b := NewBatcher(100, 50*time.Millisecond)
	assert.Empty(t, b.Add(frames(10, 2), t0))

	assert.False(t, b.Due(t0.Add(49*time.Millisecond)))
	require.True(t, b.Due(t0.Add(50*time.Millisecond)))

	batch, ok := b.FlushPending(t0.Add(50 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 10, batch.SampleCount)
	assert.Len(t, batch.Data, 20)

	assert.False(t, b.Due(t0.Add(time.Hour)), "nothing pending")
	_, ok = b.FlushPending(t0.Add(time.Hour))
	assert.False(t, ok)
}

func TestBatchTimeoutMeasuredFromLastEmit(t *testing.T) {
	t.Parallel()

	b := NewBatcher(2, 100*time.Millisecond)
	require.Len(t, b.Add(frames(2, 1), t0), 1)

	b.Add(frames(1, 1), t0.Add(90*time.Millisecond))
	assert.False(t, b.Due(t0.Add(99*time.Millisecond)))
	assert.True(t, b.Due(t0.Add(100*time.Millisecond)))
	assert.Equal(t, t0.Add(90*time.Millisecond), b.PendingSince())
}

func TestBatcherReset(t *testing.T) {
	t.Parallel()

	b := NewBatcher(10, time.Millisecond)
	b.Add(frames(5, 1), t0)
	b.Reset()

	assert.Zero(t, b.Pending())
	assert.True(t, b.PendingSince().IsZero())
	assert.False(t, b.Due(t0.Add(time.Hour)))
}
