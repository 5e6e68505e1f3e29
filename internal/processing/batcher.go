package processing

import (
	"time"

	"github.com/tphakala/ephys2osc/internal/events"
)

// Batch is a group of samples flattened channel-major.
type Batch = events.SampleBatch

// Batcher groups samples into batches of a target size, or fewer when the timeout
// passes with samples pending.
type Batcher struct {
	size    int
	timeout time.Duration

	pending      [][]float32
	pendingSince time.Time
	lastFlush    time.Time
}

// NewBatcher creates a batcher. A size below 1 is treated as 1.
func NewBatcher(size int, timeout time.Duration) *Batcher {
	size = max(size, 1)
	return &Batcher{
		size:    size,
		timeout: timeout,
		pending: make([][]float32, 0, size),
	}
}

// Add appends sample frames (one value per channel) and returns every batch that
// reached the target size.
func (b *Batcher) Add(frames [][]float32, now time.Time) []Batch {
	if b.lastFlush.IsZero() {
		b.lastFlush = now
	}

	var out []Batch
	for _, frame := range frames {
		if len(b.pending) == 0 {
			b.pendingSince = now
		}
		b.pending = append(b.pending, frame)
		if len(b.pending) >= b.size {
			out = append(out, b.take(now))
		}
	}
	return out
}

// Due reports whether pending samples have waited longer than the timeout since the
// last emitted batch.
func (b *Batcher) Due(now time.Time) bool {
	return len(b.pending) > 0 && b.timeout > 0 && now.Sub(b.lastFlush) >= b.timeout
}

// FlushPending emits whatever is pending as an under-full batch.
func (b *Batcher) FlushPending(now time.Time) (Batch, bool) {
	if len(b.pending) == 0 {
		return Batch{}, false
	}
	return b.take(now), true
}

// PendingSince returns when the oldest pending sample arrived, zero if none is pending.
func (b *Batcher) PendingSince() time.Time {
	if len(b.pending) == 0 {
		return time.Time{}
	}
	return b.pendingSince
}

// Pending returns the number of samples waiting for a batch.
func (b *Batcher) Pending() int { return len(b.pending) }

// Size returns the target batch size.
func (b *Batcher) Size() int { return b.size }

// Reset drops pending samples and restarts the timeout window.
func (b *Batcher) Reset() {
	b.pending = b.pending[:0]
	b.pendingSince = time.Time{}
	b.lastFlush = time.Time{}
}

func (b *Batcher) take(now time.Time) Batch {
	n := len(b.pending)
	channels := len(b.pending[0])
	data := make([]float32, n*channels)
	for s, frame := range b.pending {
		for ch := range min(channels, len(frame)) {
			data[ch*n+s] = frame[ch]
		}
	}

	clear(b.pending)
	b.pending = b.pending[:0]
	b.pendingSince = time.Time{}
	b.lastFlush = now

	return Batch{SampleCount: n, ChannelCount: channels, Data: data}
}
