package buffer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/ephys2osc/internal/errors"
)

const bytesPerSample = 4

// channel is one circular float32 sample store. Samples are kept little-endian in a
// byte ring of capacity*4 bytes.
type channel struct {
	id       int
	label    string
	capacity int
	ring     *ringbuffer.RingBuffer

	// tailSample and headSample count samples ever written and ever consumed.
	tailSample uint64
	headSample uint64
	// tail is the write position in the circular store. A pop moves it back.
	tail int

	scratch []byte
}

func newChannel(id, capacity int) *channel {
	return &channel{
		id:       id,
		capacity: capacity,
		ring:     ringbuffer.New(capacity * bytesPerSample),
	}
}

// available returns the number of unconsumed samples.
func (c *channel) available() int {
	return int(c.tailSample - c.headSample)
}

// tailIndex is the next write offset within the circular store.
func (c *channel) tailIndex() int {
	return c.tail
}

func (c *channel) push(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	need := len(samples) * bytesPerSample
	if c.ring.Free() < need {
		return fmt.Errorf("channel %d: %d samples pending, %d free: %w",
			c.id, c.available(), c.ring.Free()/bytesPerSample, ErrBufferOverrun)
	}

	buf := c.scratchBytes(need)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*bytesPerSample:], math.Float32bits(v))
	}

	n, err := c.ring.Write(buf)
	if err != nil {
		return fmt.Errorf("channel %d: ring write: %w", c.id, err)
	}
	if n != need {
		return fmt.Errorf("channel %d: short ring write %d of %d bytes: %w", c.id, n, need, ErrBufferOverrun)
	}
	c.tailSample += uint64(len(samples))
	c.tail = (c.tail + len(samples)) % c.capacity
	return nil
}

// pop removes the count most recently pushed unconsumed samples and returns them
// in push order. Older unconsumed samples stay queued in front of the next push.
// The caller checks availability.
func (c *channel) pop(count int) ([]float32, error) {
	avail := c.available()
	all := avail * bytesPerSample
	buf := c.scratchBytes(all)

	n, err := c.ring.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("channel %d: ring read: %w", c.id, err)
	}
	if n != all {
		return nil, fmt.Errorf("channel %d: short ring read %d of %d bytes: %w", c.id, n, all, ErrInsufficientData)
	}

	keep := (avail - count) * bytesPerSample
	if keep > 0 {
		if n, err := c.ring.Write(buf[:keep]); err != nil || n != keep {
			return nil, fmt.Errorf("channel %d: requeue %d of %d bytes: %w", c.id, n, keep, errors.Join(ErrBufferOverrun, err))
		}
	}

	out := make([]float32, count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[keep+i*bytesPerSample:]))
	}
	c.headSample += uint64(count)
	c.tail = (c.tail - count + c.capacity) % c.capacity
	return out, nil
}

func (c *channel) reset() {
	c.ring.Reset()
	c.tailSample = 0
	c.headSample = 0
	c.tail = 0
}

func (c *channel) scratchBytes(n int) []byte {
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	return c.scratch[:n]
}
