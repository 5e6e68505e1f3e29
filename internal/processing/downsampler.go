package processing

// Downsampler divides the per-channel sample rate by a fixed factor. Samples are
// accumulated into a window of depth factor; each full window is reduced to one
// output sample.
type Downsampler struct {
	channels int
	factor   int
	method   Method

	// window[pos][ch]
	window [][]float32
	pos    int

	samplesIn  uint64
	samplesOut uint64
}

// NewDownsampler creates a downsampler. A factor below 1 is treated as 1.
func NewDownsampler(channels, factor int, method Method) *Downsampler {
	factor = max(factor, 1)
	window := make([][]float32, factor)
	for i := range window {
		window[i] = make([]float32, channels)
	}
	return &Downsampler{
		channels: channels,
		factor:   factor,
		method:   method,
		window:   window,
	}
}

// Add consumes a channel-major block (block[ch][s]) one sample at a time and returns
// the completed output samples, each holding one value per channel. Blocks whose row
// count differs from the configured channel count are ignored; ragged rows are
// truncated to the shortest.
func (d *Downsampler) Add(block [][]float32) [][]float32 {
	if len(block) != d.channels || d.channels == 0 {
		return nil
	}
	n := len(block[0])
	for _, row := range block[1:] {
		n = min(n, len(row))
	}
	d.samplesIn += uint64(n)

	if d.factor == 1 {
		out := make([][]float32, n)
		for s := range n {
			frame := make([]float32, d.channels)
			for ch := range d.channels {
				frame[ch] = block[ch][s]
			}
			out[s] = frame
		}
		d.samplesOut += uint64(n)
		return out
	}

	var out [][]float32
	for s := range n {
		slot := d.window[d.pos]
		for ch := range d.channels {
			slot[ch] = block[ch][s]
		}
		d.pos++
		if d.pos == d.factor {
			out = append(out, d.reduce())
			d.pos = 0
		}
	}
	d.samplesOut += uint64(len(out))
	return out
}

func (d *Downsampler) reduce() []float32 {
	frame := make([]float32, d.channels)
	if d.method == MethodDecimate {
		copy(frame, d.window[d.factor-1])
		return frame
	}
	for ch := range d.channels {
		var sum float64
		for _, slot := range d.window {
			sum += float64(slot[ch])
		}
		frame[ch] = float32(sum / float64(d.factor))
	}
	return frame
}

// Reset discards a partial window.
func (d *Downsampler) Reset() {
	d.pos = 0
	for _, slot := range d.window {
		clear(slot)
	}
	d.samplesIn = 0
	d.samplesOut = 0
}

// Channels returns the configured channel count.
func (d *Downsampler) Channels() int { return d.channels }

// Factor returns the downsampling factor.
func (d *Downsampler) Factor() int { return d.factor }

// Fill returns how many samples the current window holds.
func (d *Downsampler) Fill() int { return d.pos }
