package oscout

import (
	"sync"
	"time"
)

const (
	rateArrivalWindow = 50
	rateMeanWindow    = 10 * time.Second
	dataFlowIdle      = 2 * time.Second
)

type ratePoint struct {
	at   time.Time
	rate float64
}

// RateEstimator derives the incoming sample rate from block arrival times.
type RateEstimator struct {
	mu                sync.Mutex
	arrivals          []time.Time
	samplesPerMessage int
	current           float64
	mean              float64
	history           []ratePoint
	lastArrival       time.Time
	active            bool
}

// NewRateEstimator returns an idle estimator.
func NewRateEstimator() *RateEstimator {
	return &RateEstimator{arrivals: make([]time.Time, 0, rateArrivalWindow)}
}

// Observe records a block of samples arriving at the given time. Empty blocks mark
// the data flow active without touching the rate.
func (r *RateEstimator) Observe(samples int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastArrival = at
	r.active = true
	if samples <= 0 {
		return
	}

	r.samplesPerMessage = samples
	if len(r.arrivals) == rateArrivalWindow {
		r.arrivals = append(r.arrivals[:0], r.arrivals[1:]...)
	}
	r.arrivals = append(r.arrivals, at)
	if len(r.arrivals) < 2 {
		return
	}

	span := r.arrivals[len(r.arrivals)-1].Sub(r.arrivals[0]).Seconds()
	if span <= 0 {
		return
	}
	r.current = float64(len(r.arrivals)*r.samplesPerMessage) / span

	r.history = append(r.history, ratePoint{at: at, rate: r.current})
	cutoff := at.Add(-rateMeanWindow)
	keep := r.history[:0]
	var sum float64
	for _, p := range r.history {
		if p.at.Before(cutoff) {
			continue
		}
		keep = append(keep, p)
		sum += p.rate
	}
	r.history = keep
	r.mean = sum / float64(len(keep))
}

// Rates returns the instantaneous and trailing mean rate in samples per second.
// After two seconds without arrivals the flow is inactive and both read zero.
func (r *RateEstimator) Rates(now time.Time) (current, mean float64, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active && now.Sub(r.lastArrival) > dataFlowIdle {
		r.active = false
		r.current = 0
	}
	if !r.active {
		return 0, 0, false
	}
	return r.current, r.mean, true
}

// Reset forgets every arrival.
func (r *RateEstimator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.arrivals = r.arrivals[:0]
	r.history = nil
	r.samplesPerMessage = 0
	r.current = 0
	r.mean = 0
	r.lastArrival = time.Time{}
	r.active = false
}
