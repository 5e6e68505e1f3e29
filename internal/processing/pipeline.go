// Package processing turns popped channel blocks into delivery-ready batches:
// downsampling first, then batching.
package processing

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

const (
	maxFlushCheckInterval = 10 * time.Millisecond
	minFlushCheckInterval = time.Millisecond
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	DownsamplingFactor int
	DownsamplingMethod string
	DownsamplingActive bool
	BatchSize          int
	BatchTimeout       time.Duration
	Channels           int
	WindowFill         int
	PendingSamples     int
	BlocksIn           uint64
	BatchesOut         uint64
	TimeoutFlushes     uint64
}

// Pipeline subscribes to DataProcessed, downsamples and batches the blocks, and
// publishes BatchReady. A ticker flushes under-full batches once the batch timeout
// passes so latency stays bounded at low input rates.
type Pipeline struct {
	cfg    Config
	method Method
	bus    *events.Bus
	logger logger.Logger
	now    func() time.Time

	mu             sync.Mutex
	downsampler    *Downsampler
	batcher        *Batcher
	channels       int
	lastReceivedAt time.Time
	blocksIn       uint64
	batchesOut     uint64
	timeoutFlushes uint64

	subs   map[events.Type]events.SubscriptionID
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline validates cfg and creates a stopped pipeline.
func NewPipeline(cfg Config, bus *events.Bus, log logger.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, errors.Newf("pipeline requires an event bus").
			Component(componentProcessing).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	method, _ := ParseMethod(cfg.DownsamplingMethod)

	return &Pipeline{
		cfg:     cfg,
		method:  method,
		bus:     bus,
		logger:  log.Module(componentProcessing),
		now:     time.Now,
		batcher: NewBatcher(cfg.BatchSize, cfg.BatchTimeout),
	}, nil
}

// Start subscribes to the bus and starts the timeout flusher.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errors.Newf("pipeline already started").
			Component(componentProcessing).
			Category(errors.CategoryState).
			Build()
	}

	p.subs = map[events.Type]events.SubscriptionID{
		events.DataProcessed:         p.bus.Subscribe(events.DataProcessed, p.onDataProcessed),
		events.AutoReinitCompleted:   p.bus.Subscribe(events.AutoReinitCompleted, p.onReinit),
		events.ManualReinitCompleted: p.bus.Subscribe(events.ManualReinitCompleted, p.onReinit),
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.flushLoop(runCtx, p.done)

	p.logger.Info("processing pipeline started",
		logger.Int("downsampling_factor", p.cfg.DownsamplingFactor),
		logger.String("downsampling_method", string(p.method)),
		logger.Int("batch_size", p.cfg.BatchSize),
		logger.Duration("batch_timeout", p.cfg.BatchTimeout))
	return nil
}

// Stop unsubscribes, waits up to timeout for the flusher and emits any pending samples.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cancel, done, subs := p.cancel, p.done, p.subs
	p.cancel, p.done, p.subs = nil, nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return errors.Newf("pipeline not started").
			Component(componentProcessing).
			Category(errors.CategoryState).
			Build()
	}

	for t, id := range subs {
		p.bus.Unsubscribe(t, id)
	}
	cancel()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("pipeline flusher did not stop in time", logger.Duration("timeout", timeout))
		stopErr = errors.Newf("pipeline stop timed out after %s", timeout).
			Component(componentProcessing).
			Category(errors.CategoryTimeout).
			Build()
	}

	if p.bus.HandlerCount(events.BatchReady) == 0 {
		p.mu.Lock()
		if n := p.batcher.Pending(); n > 0 {
			p.logger.Debug("no batch consumer, discarding partial batch", logger.Int("samples", n))
		}
		p.batcher.Reset()
		p.mu.Unlock()
	} else {
		p.flush(false)
	}

	p.mu.Lock()
	p.logger.Info("processing pipeline stopped",
		logger.Uint64("blocks_in", p.blocksIn),
		logger.Uint64("batches_out", p.batchesOut))
	p.mu.Unlock()
	return stopErr
}

func (p *Pipeline) flushInterval() time.Duration {
	return min(max(p.cfg.BatchTimeout/2, minFlushCheckInterval), maxFlushCheckInterval)
}

func (p *Pipeline) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if p.cfg.BatchSize <= 1 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.flushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(true)
		}
	}
}

// flush emits the pending batch. With onlyIfDue set it does so only once the batch
// timeout has passed.
func (p *Pipeline) flush(onlyIfDue bool) {
	now := p.now()

	p.mu.Lock()
	if onlyIfDue && !p.batcher.Due(now) {
		p.mu.Unlock()
		return
	}
	since := p.batcher.PendingSince()
	batch, ok := p.batcher.FlushPending(now)
	if !ok {
		p.mu.Unlock()
		return
	}
	p.batchesOut++
	if onlyIfDue {
		p.timeoutFlushes++
	}
	receivedAt := p.lastReceivedAt
	p.mu.Unlock()

	p.bus.PublishEvent(events.BatchReady, events.SourcePipeline, events.BatchReadyPayload{
		Batch:      batch,
		ReceivedAt: receivedAt,
		BatchDelay: now.Sub(since),
	})
}

func (p *Pipeline) onDataProcessed(e events.Event) error {
	payload, ok := e.Payload.(events.DataProcessedPayload)
	if !ok {
		return errors.Newf("unexpected payload %T for %s", e.Payload, e.Type).
			Component(componentProcessing).
			Category(errors.CategoryProcessing).
			Build()
	}
	if len(payload.Channels) == 0 {
		return nil
	}

	now := p.now()
	receivedAt := payload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	p.mu.Lock()
	if p.downsampler == nil || p.channels != len(payload.Channels) {
		p.initLocked(len(payload.Channels))
	}
	p.blocksIn++
	p.lastReceivedAt = receivedAt

	since := p.batcher.PendingSince()
	frames := p.downsampler.Add(payload.Channels)
	batches := p.batcher.Add(frames, now)
	p.batchesOut += uint64(len(batches))
	p.mu.Unlock()

	for i, batch := range batches {
		var delay time.Duration
		if i == 0 && !since.IsZero() {
			delay = now.Sub(since)
		}
		p.bus.PublishEvent(events.BatchReady, events.SourcePipeline, events.BatchReadyPayload{
			Batch:      batch,
			ReceivedAt: receivedAt,
			BatchDelay: delay,
		})
	}
	return nil
}

func (p *Pipeline) initLocked(channels int) {
	if p.channels != 0 && p.channels != channels {
		p.logger.Info("channel count changed, reinitializing processing",
			logger.Int("previous_channels", p.channels),
			logger.Int("channels", channels))
	}
	p.channels = channels
	p.downsampler = NewDownsampler(channels, p.cfg.DownsamplingFactor, p.method)
	p.batcher.Reset()
}

func (p *Pipeline) onReinit(events.Event) error {
	p.Reset()
	return nil
}

// Reset discards partial windows and pending samples. The next block re-initializes
// the channel layout.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.downsampler != nil {
		p.downsampler.Reset()
	}
	p.batcher.Reset()
	p.downsampler = nil
	p.channels = 0
	p.lastReceivedAt = time.Time{}

	p.logger.Debug("processing state reset")
}

// Status returns the current configuration and fill state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		DownsamplingFactor: p.cfg.DownsamplingFactor,
		DownsamplingMethod: string(p.method),
		DownsamplingActive: p.cfg.DownsamplingFactor > 1,
		BatchSize:          p.batcher.Size(),
		BatchTimeout:       p.cfg.BatchTimeout,
		Channels:           p.channels,
		PendingSamples:     p.batcher.Pending(),
		BlocksIn:           p.blocksIn,
		BatchesOut:         p.batchesOut,
		TimeoutFlushes:     p.timeoutFlushes,
	}
	if p.downsampler != nil {
		st.WindowFill = p.downsampler.Fill()
	}
	return st
}
