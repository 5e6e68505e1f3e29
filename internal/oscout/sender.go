// Package oscout delivers processed sample batches to an OSC consumer over UDP through
// a bounded queue drained by a single sender goroutine.
package oscout

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

const (
	componentSender = "oscout"

	DefaultHost = "127.0.0.1"
	DefaultPort = 10000

	defaultIdleInterval = time.Millisecond
	delayHistory        = 100
)

// Config holds the sender settings. The processing fields only feed status events.
type Config struct {
	Host                 string
	Port                 int
	BaseAddress          string
	ChannelAddressFormat string
	Format               MessageFormat
	QueueMaxSize         int
	OverflowPolicy       OverflowPolicy
	IdleInterval         time.Duration

	BatchSize          int
	DownsamplingFactor int
	DownsamplingMethod string
}

// DefaultConfig returns the stock sender settings.
func DefaultConfig() Config {
	return Config{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		BaseAddress:          DefaultBaseAddress,
		ChannelAddressFormat: DefaultChannelAddressFormat,
		Format:               FormatSample,
		QueueMaxSize:         DefaultQueueMaxSize,
		OverflowPolicy:       DropOldest,
		IdleInterval:         defaultIdleInterval,
		BatchSize:            1,
		DownsamplingFactor:   1,
		DownsamplingMethod:   "average",
	}
}

// Sender enqueues BatchReady payloads and transmits them on its own goroutine.
type Sender struct {
	cfg        Config
	tx         Transmitter
	bus        *events.Bus
	logger     logger.Logger
	now        func() time.Time
	builder    *MessageBuilder
	queue      *Queue
	rate       *RateEstimator
	suppressor *events.Suppressor

	mu           sync.Mutex
	delays       []float64
	messagesSent uint64
	sendErrors   uint64

	lifecycleMu sync.Mutex
	subs        map[events.Type]events.SubscriptionID
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewSender creates a stopped sender.
func NewSender(cfg Config, tx Transmitter, bus *events.Bus, log logger.Logger) (*Sender, error) {
	if tx == nil {
		return nil, errors.Newf("sender needs a transmitter").
			Component(componentSender).
			Category(errors.CategoryValidation).
			Build()
	}
	if bus == nil {
		return nil, errors.Newf("sender needs an event bus").
			Component(componentSender).
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Format == "" {
		cfg.Format = FormatSample
	}
	if _, err := ParseMessageFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}

	return &Sender{
		cfg:        cfg,
		tx:         tx,
		bus:        bus,
		logger:     log.Module(componentSender),
		now:        time.Now,
		builder:    NewMessageBuilder(cfg.Format, cfg.BaseAddress, cfg.ChannelAddressFormat),
		queue:      NewQueue(cfg.QueueMaxSize, cfg.OverflowPolicy),
		rate:       NewRateEstimator(),
		suppressor: events.NewSuppressor(events.DefaultSuppressWindow),
		delays:     make([]float64, 0, delayHistory),
	}, nil
}

// Queue exposes the delivery queue for status and tests.
func (s *Sender) Queue() *Queue {
	return s.queue
}

// Start subscribes to the bus and launches the sender goroutine.
func (s *Sender) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel != nil {
		return errors.Newf("sender already started").
			Component(componentSender).
			Category(errors.CategoryState).
			Build()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.subs = map[events.Type]events.SubscriptionID{
		events.BatchReady:            s.bus.Subscribe(events.BatchReady, s.onBatchReady),
		events.DataProcessed:         s.bus.Subscribe(events.DataProcessed, s.onDataProcessed),
		events.AutoReinitCompleted:   s.bus.Subscribe(events.AutoReinitCompleted, s.onReinit),
		events.ManualReinitCompleted: s.bus.Subscribe(events.ManualReinitCompleted, s.onReinit),
	}

	go s.run(runCtx, s.done)

	s.logger.Info("OSC sender started",
		logger.String("host", s.cfg.Host),
		logger.Int("port", s.cfg.Port),
		logger.String("format", string(s.cfg.Format)),
		logger.String("overflow_policy", string(s.queue.Policy())))
	s.bus.PublishEvent(events.ServiceStarted, events.SourceSender, events.ServicePayload{
		Service: componentSender,
		Detail:  string(s.cfg.Format),
	})
	s.bus.PublishEvent(events.OSCStatusChanged, events.SourceSender, s.status(true))
	return nil
}

// Stop unsubscribes, waits up to timeout for the sender goroutine and closes the
// transmitter. Items still queued are discarded.
func (s *Sender) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	cancel, done, subs := s.cancel, s.done, s.subs
	s.cancel, s.done, s.subs = nil, nil, nil
	s.lifecycleMu.Unlock()

	if cancel == nil {
		return nil
	}

	for t, id := range subs {
		s.bus.Unsubscribe(t, id)
	}
	cancel()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("sender did not stop in time", logger.Duration("timeout", timeout))
		stopErr = errors.Newf("sender stop timed out after %s", timeout).
			Component(componentSender).
			Category(errors.CategoryTimeout).
			Build()
	}

	if n := s.queue.Clear(); n > 0 {
		s.logger.Debug("discarded queued batches on stop", logger.Int("batches", n))
	}
	if err := s.tx.Close(); err != nil {
		s.logger.Warn("closing OSC transmitter failed", logger.Error(err))
	}

	s.bus.PublishEvent(events.OSCStatusChanged, events.SourceSender, s.status(false))
	s.bus.PublishEvent(events.ServiceStopped, events.SourceSender, events.ServicePayload{Service: componentSender})
	return stopErr
}

func (s *Sender) status(running bool) events.OSCStatus {
	return events.OSCStatus{
		Running:            running,
		Host:               s.cfg.Host,
		Port:               s.cfg.Port,
		Format:             string(s.cfg.Format),
		BatchSize:          s.cfg.BatchSize,
		DownsamplingFactor: s.cfg.DownsamplingFactor,
		DownsamplingMethod: s.cfg.DownsamplingMethod,
	}
}

func (s *Sender) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.IdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainQueued()
			return
		case <-s.queue.Ready():
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	for ctx.Err() == nil {
		item, ok := s.queue.TryDequeue()
		if !ok {
			return
		}
		s.deliver(item)
	}
}

// drainQueued delivers the items queued when the loop was cancelled. The BatchReady
// subscription is gone by then, so the queue only shrinks.
func (s *Sender) drainQueued() {
	for range s.queue.Len() {
		item, ok := s.queue.TryDequeue()
		if !ok {
			return
		}
		s.deliver(item)
	}
}

func (s *Sender) deliver(item DeliveryItem) {
	now := s.now()
	delayMs := float64(now.Sub(item.ReceivedAt)) / float64(time.Millisecond)

	msgs := s.builder.Build(item.Batch, now)
	for _, msg := range msgs {
		if err := s.tx.Send(msg); err != nil {
			s.handleSendError(err, msg.Address)
			return
		}
	}

	s.mu.Lock()
	if len(s.delays) == delayHistory {
		s.delays = append(s.delays[:0], s.delays[1:]...)
	}
	s.delays = append(s.delays, delayMs)
	s.messagesSent++
	stats := s.statsLocked(now)
	s.mu.Unlock()

	stats.OSCMessages = len(msgs)
	stats.DelayMs = delayMs
	stats.BatchDelayMs = float64(item.BatchDelay) / float64(time.Millisecond)
	stats.NumChannels = item.Batch.ChannelCount
	stats.NumSamples = item.Batch.SampleCount

	s.logger.Trace("batch delivered",
		logger.Int("messages", len(msgs)),
		logger.Float64("delay_ms", delayMs))
	s.bus.PublishEvent(events.DataSent, events.SourceSender, stats)
}

// statsLocked fills the counters shared by every DataSent event. Callers hold s.mu.
func (s *Sender) statsLocked(now time.Time) events.DeliveryStats {
	current, mean, active := s.rate.Rates(now)

	var avg float64
	if active && len(s.delays) > 0 {
		for _, d := range s.delays {
			avg += d
		}
		avg /= float64(len(s.delays))
	}

	return events.DeliveryStats{
		MessagesSent:         s.messagesSent,
		QueueSize:            s.queue.Len(),
		QueueOverflows:       s.queue.Overflows(),
		MessagesDropped:      s.queue.Dropped(),
		AvgDelayMs:           avg,
		CalculatedSampleRate: current,
		MeanSampleRate:       mean,
		DataFlowActive:       active,
	}
}

func (s *Sender) handleSendError(err error, address string) {
	s.mu.Lock()
	s.sendErrors++
	count := s.sendErrors
	s.mu.Unlock()

	wrapped := errors.New(err).
		Component(componentSender).
		Category(errors.CategoryNetwork).
		Context("address", address).
		Context("errors", count).
		Build()

	if allowed, suppressed := s.suppressor.Allow("send"); allowed {
		s.logger.Warn("OSC send failed",
			logger.Error(wrapped),
			logger.String("address", address),
			logger.Int("suppressed", suppressed))
	}
	s.bus.PublishEvent(events.OSCConnectionError, events.SourceSender, events.ErrorPayload{
		Err:      wrapped,
		Endpoint: s.endpoint(),
		Action:   "sending_data",
	})
}

func (s *Sender) endpoint() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// SendErrors returns the number of failed transmissions.
func (s *Sender) SendErrors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErrors
}

func (s *Sender) onBatchReady(e events.Event) error {
	payload, ok := e.Payload.(events.BatchReadyPayload)
	if !ok {
		return errors.Newf("unexpected payload %T for %s", e.Payload, e.Type).
			Component(componentSender).
			Category(errors.CategoryProcessing).
			Build()
	}

	dropped := s.queue.Enqueue(DeliveryItem{
		ReceivedAt: payload.ReceivedAt,
		Batch:      payload.Batch,
		BatchDelay: payload.BatchDelay,
	})
	if dropped {
		if allowed, suppressed := s.suppressor.Allow("overflow"); allowed {
			s.logger.Warn("delivery queue full, batch dropped",
				logger.String("policy", string(s.queue.Policy())),
				logger.Uint64("overflows", s.queue.Overflows()),
				logger.Int("suppressed", suppressed))
		}
	}
	return nil
}

func (s *Sender) onDataProcessed(e events.Event) error {
	payload, ok := e.Payload.(events.DataProcessedPayload)
	if !ok {
		return nil
	}
	at := payload.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	s.rate.Observe(payload.NumSamples, at)
	return nil
}

// onReinit clears rate and delay tracking and the drop counter, then publishes zeroed
// statistics so consumers see the reset at once.
func (s *Sender) onReinit(events.Event) error {
	s.rate.Reset()
	s.queue.ResetDropped()

	s.mu.Lock()
	s.delays = s.delays[:0]
	stats := s.statsLocked(s.now())
	s.mu.Unlock()

	s.bus.PublishEvent(events.DataSent, events.SourceSender, stats)
	return nil
}
