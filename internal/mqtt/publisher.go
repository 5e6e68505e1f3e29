package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

const (
	// maxPendingEvents bounds the lifecycle events buffered while the broker is unreachable.
	maxPendingEvents = 32
	eventBurst       = 5
)

// Publisher mirrors bridge status and delivery statistics to MQTT. Status changes
// and lifecycle events are pushed immediately within a rate limit. Everything is
// republished every StatusInterval.
type Publisher struct {
	cfg        Config
	client     Client
	bus        *events.Bus
	logger     logger.Logger
	session    string
	now        func() time.Time
	limiter    *rate.Limiter
	suppressor *events.Suppressor

	mu        sync.Mutex
	status    StatusDTO
	stats     StatsDTO
	haveStats bool
	pending   []EventDTO
	notify    chan struct{}

	lifecycleMu sync.Mutex
	subs        map[events.Type]events.SubscriptionID
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPublisher creates a publisher. The client is not connected until Start.
func NewPublisher(cfg Config, client Client, bus *events.Bus, log logger.Logger) (*Publisher, error) {
	if client == nil || bus == nil {
		return nil, errors.Newf("mqtt publisher requires a client and a bus").
			Component(componentMQTT).
			Category(errors.CategoryValidation).
			Build()
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	session := uuid.NewString()
	return &Publisher{
		cfg:        cfg,
		client:     client,
		bus:        bus,
		logger:     log.Module(componentMQTT).With(logger.String("session", session)),
		session:    session,
		now:        time.Now,
		limiter:    rate.NewLimiter(rate.Every(cfg.StatusInterval/eventBurst), eventBurst),
		suppressor: events.NewSuppressor(events.DefaultSuppressWindow),
		status:     StatusDTO{Session: session, Version: cfg.Version, Link: "not_connected"},
		notify:     make(chan struct{}, 1),
	}, nil
}

// Session returns the id stamped on every payload of this process.
func (p *Publisher) Session() string {
	return p.session
}

// Topic returns the full topic for a suffix.
func (p *Publisher) Topic(suffix string) string {
	return strings.TrimSuffix(p.cfg.Topic, "/") + "/" + suffix
}

// Start subscribes to the bus and launches the publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.cancel != nil {
		return errors.Newf("mqtt publisher already started").
			Component(componentMQTT).
			Category(errors.CategoryState).
			Build()
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.subs = map[events.Type]events.SubscriptionID{
		events.ConnectionStatusChanged: p.bus.Subscribe(events.ConnectionStatusChanged, p.onLinkStatus),
		events.OSCStatusChanged:        p.bus.Subscribe(events.OSCStatusChanged, p.onOSCStatus),
		events.DataSent:                p.bus.Subscribe(events.DataSent, p.onDataSent),
		events.DataTimeoutWarning:      p.bus.Subscribe(events.DataTimeoutWarning, p.onDataTimeout),
		events.AutoReinitCompleted:     p.bus.Subscribe(events.AutoReinitCompleted, p.onReinit("auto_reinit")),
		events.ManualReinitCompleted:   p.bus.Subscribe(events.ManualReinitCompleted, p.onReinit("manual_reinit")),
	}

	go p.run(runCtx, p.done)

	p.logger.Info("MQTT status publisher started",
		logger.String("topic", p.cfg.Topic),
		logger.Duration("interval", p.cfg.StatusInterval))
	p.bus.PublishEvent(events.ServiceStarted, events.SourceBridge, events.ServicePayload{
		Service: componentMQTT,
		Detail:  p.cfg.Topic,
	})
	return nil
}

// Stop unsubscribes, waits for the publish loop and disconnects from the broker.
func (p *Publisher) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	cancel, done, subs := p.cancel, p.done, p.subs
	p.cancel, p.done, p.subs = nil, nil, nil
	p.lifecycleMu.Unlock()

	if cancel == nil {
		return nil
	}

	for t, id := range subs {
		p.bus.Unsubscribe(t, id)
	}
	cancel()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = errors.Newf("mqtt publisher stop timed out after %s", timeout).
			Component(componentMQTT).
			Category(errors.CategoryTimeout).
			Build()
	}

	p.client.Disconnect()
	p.bus.PublishEvent(events.ServiceStopped, events.SourceBridge, events.ServicePayload{Service: componentMQTT})
	return stopErr
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.StatusInterval)
	defer ticker.Stop()

	p.flush(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx, true)
		case <-p.notify:
			if p.limiter.Allow() {
				p.flush(ctx, false)
			}
		}
	}
}

// flush publishes the current status and buffered events, plus statistics on
// periodic flushes.
func (p *Publisher) flush(ctx context.Context, periodic bool) {
	if !p.ensureConnected(ctx) {
		return
	}

	p.mu.Lock()
	status := p.status
	status.Timestamp = p.now()
	stats, haveStats := p.stats, p.haveStats
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for i, ev := range pending {
		if err := p.publishJSON(ctx, TopicEvents, ev); err != nil {
			p.requeue(pending[i:])
			return
		}
	}
	if err := p.publishJSON(ctx, TopicStatus, status); err != nil {
		return
	}
	if periodic && haveStats {
		stats.Timestamp = status.Timestamp
		_ = p.publishJSON(ctx, TopicStats, stats)
	}
}

func (p *Publisher) ensureConnected(ctx context.Context) bool {
	if p.client.IsConnected() {
		return true
	}
	if err := p.client.Connect(ctx); err != nil {
		p.warnSuppressed("connect", "MQTT broker unavailable",
			logger.String("broker", p.cfg.Broker),
			logger.Error(err))
		return false
	}
	p.logger.Info("MQTT status publisher connected", logger.String("broker", p.cfg.Broker))
	return true
}

func (p *Publisher) publishJSON(ctx context.Context, suffix string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.New(err).
			Component(componentMQTT).
			Category(errors.CategoryMQTTPublish).
			Context("topic", suffix).
			Build()
	}
	topic := p.Topic(suffix)
	if err := p.client.Publish(ctx, topic, payload); err != nil {
		p.warnSuppressed("publish:"+suffix, "MQTT publish failed",
			logger.String("topic", topic),
			logger.Error(err))
		return err
	}
	return nil
}

func (p *Publisher) requeue(evs []EventDTO) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(evs, p.pending...)
	if over := len(p.pending) - maxPendingEvents; over > 0 {
		p.pending = p.pending[over:]
	}
}

func (p *Publisher) warnSuppressed(key, msg string, fields ...logger.Field) {
	allowed, suppressed := p.suppressor.Allow(key)
	if !allowed {
		return
	}
	if suppressed > 0 {
		fields = append(fields, logger.Int("suppressed", suppressed))
	}
	p.logger.Warn(msg, fields...)
}

func (p *Publisher) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Publisher) addEvent(ev EventDTO) {
	ev.Session = p.session
	ev.Timestamp = p.now()
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	if over := len(p.pending) - maxPendingEvents; over > 0 {
		p.pending = p.pending[over:]
	}
	p.mu.Unlock()
	p.signal()
}

func (p *Publisher) onLinkStatus(e events.Event) error {
	s, ok := e.Payload.(events.LinkStatus)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	p.mu.Lock()
	p.status.applyLink(s)
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Publisher) onOSCStatus(e events.Event) error {
	s, ok := e.Payload.(events.OSCStatus)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	p.mu.Lock()
	p.status.OSCRunning = s.Running
	p.status.OSCTarget = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	p.status.OSCFormat = s.Format
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Publisher) onDataSent(e events.Event) error {
	s, ok := e.Payload.(events.DeliveryStats)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	p.mu.Lock()
	p.stats = newStatsDTO(p.session, time.Time{}, s)
	p.haveStats = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) onDataTimeout(e events.Event) error {
	t, ok := e.Payload.(events.TimeoutPayload)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	p.addEvent(EventDTO{
		Type:   "data_timeout",
		Detail: fmt.Sprintf("no data for %s", t.Timeout),
	})
	return nil
}

func (p *Publisher) onReinit(kind string) events.Handler {
	return func(e events.Event) error {
		r, ok := e.Payload.(events.ReinitPayload)
		if !ok {
			return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
		}
		p.addEvent(EventDTO{Type: kind, Channels: r.PreviousChannels})
		return nil
	}
}
