// Package bridge wires the ZMQ link, the processing pipeline and the OSC sender
// around one event bus and runs them as a single service.
package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/ephys2osc/internal/buffer"
	"github.com/tphakala/ephys2osc/internal/buildinfo"
	"github.com/tphakala/ephys2osc/internal/conf"
	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
	"github.com/tphakala/ephys2osc/internal/mqtt"
	"github.com/tphakala/ephys2osc/internal/observability"
	"github.com/tphakala/ephys2osc/internal/oscout"
	"github.com/tphakala/ephys2osc/internal/processing"
	"github.com/tphakala/ephys2osc/internal/zmqlink"
)

const (
	componentBridge = "bridge"

	// DefaultStopTimeout bounds each component's shutdown.
	DefaultStopTimeout = 5 * time.Second
)

// Option overrides a dependency, mainly for tests.
type Option func(*options)

type options struct {
	bus         *events.Bus
	factory     zmqlink.SocketFactory
	transmitter oscout.Transmitter
	mqttClient  mqtt.Client
	linkOpts    []zmqlink.Option
	stopTimeout time.Duration
}

// WithBus injects the event bus instead of creating one.
func WithBus(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithSocketFactory replaces the ZMQ socket factory.
func WithSocketFactory(f zmqlink.SocketFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithTransmitter replaces the UDP OSC transmitter.
func WithTransmitter(tx oscout.Transmitter) Option {
	return func(o *options) { o.transmitter = tx }
}

// WithMQTTClient replaces the paho client used by the status publisher.
func WithMQTTClient(c mqtt.Client) Option {
	return func(o *options) { o.mqttClient = c }
}

// WithLinkOptions passes options through to the ZMQ link.
func WithLinkOptions(opts ...zmqlink.Option) Option {
	return func(o *options) { o.linkOpts = append(o.linkOpts, opts...) }
}

// WithStopTimeout sets the per-component shutdown bound.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

// Bridge owns every component built from one Settings value.
type Bridge struct {
	settings    *conf.Settings
	bus         *events.Bus
	logger      logger.Logger
	stopTimeout time.Duration

	manager   *buffer.Manager
	link      *zmqlink.Link
	pipeline  *processing.Pipeline
	sender    *oscout.Sender
	metrics   *observability.Metrics
	endpoint  *observability.Endpoint
	publisher *mqtt.Publisher

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	lifecycleMu   sync.Mutex
	running       bool
	detachMetrics func()
	subs          map[events.Type]events.SubscriptionID
}

// New builds the bridge. Nothing runs until Start.
func New(settings *conf.Settings, log logger.Logger, opts ...Option) (*Bridge, error) {
	if settings == nil {
		return nil, errors.Newf("bridge requires settings").
			Component(componentBridge).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	o := options{stopTimeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = events.NewBus(log)
	}
	if o.factory == nil {
		o.factory = zmqlink.NewZMQFactory()
	}
	if o.transmitter == nil {
		o.transmitter = oscout.NewUDPTransmitter(settings.OSC.Host, settings.OSC.Port)
	}

	b := &Bridge{
		settings:    settings,
		bus:         o.bus,
		logger:      log.Module(componentBridge),
		stopTimeout: o.stopTimeout,
		shutdownCh:  make(chan struct{}),
	}

	var err error
	if b.metrics, err = observability.NewMetrics(); err != nil {
		return nil, errors.New(err).
			Component(componentBridge).
			Category(errors.CategoryResource).
			Build()
	}

	b.manager = buffer.NewManager(settings.ZMQ.BufferSize, b.bus, log)
	b.link = zmqlink.NewLink(linkConfig(settings), o.factory, b.manager, b.bus, log, o.linkOpts...)

	if b.pipeline, err = processing.NewPipeline(pipelineConfig(settings), b.bus, log); err != nil {
		return nil, err
	}

	senderCfg, err := senderConfig(settings)
	if err != nil {
		return nil, err
	}
	if b.sender, err = oscout.NewSender(senderCfg, o.transmitter, b.bus, log); err != nil {
		return nil, err
	}

	if settings.Telemetry.Enabled {
		if b.endpoint, err = observability.NewEndpoint(settings.Telemetry.Listen, b.metrics, log); err != nil {
			return nil, err
		}
	}

	if settings.MQTT.Enabled {
		mqttCfg := mqttConfig(settings)
		client := o.mqttClient
		if client == nil {
			if client, err = mqtt.NewClient(mqttCfg, b.metrics.MQTT, log); err != nil {
				return nil, err
			}
		}
		if b.publisher, err = mqtt.NewPublisher(mqttCfg, client, b.bus, log); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Bus returns the event bus shared by every component.
func (b *Bridge) Bus() *events.Bus {
	return b.bus
}

// Metrics returns the Prometheus collectors of this bridge.
func (b *Bridge) Metrics() *observability.Metrics {
	return b.metrics
}

// Link returns the ZMQ link.
func (b *Bridge) Link() *zmqlink.Link {
	return b.link
}

// Sender returns the OSC sender.
func (b *Bridge) Sender() *oscout.Sender {
	return b.sender
}

// ShutdownRequested is closed once a ShutdownRequested event was published.
func (b *Bridge) ShutdownRequested() <-chan struct{} {
	return b.shutdownCh
}

// Start launches the outer services concurrently, then the core chain from the
// consumer end so that no batch is published before its subscriber exists.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.running {
		return errors.Newf("bridge already started").
			Component(componentBridge).
			Category(errors.CategoryState).
			Build()
	}

	b.detachMetrics = b.metrics.Attach(b.bus)
	b.subs = map[events.Type]events.SubscriptionID{
		events.ManualReinitRequested: b.bus.Subscribe(events.ManualReinitRequested, b.onManualReinitRequested),
		events.ShutdownRequested:     b.bus.Subscribe(events.ShutdownRequested, b.onShutdownRequested),
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.endpoint != nil {
		g.Go(func() error { return b.endpoint.Start(gctx) })
	}
	if b.publisher != nil {
		g.Go(func() error { return b.publisher.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		b.stopOuter()
		b.unsubscribe()
		return err
	}

	if err := b.sender.Start(ctx); err != nil {
		b.stopOuter()
		b.unsubscribe()
		return err
	}
	if err := b.pipeline.Start(ctx); err != nil {
		_ = b.sender.Stop(b.stopTimeout)
		b.stopOuter()
		b.unsubscribe()
		return err
	}
	if err := b.link.Start(ctx); err != nil {
		_ = b.pipeline.Stop(b.stopTimeout)
		_ = b.sender.Stop(b.stopTimeout)
		b.stopOuter()
		b.unsubscribe()
		return err
	}

	b.running = true
	b.logger.Info("bridge started",
		logger.String("version", buildinfo.Current().Version()),
		logger.String("zmq_host", b.settings.ZMQ.Host),
		logger.Int("zmq_data_port", b.settings.ZMQ.DataPort),
		logger.String("osc_host", b.settings.OSC.Host),
		logger.Int("osc_port", b.settings.OSC.Port),
		logger.String("osc_format", b.settings.OSC.Format),
		logger.Bool("telemetry", b.endpoint != nil),
		logger.Bool("mqtt", b.publisher != nil))
	return nil
}

// Stop shuts down the pipeline, the sender and the link in that order, then the
// outer services. The final partial batch of the pipeline is still delivered.
// Every component is stopped even when an earlier one fails.
func (b *Bridge) Stop() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	var errs []error
	if err := b.pipeline.Stop(b.stopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := b.sender.Stop(b.stopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := b.link.Stop(b.stopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := b.stopOuter(); err != nil {
		errs = append(errs, err)
	}
	b.unsubscribe()

	if len(errs) > 0 {
		b.logger.Warn("bridge stopped with errors", logger.Int("errors", len(errs)))
		return errors.Join(errs...)
	}
	b.logger.Info("bridge stopped", logger.Uint64("socket_rebuilds", b.link.Rebuilds()))
	return nil
}

// Run starts the bridge and blocks until ctx is done or a shutdown is requested
// on the bus, then stops it.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		b.logger.Info("shutdown signal received")
	case <-b.shutdownCh:
		b.logger.Info("shutdown requested")
	}
	return b.Stop()
}

// stopOuter stops the telemetry endpoint and the MQTT publisher concurrently.
func (b *Bridge) stopOuter() error {
	var g errgroup.Group
	if b.endpoint != nil {
		g.Go(b.endpoint.Stop)
	}
	if b.publisher != nil {
		g.Go(func() error { return b.publisher.Stop(b.stopTimeout) })
	}
	return g.Wait()
}

func (b *Bridge) unsubscribe() {
	for t, id := range b.subs {
		b.bus.Unsubscribe(t, id)
	}
	b.subs = nil
	if b.detachMetrics != nil {
		b.detachMetrics()
		b.detachMetrics = nil
	}
}

// onManualReinitRequested forwards a dashboard request to the link, which performs
// the reinit on its own goroutine.
func (b *Bridge) onManualReinitRequested(events.Event) error {
	b.logger.Info("manual reinitialization requested")
	b.bus.PublishEvent(events.ExecuteManualReinit, events.SourceBridge, nil)
	return nil
}

func (b *Bridge) onShutdownRequested(events.Event) error {
	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
	return nil
}
