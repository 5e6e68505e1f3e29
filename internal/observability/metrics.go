// Package observability exposes the bridge's Prometheus metrics.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Bridge   *metrics.BridgeMetrics
	MQTT     *metrics.MQTTMetrics
}

// NewMetrics creates a registry and registers every collector on it.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	bridgeMetrics, err := metrics.NewBridgeMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Bridge:   bridgeMetrics,
		MQTT:     mqttMetrics,
	}, nil
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}

// Attach feeds the bridge metrics from bus events. The returned function removes
// the subscriptions.
func (m *Metrics) Attach(bus *events.Bus) (detach func()) {
	handlers := map[events.Type]events.Handler{
		events.ConnectionStatusChanged:  m.onStatus,
		events.ConnectionError:          m.onLinkError,
		events.DataReceived:             m.onDataReceived,
		events.DataTimeoutWarning:       m.onDataTimeout,
		events.AutoReinitCompleted:      m.onReinit("auto"),
		events.ManualReinitCompleted:    m.onReinit("manual"),
		events.ChannelDiscoveryComplete: m.onDiscovery,
		events.EventReceived:            m.onInfoEvent,
		events.SpikeReceived:            m.onSpike,
		events.BatchReady:               m.onBatch,
		events.DataSent:                 m.onDataSent,
		events.OSCConnectionError:       m.onOSCError,
	}

	ids := make(map[events.Type]events.SubscriptionID, len(handlers))
	for t, h := range handlers {
		ids[t] = bus.Subscribe(t, h)
	}
	return func() {
		for t, id := range ids {
			bus.Unsubscribe(t, id)
		}
	}
}

func (m *Metrics) onStatus(e events.Event) error {
	s, ok := e.Payload.(events.LinkStatus)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.SetLinkStatus(s.Status)
	m.Bridge.RecordLinkSession(s.MessageNum, s.Channels, s.SequenceGaps)
	return nil
}

func (m *Metrics) onLinkError(e events.Event) error {
	p, ok := e.Payload.(events.ErrorPayload)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.ConnectionErrors.WithLabelValues(p.Action).Inc()
	return nil
}

func (m *Metrics) onDataReceived(e events.Event) error {
	p, ok := e.Payload.(events.DataReceivedPayload)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.RecordFrame(p.MessageNum, p.Rows, p.NumSamples)
	return nil
}

func (m *Metrics) onDataTimeout(events.Event) error {
	m.Bridge.DataTimeouts.Inc()
	return nil
}

func (m *Metrics) onReinit(trigger string) events.Handler {
	return func(events.Event) error {
		m.Bridge.RecordReinit(trigger)
		return nil
	}
}

func (m *Metrics) onDiscovery(e events.Event) error {
	p, ok := e.Payload.(events.DiscoveryPayload)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.Channels.Set(float64(len(p.ChannelIDs)))
	return nil
}

func (m *Metrics) onInfoEvent(e events.Event) error {
	p, ok := e.Payload.(events.InfoEventPayload)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.InfoEvents.WithLabelValues(p.Kind).Inc()
	return nil
}

func (m *Metrics) onSpike(events.Event) error {
	m.Bridge.Spikes.Inc()
	return nil
}

func (m *Metrics) onBatch(e events.Event) error {
	p, ok := e.Payload.(events.BatchReadyPayload)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.RecordBatch(p.BatchDelay.Seconds())
	return nil
}

func (m *Metrics) onDataSent(e events.Event) error {
	s, ok := e.Payload.(events.DeliveryStats)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.RecordDelivery(s.OSCMessages, s.QueueSize, s.QueueOverflows, s.MessagesDropped,
		s.DelayMs/1000, s.CalculatedSampleRate, s.MeanSampleRate, s.DataFlowActive)
	return nil
}

func (m *Metrics) onOSCError(e events.Event) error {
	p, ok := e.Payload.(events.ErrorPayload)
	if !ok {
		return unexpectedPayload(e)
	}
	m.Bridge.OSCErrors.WithLabelValues(p.Action).Inc()
	return nil
}

func unexpectedPayload(e events.Event) error {
	return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
}
