// Package metrics provides the Prometheus collectors of the bridge.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BridgeMetrics covers the inbound link, the processing pipeline and OSC delivery.
type BridgeMetrics struct {
	LinkStatus       *prometheus.GaugeVec
	LinkMessageNum   prometheus.Gauge
	SequenceGaps     prometheus.Gauge
	Channels         prometheus.Gauge
	ConnectionErrors *prometheus.CounterVec
	FramesReceived   prometheus.Counter
	SamplesReceived  prometheus.Counter
	DataTimeouts     prometheus.Counter
	Reinits          *prometheus.CounterVec
	InfoEvents       *prometheus.CounterVec
	Spikes           prometheus.Counter

	BatchesReady prometheus.Counter
	BatchDelay   prometheus.Histogram

	OSCMessagesSent prometheus.Counter
	QueueSize       prometheus.Gauge
	QueueOverflows  prometheus.Gauge
	MessagesDropped prometheus.Gauge
	DeliveryDelay   prometheus.Histogram
	SampleRate      prometheus.Gauge
	MeanSampleRate  prometheus.Gauge
	DataFlowActive  prometheus.Gauge
	OSCErrors       *prometheus.CounterVec

	statusMu   sync.Mutex
	lastStatus string
}

// NewBridgeMetrics creates and registers the bridge metrics.
func NewBridgeMetrics(registry prometheus.Registerer) (*BridgeMetrics, error) {
	m := &BridgeMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register bridge metrics: %w", err)
	}
	return m, nil
}

func (m *BridgeMetrics) initMetrics() {
	m.LinkStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "status",
		Help:      "Current ZMQ link status (1 for the active status)",
	}, []string{"status"})

	m.LinkMessageNum = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "message_num",
		Help:      "Message number of the last decoded frame",
	})

	m.SequenceGaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "sequence_gaps",
		Help:      "Number of message number gaps detected on the data socket",
	})

	m.Channels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "channels",
		Help:      "Number of discovered channels",
	})

	m.ConnectionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "errors_total",
		Help:      "Total number of ZMQ connection errors by action",
	}, []string{"action"})

	m.FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "data_frames_total",
		Help:      "Total number of decoded data frames",
	})

	m.SamplesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "samples_total",
		Help:      "Total number of samples received across all channels",
	})

	m.DataTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "data_timeouts_total",
		Help:      "Total number of data timeout detections",
	})

	m.Reinits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "reinits_total",
		Help:      "Total number of buffer reinitializations by trigger",
	}, []string{"trigger"})

	m.InfoEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "events_total",
		Help:      "Total number of OpenEphys events by kind",
	}, []string{"kind"})

	m.Spikes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "link",
		Name:      "spikes_total",
		Help:      "Total number of spike frames",
	})

	m.BatchesReady = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "processing",
		Name:      "batches_total",
		Help:      "Total number of batches emitted by the pipeline",
	})

	m.BatchDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "processing",
		Name:      "batch_delay_seconds",
		Help:      "Time the first sample of a batch waited in the batcher",
		Buckets:   prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12),
	})

	m.OSCMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "messages_total",
		Help:      "Total number of OSC messages sent",
	})

	m.QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "queue_size",
		Help:      "Current number of batches waiting in the delivery queue",
	})

	m.QueueOverflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "queue_overflows",
		Help:      "Lifetime number of delivery queue overflows",
	})

	m.MessagesDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "messages_dropped",
		Help:      "Batches dropped since the last reinitialization",
	})

	m.DeliveryDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "delivery_delay_seconds",
		Help:      "Time from frame receipt to OSC delivery",
		Buckets:   prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12),
	})

	m.SampleRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "sample_rate_hz",
		Help:      "Current estimated input sample rate",
	})

	m.MeanSampleRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "mean_sample_rate_hz",
		Help:      "Mean estimated input sample rate over the rate history window",
	})

	m.DataFlowActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "data_flow_active",
		Help:      "Whether input data arrived recently (1 for active)",
	})

	m.OSCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "osc",
		Name:      "errors_total",
		Help:      "Total number of OSC send errors by action",
	}, []string{"action"})
}

// SetLinkStatus marks status as the active link status.
func (m *BridgeMetrics) SetLinkStatus(status string) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if m.lastStatus != "" && m.lastStatus != status {
		m.LinkStatus.WithLabelValues(m.lastStatus).Set(0)
	}
	m.LinkStatus.WithLabelValues(status).Set(1)
	m.lastStatus = status
}

// RecordLinkSession updates the session gauges reported with every status change.
func (m *BridgeMetrics) RecordLinkSession(messageNum int64, channels int, gaps uint64) {
	m.LinkMessageNum.Set(float64(messageNum))
	m.Channels.Set(float64(channels))
	m.SequenceGaps.Set(float64(gaps))
}

// RecordFrame counts one decoded data frame.
func (m *BridgeMetrics) RecordFrame(messageNum int64, rows, samples int) {
	m.FramesReceived.Inc()
	m.SamplesReceived.Add(float64(rows * samples))
	m.LinkMessageNum.Set(float64(messageNum))
}

// RecordReinit counts a buffer reinitialization.
func (m *BridgeMetrics) RecordReinit(trigger string) {
	m.Reinits.WithLabelValues(trigger).Inc()
	m.Channels.Set(0)
}

// RecordBatch records one pipeline batch.
func (m *BridgeMetrics) RecordBatch(delaySeconds float64) {
	m.BatchesReady.Inc()
	m.BatchDelay.Observe(delaySeconds)
}

// RecordDelivery updates the delivery metrics after one batch was sent.
func (m *BridgeMetrics) RecordDelivery(oscMessages, queueSize int, overflows, dropped uint64, delaySeconds, rate, meanRate float64, active bool) {
	m.OSCMessagesSent.Add(float64(oscMessages))
	m.QueueSize.Set(float64(queueSize))
	m.QueueOverflows.Set(float64(overflows))
	m.MessagesDropped.Set(float64(dropped))
	if delaySeconds > 0 {
		m.DeliveryDelay.Observe(delaySeconds)
	}
	m.SampleRate.Set(rate)
	m.MeanSampleRate.Set(meanRate)
	if active {
		m.DataFlowActive.Set(1)
	} else {
		m.DataFlowActive.Set(0)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *BridgeMetrics) Collect(ch chan<- prometheus.Metric) {
	m.LinkStatus.Collect(ch)
	ch <- m.LinkMessageNum
	ch <- m.SequenceGaps
	ch <- m.Channels
	m.ConnectionErrors.Collect(ch)
	ch <- m.FramesReceived
	ch <- m.SamplesReceived
	ch <- m.DataTimeouts
	m.Reinits.Collect(ch)
	m.InfoEvents.Collect(ch)
	ch <- m.Spikes
	ch <- m.BatchesReady
	ch <- m.BatchDelay
	ch <- m.OSCMessagesSent
	ch <- m.QueueSize
	ch <- m.QueueOverflows
	ch <- m.MessagesDropped
	ch <- m.DeliveryDelay
	ch <- m.SampleRate
	ch <- m.MeanSampleRate
	ch <- m.DataFlowActive
	m.OSCErrors.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *BridgeMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.LinkStatus.Describe(ch)
	ch <- m.LinkMessageNum.Desc()
	ch <- m.SequenceGaps.Desc()
	ch <- m.Channels.Desc()
	m.ConnectionErrors.Describe(ch)
	ch <- m.FramesReceived.Desc()
	ch <- m.SamplesReceived.Desc()
	ch <- m.DataTimeouts.Desc()
	m.Reinits.Describe(ch)
	m.InfoEvents.Describe(ch)
	ch <- m.Spikes.Desc()
	ch <- m.BatchesReady.Desc()
	ch <- m.BatchDelay.Desc()
	ch <- m.OSCMessagesSent.Desc()
	ch <- m.QueueSize.Desc()
	ch <- m.QueueOverflows.Desc()
	ch <- m.MessagesDropped.Desc()
	ch <- m.DeliveryDelay.Desc()
	ch <- m.SampleRate.Desc()
	ch <- m.MeanSampleRate.Desc()
	ch <- m.DataFlowActive.Desc()
	m.OSCErrors.Describe(ch)
}
