package oscout

import (
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

type fakeTransmitter struct {
	mu      sync.Mutex
	sent    []*osc.Message
	failing error
	closed  bool
}

func (f *fakeTransmitter) Send(msg *osc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return f.failing
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransmitter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransmitter) messages() []*osc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*osc.Message(nil), f.sent...)
}

type statsRecorder struct {
	mu     sync.Mutex
	stats  []events.DeliveryStats
	errors []events.ErrorPayload
	status []events.OSCStatus
}

func (r *statsRecorder) subscribe(bus *events.Bus) {
	bus.Subscribe(events.DataSent, func(e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.stats = append(r.stats, e.Payload.(events.DeliveryStats))
		return nil
	})
	bus.Subscribe(events.OSCConnectionError, func(e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, e.Payload.(events.ErrorPayload))
		return nil
	})
	bus.Subscribe(events.OSCStatusChanged, func(e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.status = append(r.status, e.Payload.(events.OSCStatus))
		return nil
	})
}

func (r *statsRecorder) sent() []events.DeliveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.DeliveryStats(nil), r.stats...)
}

func (r *statsRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func newTestSender(t *testing.T, cfg Config) (*Sender, *fakeTransmitter, *events.Bus, *statsRecorder) {
	t.Helper()

	bus := events.NewBus(logger.NewDiscardLogger())
	rec := &statsRecorder{}
	rec.subscribe(bus)
	tx := &fakeTransmitter{}

	s, err := NewSender(cfg, tx, bus, logger.NewDiscardLogger())
	require.NoError(t, err)
	return s, tx, bus, rec
}

func publishBatch(bus *events.Bus, batch events.SampleBatch, receivedAt time.Time) {
	bus.PublishEvent(events.BatchReady, events.SourcePipeline, events.BatchReadyPayload{
		Batch:      batch,
		ReceivedAt: receivedAt,
		BatchDelay: 4 * time.Millisecond,
	})
}

func TestSenderDeliversBatches(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Format = FormatBatch
	s, tx, bus, rec := newTestSender(t, cfg)
	require.NoError(t, s.Start(t.Context()))

	now := time.Now()
	bus.PublishEvent(events.DataProcessed, events.SourceLink, events.DataProcessedPayload{NumSamples: 640, ReceivedAt: now})
	publishBatch(bus, batchOf(2, 3, 0), now)
	publishBatch(bus, batchOf(2, 3, 100), now)

	require.Eventually(t, func() bool {
		return len(rec.sent()) == 2
	}, time.Second, 2*time.Millisecond)

	msgs := tx.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "/data/batch/3", msgs[0].Address)
	assert.Equal(t, float32(100), msgs[1].Arguments[1], "FIFO order")

	last := rec.sent()[1]
	assert.Equal(t, uint64(2), last.MessagesSent)
	assert.Equal(t, 1, last.OSCMessages)
	assert.Equal(t, 2, last.NumChannels)
	assert.Equal(t, 3, last.NumSamples)
	assert.InDelta(t, 4.0, last.BatchDelayMs, 0.001)
	assert.True(t, last.DataFlowActive)
	assert.GreaterOrEqual(t, last.DelayMs, 0.0)

	require.NoError(t, s.Stop(time.Second))
	assert.True(t, tx.closed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.status, 2)
	assert.True(t, rec.status[0].Running)
	assert.False(t, rec.status[1].Running)
	assert.Equal(t, "batch", rec.status[0].Format)
}

func TestSenderChannelFormatFansOut(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Format = FormatChannel
	s, tx, bus, rec := newTestSender(t, cfg)
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	publishBatch(bus, batchOf(4, 2, 0), time.Now())

	require.Eventually(t, func() bool {
		return len(rec.sent()) == 1
	}, time.Second, 2*time.Millisecond)
	require.Len(t, tx.messages(), 8)
	assert.Equal(t, 8, rec.sent()[0].OSCMessages)
	last := tx.messages()[7]
	assert.Equal(t, "/ch003", last.Address)
	assert.Equal(t, []any{float32(31)}, last.Arguments)
}

func TestSenderTransmitErrors(t *testing.T) {
	t.Parallel()

	s, tx, bus, rec := newTestSender(t, DefaultConfig())
	tx.failing = errors.NewStd("network unreachable")
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	publishBatch(bus, batchOf(1, 1, 0), time.Now())
	publishBatch(bus, batchOf(1, 1, 0), time.Now())

	require.Eventually(t, func() bool {
		return rec.errorCount() == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(2), s.SendErrors())
	assert.Empty(t, rec.sent())

	rec.mu.Lock()
	first := rec.errors[0]
	rec.mu.Unlock()
	assert.Equal(t, "sending_data", first.Action)
	assert.Equal(t, "127.0.0.1:10000", first.Endpoint)
	assert.True(t, errors.IsCategory(first.Err, errors.CategoryNetwork))
}

func TestSenderOverflowWhenStalled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.QueueMaxSize = 3
	s, _, bus, _ := newTestSender(t, cfg)

	// not started: the bus has no sender subscription, feed the handler directly
	for range 5 {
		require.NoError(t, s.onBatchReady(events.Event{
			Type:    events.BatchReady,
			Payload: events.BatchReadyPayload{Batch: batchOf(1, 1, 0)},
		}))
	}
	assert.Equal(t, 3, s.Queue().Len())
	assert.Equal(t, uint64(2), s.Queue().Overflows())
	assert.Equal(t, uint64(2), s.Queue().Dropped())

	require.Error(t, s.onBatchReady(events.Event{Type: events.BatchReady, Payload: "bogus"}))
	assert.Zero(t, bus.HandlerCount(events.BatchReady))
}

func TestSenderReinitResetsTracking(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.QueueMaxSize = 1
	cfg.OverflowPolicy = DropNewest
	s, _, bus, rec := newTestSender(t, cfg)

	now := time.Now()
	s.rate.Observe(100, now.Add(-time.Second))
	s.rate.Observe(100, now)
	_ = s.onBatchReady(events.Event{Payload: events.BatchReadyPayload{Batch: batchOf(1, 1, 0)}})
	_ = s.onBatchReady(events.Event{Payload: events.BatchReadyPayload{Batch: batchOf(1, 1, 0)}})
	require.Equal(t, uint64(1), s.Queue().Dropped())

	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	bus.PublishEvent(events.ManualReinitCompleted, events.SourceLink, events.ReinitPayload{PreviousChannels: 4})

	require.Eventually(t, func() bool {
		for _, st := range rec.sent() {
			if st.NumChannels == 0 && !st.DataFlowActive {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	var reset events.DeliveryStats
	for _, st := range rec.sent() {
		if st.NumChannels == 0 {
			reset = st
		}
	}
	assert.Zero(t, reset.MessagesDropped)
	assert.Zero(t, reset.CalculatedSampleRate)
	assert.Zero(t, reset.MeanSampleRate)
	assert.Zero(t, reset.AvgDelayMs)
	assert.Equal(t, uint64(1), reset.QueueOverflows, "overflows are lifetime")
}

func TestNewSenderValidation(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	_, err := NewSender(DefaultConfig(), nil, bus, nil)
	require.Error(t, err)

	_, err = NewSender(DefaultConfig(), &fakeTransmitter{}, nil, nil)
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.Format = "xml"
	_, err = NewSender(cfg, &fakeTransmitter{}, bus, nil)
	require.Error(t, err)

	s, err := NewSender(DefaultConfig(), &fakeTransmitter{}, bus, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))
	require.Error(t, s.Start(t.Context()))
	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))
}

// gatedTransmitter holds the first Send until release is closed.
type gatedTransmitter struct {
	fakeTransmitter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTransmitter) Send(msg *osc.Message) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeTransmitter.Send(msg)
}

func TestSenderStopDeliversQueuedBatches(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(logger.NewDiscardLogger())
	tx := &gatedTransmitter{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.Format = FormatBatch
	s, err := NewSender(cfg, tx, bus, logger.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))

	now := time.Now()
	publishBatch(bus, batchOf(1, 2, 0), now)
	<-tx.entered
	publishBatch(bus, batchOf(1, 2, 100), now)
	publishBatch(bus, batchOf(1, 2, 200), now)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(2 * time.Second) }()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.BatchReady) == 0
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(tx.release)

	require.NoError(t, <-stopped)
	msgs := tx.messages()
	require.Len(t, msgs, 3, "batches queued before stop are delivered")
	assert.Equal(t, float32(200), msgs[2].Arguments[1])
	assert.Zero(t, s.queue.Len())
}
