// Package zmqlink maintains the inbound OpenEphys ZMQ session: heartbeats, reconnects,
// frame decoding and the hand-off of aligned sample blocks to the event bus.
package zmqlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/ephys2osc/internal/buffer"
	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

const (
	componentLink = "zmqlink"

	dataChannelDepth = 256

	// at most this many ConnectionError events per second reach the bus
	errorEventBurst = 3
)

type dataMsg struct {
	gen   uint64
	parts [][]byte
	err   error
}

type replyMsg struct {
	gen uint64
	err error
}

// Option configures a Link.
type Option func(*Link)

// WithClock replaces time.Now, used by tests to drive the timers.
func WithClock(now func() time.Time) Option {
	return func(l *Link) { l.now = now }
}

// WithSuppressWindow sets how long repeated warnings are counted instead of logged.
func WithSuppressWindow(d time.Duration) Option {
	return func(l *Link) { l.suppressor = events.NewSuppressor(d) }
}

// Link runs the connection state machine on a single goroutine. That goroutine owns
// the sockets and is the only writer to the buffer manager.
type Link struct {
	cfg       Config
	endpoints Endpoints
	factory   SocketFactory
	manager   *buffer.Manager
	bus       *events.Bus
	logger    logger.Logger

	now        func() time.Time
	suppressor *events.Suppressor
	errLimiter *rate.Limiter

	statusMu   sync.RWMutex
	status     ConnectionStatus
	messageNum int64

	// loop goroutine state
	runCtx            context.Context
	sockets           Sockets
	generation        uint64
	lastHeartbeatSent time.Time
	lastReplyReceived time.Time
	lastConnectTry    time.Time
	waitingReply      bool
	haveMessageNum    bool
	awaitingReinit    bool

	dataCh   chan dataMsg
	replyCh  chan replyMsg
	reinitCh chan struct{}

	framesIn     atomic.Uint64
	sequenceGaps atomic.Uint64
	decodeErrors atomic.Uint64
	rebuilds     atomic.Uint64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	reinitSub   events.SubscriptionID
}

// NewLink creates a stopped link.
func NewLink(cfg Config, factory SocketFactory, manager *buffer.Manager, bus *events.Bus, log logger.Logger, opts ...Option) *Link {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDiscardLogger()
	}

	l := &Link{
		cfg:        cfg,
		endpoints:  cfg.Endpoints(),
		factory:    factory,
		manager:    manager,
		bus:        bus,
		logger:     log.Module(componentLink),
		now:        time.Now,
		suppressor: events.NewSuppressor(events.DefaultSuppressWindow),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), errorEventBurst),
		status:     NotConnected,
		runCtx:     context.Background(),
		dataCh:     make(chan dataMsg, dataChannelDepth),
		replyCh:    make(chan replyMsg, 1),
		reinitCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}

	manager.ConfigureTimeout(cfg.DataTimeout, cfg.AutoReinit)
	return l
}

// Start launches the connection goroutine.
func (l *Link) Start(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.cancel != nil {
		return errors.Newf("link already started").
			Component(componentLink).
			Category(errors.CategoryState).
			Build()
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.runCtx = runCtx
	l.reinitSub = l.bus.Subscribe(events.ExecuteManualReinit, l.onExecuteReinit)

	go l.run(runCtx, l.done)

	l.bus.PublishEvent(events.ServiceStarted, events.SourceLink, events.ServicePayload{
		Service: componentLink,
		Detail:  l.endpoints.Data,
	})
	return nil
}

// Stop cancels the connection goroutine and waits up to timeout for it to close the sockets.
func (l *Link) Stop(timeout time.Duration) error {
	l.lifecycleMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lifecycleMu.Unlock()

	if cancel == nil {
		return nil
	}

	l.bus.Unsubscribe(events.ExecuteManualReinit, l.reinitSub)
	cancel()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn("connection loop did not stop in time", logger.Duration("timeout", timeout))
		stopErr = errors.Newf("link stop timed out after %s", timeout).
			Component(componentLink).
			Category(errors.CategoryTimeout).
			Build()
	}

	l.bus.PublishEvent(events.ServiceStopped, events.SourceLink, events.ServicePayload{Service: componentLink})
	return stopErr
}

// Status returns the current connection status.
func (l *Link) Status() ConnectionStatus {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	return l.status
}

// Snapshot describes the session for status consumers.
func (l *Link) Snapshot() events.LinkStatus {
	l.statusMu.RLock()
	status, messageNum := l.status, l.messageNum
	l.statusMu.RUnlock()

	return events.LinkStatus{
		Status:        status.String(),
		Host:          l.cfg.Host,
		DataPort:      l.cfg.DataPort,
		HeartbeatPort: l.cfg.HeartbeatPort(),
		AppName:       l.cfg.AppName(),
		UUID:          l.cfg.UUID,
		MessageNum:    messageNum,
		Channels:      l.manager.ChannelCount(),
		SequenceGaps:  l.sequenceGaps.Load(),
	}
}

// Rebuilds returns how many times the socket pair was torn down and rebuilt.
func (l *Link) Rebuilds() uint64 {
	return l.rebuilds.Load()
}

func (l *Link) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.shutdown()

	l.connect(l.now())

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(l.now())
		case m := <-l.dataCh:
			l.handleData(m)
		case r := <-l.replyCh:
			l.handleReply(r)
		case <-l.reinitCh:
			l.manualReinit()
		}
	}
}

// tick runs the timer driven part of the state machine.
func (l *Link) tick(now time.Time) {
	if l.sockets == nil {
		// zmq4 dials eagerly, so a refused peer fails construction before any
		// heartbeat session exists. Without a session the heartbeat timers never
		// run, so construction is retried here on the not-responding cadence.
		if now.Sub(l.lastConnectTry) >= l.cfg.NotRespondingTimeout {
			l.connect(now)
		}
	} else {
		l.checkHeartbeat(now)
	}
	l.checkDataTimeout(now)
}

func (l *Link) checkHeartbeat(now time.Time) {
	if now.Sub(l.lastHeartbeatSent) <= l.cfg.HeartbeatTimeout {
		return
	}
	if !l.waitingReply {
		l.sendHeartbeat(now)
		return
	}

	l.setStatus(NotResponding)
	l.lastHeartbeatSent = l.lastHeartbeatSent.Add(notRespondingBackoff)

	if now.Sub(l.lastReplyReceived) > l.cfg.NotRespondingTimeout {
		l.logger.Warn("heartbeat peer not responding, rebuilding sockets",
			logger.Duration("since_last_reply", now.Sub(l.lastReplyReceived)),
			logger.String("endpoint", l.endpoints.Heartbeat))
		l.reconnect(now)
	}
}

func (l *Link) connect(now time.Time) {
	l.lastConnectTry = now
	l.setStatus(Connecting)

	socks, err := l.factory.Open(l.runCtx, l.endpoints)
	if err != nil {
		l.setStatus(NotConnected)
		l.logger.Warn("socket construction failed",
			logger.Error(err),
			logger.String("endpoint", l.endpoints.Data),
			logger.Duration("retry_in", l.cfg.NotRespondingTimeout))
		l.publishError(err, l.endpoints.Data, "connect")
		return
	}

	l.generation++
	l.sockets = socks
	l.waitingReply = false
	l.haveMessageNum = false
	l.lastReplyReceived = now
	go l.readData(l.runCtx, socks, l.generation)

	l.setStatus(Connected)
	l.logger.Info("sockets connected",
		logger.String("data", l.endpoints.Data),
		logger.String("heartbeat", l.endpoints.Heartbeat))
}

func (l *Link) reconnect(now time.Time) {
	l.setStatus(Reconnecting)
	l.teardown()
	l.rebuilds.Add(1)
	l.connect(now)
}

// teardown closes the current sockets. Messages still in flight from them carry an
// old generation and are dropped.
func (l *Link) teardown() {
	if l.sockets == nil {
		return
	}
	if err := l.sockets.Close(); err != nil {
		l.logger.Debug("socket close reported an error", logger.Error(err))
	}
	l.sockets = nil
	l.generation++
}

func (l *Link) shutdown() {
	l.teardown()
	l.setStatus(NotConnected)
}

type heartbeat struct {
	Application string `json:"application"`
	UUID        string `json:"uuid"`
	Type        string `json:"type"`
}

func (l *Link) sendHeartbeat(now time.Time) {
	msg, _ := json.Marshal(heartbeat{
		Application: l.cfg.AppName(),
		UUID:        l.cfg.UUID,
		Type:        "heartbeat",
	})

	l.lastHeartbeatSent = now
	l.waitingReply = true

	if err := l.sockets.SendHeartbeat(msg); err != nil {
		l.logger.Warn("heartbeat send failed", logger.Error(err))
		l.publishError(err, l.endpoints.Heartbeat, "heartbeat")
		return
	}
	go l.awaitReply(l.runCtx, l.sockets, l.generation)
}

func (l *Link) awaitReply(ctx context.Context, socks Sockets, gen uint64) {
	_, err := socks.RecvHeartbeat()
	select {
	case l.replyCh <- replyMsg{gen: gen, err: err}:
	case <-ctx.Done():
	}
}

func (l *Link) readData(ctx context.Context, socks Sockets, gen uint64) {
	for {
		parts, err := socks.RecvData()
		select {
		case l.dataCh <- dataMsg{gen: gen, parts: parts, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *Link) handleReply(r replyMsg) {
	if r.gen != l.generation {
		return
	}
	if r.err != nil {
		l.logger.Debug("heartbeat receive ended", logger.Error(r.err))
		return
	}

	if l.waitingReply {
		l.waitingReply = false
		l.lastReplyReceived = l.now()
	} else {
		l.logger.Debug("heartbeat reply without a pending request")
	}
	l.setStatus(Online)
}

func (l *Link) handleData(m dataMsg) {
	if m.gen != l.generation {
		return
	}
	if m.err != nil {
		l.warnSuppressed("data_recv", "data socket receive failed", logger.Error(m.err))
		return
	}
	l.framesIn.Add(1)

	frame, err := DecodeFrame(m.parts)
	if err != nil {
		l.decodeErrors.Add(1)
		l.warnSuppressed("decode", "dropping malformed frame", logger.Error(err),
			logger.String("category", string(errors.CategoryOf(err))))
		return
	}

	l.checkSequence(frame.Header.MessageNum)

	switch frame.Header.Type {
	case TypeData:
		l.handleSamples(frame)
	case TypeEvent:
		l.handleEvent(frame)
	case TypeSpike:
		l.handleSpike(frame)
	default:
		l.warnSuppressed("unknown_type:"+frame.Header.Type, "dropping frame of unknown type",
			logger.String("type", frame.Header.Type),
			logger.Int64("message_num", frame.Header.MessageNum))
	}
}

// checkSequence logs gaps in the message numbering. There is no retransmission, so a
// gap is only counted.
func (l *Link) checkSequence(num int64) {
	l.statusMu.Lock()
	expected := l.messageNum + 1
	gap := l.haveMessageNum && num != expected
	l.messageNum = num
	l.statusMu.Unlock()
	l.haveMessageNum = true

	if !gap {
		return
	}
	l.sequenceGaps.Add(1)
	l.warnSuppressed("sequence_gap", "message sequence gap",
		logger.Int64("expected", expected),
		logger.Int64("received", num),
		logger.String("category", string(errors.CategorySequence)))
}

func (l *Link) handleSamples(frame Frame) {
	content := frame.Header.Content
	rows, err := DecodeSamples(content.NumSamples, frame.Payload)
	if err != nil {
		l.decodeErrors.Add(1)
		l.warnSuppressed("decode", "dropping data frame", logger.Error(err),
			logger.Int("channel", content.ChannelNum),
			logger.String("category", string(errors.CategoryOf(err))))
		return
	}

	for r, row := range rows {
		id := content.ChannelNum + r
		label := content.ChannelName
		if label == "" || r > 0 {
			label = fmt.Sprintf("CH%d", id)
		}

		if _, err := l.manager.DiscoverOrExpand(id, label); err != nil {
			l.warnSuppressed("discover", "dropping samples for unknown channel",
				logger.Int("channel", id), logger.Error(err))
			continue
		}
		if err := l.manager.Push(id, row); err != nil {
			l.warnSuppressed("push", "dropping sample block",
				logger.Int("channel", id), logger.Int("samples", len(row)), logger.Error(err))
			continue
		}
	}

	l.bus.PublishEvent(events.DataReceived, events.SourceLink, events.DataReceivedPayload{
		MessageNum: frame.Header.MessageNum,
		ChannelNum: content.ChannelNum,
		Rows:       len(rows),
		NumSamples: content.NumSamples,
	})

	l.forwardReady()
}

// forwardReady pops the largest block every discovered channel can supply and
// publishes it for the processing pipeline.
func (l *Link) forwardReady() {
	if !l.manager.HasDataReady(1) {
		return
	}
	count := l.manager.MinAvailable()
	blocks, err := l.manager.PopAll(count)
	if err != nil {
		l.warnSuppressed("pop", "pop of ready data failed", logger.Error(err))
		return
	}
	l.bus.PublishEvent(events.DataProcessed, events.SourceLink, events.DataProcessedPayload{
		Channels:    blocks,
		NumSamples:  count,
		NumChannels: len(blocks),
		ReceivedAt:  l.now(),
	})
}

func (l *Link) handleEvent(frame Frame) {
	rec, err := DecodeEventRecord(frame.Header.Content.Raw(), frame.Payload)
	if err != nil {
		l.decodeErrors.Add(1)
		l.warnSuppressed("decode_event", "dropping event frame", logger.Error(err))
		return
	}

	l.logger.Debug("event received",
		logger.String("kind", rec.Kind.String()),
		logger.String("stream", rec.Stream),
		logger.Int("line", rec.EventLine),
		logger.Bool("state", rec.EventState))
	l.bus.PublishEvent(events.EventReceived, events.SourceLink, events.InfoEventPayload{
		Kind:       rec.Kind.String(),
		Stream:     rec.Stream,
		SourceNode: rec.SourceNode,
		SampleNum:  rec.SampleNum,
		Line:       rec.EventLine,
		State:      rec.EventState,
		Word:       rec.EventWord,
		Timestamp:  rec.Timestamp,
	})
}

func (l *Link) handleSpike(frame Frame) {
	rec, err := DecodeSpikeRecord(frame.Header.Spike, frame.Payload)
	if err != nil {
		l.decodeErrors.Add(1)
		l.warnSuppressed("decode_spike", "dropping spike frame", logger.Error(err))
		return
	}

	l.logger.Debug("spike received",
		logger.String("electrode", rec.Electrode),
		logger.Int("sorted_id", rec.SortedID))
	l.bus.PublishEvent(events.SpikeReceived, events.SourceLink, events.SpikePayload{
		Stream:      rec.Stream,
		SourceNode:  rec.SourceNode,
		Electrode:   rec.Electrode,
		SampleNum:   rec.SampleNum,
		NumChannels: rec.NumChannels,
		NumSamples:  rec.NumSamples,
		SortedID:    rec.SortedID,
	})
}

func (l *Link) checkDataTimeout(now time.Time) {
	if !l.manager.CheckTimeout(now) {
		return
	}

	if l.manager.AutoReinit() {
		previous := l.manager.Reinit()
		l.awaitingReinit = false
		l.bus.PublishEvent(events.AutoReinitCompleted, events.SourceLink, events.ReinitPayload{
			PreviousChannels: previous,
		})
		return
	}

	l.awaitingReinit = true
	l.bus.PublishEvent(events.DataTimeoutWarning, events.SourceLink, events.TimeoutPayload{
		Timeout:    l.cfg.DataTimeout,
		AutoReinit: false,
	})
}

func (l *Link) onExecuteReinit(events.Event) error {
	select {
	case l.reinitCh <- struct{}{}:
	default:
		// one request is already queued
	}
	return nil
}

func (l *Link) manualReinit() {
	previous := l.manager.Reinit()
	l.logger.Info("manual reinit executed",
		logger.Int("previous_channels", previous),
		logger.Bool("after_timeout", l.awaitingReinit))
	l.awaitingReinit = false
	l.bus.PublishEvent(events.ManualReinitCompleted, events.SourceLink, events.ReinitPayload{
		PreviousChannels: previous,
	})
}

// setStatus moves the state machine and publishes the change. Same-status calls are
// ignored and invalid transitions are refused.
func (l *Link) setStatus(to ConnectionStatus) {
	l.statusMu.Lock()
	from := l.status
	if from == to {
		l.statusMu.Unlock()
		return
	}
	if !validTransition(from, to) {
		l.statusMu.Unlock()
		l.logger.Error("refusing invalid status transition",
			logger.String("from", from.String()),
			logger.String("to", to.String()))
		return
	}
	l.status = to
	l.statusMu.Unlock()

	l.logger.Debug("connection status changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()))
	l.bus.PublishEvent(events.ConnectionStatusChanged, events.SourceLink, l.Snapshot())
}

func (l *Link) publishError(err error, endpoint, action string) {
	if !l.errLimiter.Allow() {
		return
	}
	l.bus.PublishEvent(events.ConnectionError, events.SourceLink, events.ErrorPayload{
		Err:      err,
		Endpoint: endpoint,
		Action:   action,
	})
}

func (l *Link) warnSuppressed(key, msg string, fields ...logger.Field) {
	allowed, suppressed := l.suppressor.Allow(key)
	if !allowed {
		return
	}
	if suppressed > 0 {
		fields = append(fields, logger.Int("suppressed", suppressed))
	}
	l.logger.Warn(msg, fields...)
}
