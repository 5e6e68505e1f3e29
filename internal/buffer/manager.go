// Package buffer holds the per-channel circular sample stores and the channel
// discovery state fed by the ZMQ link.
package buffer

import (
	"slices"
	"sync"
	"time"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

const (
	// DefaultBufferSize holds one second of samples at 30 kHz.
	DefaultBufferSize = 30000

	DefaultDataTimeout = 2 * time.Second

	bootstrapChannels = 1
)

// ChannelStatus describes one channel store.
type ChannelStatus struct {
	ID         int
	Label      string
	Discovered bool
	Available  int
	TailIndex  int
	TailSample uint64
	HeadSample uint64
}

// Status is a point-in-time view of the manager.
type Status struct {
	BufferSize    int
	DiscoveryMode bool
	MaxChannelID  int
	DiscoveredIDs []int
	Channels      []ChannelStatus
	MinAvailable  int
}

// Manager owns the channel stores and the discovery set. All methods are safe for
// concurrent use, although the link goroutine is the only writer in practice.
type Manager struct {
	mu         sync.Mutex
	bufferSize int
	channels   []*channel

	discovered    []int
	discoveredSet map[int]struct{}
	maxChannelID  int
	discoveryMode bool

	dataTimeout time.Duration
	autoReinit  bool
	lastPush    time.Time
	timedOut    bool

	now    func() time.Time
	bus    *events.Bus
	logger logger.Logger
}

// NewManager creates a manager in the single placeholder bootstrap state.
// A non-positive bufferSize uses DefaultBufferSize.
func NewManager(bufferSize int, bus *events.Bus, log logger.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	m := &Manager{
		bufferSize:  bufferSize,
		dataTimeout: DefaultDataTimeout,
		autoReinit:  true,
		now:         time.Now,
		bus:         bus,
		logger:      log.Module(componentBuffer),
	}
	m.resetLocked(bootstrapChannels)
	return m
}

// Initialize allocates channelCount empty channels and restarts discovery.
func (m *Manager) Initialize(channelCount int) error {
	if channelCount <= 0 {
		return errors.Newf("channel count must be positive, got %d", channelCount).
			Component(componentBuffer).
			Category(errors.CategoryValidation).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(channelCount)

	m.logger.Debug("channel buffers initialized",
		logger.Int("channels", channelCount),
		logger.Int("buffer_size", m.bufferSize))
	return nil
}

func (m *Manager) resetLocked(channelCount int) {
	m.channels = make([]*channel, channelCount)
	for i := range m.channels {
		m.channels[i] = newChannel(i, m.bufferSize)
	}
	m.discovered = nil
	m.discoveredSet = make(map[int]struct{})
	m.maxChannelID = -1
	m.discoveryMode = true
	m.lastPush = time.Time{}
	m.timedOut = false
}

// DiscoverOrExpand registers a channel id the first time it is seen and grows the
// channel set to cover it. The first repeat sighting while discovery is open closes
// discovery, publishes ChannelDiscoveryComplete and returns true. Once discovery is
// closed the layout is fixed and unknown ids are rejected with ErrChannelOutOfRange.
func (m *Manager) DiscoverOrExpand(channelID int, label string) (bool, error) {
	if channelID < 0 {
		return false, bufferError(ErrChannelOutOfRange).
			Context("channel", channelID).
			Build()
	}

	m.mu.Lock()

	if _, known := m.discoveredSet[channelID]; known {
		if !m.discoveryMode {
			m.mu.Unlock()
			return false, nil
		}
		m.discoveryMode = false
		ids := slices.Clone(m.discovered)
		m.mu.Unlock()

		slices.Sort(ids)
		m.logger.Info("channel discovery complete",
			logger.Int("channels", len(ids)),
			logger.Int("max_channel_id", ids[len(ids)-1]))
		m.bus.PublishEvent(events.ChannelDiscoveryComplete, events.SourceBuffer,
			events.DiscoveryPayload{ChannelIDs: ids})
		return true, nil
	}

	if !m.discoveryMode {
		m.mu.Unlock()
		return false, bufferError(ErrChannelOutOfRange).
			Context("channel", channelID).
			Context("reason", "discovery closed").
			Build()
	}

	m.discoveredSet[channelID] = struct{}{}
	m.discovered = append(m.discovered, channelID)
	if channelID > m.maxChannelID {
		m.maxChannelID = channelID
	}
	for len(m.channels) <= m.maxChannelID {
		m.channels = append(m.channels, newChannel(len(m.channels), m.bufferSize))
	}
	m.channels[channelID].label = label
	m.mu.Unlock()

	m.logger.Debug("channel discovered",
		logger.Int("channel", channelID),
		logger.String("label", label))
	return false, nil
}

// Push appends a block of samples to a channel.
func (m *Manager) Push(channelID int, samples []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if channelID < 0 || channelID >= len(m.channels) {
		return bufferError(ErrChannelOutOfRange).
			Context("channel", channelID).
			Context("channels", len(m.channels)).
			Build()
	}
	if len(samples) > m.bufferSize {
		return bufferError(ErrCapacityExceeded).
			Context("channel", channelID).
			Context("samples", len(samples)).
			Context("buffer_size", m.bufferSize).
			Build()
	}

	if err := m.channels[channelID].push(samples); err != nil {
		return bufferError(err).
			Priority(errors.PriorityHigh).
			Context("channel", channelID).
			Build()
	}

	m.lastPush = m.now()
	m.timedOut = false
	return nil
}

// PopAll removes the count most recently pushed samples from every discovered
// channel, in discovery order, each block in push order. Either every channel is
// popped or none is.
func (m *Manager) PopAll(count int) ([][]float32, error) {
	if count <= 0 {
		return nil, errors.Newf("pop count must be positive, got %d", count).
			Component(componentBuffer).
			Category(errors.CategoryValidation).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.discovered) == 0 {
		return nil, bufferError(ErrInsufficientData).
			Context("requested", count).
			Context("channels", 0).
			Build()
	}
	for _, id := range m.discovered {
		if avail := m.channels[id].available(); avail < count {
			return nil, bufferError(ErrInsufficientData).
				Context("channel", id).
				Context("requested", count).
				Context("available", avail).
				Build()
		}
	}

	out := make([][]float32, 0, len(m.discovered))
	for _, id := range m.discovered {
		samples, err := m.channels[id].pop(count)
		if err != nil {
			// availability was checked under the same lock
			return nil, bufferError(err).
				Priority(errors.PriorityCritical).
				Context("channel", id).
				Build()
		}
		out = append(out, samples)
	}
	return out, nil
}

// MinAvailable returns the smallest unconsumed sample count across the discovered
// channels. It is the largest block that can be popped with every channel aligned.
func (m *Manager) MinAvailable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minAvailableLocked()
}

func (m *Manager) minAvailableLocked() int {
	if len(m.discovered) == 0 {
		return 0
	}
	lowest := m.bufferSize
	for _, id := range m.discovered {
		lowest = min(lowest, m.channels[id].available())
	}
	return lowest
}

// HasDataReady reports whether discovery is complete and every discovered channel
// holds at least minSamples unconsumed samples.
func (m *Manager) HasDataReady(minSamples int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.discoveryMode || len(m.discovered) == 0 {
		return false
	}
	return m.minAvailableLocked() >= minSamples
}

// DiscoveryMode reports whether discovery is still open.
func (m *Manager) DiscoveryMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoveryMode
}

// ChannelCount returns the number of allocated channel stores.
func (m *Manager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// ConfigureTimeout sets the starvation window and whether a timeout reinitializes
// automatically. A non-positive timeout disables detection.
func (m *Manager) ConfigureTimeout(timeout time.Duration, autoReinit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataTimeout = timeout
	m.autoReinit = autoReinit
}

// AutoReinit reports whether a data timeout should reinitialize automatically.
func (m *Manager) AutoReinit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoReinit
}

// CheckTimeout reports a fresh starvation timeout. It fires once per crossing and
// re-arms on the next push; nothing fires before the first push.
func (m *Manager) CheckTimeout(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataTimeout <= 0 || m.lastPush.IsZero() || m.timedOut {
		return false
	}
	if now.Sub(m.lastPush) <= m.dataTimeout {
		return false
	}
	m.timedOut = true

	m.logger.Warn("no data received within timeout",
		logger.Duration("timeout", m.dataTimeout),
		logger.Duration("since_last_push", now.Sub(m.lastPush)),
		logger.Bool("auto_reinit", m.autoReinit))
	return true
}

// Reinit drops every channel and the discovery set, returning to the bootstrap
// state. It returns the number of channels that were allocated before the call.
func (m *Manager) Reinit() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := len(m.channels)
	m.resetLocked(bootstrapChannels)

	m.logger.Info("channel buffers reinitialized",
		logger.Int("previous_channels", previous))
	return previous
}

// Snapshot returns the current state of every channel store.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		BufferSize:    m.bufferSize,
		DiscoveryMode: m.discoveryMode,
		MaxChannelID:  m.maxChannelID,
		DiscoveredIDs: slices.Clone(m.discovered),
		Channels:      make([]ChannelStatus, len(m.channels)),
		MinAvailable:  m.minAvailableLocked(),
	}
	for i, c := range m.channels {
		_, discovered := m.discoveredSet[i]
		st.Channels[i] = ChannelStatus{
			ID:         c.id,
			Label:      c.label,
			Discovered: discovered,
			Available:  c.available(),
			TailIndex:  c.tailIndex(),
			TailSample: c.tailSample,
			HeadSample: c.headSample,
		}
	}
	return st
}
