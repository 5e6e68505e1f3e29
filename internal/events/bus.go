package events

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/ephys2osc/internal/logger"
)

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus delivers events synchronously on the publisher's goroutine. It is safe for
// concurrent use, and handlers may publish further events.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	nextID   atomic.Uint64

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64

	now    func() time.Time
	logger logger.Logger
}

// NewBus creates an empty bus. A nil logger discards bus diagnostics.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Bus{
		handlers: make(map[Type][]subscription),
		now:      time.Now,
		logger:   log.Module("events"),
	}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: h})
	return id
}

// Unsubscribe removes a registration. It reports whether the id was found.
func (b *Bus) Unsubscribe(t Type, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[t]
	idx := slices.IndexFunc(subs, func(s subscription) bool { return s.id == id })
	if idx < 0 {
		return false
	}
	// copy-on-write, publishers may still hold the old slice
	b.handlers[t] = slices.Delete(slices.Clone(subs), idx, idx+1)
	return true
}

// HandlerCount returns the number of handlers registered for t.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// Publish delivers e to every handler registered for e.Type at the time of the call.
// A zero Timestamp is set to the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

// PublishEvent builds and publishes an event.
func (b *Bus) PublishEvent(t Type, source string, payload any) {
	b.Publish(Event{Type: t, Source: source, Payload: payload})
}

// deliver runs one handler, recovering panics so a faulty subscriber
// cannot take down the publisher.
func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				logger.String("event_type", e.Type.String()),
				logger.String("source", e.Source),
				logger.Uint64("subscription", uint64(s.id)),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := s.handler(e); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("event handler failed",
			logger.String("event_type", e.Type.String()),
			logger.String("source", e.Source),
			logger.Error(err))
		return
	}
	b.delivered.Add(1)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Panics:        b.panics.Load(),
	}
}
