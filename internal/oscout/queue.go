package oscout

import (
	"strings"
	"sync"
	"time"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
)

// DefaultQueueMaxSize bounds the delivery queue when no size is configured.
const DefaultQueueMaxSize = 100

// OverflowPolicy decides what happens when an item arrives at a full queue.
type OverflowPolicy string

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest discards the arriving item.
	DropNewest OverflowPolicy = "drop_newest"
	// Block admits the item anyway and lets the queue grow past its bound.
	Block OverflowPolicy = "block"
)

// ParseOverflowPolicy validates a policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DropOldest, DropNewest, Block:
		return p, nil
	default:
		return "", errors.Newf("invalid overflow policy %q, valid options: drop_oldest, drop_newest, block", s).
			Component(componentSender).
			Category(errors.CategoryValidation).
			Build()
	}
}

// DeliveryItem is one batch waiting for transmission.
type DeliveryItem struct {
	ReceivedAt time.Time
	Batch      events.SampleBatch
	BatchDelay time.Duration
}

// compactThreshold is the number of consumed slots at the front of the backing
// slice before it is compacted.
const compactThreshold = 32

// Queue is a bounded FIFO between the pipeline and the sender goroutine. Items
// live in items[head:]; consumed slots are reclaimed once they make up half the
// slice, so dequeues are amortized O(1) even when the block policy lets it grow.
type Queue struct {
	mu        sync.Mutex
	items     []DeliveryItem
	head      int
	maxSize   int
	policy    OverflowPolicy
	overflows uint64
	dropped   uint64
	ready     chan struct{}
}

// NewQueue creates an empty queue. A non-positive maxSize uses DefaultQueueMaxSize
// and an unknown policy falls back to DropOldest.
func NewQueue(maxSize int, policy OverflowPolicy) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueMaxSize
	}
	if _, err := ParseOverflowPolicy(string(policy)); err != nil {
		policy = DropOldest
	}
	return &Queue{
		items:   make([]DeliveryItem, 0, maxSize),
		maxSize: maxSize,
		policy:  policy,
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue adds an item, applying the overflow policy when the queue is full.
// It reports whether an item was dropped.
func (q *Queue) Enqueue(item DeliveryItem) bool {
	q.mu.Lock()
	dropped := false
	if q.lenLocked() >= q.maxSize {
		q.overflows++
		switch q.policy {
		case DropOldest:
			q.popFrontLocked()
			q.dropped++
			dropped = true
		case DropNewest:
			q.dropped++
			q.mu.Unlock()
			return true
		case Block:
			// no admission control
		}
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// TryDequeue removes the oldest item without blocking.
func (q *Queue) TryDequeue() (DeliveryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		return DeliveryItem{}, false
	}
	return q.popFrontLocked(), true
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue) popFrontLocked() DeliveryItem {
	item := q.items[q.head]
	q.items[q.head] = DeliveryItem{}
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && 2*q.head >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item
}

// Ready is signalled after every enqueue. A single pending signal may cover
// several items, so receivers drain with TryDequeue.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Overflows counts arrivals that found the queue full.
func (q *Queue) Overflows() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflows
}

// Dropped counts items discarded by the overflow policy since the last ResetDropped.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// ResetDropped zeroes the drop counter. The overflow counter is lifetime.
func (q *Queue) ResetDropped() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropped = 0
}

// Clear discards every queued item without counting them as dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.lenLocked()
	q.items = make([]DeliveryItem, 0, q.maxSize)
	q.head = 0
	return n
}

// Policy returns the configured overflow policy.
func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}
