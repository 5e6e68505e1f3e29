package zmqlink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/ephys2osc/internal/buffer"
	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/logger"
)

var errSocketClosed = errors.NewStd("socket closed")

type fakeSockets struct {
	data    chan [][]byte
	replies chan []byte

	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSockets() *fakeSockets {
	return &fakeSockets{
		data:    make(chan [][]byte, 16),
		replies: make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSockets) RecvData() ([][]byte, error) {
	select {
	case parts := <-s.data:
		return parts, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSockets) SendHeartbeat(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.sendErr
}

func (s *fakeSockets) RecvHeartbeat() ([]byte, error) {
	select {
	case r := <-s.replies:
		return r, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSockets) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSockets) heartbeats() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

type fakeFactory struct {
	mu      sync.Mutex
	opens   int
	fail    error
	sockets []*fakeSockets
}

func (f *fakeFactory) Open(_ context.Context, _ Endpoints) (Sockets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.fail != nil {
		return nil, f.fail
	}
	s := newFakeSockets()
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeFactory) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeFactory) current() *fakeSockets {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// recorder collects bus events of the given types in publish order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus, types ...events.Type) *recorder {
	r := &recorder{}
	for _, t := range types {
		bus.Subscribe(t, func(e events.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
			return nil
		})
	}
	return r
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	var out []string
	for _, e := range r.ofType(events.ConnectionStatusChanged) {
		out = append(out, e.Payload.(events.LinkStatus).Status)
	}
	return out
}

type linkFixture struct {
	link    *Link
	factory *fakeFactory
	manager *buffer.Manager
	bus     *events.Bus
	rec     *recorder
}

func newLinkFixture(t *testing.T, cfg Config) *linkFixture {
	t.Helper()

	bus := events.NewBus(logger.NewDiscardLogger())
	rec := record(bus, events.AllTypes...)
	manager := buffer.NewManager(1000, bus, logger.NewDiscardLogger())
	factory := &fakeFactory{}

	l := NewLink(cfg, factory, manager, bus, logger.NewDiscardLogger(), WithSuppressWindow(time.Millisecond))
	l.runCtx = t.Context()
	t.Cleanup(l.teardown)

	return &linkFixture{link: l, factory: factory, manager: manager, bus: bus, rec: rec}
}

// deliver sends parts through the fake data socket and feeds the result to the link.
// Messages left over from torn down sockets are handled and skipped.
func (f *linkFixture) deliver(t *testing.T, parts [][]byte) {
	t.Helper()
	socks := f.factory.current()
	require.NotNil(t, socks, "no open sockets")
	socks.data <- parts

	for {
		select {
		case m := <-f.link.dataCh:
			f.link.handleData(m)
			if m.gen == f.link.generation && m.err == nil {
				return
			}
		case <-time.After(time.Second):
			require.FailNow(t, "data message not delivered")
		}
	}
}

func dataFrame(t *testing.T, messageNum int64, channelNum int, rows ...[]float32) [][]byte {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"message_num": messageNum,
		"type":        TypeData,
		"content": map[string]any{
			"channel_num":  channelNum,
			"channel_name": "",
			"num_samples":  len(rows[0]),
			"sample_num":   messageNum * int64(len(rows[0])),
			"sample_rate":  30000,
			"stream":       "example_data",
		},
		"data_size": len(rows) * len(rows[0]) * 4,
	})
	require.NoError(t, err)
	return [][]byte{[]byte("data"), header, EncodeSamples(rows)}
}

func ramp(start float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + float32(i)
	}
	return out
}
