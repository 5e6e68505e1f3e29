package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/ephys2osc/internal/conf"
	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/logger"
	"github.com/tphakala/ephys2osc/internal/zmqlink"
)

var errClosed = errors.NewStd("closed")

type fakeSockets struct {
	data      chan [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSockets) RecvData() ([][]byte, error) {
	select {
	case parts := <-s.data:
		return parts, nil
	case <-s.closed:
		return nil, errClosed
	}
}

func (s *fakeSockets) SendHeartbeat([]byte) error { return nil }

func (s *fakeSockets) RecvHeartbeat() ([]byte, error) {
	<-s.closed
	return nil, errClosed
}

func (s *fakeSockets) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeFactory struct {
	opened chan *fakeSockets
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{opened: make(chan *fakeSockets, 4)}
}

func (f *fakeFactory) Open(context.Context, zmqlink.Endpoints) (zmqlink.Sockets, error) {
	s := &fakeSockets{data: make(chan [][]byte, 16), closed: make(chan struct{})}
	f.opened <- s
	return s, nil
}

func (f *fakeFactory) await(t *testing.T) *fakeSockets {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("link never opened its sockets")
		return nil
	}
}

type fakeTransmitter struct {
	mu     sync.Mutex
	sent   []*osc.Message
	closed bool
}

func (f *fakeTransmitter) Send(msg *osc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

type fakeMQTT struct {
	mu        sync.Mutex
	connected bool
	topics    []string
}

func (f *fakeMQTT) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeMQTT) Publish(_ context.Context, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeMQTT) published(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Main.Name = "ephys2osc"
	s.ZMQ = conf.ZMQSettings{
		Host:                 "localhost",
		DataPort:             5556,
		HeartbeatTimeout:     time.Minute,
		NotRespondingTimeout: time.Minute,
		AppUUID:              "1618",
		BufferSize:           1000,
		PollInterval:         time.Millisecond,
	}
	s.OSC = conf.OSCSettings{
		Host:        "127.0.0.1",
		Port:        10000,
		BaseAddress: "/data",
		Format:      "batch",
		Processing: conf.ProcessingSettings{
			DownsamplingFactor: 1,
			DownsamplingMethod: "average",
			BatchSize:          10,
			BatchTimeout:       time.Second,
		},
	}
	s.Performance = conf.PerformanceSettings{QueueMaxSize: 100, OverflowPolicy: "drop_oldest"}
	s.Telemetry = conf.TelemetrySettings{Listen: "127.0.0.1:0"}
	s.MQTT = conf.MQTTSettings{Broker: "tcp://localhost:1883", Topic: "ephys2osc", StatusInterval: 10 * time.Millisecond}
	return s
}

func dataFrame(t *testing.T, messageNum int64, channel int, samples []float32) [][]byte {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"message_num": messageNum,
		"type":        zmqlink.TypeData,
		"content": map[string]any{
			"channel_num": channel,
			"num_samples": len(samples),
			"sample_num":  messageNum * int64(len(samples)),
			"sample_rate": 30000,
			"stream":      "example_data",
		},
		"data_size": len(samples) * 4,
	})
	require.NoError(t, err)
	return [][]byte{[]byte("data"), header, zmqlink.EncodeSamples([][]float32{samples})}
}

func newTestBridge(t *testing.T, s *conf.Settings, opts ...Option) (*Bridge, *fakeFactory, *fakeTransmitter) {
	t.Helper()
	factory := newFakeFactory()
	tx := &fakeTransmitter{}
	opts = append([]Option{
		WithSocketFactory(factory),
		WithTransmitter(tx),
		WithStopTimeout(2 * time.Second),
	}, opts...)
	b, err := New(s, logger.NewDiscardLogger(), opts...)
	require.NoError(t, err)
	return b, factory, tx
}
