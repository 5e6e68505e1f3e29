package zmqlink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/tphakala/ephys2osc/internal/errors"
)

// Endpoints are the two OpenEphys sockets the link talks to.
type Endpoints struct {
	Data      string
	Heartbeat string
}

// Sockets is an open data/heartbeat socket pair. Recv calls block until a message
// arrives or the pair is closed.
type Sockets interface {
	RecvData() ([][]byte, error)
	SendHeartbeat(msg []byte) error
	RecvHeartbeat() ([]byte, error)
	Close() error
}

// SocketFactory opens socket pairs. The link calls Open on start and on every reconnect.
type SocketFactory interface {
	Open(ctx context.Context, ep Endpoints) (Sockets, error)
}

// ZMQFactory opens a SUB socket subscribed to everything for data and a REQ socket
// for heartbeats.
type ZMQFactory struct {
	// DialTimeout bounds socket handshakes and closes.
	DialTimeout time.Duration
	// DialRetries is how many times a refused dial is retried before Open fails.
	DialRetries int
}

const (
	defaultDialTimeout = time.Second
	defaultDialRetries = 2
	dialRetryInterval  = 100 * time.Millisecond
)

// NewZMQFactory returns a factory with short dial settings so that an absent peer
// fails fast and the heartbeat timers drive the retries.
func NewZMQFactory() *ZMQFactory {
	return &ZMQFactory{
		DialTimeout: defaultDialTimeout,
		DialRetries: defaultDialRetries,
	}
}

// Open dials both endpoints. On failure nothing is left open.
func (f *ZMQFactory) Open(ctx context.Context, ep Endpoints) (Sockets, error) {
	sockCtx, cancel := context.WithCancel(ctx)
	opts := []zmq4.Option{
		zmq4.WithTimeout(f.DialTimeout),
		zmq4.WithDialerRetry(dialRetryInterval),
		zmq4.WithDialerMaxRetries(f.DialRetries),
	}

	sub := zmq4.NewSub(sockCtx, opts...)
	if err := sub.Dial(ep.Data); err != nil {
		_ = sub.Close()
		cancel()
		return nil, socketError(err, "dial data socket", ep.Data, f.DialTimeout)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sub.Close()
		cancel()
		return nil, socketError(err, "subscribe data socket", ep.Data, f.DialTimeout)
	}

	req := zmq4.NewReq(sockCtx, opts...)
	if err := req.Dial(ep.Heartbeat); err != nil {
		_ = req.Close()
		_ = sub.Close()
		cancel()
		return nil, socketError(err, "dial heartbeat socket", ep.Heartbeat, f.DialTimeout)
	}

	return &zmqSockets{sub: sub, req: req, cancel: cancel}, nil
}

type zmqSockets struct {
	sub    zmq4.Socket
	req    zmq4.Socket
	cancel context.CancelFunc
}

func (s *zmqSockets) RecvData() ([][]byte, error) {
	msg, err := s.sub.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (s *zmqSockets) SendHeartbeat(msg []byte) error {
	return s.req.Send(zmq4.NewMsg(msg))
}

func (s *zmqSockets) RecvHeartbeat() ([]byte, error) {
	msg, err := s.req.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

// Close cancels the socket context first so pending sends and receives return at once.
func (s *zmqSockets) Close() error {
	s.cancel()
	return errors.Join(s.req.Close(), s.sub.Close())
}

func socketError(err error, action, endpoint string, timeout time.Duration) error {
	return errors.New(fmt.Errorf("%s: %w", action, err)).
		Component(componentLink).
		Category(errors.CategoryNetwork).
		EndpointContext(endpoint, timeout).
		Build()
}
