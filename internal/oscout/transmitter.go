package oscout

import (
	"github.com/hypebeast/go-osc/osc"
)

// Transmitter delivers OSC messages to the consumer.
type Transmitter interface {
	Send(msg *osc.Message) error
	Close() error
}

// UDPTransmitter sends over UDP with the go-osc client. The client dials per send,
// so there is no connection state to lose.
type UDPTransmitter struct {
	client *osc.Client
}

// NewUDPTransmitter targets host:port.
func NewUDPTransmitter(host string, port int) *UDPTransmitter {
	return &UDPTransmitter{client: osc.NewClient(host, port)}
}

// Send implements Transmitter
func (t *UDPTransmitter) Send(msg *osc.Message) error {
	return t.client.Send(msg)
}

// Close implements Transmitter
func (t *UDPTransmitter) Close() error {
	return nil
}
