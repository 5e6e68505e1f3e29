package zmqlink

import (
	"fmt"
	"strings"
)

// ConnectionStatus is the state of the inbound ZMQ session.
type ConnectionStatus int

const (
	// NotConnected means no sockets exist.
	NotConnected ConnectionStatus = iota
	// Connecting means sockets are being built.
	Connecting
	// Connected means sockets are open but no heartbeat reply has arrived yet.
	Connected
	// Online means the most recent heartbeat was acknowledged.
	Online
	// NotResponding means a heartbeat is outstanding past its timeout.
	NotResponding
	// Reconnecting means the sockets are being torn down and rebuilt.
	Reconnecting
)

var statusNames = [...]string{
	NotConnected:  "not_connected",
	Connecting:    "connecting",
	Connected:     "connected",
	Online:        "online",
	NotResponding: "not_responding",
	Reconnecting:  "reconnecting",
}

// AllStatuses lists every status in declaration order.
var AllStatuses = []ConnectionStatus{NotConnected, Connecting, Connected, Online, NotResponding, Reconnecting}

// String implements fmt.Stringer
func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus converts a status name back to its value.
func ParseStatus(name string) (ConnectionStatus, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range AllStatuses {
		if s.String() == name {
			return s, nil
		}
	}
	return NotConnected, fmt.Errorf("unknown connection status %q", name)
}

// validTransition reports whether the state machine may move from one status to
// another. Staying in the same status is not a transition and is handled by the caller.
// Every status may fall back to NotConnected when the link stops.
func validTransition(from, to ConnectionStatus) bool {
	if to == NotConnected {
		return true
	}
	switch from {
	case NotConnected:
		return to == Connecting
	case Connecting:
		return to == Connected
	case Connected:
		return to == Online || to == NotResponding
	case Online:
		return to == NotResponding
	case NotResponding:
		return to == Online || to == Reconnecting
	case Reconnecting:
		return to == Connecting
	default:
		return false
	}
}
