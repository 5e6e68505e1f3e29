package zmqlink

import (
	"fmt"
	"time"

	"github.com/tphakala/ephys2osc/internal/buffer"
)

// Defaults match the OpenEphys ZMQ interface plugin.
const (
	DefaultHost                 = "localhost"
	DefaultDataPort             = 5556
	DefaultHeartbeatTimeout     = 2 * time.Second
	DefaultNotRespondingTimeout = 10 * time.Second
	DefaultUUID                 = "1618"
	DefaultPollInterval         = time.Millisecond

	appNamePrefix = "OpenEphys-ZMQ2OSC-"

	// notRespondingBackoff is added to the last heartbeat time on every not-responding
	// check, so the check repeats once per second instead of on every tick.
	notRespondingBackoff = time.Second
)

// Config holds the link settings. It is immutable while the link runs.
type Config struct {
	Host                 string
	DataPort             int
	HeartbeatTimeout     time.Duration
	NotRespondingTimeout time.Duration
	UUID                 string
	PollInterval         time.Duration
	DataTimeout          time.Duration
	AutoReinit           bool
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Host:                 DefaultHost,
		DataPort:             DefaultDataPort,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		NotRespondingTimeout: DefaultNotRespondingTimeout,
		UUID:                 DefaultUUID,
		PollInterval:         DefaultPollInterval,
		DataTimeout:          buffer.DefaultDataTimeout,
		AutoReinit:           true,
	}
}

// HeartbeatPort is always the port after the data port.
func (c Config) HeartbeatPort() int {
	return c.DataPort + 1
}

// AppName is the application name announced in heartbeats.
func (c Config) AppName() string {
	id := c.UUID
	if len(id) > 4 {
		id = id[:4]
	}
	return appNamePrefix + id
}

// Endpoints returns the tcp endpoints for both sockets.
func (c Config) Endpoints() Endpoints {
	return Endpoints{
		Data:      fmt.Sprintf("tcp://%s:%d", c.Host, c.DataPort),
		Heartbeat: fmt.Sprintf("tcp://%s:%d", c.Host, c.HeartbeatPort()),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.DataPort <= 0 {
		c.DataPort = d.DataPort
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.NotRespondingTimeout <= 0 {
		c.NotRespondingTimeout = d.NotRespondingTimeout
	}
	if c.UUID == "" {
		c.UUID = d.UUID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
