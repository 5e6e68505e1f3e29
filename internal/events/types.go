// Package events provides the in-process event bus that decouples the bridge
// components from each other and from the status consumers (metrics, MQTT).
package events

import "time"

// Type identifies an event kind.
type Type string

const (
	ConnectionStatusChanged  Type = "connection_status_changed"
	ConnectionError          Type = "connection_error"
	OSCStatusChanged         Type = "osc_status_changed"
	OSCConnectionError       Type = "osc_connection_error"
	DataReceived             Type = "data_received"
	DataProcessed            Type = "data_processed"
	BatchReady               Type = "batch_ready"
	DataSent                 Type = "data_sent"
	ServiceStarted           Type = "service_started"
	ServiceStopped           Type = "service_stopped"
	ChannelDiscoveryComplete Type = "channel_discovery_complete"
	DataTimeoutWarning       Type = "data_timeout_warning"
	AutoReinitCompleted      Type = "auto_reinit_completed"
	ManualReinitCompleted    Type = "manual_reinit_completed"
	ManualReinitRequested    Type = "manual_reinit_requested"
	ExecuteManualReinit      Type = "execute_manual_reinit"
	EventReceived            Type = "event_received"
	SpikeReceived            Type = "spike_received"
	ShutdownRequested        Type = "shutdown_requested"
)

// AllTypes lists every event type in declaration order.
var AllTypes = []Type{
	ConnectionStatusChanged,
	ConnectionError,
	OSCStatusChanged,
	OSCConnectionError,
	DataReceived,
	DataProcessed,
	BatchReady,
	DataSent,
	ServiceStarted,
	ServiceStopped,
	ChannelDiscoveryComplete,
	DataTimeoutWarning,
	AutoReinitCompleted,
	ManualReinitCompleted,
	ManualReinitRequested,
	ExecuteManualReinit,
	EventReceived,
	SpikeReceived,
	ShutdownRequested,
}

// String implements fmt.Stringer
func (t Type) String() string {
	return string(t)
}

// Event is a published notification. It must not be mutated after Publish.
type Event struct {
	Type      Type
	Payload   any
	Timestamp time.Time
	Source    string
}

// Handler processes one event. Returned errors are logged and counted by the bus.
type Handler func(Event) error

// SubscriptionID identifies a handler registration for Unsubscribe.
type SubscriptionID uint64

// Stats holds bus counters
type Stats struct {
	Published     uint64
	Delivered     uint64
	HandlerErrors uint64
	Panics        uint64
}
