package mqtt

import (
	"time"

	"github.com/tphakala/ephys2osc/internal/events"
)

// Topic suffixes appended to the configured base topic.
const (
	TopicStatus = "status"
	TopicStats  = "stats"
	TopicEvents = "events"
)

// StatusDTO is published on <topic>/status. Field names are part of the
// published payload contract.
type StatusDTO struct {
	Session       string    `json:"session"`
	Version       string    `json:"version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Link          string    `json:"link"`
	Host          string    `json:"host"`
	DataPort      int       `json:"dataPort"`
	HeartbeatPort int       `json:"heartbeatPort"`
	AppName       string    `json:"appName"`
	Channels      int       `json:"channels"`
	MessageNum    int64     `json:"messageNum"`
	SequenceGaps  uint64    `json:"sequenceGaps"`
	OSCRunning    bool      `json:"oscRunning"`
	OSCTarget     string    `json:"oscTarget,omitempty"`
	OSCFormat     string    `json:"oscFormat,omitempty"`
}

// StatsDTO is published on <topic>/stats.
type StatsDTO struct {
	Session         string    `json:"session"`
	Timestamp       time.Time `json:"timestamp"`
	MessagesSent    uint64    `json:"messagesSent"`
	QueueSize       int       `json:"queueSize"`
	QueueOverflows  uint64    `json:"queueOverflows"`
	MessagesDropped uint64    `json:"messagesDropped"`
	DelayMs         float64   `json:"delayMs"`
	AvgDelayMs      float64   `json:"avgDelayMs"`
	SampleRate      float64   `json:"sampleRate"`
	MeanSampleRate  float64   `json:"meanSampleRate"`
	DataFlowActive  bool      `json:"dataFlowActive"`
	NumChannels     int       `json:"numChannels"`
}

// EventDTO is published on <topic>/events for lifecycle events worth a push
// notification (data timeouts and reinitializations).
type EventDTO struct {
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Channels  int       `json:"channels,omitempty"`
}

func (d *StatusDTO) applyLink(s events.LinkStatus) {
	d.Link = s.Status
	d.Host = s.Host
	d.DataPort = s.DataPort
	d.HeartbeatPort = s.HeartbeatPort
	d.AppName = s.AppName
	d.Channels = s.Channels
	d.MessageNum = s.MessageNum
	d.SequenceGaps = s.SequenceGaps
}

func newStatsDTO(session string, at time.Time, s events.DeliveryStats) StatsDTO {
	return StatsDTO{
		Session:         session,
		Timestamp:       at,
		MessagesSent:    s.MessagesSent,
		QueueSize:       s.QueueSize,
		QueueOverflows:  s.QueueOverflows,
		MessagesDropped: s.MessagesDropped,
		DelayMs:         s.DelayMs,
		AvgDelayMs:      s.AvgDelayMs,
		SampleRate:      s.CalculatedSampleRate,
		MeanSampleRate:  s.MeanSampleRate,
		DataFlowActive:  s.DataFlowActive,
		NumChannels:     s.NumChannels,
	}
}
