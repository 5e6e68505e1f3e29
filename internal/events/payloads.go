package events

import "time"

// Sources used in Event.Source
const (
	SourceLink     = "zmqlink"
	SourceBuffer   = "buffer"
	SourcePipeline = "processing"
	SourceSender   = "oscout"
	SourceBridge   = "bridge"
	SourceCLI      = "cli"
)

// LinkStatus describes the ZMQ connection session. It is the payload of
// ConnectionStatusChanged.
type LinkStatus struct {
	Status        string
	Host          string
	DataPort      int
	HeartbeatPort int
	AppName       string
	UUID          string
	MessageNum    int64
	Channels      int
	SequenceGaps  uint64
}

// ErrorPayload is carried by ConnectionError and OSCConnectionError.
type ErrorPayload struct {
	Err      error
	Endpoint string
	Action   string
}

// OSCStatus is the payload of OSCStatusChanged.
type OSCStatus struct {
	Running            bool
	Host               string
	Port               int
	Format             string
	BatchSize          int
	DownsamplingFactor int
	DownsamplingMethod string
}

// DataReceivedPayload describes one decoded data frame.
type DataReceivedPayload struct {
	MessageNum int64
	ChannelNum int
	Rows       int
	NumSamples int
}

// DataProcessedPayload holds an equal-length block popped from every discovered channel,
// indexed in discovery order.
type DataProcessedPayload struct {
	Channels    [][]float32
	NumSamples  int
	NumChannels int
	ReceivedAt  time.Time
}

// SampleBatch is a block of downsampled samples flattened channel-major:
// Data[ch*SampleCount+s].
type SampleBatch struct {
	SampleCount  int
	ChannelCount int
	Data         []float32
}

// Channel returns the samples of one channel.
func (b SampleBatch) Channel(ch int) []float32 {
	return b.Data[ch*b.SampleCount : (ch+1)*b.SampleCount]
}

// Sample returns the value of every channel at sample index s.
func (b SampleBatch) Sample(s int) []float32 {
	out := make([]float32, b.ChannelCount)
	for ch := range b.ChannelCount {
		out[ch] = b.Data[ch*b.SampleCount+s]
	}
	return out
}

// BatchReadyPayload is published by the pipeline for every completed batch.
// BatchDelay is how long the first sample waited in the batcher.
type BatchReadyPayload struct {
	Batch      SampleBatch
	ReceivedAt time.Time
	BatchDelay time.Duration
}

// DeliveryStats is the payload of DataSent.
type DeliveryStats struct {
	MessagesSent         uint64
	OSCMessages          int
	QueueSize            int
	QueueOverflows       uint64
	MessagesDropped      uint64
	DelayMs              float64
	AvgDelayMs           float64
	CalculatedSampleRate float64
	MeanSampleRate       float64
	DataFlowActive       bool
	BatchDelayMs         float64
	NumChannels          int
	NumSamples           int
}

// DiscoveryPayload lists the discovered channel ids, sorted ascending.
type DiscoveryPayload struct {
	ChannelIDs []int
}

// TimeoutPayload is carried by DataTimeoutWarning.
type TimeoutPayload struct {
	Timeout    time.Duration
	AutoReinit bool
}

// ReinitPayload is carried by AutoReinitCompleted and ManualReinitCompleted.
type ReinitPayload struct {
	PreviousChannels int
}

// ServicePayload is carried by ServiceStarted and ServiceStopped.
type ServicePayload struct {
	Service string
	Detail  string
}

// InfoEventPayload forwards a decoded OpenEphys TTL/message event.
type InfoEventPayload struct {
	Kind       string
	Stream     string
	SourceNode int
	SampleNum  int64
	Line       int
	State      bool
	Word       uint64
	Timestamp  *int64
}

// SpikePayload forwards a decoded spike header.
type SpikePayload struct {
	Stream      string
	SourceNode  int
	Electrode   string
	SampleNum   int64
	NumChannels int
	NumSamples  int
	SortedID    int
}
