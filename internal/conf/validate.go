// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tphakala/ephys2osc/internal/oscout"
	"github.com/tphakala/ephys2osc/internal/processing"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct and reports every problem.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateZMQSettings(&settings.ZMQ)...)
	ve.Errors = append(ve.Errors, validateOSCSettings(&settings.OSC)...)
	ve.Errors = append(ve.Errors, validatePerformanceSettings(&settings.Performance)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&settings.Telemetry)...)
	ve.Errors = append(ve.Errors, validateMQTTSettings(&settings.MQTT)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateZMQSettings(s *ZMQSettings) []string {
	var errs []string
	if strings.TrimSpace(s.Host) == "" {
		errs = append(errs, "zmq.host must not be empty")
	}
	// the heartbeat socket uses dataport+1
	if s.DataPort < 1 || s.DataPort > 65534 {
		errs = append(errs, fmt.Sprintf("zmq.dataport must be between 1 and 65534, got %d", s.DataPort))
	}
	if s.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("zmq.heartbeattimeout must be positive, got %s", s.HeartbeatTimeout))
	}
	if s.NotRespondingTimeout < s.HeartbeatTimeout {
		errs = append(errs, fmt.Sprintf("zmq.notrespondingtimeout (%s) must not be shorter than zmq.heartbeattimeout (%s)",
			s.NotRespondingTimeout, s.HeartbeatTimeout))
	}
	if strings.TrimSpace(s.AppUUID) == "" {
		errs = append(errs, "zmq.appuuid must not be empty")
	}
	if s.BufferSize <= 0 {
		errs = append(errs, fmt.Sprintf("zmq.buffersize must be positive, got %d", s.BufferSize))
	}
	if s.DataTimeout < 0 {
		errs = append(errs, fmt.Sprintf("zmq.datatimeout must not be negative, got %s", s.DataTimeout))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("zmq.pollinterval must be positive, got %s", s.PollInterval))
	}
	return errs
}

func validateOSCSettings(s *OSCSettings) []string {
	var errs []string
	if strings.TrimSpace(s.Host) == "" {
		errs = append(errs, "osc.host must not be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("osc.port must be between 1 and 65535, got %d", s.Port))
	}
	if !strings.HasPrefix(s.BaseAddress, "/") {
		errs = append(errs, fmt.Sprintf("osc.baseaddress must start with '/', got %q", s.BaseAddress))
	}
	if _, err := oscout.ParseMessageFormat(s.Format); err != nil {
		errs = append(errs, "osc.format: "+err.Error())
	}
	if !strings.HasPrefix(s.ChannelAddressFormat, "/") || !strings.Contains(s.ChannelAddressFormat, "%") {
		errs = append(errs, fmt.Sprintf("osc.channeladdressformat must start with '/' and contain a channel verb such as %%03d, got %q",
			s.ChannelAddressFormat))
	}

	p := s.Processing
	if err := processing.ValidateConfig(p.DownsamplingFactor, p.DownsamplingMethod, p.BatchSize, p.BatchTimeout); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			errs = append(errs, "osc.processing: "+line)
		}
	}
	return errs
}

func validatePerformanceSettings(s *PerformanceSettings) []string {
	var errs []string
	if s.QueueMaxSize <= 0 {
		errs = append(errs, fmt.Sprintf("performance.queuemaxsize must be positive, got %d", s.QueueMaxSize))
	}
	if _, err := oscout.ParseOverflowPolicy(s.OverflowPolicy); err != nil {
		errs = append(errs, "performance.overflowpolicy: "+err.Error())
	}
	return errs
}

func validateTelemetrySettings(s *TelemetrySettings) []string {
	if !s.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []string{fmt.Sprintf("telemetry.listen must be host:port, got %q: %v", s.Listen, err)}
	}
	return nil
}

func validateMQTTSettings(s *MQTTSettings) []string {
	if !s.Enabled {
		return nil
	}
	var errs []string
	u, err := url.Parse(s.Broker)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("mqtt.broker is not a valid URL: %v", err))
	case u.Scheme != "tcp" && u.Scheme != "ssl" && u.Scheme != "tls" && u.Scheme != "mqtt" &&
		u.Scheme != "mqtts" && u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Sprintf("mqtt.broker scheme must be tcp, ssl, tls, mqtt, mqtts, ws or wss, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, "mqtt.broker must include a host")
	}
	if strings.TrimSpace(s.Topic) == "" {
		errs = append(errs, "mqtt.topic must not be empty")
	}
	if s.StatusInterval <= 0 {
		errs = append(errs, fmt.Sprintf("mqtt.statusinterval must be positive, got %s", s.StatusInterval))
	}
	return errs
}
