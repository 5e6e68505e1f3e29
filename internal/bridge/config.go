package bridge

import (
	"github.com/tphakala/ephys2osc/internal/buildinfo"
	"github.com/tphakala/ephys2osc/internal/conf"
	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/mqtt"
	"github.com/tphakala/ephys2osc/internal/oscout"
	"github.com/tphakala/ephys2osc/internal/processing"
	"github.com/tphakala/ephys2osc/internal/zmqlink"
)

func linkConfig(s *conf.Settings) zmqlink.Config {
	return zmqlink.Config{
		Host:                 s.ZMQ.Host,
		DataPort:             s.ZMQ.DataPort,
		HeartbeatTimeout:     s.ZMQ.HeartbeatTimeout,
		NotRespondingTimeout: s.ZMQ.NotRespondingTimeout,
		UUID:                 s.ZMQ.AppUUID,
		PollInterval:         s.ZMQ.PollInterval,
		DataTimeout:          s.ZMQ.DataTimeout,
		AutoReinit:           s.ZMQ.AutoReinit,
	}
}

func pipelineConfig(s *conf.Settings) processing.Config {
	p := s.OSC.Processing
	return processing.Config{
		DownsamplingFactor: p.DownsamplingFactor,
		DownsamplingMethod: p.DownsamplingMethod,
		BatchSize:          p.BatchSize,
		BatchTimeout:       p.BatchTimeout,
	}
}

func senderConfig(s *conf.Settings) (oscout.Config, error) {
	format, err := oscout.ParseMessageFormat(s.OSC.Format)
	if err != nil {
		return oscout.Config{}, errors.New(err).
			Component(componentBridge).
			Category(errors.CategoryConfiguration).
			Build()
	}
	policy, err := oscout.ParseOverflowPolicy(s.Performance.OverflowPolicy)
	if err != nil {
		return oscout.Config{}, errors.New(err).
			Component(componentBridge).
			Category(errors.CategoryConfiguration).
			Build()
	}

	cfg := oscout.DefaultConfig()
	cfg.Host = s.OSC.Host
	cfg.Port = s.OSC.Port
	cfg.Format = format
	cfg.OverflowPolicy = policy
	cfg.QueueMaxSize = s.Performance.QueueMaxSize
	if s.OSC.BaseAddress != "" {
		cfg.BaseAddress = s.OSC.BaseAddress
	}
	if s.OSC.ChannelAddressFormat != "" {
		cfg.ChannelAddressFormat = s.OSC.ChannelAddressFormat
	}
	cfg.BatchSize = s.OSC.Processing.BatchSize
	cfg.DownsamplingFactor = s.OSC.Processing.DownsamplingFactor
	cfg.DownsamplingMethod = s.OSC.Processing.DownsamplingMethod
	return cfg, nil
}

func mqttConfig(s *conf.Settings) mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.MQTT.Broker
	cfg.Username = s.MQTT.Username
	cfg.Password = s.MQTT.Password
	cfg.Retain = s.MQTT.Retain
	cfg.Version = buildinfo.Current().Version()
	if s.MQTT.Topic != "" {
		cfg.Topic = s.MQTT.Topic
	}
	if s.MQTT.StatusInterval > 0 {
		cfg.StatusInterval = s.MQTT.StatusInterval
	}
	return cfg
}
