// Package conf loads the bridge settings from the YAML config file, environment
// variables and command line flags through viper.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

const componentConf = "conf"

// Settings is the complete bridge configuration.
type Settings struct {
	Debug bool `yaml:"debug"`

	Main struct {
		Name string `yaml:"name"`
	} `yaml:"main"`

	Logging logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`

	ZMQ         ZMQSettings         `yaml:"zmq" mapstructure:"zmq"`
	OSC         OSCSettings         `yaml:"osc" mapstructure:"osc"`
	Performance PerformanceSettings `yaml:"performance" mapstructure:"performance"`
	Telemetry   TelemetrySettings   `yaml:"telemetry" mapstructure:"telemetry"`
	MQTT        MQTTSettings        `yaml:"mqtt" mapstructure:"mqtt"`
}

// ZMQSettings configures the inbound OpenEphys connection. The heartbeat port is
// always DataPort+1.
type ZMQSettings struct {
	Host                 string        `yaml:"host"`
	DataPort             int           `yaml:"dataport"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeattimeout"`
	NotRespondingTimeout time.Duration `yaml:"notrespondingtimeout"`
	AppUUID              string        `yaml:"appuuid"`
	BufferSize           int           `yaml:"buffersize"`  // samples per channel
	DataTimeout          time.Duration `yaml:"datatimeout"` // 0 disables starvation detection
	AutoReinit           bool          `yaml:"autoreinit"`
	PollInterval         time.Duration `yaml:"pollinterval"`
}

// OSCSettings configures the outbound OSC stream.
type OSCSettings struct {
	Host                 string             `yaml:"host"`
	Port                 int                `yaml:"port"`
	BaseAddress          string             `yaml:"baseaddress"`
	Format               string             `yaml:"format"`               // sample, batch, chunk, chunk_array or channel
	ChannelAddressFormat string             `yaml:"channeladdressformat"` // printf format, e.g. /ch%03d
	Processing           ProcessingSettings `yaml:"processing"`
}

// ProcessingSettings configures downsampling and batching.
type ProcessingSettings struct {
	DownsamplingFactor int           `yaml:"downsamplingfactor"`
	DownsamplingMethod string        `yaml:"downsamplingmethod"`
	BatchSize          int           `yaml:"batchsize"`
	BatchTimeout       time.Duration `yaml:"batchtimeout"`
}

// PerformanceSettings configures the delivery queue.
type PerformanceSettings struct {
	QueueMaxSize   int    `yaml:"queuemaxsize"`
	OverflowPolicy string `yaml:"overflowpolicy"`
	// EnableBatching is the legacy switch for the OSC format. It only applies when
	// osc.format is not set.
	EnableBatching *bool `yaml:"enablebatching,omitempty"`
}

// TelemetrySettings configures the Prometheus endpoint.
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTSettings configures the optional status publisher.
type MQTTSettings struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	Topic          string        `yaml:"topic"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Retain         bool          `yaml:"retain"`
	StatusInterval time.Duration `yaml:"statusinterval"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration from the default paths. On first run the embedded
// default config is written to the first path.
func Load() (*Settings, error) {
	return load(readDefaultConfig)
}

// LoadFile reads the configuration from an explicit file.
func LoadFile(path string) (*Settings, error) {
	return load(func() error {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("reading config file: %w", err)).
				Component(componentConf).
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
		return nil
	})
}

func load(read func() error) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(read); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("unmarshaling config: %w", err)).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Build()
	}
	applyLegacySettings(settings)

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper registers defaults and environment bindings, then reads the config.
func initViper(read func() error) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	setDefaultConfig()
	if err := bindEnvVars(); err != nil {
		return errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return read()
}

func readDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return createDefaultConfig(filepath.Join(configPaths[0], "config.yaml"))
	}
	return errors.New(fmt.Errorf("reading config file: %w", err)).
		Component(componentConf).
		Category(errors.CategoryFileIO).
		Build()
}

// createDefaultConfig writes the embedded config to configPath and reads it back.
func createDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.New(fmt.Errorf("creating config directory: %w", err)).
			Component(componentConf).
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}
	if err := os.WriteFile(configPath, DefaultConfigYAML(), 0o644); err != nil {
		return errors.New(fmt.Errorf("writing default config: %w", err)).
			Component(componentConf).
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}

	fmt.Println("Created default config file at:", configPath)
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// DefaultConfigYAML returns the embedded default config file.
func DefaultConfigYAML() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// the file is embedded at build time
		panic(err)
	}
	return data
}

// applyLegacySettings maps performance.enablebatching onto osc.format when the
// format is not configured.
func applyLegacySettings(s *Settings) {
	if s.OSC.Format != "" {
		return
	}
	s.OSC.Format = "sample"
	if s.Performance.EnableBatching != nil && *s.Performance.EnableBatching {
		s.OSC.Format = "batch"
	}
}

// GetSettings returns the most recently loaded settings.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Redacted returns a copy with secrets masked, for display.
func (s *Settings) Redacted() *Settings {
	c := *s
	if c.MQTT.Password != "" {
		c.MQTT.Password = "********"
	}
	return &c
}
