// env.go - Environment variable configuration and validation for ephys2osc
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. EPHYS2OSC_ZMQ_HOST.
const EnvPrefix = "EPHYS2OSC"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the explicitly validated environment variables. Every other
// key can still be overridden through the prefix and automatic binding.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "EPHYS2OSC_DEBUG", validateEnvBool},

		{"zmq.host", "EPHYS2OSC_ZMQ_HOST", validateEnvHost},
		{"zmq.dataport", "EPHYS2OSC_ZMQ_DATAPORT", validateEnvPort},
		{"zmq.heartbeattimeout", "EPHYS2OSC_ZMQ_HEARTBEATTIMEOUT", validateEnvDuration},
		{"zmq.notrespondingtimeout", "EPHYS2OSC_ZMQ_NOTRESPONDINGTIMEOUT", validateEnvDuration},
		{"zmq.datatimeout", "EPHYS2OSC_ZMQ_DATATIMEOUT", validateEnvDuration},
		{"zmq.autoreinit", "EPHYS2OSC_ZMQ_AUTOREINIT", validateEnvBool},

		{"osc.host", "EPHYS2OSC_OSC_HOST", validateEnvHost},
		{"osc.port", "EPHYS2OSC_OSC_PORT", validateEnvPort},
		{"osc.format", "EPHYS2OSC_OSC_FORMAT", nil},

		{"mqtt.enabled", "EPHYS2OSC_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "EPHYS2OSC_MQTT_BROKER", nil},
		{"mqtt.username", "EPHYS2OSC_MQTT_USERNAME", nil},
		{"mqtt.password", "EPHYS2OSC_MQTT_PASSWORD", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var warnings []string
	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvHost(value string) error {
	host := strings.TrimSpace(value)
	if host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if strings.ContainsAny(host, " /") {
		return fmt.Errorf("host must be a hostname or IP address, got '%s'", host)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}
