// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "ephys2osc")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/ephys2osc.log")
	viper.SetDefault("logging.file_output.max_size", 50)
	viper.SetDefault("logging.file_output.max_age", 14)
	viper.SetDefault("logging.file_output.max_rotated_files", 5)
	viper.SetDefault("logging.file_output.compress", false)
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("zmq.host", "localhost")
	viper.SetDefault("zmq.dataport", 5556)
	viper.SetDefault("zmq.heartbeattimeout", 2*time.Second)
	viper.SetDefault("zmq.notrespondingtimeout", 10*time.Second)
	viper.SetDefault("zmq.appuuid", "1618")
	viper.SetDefault("zmq.buffersize", 30000)
	viper.SetDefault("zmq.datatimeout", 2*time.Second)
	viper.SetDefault("zmq.autoreinit", true)
	viper.SetDefault("zmq.pollinterval", time.Millisecond)

	viper.SetDefault("osc.host", "127.0.0.1")
	viper.SetDefault("osc.port", 10000)
	viper.SetDefault("osc.baseaddress", "/data")
	// osc.format has no default so the legacy enablebatching switch can apply
	viper.SetDefault("osc.channeladdressformat", "/ch%03d")
	viper.SetDefault("osc.processing.downsamplingfactor", 30)
	viper.SetDefault("osc.processing.downsamplingmethod", "average")
	viper.SetDefault("osc.processing.batchsize", 1)
	viper.SetDefault("osc.processing.batchtimeout", time.Second)

	viper.SetDefault("performance.queuemaxsize", 100)
	viper.SetDefault("performance.overflowpolicy", "drop_oldest")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "ephys2osc")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.retain", false)
	viper.SetDefault("mqtt.statusinterval", time.Second)
}
