// Package bridge provides the command that runs the ZMQ to OSC bridge.
package bridge

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	bridgesvc "github.com/tphakala/ephys2osc/internal/bridge"
	"github.com/tphakala/ephys2osc/internal/conf"
	"github.com/tphakala/ephys2osc/internal/logger"
	"github.com/tphakala/ephys2osc/internal/oscout"
	"github.com/tphakala/ephys2osc/internal/zmqlink"
)

// Command creates the bridge command. load is called after flags are parsed so
// that flag values override the config file.
func Command(load func() (*conf.Settings, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "bridge",
		Aliases: []string{"run"},
		Short:   "Run the ZMQ to OSC bridge",
		Long:    "Connect to the OpenEphys ZMQ interface and stream downsampled samples to an OSC consumer until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := load()
			if err != nil {
				return err
			}

			central, err := newCentralLogger(settings)
			if err != nil {
				return err
			}
			defer func() { _ = central.Close() }()

			b, err := bridgesvc.New(settings, central.Root())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go rotateOnHangup(ctx, central)

			return b.Run(ctx)
		},
	}

	if err := setupFlags(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// flagBindings maps command flags to config keys.
var flagBindings = map[string]string{
	"zmq-host":        "zmq.host",
	"zmq-port":        "zmq.dataport",
	"auto-reinit":     "zmq.autoreinit",
	"data-timeout":    "zmq.datatimeout",
	"osc-host":        "osc.host",
	"osc-port":        "osc.port",
	"format":          "osc.format",
	"base-address":    "osc.baseaddress",
	"downsample":      "osc.processing.downsamplingfactor",
	"method":          "osc.processing.downsamplingmethod",
	"batch-size":      "osc.processing.batchsize",
	"batch-timeout":   "osc.processing.batchtimeout",
	"queue-size":      "performance.queuemaxsize",
	"overflow-policy": "performance.overflowpolicy",
	"telemetry":       "telemetry.enabled",
	"listen":          "telemetry.listen",
}

// setupFlags configures flags specific to the bridge command.
func setupFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	f.String("zmq-host", zmqlink.DefaultHost, "OpenEphys ZMQ interface host")
	f.Int("zmq-port", zmqlink.DefaultDataPort, "ZMQ data port (heartbeat port is data port + 1)")
	f.Bool("auto-reinit", true, "Reinitialize channel buffers automatically after a data timeout")
	f.Duration("data-timeout", 0, "Data starvation timeout (0 disables detection)")
	f.String("osc-host", oscout.DefaultHost, "OSC destination host")
	f.Int("osc-port", oscout.DefaultPort, "OSC destination port")
	f.String("format", "", "OSC message format (sample, batch, chunk, chunk_array, channel)")
	f.String("base-address", oscout.DefaultBaseAddress, "OSC base address")
	f.Int("downsample", 1, "Downsampling factor")
	f.String("method", "average", "Downsampling method (average, decimate)")
	f.Int("batch-size", 1, "Downsampled samples per OSC batch")
	f.Duration("batch-timeout", 0, "Flush a partial batch after this long")
	f.Int("queue-size", oscout.DefaultQueueMaxSize, "Delivery queue capacity in batches")
	f.String("overflow-policy", string(oscout.DropOldest), "Queue overflow policy (drop_oldest, drop_newest, block)")
	f.Bool("telemetry", false, "Enable the Prometheus metrics endpoint")
	f.String("listen", "", "Listen address of the metrics endpoint")

	// Bind flags to the viper settings
	for name, key := range flagBindings {
		if err := viper.BindPFlag(key, f.Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// newCentralLogger builds the process logger. --debug raises every output to debug.
func newCentralLogger(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = string(logger.LogLevelDebug)
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = cfg.DefaultLevel
			cfg.Console = &console
		}
	}
	return logger.NewCentralLogger(&cfg)
}

// rotateOnHangup rotates the log file on every SIGHUP until ctx is done.
func rotateOnHangup(ctx context.Context, central *logger.CentralLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := central.Rotate(); err != nil {
				central.Root().Warn("log rotation failed", logger.Error(err))
			}
		}
	}
}
