// Package cmd builds the ephys2osc command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/ephys2osc/cmd/bridge"
	"github.com/tphakala/ephys2osc/cmd/configcmd"
	"github.com/tphakala/ephys2osc/internal/buildinfo"
	"github.com/tphakala/ephys2osc/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ephys2osc",
		Short:         "OpenEphys ZMQ to OSC bridge",
		Long:          "Receive multi-channel samples from the OpenEphys ZMQ interface and stream them to an OSC consumer.",
		Version:       buildinfo.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	load := func() (*conf.Settings, error) {
		if configPath != "" {
			return conf.LoadFile(configPath)
		}
		return conf.Load()
	}

	if err := setupFlags(rootCmd, &configPath); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		bridge.Command(load),
		configcmd.Command(load),
	)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configPath *string) error {
	rootCmd.PersistentFlags().StringVarP(configPath, "config", "c", "", "Path to config file (default: search the standard config paths)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
