// Package configcmd provides the config show and config validate commands.
package configcmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/ephys2osc/internal/conf"
	"github.com/tphakala/ephys2osc/internal/errors"
)

// Command creates the config command group.
func Command(load func() (*conf.Settings, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				settings, err := load()
				if err != nil {
					return err
				}
				return show(cmd.OutOrStdout(), settings)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration and report every problem",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := load()
				return report(cmd.OutOrStdout(), err)
			},
		},
	)

	return cmd
}

// show writes settings with secrets masked.
func show(w io.Writer, settings *conf.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings.Redacted()); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	return enc.Close()
}

// report prints the outcome of loading. Validation problems are listed one per line.
func report(w io.Writer, err error) error {
	if err == nil {
		_, _ = fmt.Fprintln(w, "configuration is valid")
		return nil
	}

	var ve conf.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	for _, problem := range ve.Errors {
		_, _ = fmt.Fprintf(w, "  - %s\n", problem)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(ve.Errors))
}
