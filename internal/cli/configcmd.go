package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to build schema", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and REPLICA_*
environment overrides are applied. Secrets are redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				_ = f.Error(ErrCodeConfig, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			cfg = redact(cfg)
			if f.Format == "json" {
				return f.Success(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = f.Writer.Write(data)
			return err
		},
	})
	return cmd
}

func redact(c config.Config) config.Config {
	if c.Peer.Secret != "" {
		c.Peer.Secret = "********"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "********"
	}
	return c
}
