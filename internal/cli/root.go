package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	Config    string // config file path
	EnvFile   string // .env file path
	Database  string // overrides store.path
	SchemaDir string // overrides schema.dir
	LogFormat string // "text" | "json"

	// Logger is set by the root command before any subcommand runs.
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the replica CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "replica",
		Short:   "Local-first replicated data layer",
		Version: ir.EngineVersion,
		Long:    `replica keeps a local SQLite database in sync with its peers.

Every local write is logged as per-column change records. Replicas exchange
those records and merge them deterministically, so every replica that has
seen the same changes holds the same rows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !slices.Contains(ValidFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.Logger = NewLogger(cmd.ErrOrStderr(), opts.LogFormat, level)
			slog.SetDefault(opts.Logger)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.Config, "config", "c", "", "path to config file (YAML)")
	flags.StringVar(&opts.EnvFile, "env-file", ".env", "path to .env file")
	flags.StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	flags.StringVar(&opts.SchemaDir, "schema", "", "directory of CUE entity descriptors (overrides config)")
	flags.StringVar(&opts.LogFormat, "log-format", "text", "log format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewChangesCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// logger returns the configured logger, or the default one when a
// subcommand runs without the root command (tests).
func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
