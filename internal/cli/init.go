package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// InitResult is the output of the init command.
type InitResult struct {
	Path      string   `json:"path"`
	SiteID    string   `json:"site_id"`
	Tables    []string `json:"tables"`
	DBVersion uint64   `json:"db_version"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or open the local database",
		Long: `Create the local database if it does not exist, assign this replica its
site id, and mark every entity of the configured schema as replicated.

Running init again is harmless: the site id never changes.

Example:
  replica init --db ./app.db --schema ./schema`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close()

	tables, err := a.store.ReplicatedTables(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to list tables", err)
	}
	version, err := a.store.CurrentVersion(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read version", err)
	}

	res := InitResult{
		Path:      a.cfg.Store.Path,
		SiteID:    a.store.SiteID().String(),
		Tables:    tables,
		DBVersion: version,
	}
	return f.Render(res, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Replica ready at %s\n", res.Path)
		fmt.Fprintf(w, "  site id:    %s\n", res.SiteID)
		fmt.Fprintf(w, "  db version: %d\n", res.DBVersion)
		fmt.Fprintf(w, "  tables:     %d\n", len(res.Tables))
		for _, t := range res.Tables {
			fmt.Fprintf(w, "    %s\n", t)
		}
	})
}
