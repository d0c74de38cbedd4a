package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/coordinator"
	"github.com/roach88/replica/internal/transport"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replica sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.coordinator(transport.Fanout())
	if err != nil {
		return f.Fail(ExitCommandError, "invalid configuration", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read status", err)
	}
	return f.Render(st, func(w io.Writer) { writeStatus(w, st) })
}

func writeStatus(w io.Writer, st coordinator.Status) {
	fmt.Fprintf(w, "Site:           %s\n", st.Site)
	fmt.Fprintf(w, "State:          %s\n", st.State)
	fmt.Fprintf(w, "Health:         %s\n", st.Health)
	fmt.Fprintf(w, "DB version:     %d\n", st.CurrentVersion)
	fmt.Fprintf(w, "Last synced:    %d (%d version(s) behind)\n", st.LastSyncVersion, st.Unsynced)
	fmt.Fprintf(w, "Change log:     %d record(s)", st.Log.Total)
	if st.Log.Total > 0 {
		fmt.Fprintf(w, ", versions %d..%d", st.Log.Oldest, st.Log.Newest)
	}
	fmt.Fprintln(w)
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:     %s (%d consecutive failure(s))\n", st.LastError, st.ConsecutiveFailures)
	}
	if len(st.Peers) > 0 {
		fmt.Fprintln(w, "Peers:")
		for _, p := range st.Peers {
			fmt.Fprintf(w, "  %s  acked %d  at %s\n", p.PeerID, p.AckedVersion, p.UpdatedAt.Format(time.RFC3339))
		}
	}
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	var since uint64
	var limit int
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Print change log records",
		Long: `Print change log records with db_version greater than --since, oldest
first, one JSON object per line.

Example:
  replica changes --since 0 --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(rootOpts, cmd, since, limit)
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "print records after this db_version")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records (0 for all)")
	return cmd
}

func runChanges(opts *RootOptions, cmd *cobra.Command, since uint64, limit int) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	if limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.ChangesSinceLimit(ctx, since, limit)
	if err != nil {
		return f.Fail(ExitFailure, "failed to read changes", err)
	}
	if f.Format == "json" {
		return f.Success(records)
	}
	enc := json.NewEncoder(f.Writer)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unique values held by more than one row",
		Long: `List unique values that replication has left on more than one live row.

Two replicas can each accept the same unique value while apart. Such
conflicts are never resolved automatically; this command reports them so
they can be fixed by hand. Exits 1 when any conflict exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(rootOpts, cmd)
		},
	}
}

func runConflicts(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.registry == nil {
		_ = f.Error(ErrCodeSchema, "no schema configured (use --schema or schema.dir)", nil)
		return NewExitError(ExitCommandError, "no schema configured")
	}
	conflicts, err := a.registry.Enforcer().DetectConflicts(ctx)
	if err != nil {
		return f.Fail(ExitFailure, "conflict detection failed", err)
	}

	if len(conflicts) == 0 {
		return f.Render(conflicts, func(w io.Writer) { fmt.Fprintln(w, "✓ No conflicts") })
	}
	if f.Format == "json" {
		_ = f.Error(ErrCodeConflicts, fmt.Sprintf("%d conflict(s)", len(conflicts)), conflicts)
	} else {
		fmt.Fprintf(f.Writer, "✗ %d conflict(s)\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Fprintf(f.Writer, "  %s\n", c)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d unique conflict(s)", len(conflicts)))
}
