package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/coordinator"
	"github.com/roach88/replica/internal/transport"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round now",
		Long: `Run one sync round: send every local change since the last successful
round to the configured peers, apply what peers have delivered, and
advance the sync cursor. The cursor never moves past a change that no peer
acknowledged, so with no peers configured every change stays unsynced.

Batches pushed over HTTP are only received while "replica run" is serving;
a one-shot sync receives from the Redis relay only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close()

	tr, _, err := a.transports(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to set up transport", err)
	}
	c, err := a.coordinator(tr)
	if err != nil {
		return f.Fail(ExitCommandError, "invalid configuration", err)
	}

	report, err := c.Trigger(ctx)
	if err != nil {
		return f.Fail(ExitFailure, "sync round failed", err)
	}
	if err := f.Render(report, func(w io.Writer) { writeRound(w, report) }); err != nil {
		return err
	}
	if len(report.Conflicts) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d unique conflict(s) need manual resolution", len(report.Conflicts)))
	}
	return nil
}

func writeRound(w io.Writer, r coordinator.RoundReport) {
	if r.Noop {
		fmt.Fprintf(w, "✓ Nothing to sync (cursor %d)\n", r.Cursor)
		return
	}
	fmt.Fprintf(w, "✓ Sync round complete in %s\n", r.Duration)
	fmt.Fprintf(w, "  sent:     %d record(s) in %d batch(es), %d ack(s)\n", r.Sent, r.Batches, r.Acks)
	fmt.Fprintf(w, "  received: %d record(s) in %d batch(es)\n", r.Received, r.ReceivedBatches)
	fmt.Fprintf(w, "  applied:  %d, skipped: %d, failed: %d\n", r.Applied, r.Skipped, r.Failed)
	fmt.Fprintf(w, "  cursor:   %d\n", r.Cursor)
	if r.Unacknowledged > 0 {
		fmt.Fprintf(w, "  ✗ %d record(s) not acknowledged by any peer, kept for the next round\n", r.Unacknowledged)
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  ✗ conflict: %s\n", c)
	}
	if r.Compaction != nil {
		writeCompaction(w, *r.Compaction)
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one change log retention pass",
		Long: `Discard change log records older than the retention window, keeping
at least sync.minChangesToKeep records and everything a known peer has not
acknowledged. Row values are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(rootOpts, cmd, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without compacting")
	return cmd
}

func runCompact(opts *RootOptions, cmd *cobra.Command, dryRun bool) error {
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

	if dryRun {
		plan, err := c.Plan(ctx)
		if err != nil {
			return f.Fail(ExitFailure, "failed to plan compaction", err)
		}
		return f.Render(plan, func(w io.Writer) { writePlan(w, plan) })
	}

	report, err := c.Compact(ctx)
	if err != nil {
		return f.Fail(ExitFailure, "compaction failed", err)
	}
	return f.Render(report, func(w io.Writer) { writeCompaction(w, report) })
}

func writePlan(w io.Writer, p coordinator.RetentionPlan) {
	fmt.Fprintf(w, "  log:      %d record(s), versions %d..%d\n", p.Stats.Total, p.Stats.Oldest, p.Stats.Newest)
	if p.Skip {
		fmt.Fprintf(w, "  skip:     %s\n", p.Reason)
		return
	}
	fmt.Fprintf(w, "  cutoff:   %d (keeping %d version(s))\n", p.Cutoff, p.VersionsToKeep)
}

func writeCompaction(w io.Writer, r coordinator.CompactionReport) {
	if r.Plan.Skip {
		fmt.Fprintln(w, "✓ Compaction skipped")
	} else {
		fmt.Fprintf(w, "✓ Compacted %d record(s)\n", r.Removed)
	}
	writePlan(w, r.Plan)
}
