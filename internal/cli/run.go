package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replica: sync scheduler and peer server",
		Long: `Run the replica until interrupted.

The sync scheduler runs rounds when the replica goes idle and on a fixed
period, compacts the change log on schedule, and checkpoints the database
after bursts of edits. When peer.listen is configured, the HTTP peer server
accepts batches and serves /v1/healthz and /metrics.

SIGINT or SIGTERM stops every timer and the server before the database is
closed.

Example:
  replica run --config ./replica.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(rootOpts, cmd)
		},
	}
}

func runReplica(opts *RootOptions, cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := opts.formatter(cmd)
	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if err := metrics.Register(nil); err != nil {
		return WrapExitError(ExitFailure, "failed to register metrics", err)
	}

	tr, server, err := a.transports(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to set up transport", err)
	}
	coord, err := a.coordinator(tr)
	if err != nil {
		return f.Fail(ExitCommandError, "invalid configuration", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})

	if server != nil && a.cfg.Peer.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.Peer.Listen,
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("peer server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("peer server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Replica %s started. Press Ctrl-C to stop.\n", a.store.SiteID().Short())

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "replica stopped with error", err)
	}
	logger.Info("replica stopped gracefully")
	return nil
}
