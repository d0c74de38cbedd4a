package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/coordinator"
	"github.com/roach88/replica/internal/repository"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/transport"
	"github.com/roach88/replica/internal/transport/httppeer"
	"github.com/roach88/replica/internal/transport/redisrelay"
)

// app is an opened replica: configuration, store and, when a schema
// directory is configured, the entity registry.
type app struct {
	cfg      config.Config
	store    *store.Store
	schema   *schema.Schema
	registry *repository.Registry
	logger   *slog.Logger

	closers []func() error
}

// loadConfig reads the .env file, the config file and the flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.EnvFile != "" {
		if err := config.LoadEnv(opts.EnvFile); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return cfg, err
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.SchemaDir != "" {
		cfg.Schema.Dir = opts.SchemaDir
	}
	return cfg, nil
}

// openApp opens and initializes the store and loads the schema.
func openApp(ctx context.Context, opts *RootOptions, f *OutputFormatter) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := opts.logger()

	st, err := store.Open(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return nil, f.Fail(ExitCommandError, "failed to open database", err)
	}
	a := &app{cfg: cfg, store: st, logger: logger}

	site, err := st.Initialize(ctx, nil)
	if err != nil {
		a.Close()
		return nil, f.Fail(ExitCommandError, "failed to initialize database", err)
	}
	logger.Debug("store ready", "path", cfg.Store.Path, "site_id", site.Short())

	if cfg.Schema.Dir != "" {
		sch, errs := schema.LoadDir(cfg.Schema.Dir)
		if len(errs) > 0 {
			a.Close()
			_ = f.Error(ErrCodeSchema, errors.Join(errs...).Error(), nil)
			return nil, WrapExitError(ExitCommandError, "failed to load schema", errs[0])
		}
		reg, err := repository.NewRegistry(ctx, st, sch, repository.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, f.Fail(ExitCommandError, "failed to register entities", err)
		}
		a.schema = sch
		a.registry = reg
	}
	return a, nil
}

// Close releases everything the app opened, the store last.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// transports builds the configured transports. The HTTP peer server, if
// any, is returned so the caller can serve it.
func (a *app) transports(ctx context.Context) (transport.Transport, *httppeer.Server, error) {
	var ts []transport.Transport
	var server *httppeer.Server
	site := a.store.SiteID()

	if a.cfg.Peer.Enabled() {
		signer, err := httppeer.NewSigner(a.cfg.Peer.Secret, site)
		if err != nil {
			return nil, nil, err
		}
		server = httppeer.NewServer(site, signer,
			httppeer.WithServerLogger(a.logger),
			httppeer.WithInbox(httppeer.NewStoreInbox(a.store)),
			httppeer.WithRateLimit(a.cfg.Peer.RatePerSecond, a.cfg.Peer.Burst),
			httppeer.WithDedupTTL(a.cfg.Peer.DedupTTL()))
		client := httppeer.NewClient(a.cfg.Peer.Peers, signer, httppeer.WithClientLogger(a.logger))
		ts = append(ts, &httppeer.Transport{Server: server, Client: client})
	}

	if a.cfg.Redis.Enabled() {
		peers, err := a.cfg.Redis.PeerSites()
		if err != nil {
			return nil, nil, err
		}
		rdb, err := redisrelay.Dial(ctx, redisrelay.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		ts = append(ts, redisrelay.New(rdb, site, peers,
			redisrelay.WithPrefix(a.cfg.Redis.Prefix),
			redisrelay.WithLogger(a.logger)))
	}

	if len(ts) == 0 {
		a.logger.Warn("no transport configured, rounds only advance the local cursor")
	}
	return transport.Fanout(ts...), server, nil
}

// coordinator builds the sync coordinator over tr and hooks it to local
// commits.
func (a *app) coordinator(tr transport.Transport) (*coordinator.Coordinator, error) {
	opts := []coordinator.Option{coordinator.WithLogger(a.logger)}
	if a.registry != nil {
		opts = append(opts, coordinator.WithConflictDetector(a.registry.Enforcer()))
	}
	c, err := coordinator.New(a.store, tr, a.cfg.Policy(), opts...)
	if err != nil {
		return nil, fmt.Errorf("sync policy: %w", err)
	}
	a.store.OnCommit(c.OnCommit)
	return c, nil
}
