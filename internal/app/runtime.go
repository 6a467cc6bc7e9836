package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"geemake/internal/config"
	"geemake/internal/db"
	"geemake/internal/events"
	"geemake/internal/migrate"
	"geemake/internal/namespace"
	"geemake/internal/reconcile"
	"geemake/internal/remote"
	"geemake/internal/repo"
	"geemake/internal/sentinel"
	"geemake/internal/tracker"
)

// Options control how Open wires a runtime.
type Options struct {
	Workspace string
	Config    *config.Config
	// Platform replaces the HTTP session when set.
	Platform remote.Platform
	Logger   *log.Logger
}

// Runtime bundles the components of one geemake invocation. The remote
// session is initialized exactly once, in Open.
type Runtime struct {
	Config     *config.Config
	Namespace  namespace.Mapping
	Platform   remote.Platform
	Client     *remote.Client
	Store      sentinel.Store
	Reconciler reconcile.Reconciler
	Tracker    *tracker.Tracker
	Journal    Journal
	DB         *sql.DB
}

// LoadConfig reads the config file, preferring an explicit path over the workspace default.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Open initializes the remote session, opens and migrates the journal, and
// builds the reconciler and tracker.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, errors.New("config not loaded")
	}
	ns, err := opts.Config.Namespace()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	rt := &Runtime{Config: opts.Config, Namespace: ns, Platform: opts.Platform}
	if rt.Platform == nil {
		client, err := remote.Dial(ctx, remote.SessionConfig{
			Endpoint: opts.Config.Remote.Endpoint,
			Secret:   opts.Config.Remote.Secret,
			Subject:  opts.Config.Remote.Subject,
		})
		if err != nil {
			return nil, err
		}
		rt.Client = client
		rt.Platform = client
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	rt.DB = conn
	rt.Journal = Journal{Repo: repo.Repo{DB: conn}, Events: events.Writer{}}

	rt.Store = sentinel.Store{Remote: rt.Platform, Logger: logger}
	rt.Reconciler = reconcile.New(rt.Store)
	rt.Reconciler.Recorder = rt.Journal
	rt.Tracker = tracker.New(rt.Platform, rt.Store)
	rt.Tracker.Recorder = rt.Journal
	return rt, nil
}

// Preflight runs the pre-build sweep over the configured rules.
func (rt *Runtime) Preflight(ctx context.Context) error {
	return rt.Reconciler.Preflight(ctx, rt.Config.Rules, rt.Namespace)
}

// Close waits for outstanding watchers, then closes the journal.
func (rt *Runtime) Close() error {
	if rt.Tracker != nil {
		rt.Tracker.Wait()
	}
	if rt.DB != nil {
		return rt.DB.Close()
	}
	return nil
}
