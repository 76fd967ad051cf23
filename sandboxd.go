// Package sandboxd is the top-level entry point for the sandbox lifecycle
// service.
//
// Use the Builder to compose an application from configuration:
//
//	cfg, err := config.Load("")
//	app, err := sandboxd.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := sandboxd.NewBuilder().
//	    WithConfig(cfg).
//	    WithRuntime(myRuntime).
//	    WithStore(myStore).
//	    Build()
package sandboxd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jxucoder/sandboxd/internal/config"
	"github.com/jxucoder/sandboxd/internal/httpapi"
	"github.com/jxucoder/sandboxd/internal/orchestrator"
	"github.com/jxucoder/sandboxd/pkg/agent"
	"github.com/jxucoder/sandboxd/pkg/branch"
	"github.com/jxucoder/sandboxd/pkg/eventbus"
	"github.com/jxucoder/sandboxd/pkg/identity"
	"github.com/jxucoder/sandboxd/pkg/sandbox"
	"github.com/jxucoder/sandboxd/pkg/sandbox/docker"
	"github.com/jxucoder/sandboxd/pkg/sandbox/modal"
	"github.com/jxucoder/sandboxd/pkg/store"
	sqliteStore "github.com/jxucoder/sandboxd/pkg/store/sqlite"
	"github.com/jxucoder/sandboxd/pkg/supervisor"
)

// Builder constructs an App.
type Builder struct {
	config   *config.Config
	runtime  sandbox.Runtime
	store    store.Store
	bus      eventbus.Bus
	resolver identity.Resolver
	logger   *slog.Logger
	agent    agent.Server
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration. Without one, Build uses
// config.Defaults().
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithRuntime sets the sandbox runtime, overriding the configured backend.
func (b *Builder) WithRuntime(rt sandbox.Runtime) *Builder {
	b.runtime = rt
	return b
}

// WithStore sets the audit store.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithIdentityResolver sets how git identities are looked up.
func (b *Builder) WithIdentityResolver(r identity.Resolver) *Builder {
	b.resolver = r
	return b
}

// WithLogger sets the logger. Without one, Build derives it from the
// configured level and format and writes to stderr.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config

	br := branch.New(cfg.Git.BranchPrefix, cfg.Sandbox.Workdir, nil, b.logger)
	id := identity.New(b.resolver, identity.Options{
		Host:    cfg.Git.Host,
		Workdir: cfg.Sandbox.Workdir,
		Logger:  b.logger,
	})
	sup := supervisor.New(b.agent, supervisor.Options{
		Workdir: cfg.Sandbox.Workdir,
		LogTail: cfg.Agent.LogTail,
		Policy: supervisor.Policy{
			MaxAttempts: cfg.Agent.ProbeAttempts,
			Interval:    cfg.Agent.ProbeInterval,
		},
		Logger: b.logger,
	})

	orch := orchestrator.New(
		orchestrator.Config{
			Image:    imageFor(cfg),
			CPU:      cfg.Sandbox.CPU,
			MemoryMB: cfg.Sandbox.MemoryMB,
			Timeout:  cfg.Sandbox.Timeout,
			Network:  networkFor(cfg),
			Workdir:  cfg.Sandbox.Workdir,
		},
		b.runtime, id, br, sup, b.store, b.bus, b.logger,
	)

	api := httpapi.New(orch, b.store, b.bus, httpapi.Options{
		APISecret:      cfg.Server.APISecret,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         b.logger,
	})

	return &App{
		config:       cfg,
		runtime:      b.runtime,
		store:        b.store,
		orchestrator: orch,
		api:          api,
		logger:       b.logger,
	}, nil
}

// App is a running sandboxd application.
type App struct {
	config       *config.Config
	runtime      sandbox.Runtime
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	api          *httpapi.Server
	logger       *slog.Logger
}

// Orchestrator returns the lifecycle orchestrator for direct access.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// API returns the HTTP gateway.
func (a *App) API() *httpapi.Server { return a.api }

// networkEnsurer is implemented by runtimes that attach sandboxes to a
// named network they can create on demand.
type networkEnsurer interface {
	EnsureNetwork(ctx context.Context, name string) error
}

// Start serves the HTTP gateway. Blocks until ctx is done.
func (a *App) Start(ctx context.Context) error {
	if n, ok := a.runtime.(networkEnsurer); ok && networkFor(a.config) != "" {
		if err := n.EnsureNetwork(ctx, networkFor(a.config)); err != nil {
			a.logger.Warn("could not create sandbox network", "network", networkFor(a.config), "error", err)
		}
	}

	a.logger.Info("starting sandboxd",
		"runtime", a.config.Runtime.Backend,
		"agent", a.config.Agent.Name,
		"dev_mode", a.config.DevMode())

	serveErr := a.api.Serve(ctx, a.config.Server.Addr)
	return errors.Join(serveErr, a.store.Close())
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing components on the builder.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		cfg := config.Defaults()
		b.config = &cfg
	}
	cfg := b.config

	srv, err := agent.Get(cfg.Agent.Name)
	if err != nil {
		return err
	}
	b.agent = srv

	if b.logger == nil {
		l, err := NewLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		b.logger = l
	}

	if b.store == nil {
		if cfg.Storage.DatabasePath == "" {
			cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.DataDir, "sandboxd.db")
		}
		if cfg.Storage.DataDir != "" {
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
		}
		st, err := sqliteStore.New(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.resolver == nil {
		b.resolver = identity.NewGitHubResolver(cfg.Git.APIURL)
	}

	if b.runtime == nil {
		switch cfg.Runtime.Backend {
		case config.BackendModal:
			rt, err := modal.New(cfg.Runtime.Modal.App)
			if err != nil {
				return fmt.Errorf("initializing modal runtime: %w", err)
			}
			b.runtime = rt
		case config.BackendDocker, "":
			b.runtime = docker.New()
		default:
			return fmt.Errorf("unknown runtime backend %q", cfg.Runtime.Backend)
		}
	}
	return nil
}

func imageFor(cfg *config.Config) string {
	if cfg.Runtime.Backend == config.BackendModal {
		return cfg.Runtime.Modal.Image
	}
	return cfg.Runtime.Docker.Image
}

func networkFor(cfg *config.Config) string {
	if cfg.Runtime.Backend == config.BackendModal {
		return ""
	}
	return cfg.Runtime.Docker.Network
}
