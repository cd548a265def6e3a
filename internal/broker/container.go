// Package broker wires every session-lifecycle component into a single
// service container, built once at startup and threaded explicitly into
// the sync loop, the observer loop, and (eventually) the admin surface
// (SPEC_FULL.md §4.9). It replaces the process-wide singletons the
// redesign note in spec.md §9 calls out.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/circuitbreaker"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/docker"
	"github.com/MaximeWewer/guacamole-session-broker/internal/gatewayclient"
	"github.com/MaximeWewer/guacamole-session-broker/internal/kubernetes"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
	"github.com/MaximeWewer/guacamole-session-broker/internal/metrics"
	"github.com/MaximeWewer/guacamole-session-broker/internal/observer"
	"github.com/MaximeWewer/guacamole-session-broker/internal/pool"
	"github.com/MaximeWewer/guacamole-session-broker/internal/profile"
	"github.com/MaximeWewer/guacamole-session-broker/internal/provisioner"
	"github.com/MaximeWewer/guacamole-session-broker/internal/recording"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
	"github.com/MaximeWewer/guacamole-session-broker/internal/syncloop"
	"github.com/MaximeWewer/guacamole-session-broker/internal/telemetry"
)

// Container aggregates every component the broker's background loops and
// (future) admin surface need. No package holds a reference to these as
// globals; everything is threaded through explicitly from here.
type Container struct {
	Config *config.Config

	Store    *store.Store
	Backend  backend.Backend
	Gateway  *gatewayclient.Client
	Breakers *circuitbreaker.Registry
	Metrics  *metrics.Metrics

	Pool        *pool.Manager
	Observer    *observer.Observer
	Provisioner *provisioner.Provisioner
	SyncLoop    *syncloop.Loop
	Recording   *recording.Archiver // nil when S3 archival isn't configured

	profileApplier  *profile.Applier
	lease           *syncloop.RedisLease
	shutdownTracing telemetry.Shutdown

	cancelBreakerGauges context.CancelFunc
}

// NewContainer builds every component in dependency order: store,
// breaker registry, gateway client, orchestrator backend, profile
// applier, observer, pool manager, provisioner, sync loop. It validates
// cfg first so a misconfigured deployment fails fast at startup (a
// brokererr.KindFatal condition per spec.md §7).
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker: invalid config: %w", err)
	}

	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	m := metrics.Init("broker")

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("broker: init tracing: %w", err)
	}

	st, err := store.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MinConns, cfg.Postgres.MaxConns)
	if err != nil {
		shutdownTracing(ctx)
		return nil, fmt.Errorf("broker: open store: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	gw := gatewayclient.New(cfg.Gateway, breakers.Get("gateway"))

	be, err := newBackend(ctx, cfg)
	if err != nil {
		st.Close()
		shutdownTracing(ctx)
		return nil, fmt.Errorf("broker: init orchestrator: %w", err)
	}

	var applier *profile.Applier
	if cfg.Profiles.ConfigFile != "" {
		loader := profile.NewLoader(cfg.Profiles.ConfigFile, cfg.Profiles.CacheTTL)
		applier = profile.NewApplier(cfg.Profiles.UserDataPath, profile.BrowserType(cfg.Containers.Image), loader)
	}

	obs := observer.New(be, st, gw, cfg.Lifecycle, cfg.Containers.VNCPort, m)
	poolMgr := pool.New(be, st, cfg.Pool, cfg.Containers.VNCPort, cfg.Containers.VNCTimeout, cfg.Lifecycle.ForceKillOnLowResources, obs)
	prov := provisioner.New(be, st, gw, applier, cfg.Containers, cfg.Guacamole, cfg.Containers.VNCTimeout, m)

	var lease *syncloop.RedisLease
	var syncLease syncloop.Lease
	if cfg.Redis != "" {
		lease, err = syncloop.NewRedisLease(cfg.Redis, "", 0, cfg.Sync.LeaderLockKey)
		if err != nil {
			st.Close()
			shutdownTracing(ctx)
			return nil, fmt.Errorf("broker: init redis lease: %w", err)
		}
		syncLease = lease
	}
	sync := syncloop.New(gw, st, prov, poolMgr, syncLease, cfg.Sync)

	archiver, err := recording.NewArchiver(ctx, cfg.Guacamole.Recording)
	if err != nil {
		logging.Op().Warn("broker: recording archiver disabled", "error", err)
	}

	c := &Container{
		Config:          cfg,
		Store:           st,
		Backend:         be,
		Gateway:         gw,
		Breakers:        breakers,
		Metrics:         m,
		Pool:            poolMgr,
		Observer:        obs,
		Provisioner:     prov,
		SyncLoop:        sync,
		Recording:       archiver,
		profileApplier:  applier,
		lease:           lease,
		shutdownTracing: shutdownTracing,
	}
	c.startBreakerGauges()
	return c, nil
}

// newBackend selects the orchestrator variant per cfg.Orchestrator.Backend
// (spec.md §4.1 — selected once at startup, one process-wide instance).
func newBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	switch cfg.Orchestrator.Backend {
	case "kubernetes":
		return kubernetes.NewManager(ctx, cfg.Containers, cfg.Orchestrator.Kubernetes)
	case "docker", "":
		return docker.NewManager(cfg.Containers)
	default:
		return nil, fmt.Errorf("unknown orchestrator backend %q", cfg.Orchestrator.Backend)
	}
}

// startBreakerGauges runs a small background ticker that mirrors the
// breaker registry's state into the CircuitBreakerState gauge vector,
// independent of the observer's own tick cadence.
func (c *Container) startBreakerGauges() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelBreakerGauges = cancel
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for dep, state := range c.Breakers.Snapshot() {
					c.Metrics.SetBreakerState(dep, breakerStateCode(state))
				}
			}
		}
	}()
}

func breakerStateCode(state string) int {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// Shutdown cancels background loops owned directly by the container and
// releases the store's connection pool and the optional Redis lease.
// The sync loop and observer loop are expected to be cancelled by the
// caller's own stop signal (they are plain goroutines started by the
// caller, not owned by Container) — see cmd/broker's serve command.
func (c *Container) Shutdown(ctx context.Context) {
	if c.cancelBreakerGauges != nil {
		c.cancelBreakerGauges()
	}
	if c.lease != nil {
		if err := c.lease.Close(); err != nil {
			logging.Op().Warn("broker: redis lease close failed", "error", err)
		}
	}
	if c.Store != nil {
		c.Store.Close()
	}
	if c.shutdownTracing != nil {
		if err := c.shutdownTracing(ctx); err != nil {
			logging.Op().Warn("broker: tracing shutdown failed", "error", err)
		}
	}
}
