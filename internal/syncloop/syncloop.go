// Package syncloop reconciles the gateway's user directory against
// provisioned sessions (spec.md §4.8): every T_sync, new users get
// provisioned and the pool manager is topped up once.
package syncloop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
)

// GatewayClient is the slice of gatewayclient.Client the sync loop needs.
type GatewayClient interface {
	ListUsers(ctx context.Context) (map[string]json.RawMessage, error)
}

// Store is the slice of store.Store the sync loop needs.
type Store interface {
	ProvisionedUsernames(ctx context.Context) (map[string]struct{}, error)
}

// Provisioner provisions one user.
type Provisioner interface {
	Provision(ctx context.Context, username string) (string, error)
}

// PoolManager tops up the pre-warmed pool once per tick.
type PoolManager interface {
	Ensure(ctx context.Context) error
}

// Lease decides whether this replica is allowed to run a tick, backing
// the "one sync task across replicas" guarantee with an optional
// Redis-based leader lock. See NewRedisLease; nil-safe default grants
// leadership unconditionally (single-replica deployments).
type Lease interface {
	TryAcquire(ctx context.Context) bool
}

type alwaysLeader struct{}

func (alwaysLeader) TryAcquire(ctx context.Context) bool { return true }

// Loop is the sync loop's long-lived task.
type Loop struct {
	gateway     GatewayClient
	store       Store
	provisioner Provisioner
	pool        PoolManager
	lease       Lease
	cfg         config.SyncConfig
}

// New builds a sync loop. lease may be nil to always run as leader.
func New(gw GatewayClient, st Store, pr Provisioner, pool PoolManager, lease Lease, cfg config.SyncConfig) *Loop {
	if lease == nil {
		lease = alwaysLeader{}
	}
	return &Loop{gateway: gw, store: st, provisioner: pr, pool: pool, lease: lease, cfg: cfg}
}

// Run waits 10s (letting the rest of the container finish starting),
// then ticks every cfg.Interval until stop is closed or ctx is done.
func (l *Loop) Run(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-stop:
		return
	case <-time.After(10 * time.Second):
	}

	interval := l.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if !l.lease.TryAcquire(ctx) {
		return
	}

	newUsers, err := l.diffNewUsers(ctx)
	if err != nil {
		logging.Op().Warn("syncloop: diff failed, skipping tick", "error", err)
		return
	}

	provisioned, failed := 0, 0
	for _, username := range newUsers {
		if _, err := l.provisioner.Provision(ctx, username); err != nil {
			logging.Op().Warn("syncloop: provision failed", "username", username, "error", err)
			failed++
			continue
		}
		provisioned++
	}
	if len(newUsers) > 0 {
		logging.Op().Info("syncloop: tick complete", "new_users", len(newUsers), "provisioned", provisioned, "failed", failed)
	}

	if err := l.pool.Ensure(ctx); err != nil {
		logging.Op().Warn("syncloop: pool ensure failed", "error", err)
	}
}

func (l *Loop) diffNewUsers(ctx context.Context) ([]string, error) {
	users, err := l.gateway.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	provisioned, err := l.store.ProvisionedUsernames(ctx)
	if err != nil {
		return nil, err
	}

	ignored := make(map[string]struct{}, len(l.cfg.IgnoredUsers))
	for _, u := range l.cfg.IgnoredUsers {
		ignored[u] = struct{}{}
	}

	var out []string
	for username := range users {
		if _, skip := ignored[username]; skip {
			continue
		}
		if _, done := provisioned[username]; done {
			continue
		}
		out = append(out, username)
	}
	return out, nil
}
