// Package observer watches the gateway's active-connection set and keeps
// workload lifecycle state in sync with it (spec.md §4.5): detecting
// connects/disconnects against an external, eventually-consistent
// source, and periodically sweeping workloads that have gone idle.
package observer

import (
	"context"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/gatewayclient"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
	"github.com/MaximeWewer/guacamole-session-broker/internal/metrics"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
)

// GatewayClient is the slice of gatewayclient.Client the observer needs.
type GatewayClient interface {
	ListActiveConnections(ctx context.Context) (map[string]gatewayclient.ActiveConnection, error)
	UpdateConnection(ctx context.Context, cid, host string, port int, password string) error
}

// SessionStore is the slice of store.Store the observer needs.
type SessionStore interface {
	GetByConnection(ctx context.Context, connectionID string) (*store.Session, error)
	Save(ctx context.Context, sess *store.Session) error
	ClearWorkload(ctx context.Context, sessionID string) error
	TouchActivity(ctx context.Context, sessionID string) error
	IdleSessions(ctx context.Context, cutoff func(*store.Session) bool) ([]*store.Session, error)
}

// Observer is the lifecycle observer's long-lived loop.
type Observer struct {
	backend backend.Backend
	store   SessionStore
	gateway GatewayClient
	cfg     config.LifecycleConfig
	vncPort int
	metrics *metrics.Metrics

	cPrev     map[string]gatewayclient.ActiveConnection
	tickCount int
}

// New builds an observer. metrics may be nil to disable gauge updates
// (e.g. in unit tests).
func New(b backend.Backend, st SessionStore, gw GatewayClient, cfg config.LifecycleConfig, vncPort int, m *metrics.Metrics) *Observer {
	return &Observer{
		backend: b,
		store:   st,
		gateway: gw,
		cfg:     cfg,
		vncPort: vncPort,
		metrics: m,
		cPrev:   make(map[string]gatewayclient.ActiveConnection),
	}
}

// Run ticks every cfg.PollInterval until stop is closed or ctx is done.
func (o *Observer) Run(ctx context.Context, stop <-chan struct{}) {
	interval := o.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				logging.Op().Warn("observer: tick failed, continuing", "error", err)
				if o.metrics != nil {
					o.metrics.ObserverTickErrors.Inc()
				}
			}
		}
	}
}

// Tick runs one poll: diff active connections, fire start/end handlers,
// refresh gauges, and run the idle sweep every CleanupEveryNTicks ticks.
func (o *Observer) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ObserverTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	active, err := o.gateway.ListActiveConnections(ctx)
	if err != nil {
		return err
	}

	for cid, info := range active {
		if _, wasActive := o.cPrev[cid]; !wasActive {
			o.handleStart(ctx, info)
		}
	}
	for cid, info := range o.cPrev {
		if _, stillActive := active[cid]; !stillActive {
			o.handleEnd(ctx, info)
		}
	}
	o.cPrev = active

	o.refreshGauges(ctx)

	o.tickCount++
	cleanupEvery := o.cfg.CleanupEveryNTicks
	if cleanupEvery <= 0 {
		cleanupEvery = 60
	}
	if o.tickCount%cleanupEvery == 0 {
		o.idleSweep(ctx, activeConnectionIDs(active))
	}
	return nil
}

func activeConnectionIDs(active map[string]gatewayclient.ActiveConnection) map[string]struct{} {
	out := make(map[string]struct{}, len(active))
	for _, info := range active {
		if info.ConnectionIdentifier != "" {
			out[info.ConnectionIdentifier] = struct{}{}
		}
	}
	return out
}

// handleStart fires when a connection appears in C_now that wasn't in
// C_prev. If its workload died, it is respawned and the catalog entry
// repointed at the new endpoint.
func (o *Observer) handleStart(ctx context.Context, info gatewayclient.ActiveConnection) {
	sess, err := o.store.GetByConnection(ctx, info.ConnectionIdentifier)
	if err != nil {
		logging.Op().Warn("observer: start handler lookup failed", "connection_id", info.ConnectionIdentifier, "error", err)
		return
	}
	if sess == nil {
		return // not a broker-managed connection
	}
	if sess.HasWorkload() && o.backend.IsRunning(ctx, *sess.WorkloadID) {
		return
	}

	password, err := backend.GeneratePassword()
	if err != nil {
		logging.Op().Warn("observer: respawn password generation failed", "session_id", sess.SessionID, "error", err)
		return
	}
	username := ""
	if sess.Username != nil {
		username = *sess.Username
	}

	spawnCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	result, err := o.backend.Spawn(spawnCtx, backend.SpawnRequest{SessionID: sess.SessionID, Username: username, Password: password})
	cancel()
	if err != nil {
		logging.Op().Warn("observer: respawn failed", "session_id", sess.SessionID, "error", err)
		return
	}

	probeCtx, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	err = backend.WaitForPort(probeCtx, result.IP, o.vncPort)
	cancel2()
	if err != nil {
		_ = o.backend.Destroy(ctx, result.WorkloadID)
		logging.Op().Warn("observer: respawned workload failed port probe", "session_id", sess.SessionID, "error", err)
		return
	}

	if err := o.gateway.UpdateConnection(ctx, info.ConnectionIdentifier, result.IP, o.vncPort, string(password)); err != nil {
		logging.Op().Warn("observer: update_connection after respawn failed", "connection_id", info.ConnectionIdentifier, "error", err)
	}

	sess.WorkloadID = &result.WorkloadID
	sess.WorkloadIP = &result.IP
	sess.VNCPassword = password
	if err := o.store.Save(ctx, sess); err != nil {
		logging.Op().Warn("observer: persist after respawn failed", "session_id", sess.SessionID, "error", err)
	}
}

// handleEnd fires when a connection drops out of C_now. Either the
// workload is preserved (activity stamped) or torn down, per
// persist_after_disconnect.
func (o *Observer) handleEnd(ctx context.Context, info gatewayclient.ActiveConnection) {
	sess, err := o.store.GetByConnection(ctx, info.ConnectionIdentifier)
	if err != nil {
		logging.Op().Warn("observer: end handler lookup failed", "connection_id", info.ConnectionIdentifier, "error", err)
		return
	}
	if sess == nil {
		return
	}

	if o.cfg.PersistAfterDisconnect {
		if err := o.store.TouchActivity(ctx, sess.SessionID); err != nil {
			logging.Op().Warn("observer: touch activity failed", "session_id", sess.SessionID, "error", err)
		}
		return
	}

	if sess.HasWorkload() {
		if err := o.backend.Destroy(ctx, *sess.WorkloadID); err != nil {
			logging.Op().Warn("observer: destroy on disconnect failed", "workload_id", *sess.WorkloadID, "error", err)
		} else if o.metrics != nil {
			o.metrics.WorkloadsDestroyedTotal.Inc()
		}
	}
	if err := o.store.ClearWorkload(ctx, sess.SessionID); err != nil {
		logging.Op().Warn("observer: clear workload failed", "session_id", sess.SessionID, "error", err)
	}
}

// idleSweep destroys claimed workloads that have exceeded idle_timeout
// and are not part of the currently active connection set.
func (o *Observer) idleSweep(ctx context.Context, activeConnIDs map[string]struct{}) {
	idleTimeout := o.cfg.IdleTimeout()
	sessions, err := o.store.IdleSessions(ctx, func(s *store.Session) bool {
		if s.GatewayConnectionID != nil {
			if _, active := activeConnIDs[*s.GatewayConnectionID]; active {
				return false
			}
		}
		return time.Since(s.LastActivityOrStart()) > idleTimeout
	})
	if err != nil {
		logging.Op().Warn("observer: idle sweep query failed", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.HasWorkload() {
			if err := o.backend.Destroy(ctx, *sess.WorkloadID); err != nil {
				logging.Op().Warn("observer: idle sweep destroy failed", "workload_id", *sess.WorkloadID, "error", err)
				continue
			}
			if o.metrics != nil {
				o.metrics.IdleSweepDestroyedTotal.Inc()
			}
		}
		if err := o.store.ClearWorkload(ctx, sess.SessionID); err != nil {
			logging.Op().Warn("observer: idle sweep clear workload failed", "session_id", sess.SessionID, "error", err)
		}
	}
}

// ForceKillOldestInactive destroys the n oldest idle claimed workloads,
// satisfying pool.Evictor for the pool manager's force-evict path.
func (o *Observer) ForceKillOldestInactive(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	activeConnIDs := activeConnectionIDs(o.cPrev)
	idleTimeout := o.cfg.IdleTimeout()
	sessions, err := o.store.IdleSessions(ctx, func(s *store.Session) bool {
		if s.GatewayConnectionID != nil {
			if _, active := activeConnIDs[*s.GatewayConnectionID]; active {
				return false
			}
		}
		return time.Since(s.LastActivityOrStart()) > idleTimeout
	})
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, sess := range sessions {
		if killed >= n {
			break
		}
		if !sess.HasWorkload() {
			continue
		}
		if err := o.backend.Destroy(ctx, *sess.WorkloadID); err != nil {
			logging.Op().Warn("observer: force-evict destroy failed", "workload_id", *sess.WorkloadID, "error", err)
			continue
		}
		if err := o.store.ClearWorkload(ctx, sess.SessionID); err != nil {
			logging.Op().Warn("observer: force-evict clear workload failed", "session_id", sess.SessionID, "error", err)
		}
		killed++
	}
	return killed, nil
}

func (o *Observer) refreshGauges(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if live, err := o.backend.RunningCount(ctx); err == nil {
		o.metrics.LiveWorkloadCount.Set(float64(live))
	}
	if pool, err := o.backend.ListPool(ctx); err == nil {
		o.metrics.PoolSize.Set(float64(len(pool)))
	}
}
