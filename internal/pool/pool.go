// Package pool maintains a target number of pre-warmed, unclaimed VNC
// workloads, subject to a total-count ceiling and resource pressure
// checks (spec.md §4.4).
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
)

// Evictor force-evicts the oldest idle claimed workloads, letting the
// pool manager reclaim resources before giving up on a pre-warm cycle.
// Implemented by internal/observer.Observer.
type Evictor interface {
	ForceKillOldestInactive(ctx context.Context, n int) (int, error)
}

// SessionSaver is the slice of *store.Store the pool manager needs,
// narrowed to an interface so admission-control logic can be unit
// tested against a fake.
type SessionSaver interface {
	Save(ctx context.Context, sess *store.Session) error
}

// Manager maintains the pre-warmed workload pool.
type Manager struct {
	backend           backend.Backend
	store             SessionSaver
	cfg               config.PoolConfig
	vncPort           int
	spawnTimeout      time.Duration
	forceKillOnLowRes bool
	evictor           Evictor

	mu sync.Mutex // serializes concurrent Ensure invocations (startup + tick)
}

// New builds a pool manager. evictor may be nil if forceKillOnLowRes is
// never expected to apply.
func New(b backend.Backend, st SessionSaver, cfg config.PoolConfig, vncPort int, spawnTimeout time.Duration, forceKillOnLowRes bool, evictor Evictor) *Manager {
	return &Manager{
		backend:           b,
		store:             st,
		cfg:               cfg,
		vncPort:           vncPort,
		spawnTimeout:      spawnTimeout,
		forceKillOnLowRes: forceKillOnLowRes,
		evictor:           evictor,
	}
}

// Ensure runs one admission-control pass: top up the pool toward
// K_target (= pool.init_containers), bounded by K_max (= pool.max_containers)
// and the resource ceilings (spec.md §4.4 steps 1-4).
func (m *Manager) Ensure(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	liveCount, err := m.backend.RunningCount(ctx)
	if err != nil {
		return err
	}
	poolWorkloads, err := m.backend.ListPool(ctx)
	if err != nil {
		return err
	}
	poolCount := len(poolWorkloads)

	need := min3(
		max0(m.cfg.InitContainers-poolCount),
		max0(m.cfg.MaxContainers-liveCount),
		m.cfg.BatchSize,
	)
	if need <= 0 {
		return nil
	}

	for i := 0; i < need; i++ {
		if !m.checkResourceCeilings(ctx) {
			if m.forceKillOnLowRes && m.evictor != nil {
				if _, err := m.evictor.ForceKillOldestInactive(ctx, 1); err != nil {
					logging.Op().Warn("pool: force-evict failed", "error", err)
				}
			}
			if !m.checkResourceCeilings(ctx) {
				logging.Op().Info("pool: resource ceiling reached, skipping remainder of cycle", "spawned", i, "wanted", need)
				return nil
			}
		}
		if err := m.spawnOne(ctx); err != nil {
			logging.Op().Warn("pool: spawn failed", "error", err)
			continue
		}
	}
	return nil
}

func (m *Manager) spawnOne(ctx context.Context) error {
	sessionID, err := backend.GenerateSessionID()
	if err != nil {
		return err
	}
	password, err := backend.GeneratePassword()
	if err != nil {
		return err
	}

	spawnCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	result, err := m.backend.Spawn(spawnCtx, backend.SpawnRequest{SessionID: sessionID, Password: password})
	if err != nil {
		return err
	}

	probeCtx, cancel2 := context.WithTimeout(ctx, m.spawnTimeout)
	defer cancel2()
	if err := backend.WaitForPort(probeCtx, result.IP, m.vncPort); err != nil {
		_ = m.backend.Destroy(ctx, result.WorkloadID)
		logging.Op().Warn("pool: workload failed port probe, destroyed", "workload_id", result.WorkloadID, "error", err)
		return err
	}

	now := time.Now()
	sess := &store.Session{
		SessionID:   sessionID,
		VNCPassword: password,
		WorkloadID:  &result.WorkloadID,
		WorkloadIP:  &result.IP,
		CreatedAt:   now,
		StartedAt:   now,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		_ = m.backend.Destroy(ctx, result.WorkloadID)
		return err
	}
	logging.Op().Info("pool: prewarmed workload ready", "session_id", sessionID, "workload_id", result.WorkloadID)
	return nil
}

// checkResourceCeilings evaluates min_free_mem_gb, max_total_mem_gb, and
// max_mem_percent (spec.md §4.4 "Resource-ceiling evaluation"). It
// returns true if a spawn is currently admissible.
func (m *Manager) checkResourceCeilings(ctx context.Context) bool {
	r := m.cfg.Resources

	if r.MinFreeMemGB > 0 {
		if free, ok := readFreeMemGB(); ok && free < r.MinFreeMemGB {
			return false
		}
	}
	if r.MaxTotalMemGB > 0 {
		used, err := m.backend.MemoryUsedGB(ctx)
		if err == nil {
			perContainer, err := m.backend.PerContainerMemoryGB()
			if err == nil && (used+perContainer) > r.MaxTotalMemGB {
				return false
			}
		}
	}
	if r.MaxMemPercent > 0 {
		if free, total, ok := readMemInfo(); ok && total > 0 {
			if (1 - free/total) > r.MaxMemPercent {
				return false
			}
		}
	}
	return true
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
