// Package backend defines the orchestrator contract: spawn, destroy,
// inspect, and label VNC workloads on a container runtime. Two variants
// implement it — local-daemon (internal/docker) and cluster
// (internal/kubernetes) — selected once at startup.
package backend

import (
	"context"
	"net"
	"strconv"
	"time"
)

// SpawnRequest describes a workload to create.
type SpawnRequest struct {
	SessionID string
	// Username is empty for a pool entry.
	Username string
	Password []byte
	// StartingURL is only meaningful for claimed workloads.
	StartingURL string
}

// SpawnResult is returned once the workload has an assigned IP.
type SpawnResult struct {
	WorkloadID string
	IP         string
}

// PoolWorkload describes one orchestrator-native pool entry, as returned
// by ListPool — the target design of spec.md §9 trusts the orchestrator's
// own bookkeeping instead of re-probing liveness per row.
type PoolWorkload struct {
	WorkloadID string
	SessionID  string
	IP         string
}

// Backend is the orchestrator contract (spec.md §4.1). Implementations
// must be safe for concurrent use.
type Backend interface {
	// Spawn creates a workload labeled managed=true, session_id=…, and
	// pool=(username==""). It blocks until the workload has an IP
	// assigned or the context deadline is hit.
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)

	// Destroy best-effort stops and removes a workload. A missing
	// workload is success.
	Destroy(ctx context.Context, workloadID string) error

	// IsRunning reports whether a workload is alive. On a transient
	// orchestrator error it returns true (assume alive; see
	// SPEC_FULL.md §9's recorded decision) so a flaky API never causes
	// a live workload to be declared dead.
	IsRunning(ctx context.Context, workloadID string) bool

	// ListManaged returns every workload this orchestrator owns
	// (managed=true), pool and claimed alike.
	ListManaged(ctx context.Context) ([]PoolWorkload, error)

	// RunningCount returns the total number of live managed workloads.
	RunningCount(ctx context.Context) (int, error)

	// MemoryUsedGB returns the sum of configured memory limits across
	// live managed workloads, in GiB.
	MemoryUsedGB(ctx context.Context) (float64, error)

	// PerContainerMemoryGB returns the configured memory limit of a
	// single workload, in GiB, used by admission control to predict
	// usage after the next spawn (spec.md §4.4).
	PerContainerMemoryGB() (float64, error)

	// ListPool returns workloads labeled managed=true, pool=true, with
	// no username — orchestrator-native, no per-row liveness probe.
	ListPool(ctx context.Context) ([]PoolWorkload, error)

	// ClaimLabels patches a workload's labels to pool=false,
	// username=u. On backends that cannot relabel a live workload this
	// is a no-op; the session-store CAS remains the sole source of
	// truth (spec.md §4.1).
	ClaimLabels(ctx context.Context, workloadID, username string) error
}

// WaitForPort opens a TCP connection to ip:port, retrying every 500ms
// until it succeeds or the context deadline elapses. Shared by every
// caller that spawns a workload and needs to know its VNC port is up
// (pool manager, provisioner, lifecycle observer).
func WaitForPort(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	var dialer net.Dialer

	tryDial := func() error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	if tryDial() == nil {
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if tryDial() == nil {
				return nil
			}
		}
	}
}
