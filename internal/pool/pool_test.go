package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
)

// fakeBackend is an in-memory backend.Backend for pool admission-control
// tests; it never shells out to docker/kubectl.
type fakeBackend struct {
	mu        sync.Mutex
	listener  *net.TCPListener
	spawned   int
	destroyed int
	poolSize     int
	liveCount    int
	spawnErr     error
	memUsedGB    float64
	perContainer float64
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeBackend{listener: ln}
}

func (f *fakeBackend) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *fakeBackend) Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawned++
	f.liveCount++
	f.poolSize++
	return &backend.SpawnResult{WorkloadID: fmt.Sprintf("w-%d", f.spawned), IP: "127.0.0.1"}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, workloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	f.liveCount--
	return nil
}

func (f *fakeBackend) IsRunning(ctx context.Context, workloadID string) bool { return true }

func (f *fakeBackend) ListManaged(ctx context.Context) ([]backend.PoolWorkload, error) { return nil, nil }

func (f *fakeBackend) RunningCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveCount, nil
}

func (f *fakeBackend) MemoryUsedGB(ctx context.Context) (float64, error) { return f.memUsedGB, nil }

func (f *fakeBackend) PerContainerMemoryGB() (float64, error) { return f.perContainer, nil }

func (f *fakeBackend) ListPool(ctx context.Context) ([]backend.PoolWorkload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.PoolWorkload, f.poolSize)
	return out, nil
}

func (f *fakeBackend) ClaimLabels(ctx context.Context, workloadID, username string) error { return nil }

type fakeSaver struct {
	mu    sync.Mutex
	saved []*store.Session
}

func (s *fakeSaver) Save(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sess)
	return nil
}

func TestEnsureTopsUpToInitContainers(t *testing.T) {
	fb := newFakeBackend(t)
	saver := &fakeSaver{}
	cfg := config.PoolConfig{Enabled: true, InitContainers: 3, MaxContainers: 10, BatchSize: 5}

	m := New(fb, saver, cfg, fb.port(), time.Second, false, nil)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if fb.spawned != 3 {
		t.Fatalf("expected 3 spawns to reach init_containers, got %d", fb.spawned)
	}
	if len(saver.saved) != 3 {
		t.Fatalf("expected 3 sessions persisted, got %d", len(saver.saved))
	}
}

func TestEnsureRespectsBatchSize(t *testing.T) {
	fb := newFakeBackend(t)
	saver := &fakeSaver{}
	cfg := config.PoolConfig{Enabled: true, InitContainers: 10, MaxContainers: 10, BatchSize: 2}

	m := New(fb, saver, cfg, fb.port(), time.Second, false, nil)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if fb.spawned != 2 {
		t.Fatalf("expected batch_size to cap spawns at 2, got %d", fb.spawned)
	}
}

func TestEnsureRespectsMaxContainers(t *testing.T) {
	fb := newFakeBackend(t)
	fb.liveCount = 9
	saver := &fakeSaver{}
	cfg := config.PoolConfig{Enabled: true, InitContainers: 10, MaxContainers: 10, BatchSize: 5}

	m := New(fb, saver, cfg, fb.port(), time.Second, false, nil)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if fb.spawned != 1 {
		t.Fatalf("expected max_containers ceiling to allow exactly 1 more spawn, got %d", fb.spawned)
	}
}

func TestEnsureStopsBeforeOvershootingMemCeiling(t *testing.T) {
	fb := newFakeBackend(t)
	fb.memUsedGB = 15.0
	fb.perContainer = 2.0 // 15 + 2 > 16 ceiling: the next spawn must not happen
	saver := &fakeSaver{}
	cfg := config.PoolConfig{
		Enabled: true, InitContainers: 5, MaxContainers: 10, BatchSize: 5,
		Resources: config.PoolResourceConfig{MaxTotalMemGB: 16.0},
	}

	m := New(fb, saver, cfg, fb.port(), time.Second, false, nil)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if fb.spawned != 0 {
		t.Fatalf("expected the ceiling to block a spawn that would push usage past max_total_mem_gb, got %d spawns", fb.spawned)
	}
}

func TestEnsureAllowsSpawnUnderMemCeiling(t *testing.T) {
	fb := newFakeBackend(t)
	fb.memUsedGB = 10.0
	fb.perContainer = 2.0 // 10 + 2 <= 16 ceiling: admissible
	saver := &fakeSaver{}
	cfg := config.PoolConfig{
		Enabled: true, InitContainers: 1, MaxContainers: 10, BatchSize: 5,
		Resources: config.PoolResourceConfig{MaxTotalMemGB: 16.0},
	}

	m := New(fb, saver, cfg, fb.port(), time.Second, false, nil)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if fb.spawned != 1 {
		t.Fatalf("expected 1 spawn under the ceiling, got %d", fb.spawned)
	}
}

func TestEnsureDisabledIsNoop(t *testing.T) {
	fb := newFakeBackend(t)
	saver := &fakeSaver{}
	cfg := config.PoolConfig{Enabled: false, InitContainers: 5, MaxContainers: 10, BatchSize: 5}

	m := New(fb, saver, cfg, fb.port(), time.Second, false, nil)
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if fb.spawned != 0 {
		t.Fatalf("expected no spawns when pool disabled, got %d", fb.spawned)
	}
}
