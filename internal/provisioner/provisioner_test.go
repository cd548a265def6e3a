package provisioner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/gatewayclient"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
)

type fakeBackend struct {
	mu          sync.Mutex
	listener    *net.TCPListener
	spawned     int
	claimed     []string
	claimErr    error
	claimPoolOK bool
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

func (f *fakeBackend) port() int { return f.listener.Addr().(*net.TCPAddr).Port }

func (f *fakeBackend) Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned++
	return &backend.SpawnResult{WorkloadID: fmt.Sprintf("w-%d", f.spawned), IP: "127.0.0.1"}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, workloadID string) error { return nil }
func (f *fakeBackend) IsRunning(ctx context.Context, workloadID string) bool { return true }
func (f *fakeBackend) ListManaged(ctx context.Context) ([]backend.PoolWorkload, error) {
	return nil, nil
}
func (f *fakeBackend) RunningCount(ctx context.Context) (int, error)           { return 0, nil }
func (f *fakeBackend) MemoryUsedGB(ctx context.Context) (float64, error)      { return 0, nil }
func (f *fakeBackend) PerContainerMemoryGB() (float64, error)                 { return 0, nil }
func (f *fakeBackend) ListPool(ctx context.Context) ([]backend.PoolWorkload, error) {
	return nil, nil
}
func (f *fakeBackend) ClaimLabels(ctx context.Context, workloadID, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, workloadID)
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	byUsername  map[string]*store.Session
	pool        []*store.Session
	claimCalls  int
	claimResult bool
	saved       []*store.Session
}

func (s *fakeStore) GetByUsername(ctx context.Context, username string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUsername[username], nil
}

func (s *fakeStore) ListPool(ctx context.Context) ([]*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool, nil
}

func (s *fakeStore) ClaimPool(ctx context.Context, sessionID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	return s.claimResult, nil
}

func (s *fakeStore) Save(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sess)
	return nil
}

type fakeGateway struct {
	createCalls int
	grantCalls  int
	homeCalls   int
}

func (g *fakeGateway) UserGroups(ctx context.Context, user string) ([]string, error) {
	return []string{"staff"}, nil
}

func (g *fakeGateway) CreateConnection(ctx context.Context, name string, params gatewayclient.ConnectionParams) (string, error) {
	g.createCalls++
	return "cid-1", nil
}

func (g *fakeGateway) GrantPermission(ctx context.Context, user, cid string) error {
	g.grantCalls++
	return nil
}

func (g *fakeGateway) CreateHomePlaceholder(ctx context.Context, user, name string) (string, error) {
	g.homeCalls++
	return "", nil
}

func testContainers(vncPort int) config.ContainersConfig {
	return config.ContainersConfig{ConnectionName: "Virtual Desktop", VNCPort: vncPort}
}

func TestProvisionFreshSpawnsAndCreatesConnection(t *testing.T) {
	fb := newFakeBackend(t)
	fs := &fakeStore{byUsername: map[string]*store.Session{}}
	fg := &fakeGateway{}

	p := New(fb, fs, fg, nil, testContainers(fb.port()), config.GuacamoleConfig{}, time.Second, nil)
	cid, err := p.Provision(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if cid != "cid-1" {
		t.Fatalf("expected cid-1, got %q", cid)
	}
	if fb.spawned != 1 {
		t.Fatalf("expected 1 spawn, got %d", fb.spawned)
	}
	if fg.createCalls != 1 || fg.grantCalls != 1 {
		t.Fatalf("expected exactly one create_connection and grant_permission call")
	}
	if len(fs.saved) != 1 || *fs.saved[0].Username != "alice" {
		t.Fatalf("expected session persisted for alice, got %v", fs.saved)
	}
}

func TestProvisionClaimsFromPoolWithoutSpawning(t *testing.T) {
	fb := newFakeBackend(t)
	wid := "pool-workload-1"
	ip := "127.0.0.1"
	fs := &fakeStore{
		byUsername:  map[string]*store.Session{},
		pool:        []*store.Session{{SessionID: "p1", WorkloadID: &wid, WorkloadIP: &ip, CreatedAt: time.Now()}},
		claimResult: true,
	}
	fg := &fakeGateway{}

	p := New(fb, fs, fg, nil, testContainers(fb.port()), config.GuacamoleConfig{}, time.Second, nil)
	cid, err := p.Provision(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if cid != "cid-1" {
		t.Fatalf("expected cid-1, got %q", cid)
	}
	if fb.spawned != 0 {
		t.Fatalf("expected pool claim to avoid spawning, got %d spawns", fb.spawned)
	}
	if len(fb.claimed) != 1 || fb.claimed[0] != wid {
		t.Fatalf("expected claim_labels called on %s, got %v", wid, fb.claimed)
	}
}

func TestProvisionReturnsExistingLiveSession(t *testing.T) {
	fb := newFakeBackend(t)
	wid := "w-existing"
	cid := "cid-existing"
	fs := &fakeStore{byUsername: map[string]*store.Session{
		"carol": {SessionID: "s1", Username: strPtr("carol"), WorkloadID: &wid, GatewayConnectionID: &cid},
	}}
	fg := &fakeGateway{}

	p := New(fb, fs, fg, nil, testContainers(fb.port()), config.GuacamoleConfig{}, time.Second, nil)
	got, err := p.Provision(context.Background(), "carol")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if got != cid {
		t.Fatalf("expected existing cid %q, got %q", cid, got)
	}
	if fg.createCalls != 0 {
		t.Fatalf("expected no new connection created for an already-live session")
	}
}

func strPtr(s string) *string { return &s }
