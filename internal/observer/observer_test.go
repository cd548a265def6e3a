package observer

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
	mu        sync.Mutex
	running   map[string]bool
	destroyed []string
	spawned   int
	spawnIP   string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: make(map[string]bool), spawnIP: "127.0.0.1"}
}

func (f *fakeBackend) Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned++
	id := fmt.Sprintf("w-%d", f.spawned)
	f.running[id] = true
	return &backend.SpawnResult{WorkloadID: id, IP: f.spawnIP}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, workloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, workloadID)
	f.destroyed = append(f.destroyed, workloadID)
	return nil
}

func (f *fakeBackend) IsRunning(ctx context.Context, workloadID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[workloadID]
}

func (f *fakeBackend) ListManaged(ctx context.Context) ([]backend.PoolWorkload, error) { return nil, nil }
func (f *fakeBackend) RunningCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running), nil
}
func (f *fakeBackend) MemoryUsedGB(ctx context.Context) (float64, error)       { return 0, nil }
func (f *fakeBackend) PerContainerMemoryGB() (float64, error)                  { return 0, nil }
func (f *fakeBackend) ListPool(ctx context.Context) ([]backend.PoolWorkload, error) { return nil, nil }
func (f *fakeBackend) ClaimLabels(ctx context.Context, workloadID, username string) error {
	return nil
}

type fakeGateway struct {
	mu      sync.Mutex
	active  map[string]gatewayclient.ActiveConnection
	updated []string
}

func (g *fakeGateway) ListActiveConnections(ctx context.Context) (map[string]gatewayclient.ActiveConnection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]gatewayclient.ActiveConnection, len(g.active))
	for k, v := range g.active {
		out[k] = v
	}
	return out, nil
}

func (g *fakeGateway) UpdateConnection(ctx context.Context, cid, host string, port int, password string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated = append(g.updated, cid)
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session // keyed by gateway_connection_id
	touched  []string
	cleared  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*store.Session)}
}

func (s *fakeStore) GetByConnection(ctx context.Context, connectionID string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[connectionID], nil
}

func (s *fakeStore) Save(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.GatewayConnectionID != nil {
		s.sessions[*sess.GatewayConnectionID] = sess
	}
	return nil
}

func (s *fakeStore) ClearWorkload(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, sessionID)
	for _, sess := range s.sessions {
		if sess.SessionID == sessionID {
			sess.WorkloadID = nil
			sess.WorkloadIP = nil
		}
	}
	return nil
}

func (s *fakeStore) TouchActivity(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, sessionID)
	for _, sess := range s.sessions {
		if sess.SessionID == sessionID {
			sess.LastActivity = time.Now()
		}
	}
	return nil
}

func (s *fakeStore) IdleSessions(ctx context.Context, cutoff func(*store.Session) bool) ([]*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Session
	for _, sess := range s.sessions {
		if sess.Username == nil || sess.WorkloadID == nil {
			continue
		}
		if cutoff == nil || cutoff(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestHandleEndPersistsWhenConfigured(t *testing.T) {
	fb := newFakeBackend()
	fg := &fakeGateway{active: map[string]gatewayclient.ActiveConnection{}}
	fs := newFakeStore()
	fs.sessions["conn-1"] = &store.Session{
		SessionID: "s1", Username: strPtr("alice"), GatewayConnectionID: strPtr("conn-1"),
		WorkloadID: strPtr("w-1"), StartedAt: time.Now(),
	}
	fb.running["w-1"] = true

	o := New(fb, fs, fg, config.LifecycleConfig{PersistAfterDisconnect: true, IdleTimeoutMinutes: 3, PollInterval: time.Second, CleanupEveryNTicks: 60}, 5901, nil)
	o.cPrev = map[string]gatewayclient.ActiveConnection{"active-1": {ConnectionIdentifier: "conn-1", Username: "alice"}}

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fs.touched) != 1 || fs.touched[0] != "s1" {
		t.Fatalf("expected activity touched for s1, got %v", fs.touched)
	}
	if len(fb.destroyed) != 0 {
		t.Fatalf("expected workload preserved, got destroyed=%v", fb.destroyed)
	}
}

func TestHandleEndDestroysWhenNotPersisting(t *testing.T) {
	fb := newFakeBackend()
	fg := &fakeGateway{active: map[string]gatewayclient.ActiveConnection{}}
	fs := newFakeStore()
	fs.sessions["conn-1"] = &store.Session{
		SessionID: "s1", Username: strPtr("alice"), GatewayConnectionID: strPtr("conn-1"),
		WorkloadID: strPtr("w-1"), StartedAt: time.Now(),
	}
	fb.running["w-1"] = true

	o := New(fb, fs, fg, config.LifecycleConfig{PersistAfterDisconnect: false, IdleTimeoutMinutes: 3, PollInterval: time.Second, CleanupEveryNTicks: 60}, 5901, nil)
	o.cPrev = map[string]gatewayclient.ActiveConnection{"active-1": {ConnectionIdentifier: "conn-1", Username: "alice"}}

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fb.destroyed) != 1 || fb.destroyed[0] != "w-1" {
		t.Fatalf("expected w-1 destroyed, got %v", fb.destroyed)
	}
	if len(fs.cleared) != 1 {
		t.Fatalf("expected workload cleared, got %v", fs.cleared)
	}
}

func TestHandleStartNoopsOnLiveWorkload(t *testing.T) {
	fb := newFakeBackend()
	fg := &fakeGateway{active: map[string]gatewayclient.ActiveConnection{
		"active-1": {ConnectionIdentifier: "conn-1", Username: "alice"},
	}}
	fs := newFakeStore()
	fs.sessions["conn-1"] = &store.Session{
		SessionID: "s1", Username: strPtr("alice"), GatewayConnectionID: strPtr("conn-1"),
		WorkloadID: strPtr("w-1"), StartedAt: time.Now(),
	}
	fb.running["w-1"] = true

	o := New(fb, fs, fg, config.LifecycleConfig{PersistAfterDisconnect: true, IdleTimeoutMinutes: 3, PollInterval: time.Second, CleanupEveryNTicks: 60}, 5901, nil)
	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fb.spawned != 0 {
		t.Fatalf("expected no respawn for live workload, got %d spawns", fb.spawned)
	}
}

func TestHandleStartRespawnsDeadWorkload(t *testing.T) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	vncPort := ln.Addr().(*net.TCPAddr).Port

	fb := newFakeBackend()
	fg := &fakeGateway{active: map[string]gatewayclient.ActiveConnection{
		"active-1": {ConnectionIdentifier: "conn-1", Username: "alice"},
	}}
	fs := newFakeStore()
	fs.sessions["conn-1"] = &store.Session{
		SessionID: "s1", Username: strPtr("alice"), GatewayConnectionID: strPtr("conn-1"),
		WorkloadID: strPtr("dead-1"), StartedAt: time.Now(),
	}
	// dead-1 is not in fb.running, so IsRunning returns false.

	o := New(fb, fs, fg, config.LifecycleConfig{PersistAfterDisconnect: true, IdleTimeoutMinutes: 3, PollInterval: time.Second, CleanupEveryNTicks: 60}, vncPort, nil)
	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fb.spawned != 1 {
		t.Fatalf("expected one respawn, got %d", fb.spawned)
	}
	if len(fg.updated) != 1 || fg.updated[0] != "conn-1" {
		t.Fatalf("expected update_connection called for conn-1, got %v", fg.updated)
	}
}

func TestForceKillOldestInactiveRespectsN(t *testing.T) {
	fb := newFakeBackend()
	fg := &fakeGateway{active: map[string]gatewayclient.ActiveConnection{}}
	fs := newFakeStore()
	old := time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		cid := fmt.Sprintf("conn-%d", i)
		wid := fmt.Sprintf("w-%d", i)
		fs.sessions[cid] = &store.Session{
			SessionID: fmt.Sprintf("s%d", i), Username: strPtr(fmt.Sprintf("user%d", i)),
			GatewayConnectionID: strPtr(cid), WorkloadID: strPtr(wid),
			StartedAt: old, LastActivity: old,
		}
		fb.running[wid] = true
	}

	o := New(fb, fs, fg, config.LifecycleConfig{IdleTimeoutMinutes: 3, PollInterval: time.Second, CleanupEveryNTicks: 60}, 5901, nil)
	killed, err := o.ForceKillOldestInactive(context.Background(), 2)
	if err != nil {
		t.Fatalf("ForceKillOldestInactive: %v", err)
	}
	if killed != 2 {
		t.Fatalf("expected 2 killed, got %d", killed)
	}
	if len(fb.destroyed) != 2 {
		t.Fatalf("expected 2 destroyed on backend, got %d", len(fb.destroyed))
	}
}
