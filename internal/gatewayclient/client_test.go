package gatewayclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/brokererr"
	"github.com/MaximeWewer/guacamole-session-broker/internal/circuitbreaker"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.GatewayConfig{
		BaseURL:        srv.URL,
		DataSource:     "postgresql",
		Username:       "broker",
		Password:       "secret",
		RequestTimeout: 5 * time.Second,
	}
	return New(cfg, circuitbreaker.New(circuitbreaker.Config{Threshold: 3, RecoveryTimeout: time.Minute}))
}

func TestListUsersHappyPath(t *testing.T) {
	var tokenRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		json.NewEncoder(w).Encode(tokenResponse{AuthToken: "tok-1"})
	})
	mux.HandleFunc("/api/session/data/postgresql/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" {
			t.Fatalf("expected token query param tok-1, got %q", r.URL.Query().Get("token"))
		}
		json.NewEncoder(w).Encode(map[string]json.RawMessage{"alice": json.RawMessage(`{}`)})
	})

	c := testClient(t, mux)
	users, err := c.ListUsers(t.Context())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if _, ok := users["alice"]; !ok {
		t.Fatalf("expected alice in result, got %v", users)
	}
	if atomic.LoadInt32(&tokenRequests) != 1 {
		t.Fatalf("expected exactly 1 token fetch, got %d", tokenRequests)
	}

	// A second call reuses the cached token.
	if _, err := c.ListUsers(t.Context()); err != nil {
		t.Fatalf("ListUsers (cached): %v", err)
	}
	if atomic.LoadInt32(&tokenRequests) != 1 {
		t.Fatalf("expected token to be reused, got %d fetches", tokenRequests)
	}
}

func TestForbiddenInvalidatesAndRetriesOnce(t *testing.T) {
	var tokenSeq int32
	var usersCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&tokenSeq, 1)
		json.NewEncoder(w).Encode(tokenResponse{AuthToken: "tok-" + itoa(int(n))})
	})
	mux.HandleFunc("/api/session/data/postgresql/users", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&usersCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]json.RawMessage{"bob": json.RawMessage(`{}`)})
	})

	c := testClient(t, mux)
	users, err := c.ListUsers(t.Context())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if _, ok := users["bob"]; !ok {
		t.Fatalf("expected bob in result after retry, got %v", users)
	}
	if atomic.LoadInt32(&tokenSeq) != 2 {
		t.Fatalf("expected a second token fetch after 403, got %d", tokenSeq)
	}
}

func TestPersistentForbiddenSurfacesForbiddenKind(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AuthToken: "tok"})
	})
	mux.HandleFunc("/api/session/data/postgresql/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	c := testClient(t, mux)
	_, err := c.ListUsers(t.Context())
	if !brokererr.Is(err, brokererr.KindForbidden) {
		t.Fatalf("expected KindForbidden, got %v", err)
	}
}

func TestUpstreamErrorSurfacesUpstreamKind(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AuthToken: "tok"})
	})
	mux.HandleFunc("/api/session/data/postgresql/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	c := testClient(t, mux)
	_, err := c.ListUsers(t.Context())
	if !brokererr.Is(err, brokererr.KindUpstream) {
		t.Fatalf("expected KindUpstream, got %v", err)
	}
}

func TestDeleteConnectionToleratesNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AuthToken: "tok"})
	})
	mux.HandleFunc("/api/session/data/postgresql/connections/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := testClient(t, mux)
	if err := c.DeleteConnection(t.Context(), "missing"); err != nil {
		t.Fatalf("expected 404 to be tolerated, got %v", err)
	}
}

func TestBreakerTripsAfterRepeatedFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AuthToken: "tok"})
	})
	mux.HandleFunc("/api/session/data/postgresql/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := testClient(t, mux)
	for i := 0; i < 3; i++ {
		if _, err := c.ListUsers(t.Context()); !brokererr.Is(err, brokererr.KindUpstream) {
			t.Fatalf("attempt %d: expected KindUpstream, got %v", i, err)
		}
	}

	_, err := c.ListUsers(t.Context())
	if !brokererr.Is(err, brokererr.KindCircuitOpen) {
		t.Fatalf("expected breaker to be open after threshold failures, got %v", err)
	}
}
