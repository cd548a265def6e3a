// Package provisioner orchestrates claim-or-spawn plus catalog entry
// creation for a single user (spec.md §4.7): the glue between the
// session store, the orchestrator, and the gateway adapter.
package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/brokererr"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/gatewayclient"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
	"github.com/MaximeWewer/guacamole-session-broker/internal/metrics"
	"github.com/MaximeWewer/guacamole-session-broker/internal/store"
)

// Store is the slice of store.Store the provisioner needs.
type Store interface {
	GetByUsername(ctx context.Context, username string) (*store.Session, error)
	ListPool(ctx context.Context) ([]*store.Session, error)
	ClaimPool(ctx context.Context, sessionID, username string) (bool, error)
	Save(ctx context.Context, sess *store.Session) error
}

// GatewayClient is the slice of gatewayclient.Client the provisioner needs.
type GatewayClient interface {
	UserGroups(ctx context.Context, user string) ([]string, error)
	CreateConnection(ctx context.Context, name string, params gatewayclient.ConnectionParams) (string, error)
	GrantPermission(ctx context.Context, user, cid string) error
	CreateHomePlaceholder(ctx context.Context, user, name string) (string, error)
}

// ProfileApplier is the collaborator-boundary call for profile directory
// setup and group-policy application (SPEC_FULL.md §11). Failures are
// logged, never fatal to provisioning.
type ProfileApplier interface {
	Apply(ctx context.Context, username string, groups []string) error
}

// Provisioner builds one user session end to end.
type Provisioner struct {
	backend      backend.Backend
	store        Store
	gateway      GatewayClient
	profile      ProfileApplier
	containers   config.ContainersConfig
	guacamole    config.GuacamoleConfig
	spawnTimeout time.Duration
	metrics      *metrics.Metrics
}

// New builds a provisioner. profile may be nil to skip the group-policy
// step entirely.
func New(b backend.Backend, st Store, gw GatewayClient, profile ProfileApplier, containers config.ContainersConfig, guacamole config.GuacamoleConfig, spawnTimeout time.Duration, m *metrics.Metrics) *Provisioner {
	return &Provisioner{
		backend:      b,
		store:        st,
		gateway:      gw,
		profile:      profile,
		containers:   containers,
		guacamole:    guacamole,
		spawnTimeout: spawnTimeout,
		metrics:      m,
	}
}

// Provision returns the gateway connection id for username, creating or
// claiming a workload as needed.
func (p *Provisioner) Provision(ctx context.Context, username string) (string, error) {
	if existing, err := p.store.GetByUsername(ctx, username); err != nil {
		return "", fmt.Errorf("provision %s: lookup existing session: %w", username, err)
	} else if existing != nil && existing.GatewayConnectionID != nil && existing.HasWorkload() &&
		p.backend.IsRunning(ctx, *existing.WorkloadID) {
		return *existing.GatewayConnectionID, nil
	}

	p.applyProfile(ctx, username)

	sess, spawnedFresh, err := p.claimOrSpawn(ctx, username)
	if err != nil {
		return "", err
	}

	cid, err := p.createCatalogEntry(ctx, username, sess)
	if err != nil {
		if spawnedFresh && sess.HasWorkload() {
			_ = p.backend.Destroy(ctx, *sess.WorkloadID)
		}
		return "", err
	}

	sess.Username = &username
	sess.GatewayConnectionID = &cid
	if err := p.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("provision %s: persist session: %w", username, err)
	}

	if p.metrics != nil {
		p.metrics.SessionsProvisionedTotal.Inc()
	}
	return cid, nil
}

func (p *Provisioner) applyProfile(ctx context.Context, username string) {
	groups, err := p.gateway.UserGroups(ctx, username)
	if err != nil {
		logging.Op().Warn("provisioner: user_groups lookup failed, continuing without group policy", "username", username, "error", err)
	}
	if p.profile == nil {
		return
	}
	if err := p.profile.Apply(ctx, username, groups); err != nil {
		logging.Op().Warn("provisioner: profile apply failed, continuing", "username", username, "error", err)
	}
}

// claimOrSpawn tries each pool entry oldest-first, then falls back to a
// fresh spawn on a full miss (spec.md §4.7 steps 3-5).
func (p *Provisioner) claimOrSpawn(ctx context.Context, username string) (*store.Session, bool, error) {
	pool, err := p.store.ListPool(ctx)
	if err != nil {
		logging.Op().Warn("provisioner: list_pool failed, falling back to fresh spawn", "username", username, "error", err)
		pool = nil
	}

	for _, candidate := range pool {
		if candidate.WorkloadID == nil {
			continue
		}
		if err := p.backend.ClaimLabels(ctx, *candidate.WorkloadID, username); err != nil {
			logging.Op().Warn("provisioner: claim_labels failed, trying next pool candidate", "workload_id", *candidate.WorkloadID, "error", err)
			continue
		}
		ok, err := p.store.ClaimPool(ctx, candidate.SessionID, username)
		if err != nil {
			logging.Op().Warn("provisioner: claim_pool failed, trying next pool candidate", "session_id", candidate.SessionID, "error", err)
			continue
		}
		if !ok {
			continue // lost the CAS race, try the next candidate
		}
		if p.metrics != nil {
			p.metrics.SessionsClaimedTotal.Inc()
		}
		return candidate, false, nil
	}

	return p.spawnFresh(ctx, username)
}

func (p *Provisioner) spawnFresh(ctx context.Context, username string) (*store.Session, bool, error) {
	sessionID, err := backend.GenerateSessionID()
	if err != nil {
		return nil, false, brokererr.New("provisioner.spawn", brokererr.KindSpawnFailed, err)
	}
	password, err := backend.GeneratePassword()
	if err != nil {
		return nil, false, brokererr.New("provisioner.spawn", brokererr.KindSpawnFailed, err)
	}

	spawnCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	result, err := p.backend.Spawn(spawnCtx, backend.SpawnRequest{SessionID: sessionID, Username: username, Password: password})
	cancel()
	if err != nil {
		return nil, false, brokererr.New("provisioner.spawn", brokererr.KindSpawnFailed, err)
	}

	probeTimeout := p.spawnTimeout
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}
	probeCtx, cancel2 := context.WithTimeout(ctx, probeTimeout)
	err = backend.WaitForPort(probeCtx, result.IP, p.containers.VNCPort)
	cancel2()
	if err != nil {
		_ = p.backend.Destroy(ctx, result.WorkloadID)
		return nil, false, brokererr.New("provisioner.wait_for_port", brokererr.KindProbeTimeout, err)
	}

	if p.metrics != nil {
		p.metrics.SessionsSpawnedTotal.Inc()
	}

	now := time.Now()
	return &store.Session{
		SessionID:   sessionID,
		Username:    &username,
		VNCPassword: password,
		WorkloadID:  &result.WorkloadID,
		WorkloadIP:  &result.IP,
		CreatedAt:   now,
		StartedAt:   now,
	}, true, nil
}

func (p *Provisioner) createCatalogEntry(ctx context.Context, username string, sess *store.Session) (string, error) {
	ip := ""
	if sess.WorkloadIP != nil {
		ip = *sess.WorkloadIP
	}

	cid, err := p.gateway.CreateConnection(ctx, p.containers.ConnectionName, gatewayclient.ConnectionParams{
		Hostname:  ip,
		Port:      p.containers.VNCPort,
		Password:  string(sess.VNCPassword),
		Recording: recordingParameters(p.guacamole.Recording, username),
	})
	if err != nil {
		return "", fmt.Errorf("provisioner: create_connection: %w", err)
	}

	if err := p.gateway.GrantPermission(ctx, username, cid); err != nil {
		logging.Op().Warn("provisioner: grant_permission failed", "username", username, "connection_id", cid, "error", err)
	}

	if p.guacamole.ForceHomePage {
		if _, err := p.gateway.CreateHomePlaceholder(ctx, username, p.guacamole.HomeConnectionName); err != nil {
			logging.Op().Warn("provisioner: create_home_placeholder failed, continuing", "username", username, "error", err)
		}
	}

	return cid, nil
}

// recordingParameters builds the gateway's recording-* parameters with
// ${GUAC_USERNAME}/${GUAC_DATE}/${GUAC_TIME} substitution, or nil when
// recording is disabled.
func recordingParameters(rc config.RecordingConfig, username string) map[string]string {
	if !rc.Enabled {
		return nil
	}
	now := time.Now()
	name := rc.NamePattern
	name = strings.ReplaceAll(name, "${GUAC_USERNAME}", username)
	name = strings.ReplaceAll(name, "${GUAC_DATE}", now.Format("20060102"))
	name = strings.ReplaceAll(name, "${GUAC_TIME}", now.Format("150405"))

	params := map[string]string{
		"recording-path": rc.Path,
		"recording-name": name,
	}
	if rc.CreatePath {
		params["create-recording-path"] = "true"
	}
	if rc.IncludeKeys {
		params["recording-include-keys"] = "true"
	}
	return params
}
