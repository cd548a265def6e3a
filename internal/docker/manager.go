// Package docker implements the local-daemon orchestrator backend: it
// shells out to the docker CLI the way the teacher's container backend
// does, rather than linking the Docker Engine API client.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
)

var tracer = otel.Tracer("guacamole-session-broker/docker")

const (
	labelManaged  = "guac.managed"
	labelSession  = "guac.session.id"
	labelPool     = "guac.pool"
	labelUsername = "guac.username"
)

// Manager is the local-daemon orchestrator backend, driving the Docker
// CLI via exec.CommandContext.
type Manager struct {
	cfg config.ContainersConfig
}

// NewManager verifies the docker CLI is reachable and returns a Manager.
func NewManager(cfg config.ContainersConfig) (*Manager, error) {
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &Manager{cfg: cfg}, nil
}

func (m *Manager) docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// Spawn creates a container from the configured image, attaches it to the
// configured network, labels it, and reads its assigned IP once after
// start; if none is assigned the container is destroyed and spawn fails.
func (m *Manager) Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.SpawnResult, error) {
	ctx, span := tracer.Start(ctx, "docker.Spawn")
	defer span.End()

	name := NewWorkloadName("guac-vnc-" + req.SessionID)
	isPool := req.Username == ""

	args := []string{
		"run", "-d", "--name", name,
		"--memory", m.cfg.MemoryLimit,
		"--shm-size", m.cfg.ShmSize,
		"-e", fmt.Sprintf("VNC_PW=%s", req.Password),
		"-e", fmt.Sprintf("VNC_RESOLUTION=%s", m.cfg.Resolution),
		"-e", fmt.Sprintf("VNC_COL_DEPTH=%d", m.cfg.ColorDepth),
		"-l", fmt.Sprintf("%s=true", labelManaged),
		"-l", fmt.Sprintf("%s=%s", labelSession, req.SessionID),
		"-l", fmt.Sprintf("%s=%t", labelPool, isPool),
	}
	if m.cfg.Network != "" {
		args = append(args, "--network", m.cfg.Network)
	}
	if m.cfg.Volume != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/user-data", m.cfg.Volume))
	}
	if !isPool {
		args = append(args,
			"-e", fmt.Sprintf("GUAC_USERNAME=%s", req.Username),
			"-l", fmt.Sprintf("%s=%s", labelUsername, req.Username),
		)
		if req.StartingURL != "" {
			args = append(args, "-e", fmt.Sprintf("STARTING_URL=%s", req.StartingURL))
		}
	}
	args = append(args, m.cfg.Image)

	out, err := m.docker(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("spawn-failed: %w", err)
	}
	containerID := strings.TrimSpace(out)

	ip, err := m.inspectIP(ctx, containerID)
	if err != nil {
		_ = m.Destroy(ctx, containerID)
		return nil, fmt.Errorf("spawn-failed: %w", err)
	}

	logging.Op().Info("docker workload spawned", "workload_id", containerID, "session_id", req.SessionID, "pool", isPool)
	return &backend.SpawnResult{WorkloadID: containerID, IP: ip}, nil
}

func (m *Manager) inspectIP(ctx context.Context, containerID string) (string, error) {
	out, err := m.docker(ctx, "inspect",
		"-f", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", containerID)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "" {
		return "", fmt.Errorf("container %s has no assigned IP", containerID)
	}
	return ip, nil
}

// Destroy stops (≤10s grace) then removes a container. A missing
// container is success.
func (m *Manager) Destroy(ctx context.Context, workloadID string) error {
	ctx, span := tracer.Start(ctx, "docker.Destroy")
	defer span.End()

	_, _ = m.docker(ctx, "stop", "-t", "10", workloadID)
	_, err := m.docker(ctx, "rm", "-f", workloadID)
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		return err
	}
	return nil
}

// IsRunning reports whether the container is alive. A transient docker
// CLI error is treated as "assume alive" per SPEC_FULL.md §9.
func (m *Manager) IsRunning(ctx context.Context, workloadID string) bool {
	out, err := m.docker(ctx, "inspect", "-f", "{{.State.Running}}", workloadID)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return false
		}
		logging.Op().Warn("docker is_running probe failed, assuming alive", "workload_id", workloadID, "error", err)
		return true
	}
	return strings.TrimSpace(out) == "true"
}

type dockerPSEntry struct {
	ID     string `json:"ID"`
	Labels string `json:"Labels"`
}

func parseLabels(raw string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(raw, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func (m *Manager) listManagedRaw(ctx context.Context, extraFilters ...string) ([]dockerPSEntry, error) {
	args := []string{"ps", "-a", "--filter", fmt.Sprintf("label=%s=true", labelManaged)}
	for _, f := range extraFilters {
		args = append(args, "--filter", f)
	}
	args = append(args, "--format", `{{json .}}`)

	out, err := m.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	var entries []dockerPSEntry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var e dockerPSEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListManaged returns every managed workload, pool and claimed alike.
func (m *Manager) ListManaged(ctx context.Context) ([]backend.PoolWorkload, error) {
	entries, err := m.listManagedRaw(ctx)
	if err != nil {
		return nil, err
	}
	return m.toPoolWorkloads(ctx, entries)
}

// RunningCount returns the number of live managed containers.
func (m *Manager) RunningCount(ctx context.Context) (int, error) {
	entries, err := m.listManagedRaw(ctx, "status=running")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// MemoryUsedGB sums the configured memory limit across live managed
// containers.
func (m *Manager) MemoryUsedGB(ctx context.Context) (float64, error) {
	count, err := m.RunningCount(ctx)
	if err != nil {
		return 0, err
	}
	perContainer, err := parseMemoryGB(m.cfg.MemoryLimit)
	if err != nil {
		return 0, err
	}
	return float64(count) * perContainer, nil
}

// PerContainerMemoryGB returns the configured per-container memory
// limit, in GiB.
func (m *Manager) PerContainerMemoryGB() (float64, error) {
	return parseMemoryGB(m.cfg.MemoryLimit)
}

// ListPool returns workloads labeled pool=true with no claimed username.
func (m *Manager) ListPool(ctx context.Context) ([]backend.PoolWorkload, error) {
	entries, err := m.listManagedRaw(ctx, fmt.Sprintf("label=%s=true", labelPool))
	if err != nil {
		return nil, err
	}
	return m.toPoolWorkloads(ctx, entries)
}

func (m *Manager) toPoolWorkloads(ctx context.Context, entries []dockerPSEntry) ([]backend.PoolWorkload, error) {
	out := make([]backend.PoolWorkload, 0, len(entries))
	for _, e := range entries {
		labels := parseLabels(e.Labels)
		ip, err := m.inspectIP(ctx, e.ID)
		if err != nil {
			continue
		}
		out = append(out, backend.PoolWorkload{
			WorkloadID: e.ID,
			SessionID:  labels[labelSession],
			IP:         ip,
		})
	}
	return out, nil
}

// ClaimLabels is a no-op: a running Docker container's labels cannot be
// mutated after creation, so the session-store CAS is the sole source of
// truth (spec.md §4.1).
func (m *Manager) ClaimLabels(ctx context.Context, workloadID, username string) error {
	return nil
}

// parseMemoryGB converts a Docker-style memory string ("1g", "512m") to
// GiB.
func parseMemoryGB(s string) (float64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	var mult float64
	var numPart string
	switch {
	case strings.HasSuffix(s, "g"):
		mult, numPart = 1, strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult, numPart = 1.0/1024, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult, numPart = 1.0/(1024*1024), strings.TrimSuffix(s, "k")
	default:
		mult, numPart = 1.0/(1024*1024*1024), s
	}
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
	}
	return n * mult, nil
}

// NewWorkloadName returns a unique, human-readable container name
// suffix.
func NewWorkloadName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
