// Package kubernetes implements the cluster orchestrator backend: it
// shells out to kubectl, the way the teacher's cluster backend does,
// rather than linking client-go.
package kubernetes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/MaximeWewer/guacamole-session-broker/internal/backend"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
)

var tracer = otel.Tracer("guacamole-session-broker/kubernetes")

const (
	labelManaged  = "guac.managed"
	labelSession  = "guac.session.id"
	labelPool     = "guac.pool"
	labelUsername = "guac.username"

	// scheduleTimeout bounds how long Spawn waits for the cluster
	// scheduler to assign a pod IP (spec.md §4.1: "may wait up to 60s").
	scheduleTimeout = 60 * time.Second
)

// Manager is the cluster orchestrator backend, driving kubectl via
// exec.CommandContext.
type Manager struct {
	containers       config.ContainersConfig
	k8s              config.KubernetesConfig
	namespaceEnsured bool
}

// NewManager verifies kubectl is reachable, ensures the namespace exists,
// and returns a Manager.
func NewManager(ctx context.Context, containers config.ContainersConfig, k8s config.KubernetesConfig) (*Manager, error) {
	if err := exec.CommandContext(ctx, "kubectl", "version", "--client").Run(); err != nil {
		return nil, fmt.Errorf("kubectl not available: %w", err)
	}
	m := &Manager{containers: containers, k8s: k8s}
	if err := m.ensureNamespace(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) kubectl(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-n", m.k8s.Namespace}, args...)
	cmd := exec.CommandContext(ctx, "kubectl", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("kubectl %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (m *Manager) ensureNamespace(ctx context.Context) error {
	if m.namespaceEnsured {
		return nil
	}
	// Exit code nonzero if the namespace already exists — not a failure
	// we care about.
	_ = exec.CommandContext(ctx, "kubectl", "create", "namespace", m.k8s.Namespace).Run()
	m.namespaceEnsured = true
	return nil
}

func (m *Manager) podSpec(req backend.SpawnRequest) map[string]any {
	name := fmt.Sprintf("guac-vnc-%s-%s", req.SessionID, uuid.NewString()[:6])
	isPool := req.Username == ""

	labels := map[string]string{
		labelManaged: "true",
		labelSession: req.SessionID,
		labelPool:    strconv.FormatBool(isPool),
	}
	env := []map[string]any{
		{"name": "VNC_PW", "value": string(req.Password)},
		{"name": "VNC_RESOLUTION", "value": m.containers.Resolution},
		{"name": "VNC_COL_DEPTH", "value": strconv.Itoa(m.containers.ColorDepth)},
	}
	if !isPool {
		labels[labelUsername] = req.Username
		env = append(env, map[string]any{"name": "GUAC_USERNAME", "value": req.Username})
		if req.StartingURL != "" {
			env = append(env, map[string]any{"name": "STARTING_URL", "value": req.StartingURL})
		}
	}

	spec := map[string]any{
		"containers": []map[string]any{
			{
				"name":  "vnc",
				"image": m.containers.Image,
				"ports": []map[string]any{{"containerPort": m.containers.VNCPort}},
				"env":   env,
				"resources": map[string]any{
					"requests": map[string]string{"cpu": m.k8s.CPURequest, "memory": m.k8s.MemoryRequest},
					"limits":   map[string]string{"cpu": m.k8s.CPULimit, "memory": m.k8s.MemoryLimit},
				},
				"volumeMounts": []map[string]any{
					{"name": "user-data", "mountPath": "/user-data"},
				},
			},
		},
		"volumes": []map[string]any{
			{"name": "user-data", "persistentVolumeClaim": map[string]any{"claimName": m.containers.Volume}},
		},
		"restartPolicy": "Never",
	}
	if m.k8s.ServiceAccount != "" {
		spec["serviceAccountName"] = m.k8s.ServiceAccount
	}
	if len(m.k8s.NodeSelector) > 0 {
		spec["nodeSelector"] = m.k8s.NodeSelector
	}
	if len(m.k8s.ImagePullSecrets) > 0 {
		secrets := make([]map[string]string, len(m.k8s.ImagePullSecrets))
		for i, s := range m.k8s.ImagePullSecrets {
			secrets[i] = map[string]string{"name": s}
		}
		spec["imagePullSecrets"] = secrets
	}
	if len(m.k8s.Tolerations) > 0 {
		tolerations := make([]map[string]string, len(m.k8s.Tolerations))
		for i, t := range m.k8s.Tolerations {
			tolerations[i] = map[string]string{"key": t, "operator": "Exists"}
		}
		spec["tolerations"] = tolerations
	}
	if m.k8s.RunAsNonRoot {
		spec["securityContext"] = map[string]any{
			"runAsNonRoot": true,
			"runAsUser":    m.k8s.RunAsUser,
		}
	}

	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]any{
			"name":   name,
			"labels": labels,
		},
		"spec": spec,
	}
}

// Spawn creates a pod from the podSpec and waits for the scheduler to
// assign an IP.
func (m *Manager) Spawn(ctx context.Context, req backend.SpawnRequest) (*backend.SpawnResult, error) {
	ctx, span := tracer.Start(ctx, "kubernetes.Spawn")
	defer span.End()

	spec := m.podSpec(req)
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("spawn-failed: marshal pod spec: %w", err)
	}
	name, _ := spec["metadata"].(map[string]any)["name"].(string)

	applyCtx, cancel := context.WithTimeout(ctx, scheduleTimeout)
	defer cancel()

	cmd := exec.CommandContext(applyCtx, "kubectl", "-n", m.k8s.Namespace, "apply", "-f", "-")
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("spawn-failed: apply pod: %w: %s", err, stderr.String())
	}

	ip, err := m.waitForPodIP(applyCtx, name)
	if err != nil {
		_ = m.Destroy(ctx, name)
		return nil, fmt.Errorf("spawn-failed: %w", err)
	}

	logging.Op().Info("kubernetes workload spawned", "workload_id", name, "session_id", req.SessionID)
	return &backend.SpawnResult{WorkloadID: name, IP: ip}, nil
}

func (m *Manager) waitForPodIP(ctx context.Context, name string) (string, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		ip, err := m.podIP(ctx, name)
		if err == nil && ip != "" {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for pod %s to be scheduled", name)
		case <-ticker.C:
		}
	}
}

func (m *Manager) podIP(ctx context.Context, name string) (string, error) {
	out, err := m.kubectl(ctx, "get", "pod", name, "-o", "jsonpath={.status.podIP}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Destroy deletes the pod with a 10s grace period. A missing pod is
// success.
func (m *Manager) Destroy(ctx context.Context, workloadID string) error {
	ctx, span := tracer.Start(ctx, "kubernetes.Destroy")
	defer span.End()

	_, err := m.kubectl(ctx, "delete", "pod", workloadID, "--grace-period=10", "--ignore-not-found")
	return err
}

// IsRunning reports whether the pod is in the Running phase. A transient
// kubectl error is treated as "assume alive" per SPEC_FULL.md §9.
func (m *Manager) IsRunning(ctx context.Context, workloadID string) bool {
	out, err := m.kubectl(ctx, "get", "pod", workloadID, "-o", "jsonpath={.status.phase}")
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return false
		}
		logging.Op().Warn("kubernetes is_running probe failed, assuming alive", "workload_id", workloadID, "error", err)
		return true
	}
	return strings.TrimSpace(out) == "Running"
}

type podListItem struct {
	Metadata struct {
		Name   string            `json:"name"`
		Labels map[string]string `json:"labels"`
	} `json:"metadata"`
	Status struct {
		PodIP string `json:"podIP"`
		Phase string `json:"phase"`
	} `json:"status"`
}

type podList struct {
	Items []podListItem `json:"items"`
}

func (m *Manager) listPods(ctx context.Context, selector string) ([]podListItem, error) {
	out, err := m.kubectl(ctx, "get", "pods", "-l", selector, "-o", "json")
	if err != nil {
		return nil, err
	}
	var list podList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse pod list: %w", err)
	}
	return list.Items, nil
}

// ListManaged returns every managed pod, pool and claimed alike.
func (m *Manager) ListManaged(ctx context.Context) ([]backend.PoolWorkload, error) {
	items, err := m.listPods(ctx, labelManaged+"=true")
	if err != nil {
		return nil, err
	}
	return toPoolWorkloads(items), nil
}

// RunningCount returns the number of managed pods in the Running phase.
func (m *Manager) RunningCount(ctx context.Context) (int, error) {
	items, err := m.listPods(ctx, labelManaged+"=true")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.Status.Phase == "Running" {
			n++
		}
	}
	return n, nil
}

// MemoryUsedGB sums the configured memory limit across running managed
// pods.
func (m *Manager) MemoryUsedGB(ctx context.Context) (float64, error) {
	count, err := m.RunningCount(ctx)
	if err != nil {
		return 0, err
	}
	perPod, err := parseMemoryGB(m.k8s.MemoryLimit)
	if err != nil {
		return 0, err
	}
	return float64(count) * perPod, nil
}

// PerContainerMemoryGB returns the configured per-pod memory limit, in
// GiB.
func (m *Manager) PerContainerMemoryGB() (float64, error) {
	return parseMemoryGB(m.k8s.MemoryLimit)
}

// ListPool returns pods labeled pool=true with no claimed username.
func (m *Manager) ListPool(ctx context.Context) ([]backend.PoolWorkload, error) {
	items, err := m.listPods(ctx, fmt.Sprintf("%s=true,%s=true", labelManaged, labelPool))
	if err != nil {
		return nil, err
	}
	return toPoolWorkloads(items), nil
}

func toPoolWorkloads(items []podListItem) []backend.PoolWorkload {
	out := make([]backend.PoolWorkload, 0, len(items))
	for _, it := range items {
		if it.Status.PodIP == "" {
			continue
		}
		out = append(out, backend.PoolWorkload{
			WorkloadID: it.Metadata.Name,
			SessionID:  it.Metadata.Labels[labelSession],
			IP:         it.Status.PodIP,
		})
	}
	return out
}

// ClaimLabels patches the pod's labels to pool=false, username=u.
// Unlike Docker, Kubernetes can mutate labels on a live pod, so this
// actually calls the API and fails closed on error (SPEC_FULL.md §11).
func (m *Manager) ClaimLabels(ctx context.Context, workloadID, username string) error {
	patch := fmt.Sprintf(`{"metadata":{"labels":{"%s":"false","%s":"%s"}}}`, labelPool, labelUsername, username)
	_, err := m.kubectl(ctx, "patch", "pod", workloadID, "--type=merge", "-p", patch)
	return err
}

// parseMemoryGB converts a Kubernetes resource quantity ("512Mi", "2Gi")
// to GiB (SPEC_FULL.md §11 supplement).
func parseMemoryGB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	switch {
	case strings.HasSuffix(s, "Gi"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "Gi"), 64)
		return n, err
	case strings.HasSuffix(s, "Mi"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "Mi"), 64)
		return n / 1024, err
	case strings.HasSuffix(s, "Ki"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "Ki"), 64)
		return n / (1024 * 1024), err
	default:
		n, err := strconv.ParseFloat(s, 64)
		return n / (1024 * 1024 * 1024), err
	}
}
