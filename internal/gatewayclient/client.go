// Package gatewayclient is a resilient REST client for the gateway's
// connection-catalog API: authenticated, token-refreshing, and wrapped
// by a circuit breaker per spec.md §4.3.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MaximeWewer/guacamole-session-broker/internal/brokererr"
	"github.com/MaximeWewer/guacamole-session-broker/internal/circuitbreaker"
	"github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
)

const breakerName = "gateway"

var tracer = otel.Tracer("guacamole-session-broker/gatewayclient")

// token is a cached bearer credential, refreshed on expiry.
type token struct {
	value     string
	expiresAt time.Time
}

func (t token) validFor(window time.Duration) bool {
	return t.value != "" && time.Until(t.expiresAt) > window
}

// Client is the gateway REST adapter.
type Client struct {
	cfg     config.GatewayConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker

	mu    sync.Mutex
	tok   token
}

// New builds a gateway client. breaker should come from the shared
// circuitbreaker.Registry under the name "gateway".
func New(cfg config.GatewayConfig, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
	}
}

type tokenResponse struct {
	AuthToken           string   `json:"authToken"`
	AvailableDataSources []string `json:"availableDataSources"`
}

// ensureToken refreshes the cached token under lock if it is absent or
// within 60s of expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.validFor(60 * time.Second) {
		return c.tok.value, nil
	}
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) (string, error) {
	form := url.Values{"username": {c.cfg.Username}, "password": {c.cfg.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/tokens",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", brokererr.New("gatewayclient.refresh", brokererr.KindUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", brokererr.New("gatewayclient.refresh", brokererr.KindUpstream, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", brokererr.Upstream("gatewayclient.refresh", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", brokererr.New("gatewayclient.refresh", brokererr.KindUpstream, err)
	}

	// The gateway's token endpoint does not return a TTL; tokens are
	// treated as valid for an hour and refreshed proactively at 60s to
	// expiry, same assumption the 403-retry path exists to correct.
	c.tok = token{value: tr.AuthToken, expiresAt: time.Now().Add(time.Hour)}
	return c.tok.value, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.tok = token{}
	c.mu.Unlock()
}

// dataSourceURL builds …/api/session/data/{ds}/{path}.
func (c *Client) dataSourceURL(path string) string {
	return fmt.Sprintf("%s/api/session/data/%s/%s", c.cfg.BaseURL, c.cfg.DataSource, path)
}

// do issues one authenticated call, handling 403-invalidate-retry-once
// and wrapping the whole attempt with the circuit breaker. body is
// optional JSON to send; result, if non-nil, receives the decoded
// response body.
func (c *Client) do(ctx context.Context, op, method, path string, body any, result any) error {
	ctx, span := tracer.Start(ctx, "gatewayclient."+op)
	defer span.End()

	if !c.breaker.Allow() {
		return brokererr.CircuitOpen(op, c.breaker.RetryAfter())
	}

	err := func() error {
		status, respBody, err := c.attempt(ctx, method, path, body)
		if err != nil {
			return err
		}
		if status == http.StatusForbidden {
			c.invalidateToken()
			status, respBody, err = c.attempt(ctx, method, path, body)
			if err != nil {
				return err
			}
			if status == http.StatusForbidden {
				return brokererr.Forbidden(op, fmt.Errorf("403 after re-auth"))
			}
		}
		if status < 200 || status >= 300 {
			return brokererr.Upstream(op, status, string(respBody))
		}
		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("%s: decode response: %w", op, err)
			}
		}
		return nil
	}()

	if err != nil {
		// Forbidden after re-auth is a client-side policy outcome, not an
		// upstream fault; don't let it trip the breaker.
		if brokererr.KindOf(err) != brokererr.KindForbidden {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body any) (int, []byte, error) {
	tok, err := c.ensureToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	u := path
	if strings.Contains(u, "?") {
		u += "&token=" + url.QueryEscape(tok)
	} else {
		u += "?token=" + url.QueryEscape(tok)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, brokererr.New("gatewayclient.attempt", brokererr.KindUpstream, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

// ListUsers returns the gateway's full user directory.
func (c *Client) ListUsers(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := c.do(ctx, "ListUsers", http.MethodGet, c.dataSourceURL("users"), nil, &out)
	return out, err
}

// UserGroups returns the group names a user belongs to.
func (c *Client) UserGroups(ctx context.Context, user string) ([]string, error) {
	var out []string
	err := c.do(ctx, "UserGroups", http.MethodGet, c.dataSourceURL("users/"+url.PathEscape(user)+"/userGroups"), nil, &out)
	return out, err
}

type createConnectionRequest struct {
	ParentIdentifier string                    `json:"parentIdentifier"`
	Name             string                    `json:"name"`
	Protocol         string                    `json:"protocol"`
	Parameters       map[string]string         `json:"parameters"`
	Attributes       map[string]string         `json:"attributes"`
}

type connectionResponse struct {
	Identifier string `json:"identifier"`
}

// ConnectionParams describes the VNC endpoint and optional recording
// parameters for a catalog entry (spec.md §6).
type ConnectionParams struct {
	Hostname string
	Port     int
	Password string
	Recording map[string]string
}

func (p ConnectionParams) toParameters() map[string]string {
	out := map[string]string{
		"hostname":          p.Hostname,
		"port":              itoa(p.Port),
		"password":          p.Password,
		"color-depth":       "24",
		"clipboard-encoding": "UTF-8",
		"resize-method":     "display-update",
	}
	for k, v := range p.Recording {
		out[k] = v
	}
	return out
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// CreateConnection creates a catalog entry and returns its id.
func (c *Client) CreateConnection(ctx context.Context, name string, params ConnectionParams) (string, error) {
	req := createConnectionRequest{
		ParentIdentifier: "ROOT",
		Name:             name,
		Protocol:         "vnc",
		Parameters:       params.toParameters(),
		Attributes: map[string]string{
			"max-connections":          "1",
			"max-connections-per-user": "1",
		},
	}
	var resp connectionResponse
	err := c.do(ctx, "CreateConnection", http.MethodPost, c.dataSourceURL("connections"), req, &resp)
	return resp.Identifier, err
}

// UpdateConnection merges the current connection + parameters bodies
// with new host/port/password and PUTs the result back.
func (c *Client) UpdateConnection(ctx context.Context, cid, host string, port int, password string) error {
	var conn map[string]any
	if err := c.do(ctx, "GetConnection", http.MethodGet, c.dataSourceURL("connections/"+url.PathEscape(cid)), nil, &conn); err != nil {
		return err
	}
	var params map[string]any
	if err := c.do(ctx, "GetConnectionParameters", http.MethodGet, c.dataSourceURL("connections/"+url.PathEscape(cid)+"/parameters"), nil, &params); err != nil {
		return err
	}
	if params == nil {
		params = map[string]any{}
	}
	params["hostname"] = host
	params["port"] = itoa(port)
	params["password"] = password
	conn["parameters"] = params

	return c.do(ctx, "UpdateConnection", http.MethodPut, c.dataSourceURL("connections/"+url.PathEscape(cid)), conn, nil)
}

// DeleteConnection removes a catalog entry. A 404 is tolerated.
func (c *Client) DeleteConnection(ctx context.Context, cid string) error {
	err := c.do(ctx, "DeleteConnection", http.MethodDelete, c.dataSourceURL("connections/"+url.PathEscape(cid)), nil, nil)
	var be *brokererr.Error
	if errors.As(err, &be) && be.Kind == brokererr.KindUpstream && be.Status == http.StatusNotFound {
		return nil
	}
	return err
}

type permissionPatch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

// GrantPermission grants READ on cid to user.
func (c *Client) GrantPermission(ctx context.Context, user, cid string) error {
	patch := []permissionPatch{{Op: "add", Path: "/connectionPermissions/" + cid, Value: "READ"}}
	return c.do(ctx, "GrantPermission", http.MethodPatch, c.dataSourceURL("users/"+url.PathEscape(user)+"/permissions"), patch, nil)
}

// ActiveConnection describes one row of GET activeConnections.
type ActiveConnection struct {
	ConnectionIdentifier string `json:"connectionIdentifier"`
	Username             string `json:"username"`
}

// ListActiveConnections returns the gateway's live connection set, keyed
// by active-connection id.
func (c *Client) ListActiveConnections(ctx context.Context) (map[string]ActiveConnection, error) {
	var out map[string]ActiveConnection
	err := c.do(ctx, "ListActiveConnections", http.MethodGet, c.dataSourceURL("activeConnections"), nil, &out)
	return out, err
}

// CreateHomePlaceholder idempotently ensures a one-time "home" catalog
// entry exists for user, returning its id (or "" if one already existed
// and nothing was created).
func (c *Client) CreateHomePlaceholder(ctx context.Context, user, name string) (string, error) {
	var conns map[string]connectionListEntry
	if err := c.do(ctx, "ListConnections", http.MethodGet, c.dataSourceURL("connections"), nil, &conns); err != nil {
		return "", err
	}
	for _, entry := range conns {
		if entry.Name == name {
			return "", nil
		}
	}
	req := createConnectionRequest{
		ParentIdentifier: "ROOT",
		Name:             name,
		Protocol:         "vnc",
		Parameters:       map[string]string{},
		Attributes:       map[string]string{},
	}
	var resp connectionResponse
	err := c.do(ctx, "CreateHomePlaceholder", http.MethodPost, c.dataSourceURL("connections"), req, &resp)
	return resp.Identifier, err
}

type connectionListEntry struct {
	Name string `json:"name"`
}

// SyncConnectionConfig rewrites recording/name parameters from the
// current config. Best-effort: returns false (never an error) on
// failure, per spec.md §4.3 and the "no retry" open-question decision.
func (c *Client) SyncConnectionConfig(ctx context.Context, cid, user string, recording map[string]string) bool {
	var conn map[string]any
	if err := c.do(ctx, "GetConnection", http.MethodGet, c.dataSourceURL("connections/"+url.PathEscape(cid)), nil, &conn); err != nil {
		logging.Op().Warn("gatewayclient: sync_connection_config get failed, best-effort no-op", "connection_id", cid, "error", err)
		return false
	}
	var params map[string]any
	if err := c.do(ctx, "GetConnectionParameters", http.MethodGet, c.dataSourceURL("connections/"+url.PathEscape(cid)+"/parameters"), nil, &params); err != nil {
		logging.Op().Warn("gatewayclient: sync_connection_config get params failed, best-effort no-op", "connection_id", cid, "error", err)
		return false
	}
	if params == nil {
		params = map[string]any{}
	}
	for k, v := range recording {
		params[k] = v
	}
	conn["parameters"] = params

	if err := c.do(ctx, "UpdateConnection", http.MethodPut, c.dataSourceURL("connections/"+url.PathEscape(cid)), conn, nil); err != nil {
		logging.Op().Warn("gatewayclient: sync_connection_config update failed, best-effort no-op", "connection_id", cid, "error", err)
		return false
	}
	return true
}
