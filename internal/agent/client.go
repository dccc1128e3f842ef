// Package agent is the HTTP client for the agent that runs on every VPS and
// manages its Caddy reverse proxy and cloudflared connector.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/models"
)

const (
	CaddyfilePath = "/opt/app/Caddyfile"

	// ReadCaddyfileLines is how much of the Caddyfile the read command returns.
	ReadCaddyfileLines = 120

	// Commands the agent accepts on /exec-command.
	ReadCaddyfileCommand = "sed -n '1,120p' " + CaddyfilePath
	ServicesCommand      = "docker compose ps --format json"

	DefaultHealthTimeout  = 5 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// FailureKind tells "slow" apart from "unreachable" apart from "refused".
type FailureKind string

const (
	FailureHTTPStatus        FailureKind = "http_status"
	FailureTimeout           FailureKind = "timeout"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureNetwork           FailureKind = "network"
	FailureCommand           FailureKind = "command_failed"
)

// Error is any failure talking to an agent.
type Error struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == FailureHTTPStatus {
		return fmt.Sprintf("agent returned HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() apperr.Kind {
	switch e.Kind {
	case FailureTimeout, FailureConnectionRefused, FailureNetwork:
		return apperr.Unreachable
	case FailureHTTPStatus:
		if e.StatusCode >= 500 {
			return apperr.Unreachable
		}
	}
	return apperr.Rejected
}

// FailureOf extracts the agent failure kind from err, or "" if err is not an agent error.
func FailureOf(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: FailureTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: FailureTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: FailureConnectionRefused, Err: err}
	}
	return &Error{Kind: FailureNetwork, Err: err}
}

// Connector builds per-VPS clients that share a token and transport.
type Connector struct {
	Token          string
	Port           int
	HTTPClient     *http.Client
	HealthTimeout  time.Duration
	CommandTimeout time.Duration
}

func NewConnector(token string, port int) *Connector {
	if port == 0 {
		port = models.DefaultAgentPort
	}
	return &Connector{
		Token:          token,
		Port:           port,
		HTTPClient:     &http.Client{},
		HealthTimeout:  DefaultHealthTimeout,
		CommandTimeout: DefaultCommandTimeout,
	}
}

// For returns a client for the agent on v.
func (c *Connector) For(v *models.VPS) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(v.AgentURL(c.Port), "/"),
		token:          c.Token,
		client:         c.HTTPClient,
		healthTimeout:  c.HealthTimeout,
		commandTimeout: c.CommandTimeout,
	}
}

type Client struct {
	baseURL        string
	token          string
	client         *http.Client
	healthTimeout  time.Duration
	commandTimeout time.Duration
}

// New creates a client for an agent at baseURL with default timeouts.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		token:          token,
		client:         &http.Client{},
		healthTimeout:  DefaultHealthTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Response is the envelope every agent endpoint answers with.
type Response struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	Services string   `json:"services,omitempty"`
	Domains  []string `json:"domains,omitempty"`
}

type HealthStatus struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var r Response
		if json.Unmarshal(raw, &r) == nil && r.Error != "" {
			msg = r.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Kind: FailureHTTPStatus, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode agent response: %w", err)
		}
	}
	return nil
}

// Health calls GET /health with the short health timeout.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, c.healthTimeout, http.MethodGet, "/health", nil, &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*Response, error) {
	var r Response
	if err := c.do(ctx, c.commandTimeout, http.MethodPost, path, body, &r); err != nil {
		return nil, err
	}
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return &r, &Error{Kind: FailureCommand, Err: fmt.Errorf("%s: %s", strings.TrimPrefix(path, "/"), msg)}
	}
	return &r, nil
}

// Exec runs one allow-listed command and returns its stdout.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	r, err := c.post(ctx, "/exec-command", map[string]string{"command": command})
	if err != nil {
		return "", err
	}
	return r.Output, nil
}

// ReadCaddyfile returns the first 120 lines of the live Caddyfile.
func (c *Client) ReadCaddyfile(ctx context.Context) (string, error) {
	return c.Exec(ctx, ReadCaddyfileCommand)
}

// CaddyfileTruncated reports whether content filled the whole read window,
// in which case the file may continue past it.
func CaddyfileTruncated(content string) bool {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return false
	}
	return strings.Count(content, "\n")+1 >= ReadCaddyfileLines
}

// BackupCaddyfile copies the live Caddyfile next to itself and returns the backup path.
func (c *Client) BackupCaddyfile(ctx context.Context, at time.Time) (string, error) {
	dst := fmt.Sprintf("%s.bak.%d", CaddyfilePath, at.Unix())
	if _, err := c.Exec(ctx, "cp "+CaddyfilePath+" "+dst); err != nil {
		return "", err
	}
	return dst, nil
}

// UpdateCaddy replaces the Caddyfile and reloads Caddy.
func (c *Client) UpdateCaddy(ctx context.Context, domains []string, caddyfile string) error {
	_, err := c.post(ctx, "/update-caddy", map[string]interface{}{
		"domains":   domains,
		"caddyfile": caddyfile,
	})
	return err
}

func (c *Client) ReloadCaddy(ctx context.Context) error {
	_, err := c.post(ctx, "/reload-caddy", nil)
	return err
}

func (c *Client) RestartTunnel(ctx context.Context) error {
	_, err := c.post(ctx, "/restart-tunnel", nil)
	return err
}

// Status returns the agent's `docker compose ps` JSON output.
func (c *Client) Status(ctx context.Context) (string, error) {
	r, err := c.post(ctx, "/status", nil)
	if err != nil {
		return "", err
	}
	return r.Services, nil
}
