// Package cloudflare is a thin client for the parts of the Cloudflare v4 API
// the control plane needs: zones, DNS records and tunnel configuration.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rotadominios/backend/internal/apperr"
)

const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// Client talks to the Cloudflare REST API with a bearer token.
type Client struct {
	apiToken string
	baseURL  string
	client   *http.Client
}

type Option func(*Client)

// WithBaseURL points the client at another API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default 30s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a new Cloudflare client
func New(apiToken string, opts ...Option) *Client {
	c := &Client{
		apiToken: apiToken,
		baseURL:  DefaultBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type cfResponse struct {
	Success    bool            `json:"success"`
	Errors     []cfError       `json:"errors"`
	Messages   json.RawMessage `json:"messages"`
	Result     json.RawMessage `json:"result"`
	ResultInfo *resultInfo     `json:"result_info"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	Count      int `json:"count"`
	TotalCount int `json:"total_count"`
}

// APIError is returned when Cloudflare answered but refused or failed the request.
type APIError struct {
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudflare %s: %s (HTTP %d, code %d: %s)", e.Op, e.Summary(), e.Status, e.Code, e.Message)
}

// Summary is the user-facing explanation of the status code.
func (e *APIError) Summary() string {
	switch {
	case e.Status == http.StatusUnauthorized:
		return "invalid or expired API token"
	case e.Status == http.StatusForbidden:
		return "API token lacks the required permissions"
	case e.Status == http.StatusNotFound:
		return "resource not found"
	case e.Status == http.StatusTooManyRequests:
		return "rate limited"
	case e.Status >= 500:
		return "Cloudflare service error"
	default:
		return "request rejected"
	}
}

// ErrorKind classifies the error: 5xx and 429 are transient, the rest need an operator.
func (e *APIError) ErrorKind() apperr.Kind {
	if e.Status >= 500 || e.Status == http.StatusTooManyRequests {
		return apperr.Unreachable
	}
	return apperr.Rejected
}

// IsNotFound reports whether Cloudflare said the resource does not exist.
func (e *APIError) IsNotFound() bool {
	return e.Status == http.StatusNotFound || e.Code == 81044 // record does not exist
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}) (*cfResponse, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.Unreachable, "cloudflare "+op, apperr.SystemCloudflare, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.New(apperr.Unreachable, "cloudflare "+op, apperr.SystemCloudflare, err)
	}

	var result cfResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Op: op, Status: resp.StatusCode, Message: snippet(raw)}
		}
		return nil, fmt.Errorf("failed to decode cloudflare %s response: %w", op, err)
	}

	if !result.Success || resp.StatusCode >= 300 {
		apiErr := &APIError{Op: op, Status: resp.StatusCode, Message: "request failed"}
		if len(result.Errors) > 0 {
			apiErr.Code = result.Errors[0].Code
			apiErr.Message = result.Errors[0].Message
		}
		return nil, apiErr
	}

	return &result, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// VerifyToken checks that the API token is active.
func (c *Client) VerifyToken(ctx context.Context) error {
	result, err := c.doRequest(ctx, "verify token", http.MethodGet, "/user/tokens/verify", nil)
	if err != nil {
		return err
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result.Result, &status); err != nil {
		return fmt.Errorf("failed to parse token status: %w", err)
	}
	if status.Status != "" && status.Status != "active" {
		return &APIError{Op: "verify token", Status: http.StatusUnauthorized, Message: "token status " + status.Status}
	}
	return nil
}
