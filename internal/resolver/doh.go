// Package resolver resolves names through a public DNS-over-HTTPS JSON endpoint.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rotadominios/backend/internal/apperr"
)

const (
	DefaultURL     = "https://cloudflare-dns.com/dns-query"
	DefaultTimeout = 5 * time.Second

	typeCNAME = 5
)

// Resolver is what the health checks and reconciler need from DNS.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) ([]string, error)
}

// DoH queries a JSON DoH endpoint (application/dns-json).
type DoH struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewDoH(endpoint string) *DoH {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &DoH{url: endpoint, client: &http.Client{}, timeout: DefaultTimeout}
}

type dohAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

// LookupCNAME returns the CNAME targets of host without trailing dots. NXDOMAIN
// and an empty answer both yield an empty slice.
func (d *DoH) LookupCNAME(ctx context.Context, host string) ([]string, error) {
	return d.query(ctx, host, "CNAME", typeCNAME)
}

func (d *DoH) query(ctx context.Context, host, qtype string, want int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("name", host)
	q.Set("type", qtype)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.Unreachable, "resolve "+host, apperr.SystemResolver, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := apperr.Rejected
		if resp.StatusCode >= 500 {
			kind = apperr.Unreachable
		}
		return nil, apperr.New(kind, "resolve "+host, apperr.SystemResolver, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var body dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode DoH response: %w", err)
	}

	var out []string
	for _, a := range body.Answer {
		if a.Type == want {
			out = append(out, strings.TrimSuffix(a.Data, "."))
		}
	}
	return out, nil
}
