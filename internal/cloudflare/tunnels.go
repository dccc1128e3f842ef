package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CatchAllService is the mandatory last ingress rule: anything not matched gets a 404.
const CatchAllService = "http_status:404"

// TunnelConnection is one connector session reported by Cloudflare.
type TunnelConnection struct {
	ID                 string    `json:"id"`
	ConnectorID        string    `json:"connector_id,omitempty"`
	ColoName           string    `json:"colo_name"`
	OriginIP           string    `json:"origin_ip,omitempty"`
	OpenedAt           time.Time `json:"opened_at"`
	IsPendingReconnect bool      `json:"is_pending_reconnect"`
}

// IngressRule routes one hostname to an origin service. The catch-all rule has no hostname.
type IngressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
}

type tunnelConfig struct {
	Ingress []IngressRule `json:"ingress"`
}

type tunnelConfigEnvelope struct {
	Config tunnelConfig `json:"config"`
}

// WithCatchAll returns rules with the 404 catch-all appended exactly once, last.
func WithCatchAll(rules []IngressRule) []IngressRule {
	out := make([]IngressRule, 0, len(rules)+1)
	for _, r := range rules {
		if r.Hostname == "" {
			continue
		}
		out = append(out, r)
	}
	return append(out, IngressRule{Service: CatchAllService})
}

// ListTunnelConnections returns the active connector sessions of a tunnel.
func (c *Client) ListTunnelConnections(ctx context.Context, accountID, tunnelID string) ([]TunnelConnection, error) {
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/connections", accountID, tunnelID)
	result, err := c.doRequest(ctx, "list tunnel connections", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	// The endpoint returns connectors, each carrying its own connection list.
	var connectors []struct {
		ID          string             `json:"id"`
		Connections []TunnelConnection `json:"conns"`
	}
	if err := json.Unmarshal(result.Result, &connectors); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel connections: %w", err)
	}

	var conns []TunnelConnection
	for _, cn := range connectors {
		for _, conn := range cn.Connections {
			conn.ConnectorID = cn.ID
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

// PutTunnelConfiguration replaces the tunnel's ingress. The catch-all is appended if missing.
func (c *Client) PutTunnelConfiguration(ctx context.Context, accountID, tunnelID string, rules []IngressRule) error {
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", accountID, tunnelID)
	body := tunnelConfigEnvelope{Config: tunnelConfig{Ingress: WithCatchAll(rules)}}
	_, err := c.doRequest(ctx, "put tunnel configuration", http.MethodPut, path, body)
	return err
}

// GetTunnelConfiguration returns the ingress currently stored at Cloudflare.
func (c *Client) GetTunnelConfiguration(ctx context.Context, accountID, tunnelID string) ([]IngressRule, error) {
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", accountID, tunnelID)
	result, err := c.doRequest(ctx, "get tunnel configuration", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var env tunnelConfigEnvelope
	if err := json.Unmarshal(result.Result, &env); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel configuration: %w", err)
	}
	return env.Config.Ingress, nil
}
