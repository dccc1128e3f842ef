package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VPSHealth is written by agent probes only.
type VPSHealth string

const (
	VPSHealthy  VPSHealth = "healthy"
	VPSDegraded VPSHealth = "degraded"
	VPSDown     VPSHealth = "down"
	VPSUnknown  VPSHealth = "unknown"
)

// DefaultAgentPort is where the VPS agent listens when no explicit URL is stored.
const DefaultAgentPort = 8888

type VPS struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	IPv4          string     `db:"ipv4" json:"ipv4"`
	IPv6          *string    `db:"ipv6" json:"ipv6"`
	Health        VPSHealth  `db:"health" json:"health"`
	TunnelID      *uuid.UUID `db:"tunnel_id" json:"tunnel_id"`
	AgentEndpoint *string    `db:"agent_url" json:"agent_url"`
	LastSeenAt    *time.Time `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// AgentURL returns the explicit agent URL, or one derived from the IPv4 address.
func (v *VPS) AgentURL(port int) string {
	if v.AgentEndpoint != nil && *v.AgentEndpoint != "" {
		return *v.AgentEndpoint
	}
	if port == 0 {
		port = DefaultAgentPort
	}
	return fmt.Sprintf("http://%s:%d", v.IPv4, port)
}

// DisplayName returns the name or the IPv4 address as fallback
func (v *VPS) DisplayName() string {
	if v.Name != "" {
		return v.Name
	}
	return v.IPv4
}
