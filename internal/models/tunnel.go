package models

import (
	"time"

	"github.com/google/uuid"
)

type TunnelStatus string

const (
	TunnelConnected    TunnelStatus = "connected"
	TunnelDisconnected TunnelStatus = "disconnected"
	TunnelError        TunnelStatus = "error"
)

// TunnelDomainSuffix is appended to a Cloudflare tunnel id to form its CNAME target.
const TunnelDomainSuffix = ".cfargotunnel.com"

// Tunnel mirrors a Cloudflare Tunnel. ID is local; CFTunnelID is Cloudflare's.
type Tunnel struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	CFTunnelID  string       `db:"cf_tunnel_id" json:"cf_tunnel_id"`
	CFAccountID string       `db:"cf_account_id" json:"cf_account_id"`
	Name        string       `db:"name" json:"name"`
	Status      TunnelStatus `db:"status" json:"status"`
	LastSeenAt  *time.Time   `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// CNAMETarget is the only tunnel value that may appear in DNS content.
func (t *Tunnel) CNAMETarget() string {
	return t.CFTunnelID + TunnelDomainSuffix
}
