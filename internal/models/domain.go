package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublishStrategy selects how a hostname is made reachable.
type PublishStrategy string

const (
	StrategyDNS    PublishStrategy = "dns"    // A/AAAA records at the VPS
	StrategyTunnel PublishStrategy = "tunnel" // proxied CNAME to a Cloudflare Tunnel
)

// DomainStatus is the lifecycle state of a domain.
type DomainStatus string

const (
	StatusPending     DomainStatus = "pending"
	StatusPropagating DomainStatus = "propagating"
	StatusLive        DomainStatus = "live"
	StatusError       DomainStatus = "error"
)

type Domain struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Hostname        string          `db:"hostname" json:"hostname"`
	PublishStrategy PublishStrategy `db:"publish_strategy" json:"publish_strategy"`
	Status          DomainStatus    `db:"status" json:"status"`
	Active          bool            `db:"active" json:"active"`
	VPSID           *uuid.UUID      `db:"vps_id" json:"vps_id"`
	TunnelID        *uuid.UUID      `db:"tunnel_id" json:"tunnel_id"`
	ErrorMessage    *string         `db:"error_message" json:"error_message"`
	LastCheckAt     *time.Time      `db:"last_check_at" json:"last_check_at"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// NormalizeHostname lowercases a hostname and strips a trailing dot.
func NormalizeHostname(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// CheckAssignment reports whether the routing reference required by the
// domain's strategy is present.
func (d *Domain) CheckAssignment() error {
	switch d.PublishStrategy {
	case StrategyDNS:
		if d.VPSID == nil {
			return fmt.Errorf("domain %s uses dns strategy without a VPS", d.Hostname)
		}
	case StrategyTunnel:
		if d.TunnelID == nil {
			return fmt.Errorf("domain %s uses tunnel strategy without a tunnel", d.Hostname)
		}
	default:
		return fmt.Errorf("domain %s has unknown publish strategy %q", d.Hostname, d.PublishStrategy)
	}
	return nil
}

// DomainWithRouting joins a domain with the VPS and tunnel it is routed through.
// Note: fields are listed explicitly instead of embedding to keep sqlx scanning predictable
type DomainWithRouting struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Hostname        string          `db:"hostname" json:"hostname"`
	PublishStrategy PublishStrategy `db:"publish_strategy" json:"publish_strategy"`
	Status          DomainStatus    `db:"status" json:"status"`
	Active          bool            `db:"active" json:"active"`
	VPSID           *uuid.UUID      `db:"vps_id" json:"vps_id"`
	TunnelID        *uuid.UUID      `db:"tunnel_id" json:"tunnel_id"`
	ErrorMessage    *string         `db:"error_message" json:"error_message"`
	LastCheckAt     *time.Time      `db:"last_check_at" json:"last_check_at"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	// Join fields
	VPSName    *string `db:"vps_name" json:"vps_name"`
	VPSIPv4    *string `db:"vps_ipv4" json:"vps_ipv4"`
	TunnelName *string `db:"tunnel_name" json:"tunnel_name"`
	CFTunnelID *string `db:"cf_tunnel_id" json:"cf_tunnel_id"`
}
