package models

import (
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// SyncReport is the result of one drift reconciliation. It is never persisted.
type SyncReport struct {
	VPSID           uuid.UUID        `json:"vps_id"`
	DatabaseDomains []string         `json:"database_domains"`
	VPSDomains      []string         `json:"vps_domains"`
	MissingInVPS    []string         `json:"missing_in_vps"` // in database, not served by VPS
	MissingInDB     []string         `json:"missing_in_db"`  // served by VPS, unknown to database
	InBoth          []string         `json:"in_both"`
	AgentStatus     AgentStatus      `json:"agent_status"`
	AgentError      string           `json:"agent_error,omitempty"`
	// VPSConfigTruncated means the Caddyfile was longer than the agent lets
	// us read, so vps_domains may be incomplete.
	VPSConfigTruncated bool `json:"vps_config_truncated"`
	DNSChecks       []DNSCheck       `json:"dns_checks"`
	FixesApplied    []Fix            `json:"fixes_applied"`
	Recommendations []Recommendation `json:"recommendations"`
	FixErrors       []string         `json:"fix_errors,omitempty"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// DNSCheck is the CNAME cross-check for one candidate hostname.
type DNSCheck struct {
	Hostname      string `json:"hostname"`
	ExpectedCNAME string `json:"expected_cname,omitempty"`
	CNAMEFound    string `json:"cname_found,omitempty"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
}

// Fix is an additive change the reconciler applied to the database.
type Fix struct {
	DomainID uuid.UUID `json:"domain_id"`
	Hostname string    `json:"hostname"`
	Action   string    `json:"action"` // assign_vps, assign_tunnel
	Detail   string    `json:"detail"`
}

// Recommendation is a change that needs an operator to confirm it.
type Recommendation struct {
	Hostname string `json:"hostname"`
	Action   string `json:"action"` // see reconcile.Action*
	Reason   string `json:"reason"`
}
