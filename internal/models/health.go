package models

import (
	"time"

	"github.com/google/uuid"
)

// CheckName identifies one leg of the composite health check.
type CheckName string

const (
	CheckDNS    CheckName = "dns"
	CheckTunnel CheckName = "tunnel"
	CheckAgent  CheckName = "agent"
)

// HealthObservation is an append-only record of a single check.
type HealthObservation struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	DomainID   *uuid.UUID `db:"domain_id" json:"domain_id"`
	VPSID      *uuid.UUID `db:"vps_id" json:"vps_id"`
	Check      CheckName  `db:"check_name" json:"check"`
	OK         bool       `db:"ok" json:"ok"`
	StatusCode *int       `db:"status_code" json:"status_code"` // nil on network errors
	LatencyMS  int64      `db:"latency_ms" json:"latency_ms"`
	Error      *string    `db:"error" json:"error"`
	CheckedAt  time.Time  `db:"checked_at" json:"checked_at"`
}
