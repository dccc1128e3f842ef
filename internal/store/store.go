// Package store is the system of record for domains, VPS servers, tunnels
// and health observations. Every write touches a single row.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = fmt.Errorf("record %w", apperr.ErrNotFound)
	// ErrDuplicateKey is returned when a unique column would be violated.
	ErrDuplicateKey = fmt.Errorf("duplicate key: %w", apperr.ErrConflict)
	// ErrStale is returned by guarded writes when the row moved on since it was read.
	ErrStale = fmt.Errorf("row changed since it was read: %w", apperr.ErrConflict)
)

// DomainStatusUpdate is the health evaluator's write: status and check time only.
// A non-empty From makes the write conditional on the stored status.
type DomainStatusUpdate struct {
	From        models.DomainStatus
	Status      models.DomainStatus
	LastCheckAt time.Time
}

type Store interface {
	CreateDomain(ctx context.Context, d *models.Domain) error
	GetDomain(ctx context.Context, id uuid.UUID) (*models.Domain, error)
	GetDomainByHostname(ctx context.Context, hostname string) (*models.Domain, error)
	ListDomains(ctx context.Context) ([]models.DomainWithRouting, error)
	ListDomainsByVPS(ctx context.Context, vpsID uuid.UUID) ([]models.Domain, error)
	// ListTunnelDomains returns active domains on tunnel strategy bound to tunnelID.
	ListTunnelDomains(ctx context.Context, tunnelID uuid.UUID) ([]models.Domain, error)
	ListActiveDomainIDs(ctx context.Context) ([]uuid.UUID, error)
	// UpdateDomain writes every mutable column of d and sets d.UpdatedAt.
	UpdateDomain(ctx context.Context, d *models.Domain) error
	UpdateDomainStatus(ctx context.Context, id uuid.UUID, u DomainStatusUpdate) error
	// AssignDomainVPS sets vps_id only where it is NULL, and tunnel_id only
	// where it is NULL and tunnelID is given. It reports whether a row changed.
	AssignDomainVPS(ctx context.Context, id, vpsID uuid.UUID, tunnelID *uuid.UUID) (bool, error)
	DeleteDomain(ctx context.Context, id uuid.UUID) error

	CreateVPS(ctx context.Context, v *models.VPS) error
	GetVPS(ctx context.Context, id uuid.UUID) (*models.VPS, error)
	GetVPSByTunnel(ctx context.Context, tunnelID uuid.UUID) (*models.VPS, error)
	ListVPS(ctx context.Context) ([]models.VPS, error)
	UpdateVPSHealth(ctx context.Context, id uuid.UUID, health models.VPSHealth, seenAt *time.Time) error

	CreateTunnel(ctx context.Context, t *models.Tunnel) error
	GetTunnel(ctx context.Context, id uuid.UUID) (*models.Tunnel, error)
	GetTunnelByName(ctx context.Context, name string) (*models.Tunnel, error)
	ListTunnels(ctx context.Context) ([]models.Tunnel, error)
	UpdateTunnelStatus(ctx context.Context, id uuid.UUID, status models.TunnelStatus, seenAt *time.Time) error

	InsertHealthObservation(ctx context.Context, o *models.HealthObservation) error
	ListHealthObservations(ctx context.Context, domainID uuid.UUID, limit int) ([]models.HealthObservation, error)
}

// DefaultHistoryLimit bounds ListHealthObservations when limit <= 0.
const DefaultHistoryLimit = 100

// withDomainDefaults fills the creation defaults: normalized hostname, dns, pending.
func withDomainDefaults(d *models.Domain) {
	d.Hostname = models.NormalizeHostname(d.Hostname)
	if d.PublishStrategy == "" {
		d.PublishStrategy = models.StrategyDNS
	}
	if d.Status == "" {
		d.Status = models.StatusPending
	}
}
