package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"rotadominios/backend/internal/database"
	"rotadominios/backend/internal/models"
)

const (
	domainColumns = `id, hostname, publish_strategy, status, active, vps_id, tunnel_id,
		error_message, last_check_at, created_at, updated_at`
	vpsColumns    = `id, name, ipv4, ipv6, health, tunnel_id, agent_url, last_seen_at, created_at, updated_at`
	tunnelColumns = `id, cf_tunnel_id, cf_account_id, name, status, last_seen_at, created_at, updated_at`
	healthColumns = `id, domain_id, vps_id, check_name, ok, status_code, latency_ms, error, checked_at`
)

// SQLStore implements Store with sqlx. Queries use ? placeholders and are
// rebound for the connected driver, so the same code serves postgres and sqlite.
type SQLStore struct {
	db  *database.DB
	now func() time.Time
}

func NewSQL(db *database.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pqErr.Detail)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateDomain(ctx context.Context, d *models.Domain) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	withDomainDefaults(d)
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO domains (`+domainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), d.ID, d.Hostname, d.PublishStrategy, d.Status, d.Active, d.VPSID, d.TunnelID,
		d.ErrorMessage, d.LastCheckAt, d.CreatedAt, d.UpdatedAt)
	return mapErr(err)
}

func (s *SQLStore) GetDomain(ctx context.Context, id uuid.UUID) (*models.Domain, error) {
	var d models.Domain
	err := s.db.GetContext(ctx, &d, s.q(`SELECT `+domainColumns+` FROM domains WHERE id = ?`), id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (s *SQLStore) GetDomainByHostname(ctx context.Context, hostname string) (*models.Domain, error) {
	var d models.Domain
	err := s.db.GetContext(ctx, &d, s.q(`SELECT `+domainColumns+` FROM domains WHERE hostname = ?`),
		models.NormalizeHostname(hostname))
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (s *SQLStore) ListDomains(ctx context.Context) ([]models.DomainWithRouting, error) {
	var domains []models.DomainWithRouting
	err := s.db.SelectContext(ctx, &domains, `
		SELECT d.id, d.hostname, d.publish_strategy, d.status, d.active, d.vps_id, d.tunnel_id,
			d.error_message, d.last_check_at, d.created_at, d.updated_at,
			v.name as vps_name,
			v.ipv4 as vps_ipv4,
			t.name as tunnel_name,
			t.cf_tunnel_id as cf_tunnel_id
		FROM domains d
		LEFT JOIN vps_servers v ON d.vps_id = v.id
		LEFT JOIN tunnels t ON d.tunnel_id = t.id
		ORDER BY d.hostname
	`)
	if err != nil {
		return nil, err
	}
	return domains, nil
}

func (s *SQLStore) ListDomainsByVPS(ctx context.Context, vpsID uuid.UUID) ([]models.Domain, error) {
	var domains []models.Domain
	err := s.db.SelectContext(ctx, &domains, s.q(`
		SELECT `+domainColumns+` FROM domains WHERE vps_id = ? ORDER BY hostname
	`), vpsID)
	return domains, err
}

func (s *SQLStore) ListTunnelDomains(ctx context.Context, tunnelID uuid.UUID) ([]models.Domain, error) {
	var domains []models.Domain
	err := s.db.SelectContext(ctx, &domains, s.q(`
		SELECT `+domainColumns+` FROM domains
		WHERE tunnel_id = ? AND publish_strategy = ? AND active = ?
		ORDER BY hostname
	`), tunnelID, models.StrategyTunnel, true)
	return domains, err
}

func (s *SQLStore) ListActiveDomainIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, s.q(`SELECT id FROM domains WHERE active = ? ORDER BY hostname`), true)
	return ids, err
}

func (s *SQLStore) UpdateDomain(ctx context.Context, d *models.Domain) error {
	d.UpdatedAt = s.now()
	return expectRow(s.db.ExecContext(ctx, s.q(`
		UPDATE domains SET
			hostname = ?, publish_strategy = ?, status = ?, active = ?, vps_id = ?, tunnel_id = ?,
			error_message = ?, last_check_at = ?, updated_at = ?
		WHERE id = ?
	`), d.Hostname, d.PublishStrategy, d.Status, d.Active, d.VPSID, d.TunnelID,
		d.ErrorMessage, d.LastCheckAt, d.UpdatedAt, d.ID))
}

func (s *SQLStore) UpdateDomainStatus(ctx context.Context, id uuid.UUID, u DomainStatusUpdate) error {
	if u.From == "" {
		return expectRow(s.db.ExecContext(ctx, s.q(`
			UPDATE domains SET status = ?, last_check_at = ?, updated_at = ? WHERE id = ?
		`), u.Status, u.LastCheckAt, s.now(), id))
	}

	err := expectRow(s.db.ExecContext(ctx, s.q(`
		UPDATE domains SET status = ?, last_check_at = ?, updated_at = ? WHERE id = ? AND status = ?
	`), u.Status, u.LastCheckAt, s.now(), id, u.From))
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM domains WHERE id = ?`), id); err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStale
}

func (s *SQLStore) AssignDomainVPS(ctx context.Context, id, vpsID uuid.UUID, tunnelID *uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE domains SET vps_id = ?, tunnel_id = COALESCE(tunnel_id, ?), updated_at = ?
		WHERE id = ? AND vps_id IS NULL
	`), vpsID, tunnelID, s.now(), id)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) DeleteDomain(ctx context.Context, id uuid.UUID) error {
	return expectRow(s.db.ExecContext(ctx, s.q(`DELETE FROM domains WHERE id = ?`), id))
}

func (s *SQLStore) CreateVPS(ctx context.Context, v *models.VPS) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Health == "" {
		v.Health = models.VPSUnknown
	}
	now := s.now()
	v.CreatedAt, v.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO vps_servers (`+vpsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), v.ID, v.Name, v.IPv4, v.IPv6, v.Health, v.TunnelID, v.AgentEndpoint, v.LastSeenAt, v.CreatedAt, v.UpdatedAt)
	return mapErr(err)
}

func (s *SQLStore) GetVPS(ctx context.Context, id uuid.UUID) (*models.VPS, error) {
	var v models.VPS
	if err := s.db.GetContext(ctx, &v, s.q(`SELECT `+vpsColumns+` FROM vps_servers WHERE id = ?`), id); err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

func (s *SQLStore) GetVPSByTunnel(ctx context.Context, tunnelID uuid.UUID) (*models.VPS, error) {
	var v models.VPS
	err := s.db.GetContext(ctx, &v, s.q(`
		SELECT `+vpsColumns+` FROM vps_servers WHERE tunnel_id = ? ORDER BY created_at LIMIT 1
	`), tunnelID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

func (s *SQLStore) ListVPS(ctx context.Context) ([]models.VPS, error) {
	var servers []models.VPS
	err := s.db.SelectContext(ctx, &servers, `SELECT `+vpsColumns+` FROM vps_servers ORDER BY name`)
	return servers, err
}

func (s *SQLStore) UpdateVPSHealth(ctx context.Context, id uuid.UUID, health models.VPSHealth, seenAt *time.Time) error {
	return expectRow(s.db.ExecContext(ctx, s.q(`
		UPDATE vps_servers SET health = ?, last_seen_at = COALESCE(?, last_seen_at), updated_at = ? WHERE id = ?
	`), health, seenAt, s.now(), id))
}

func (s *SQLStore) CreateTunnel(ctx context.Context, t *models.Tunnel) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = models.TunnelDisconnected
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tunnels (`+tunnelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.CFTunnelID, t.CFAccountID, t.Name, t.Status, t.LastSeenAt, t.CreatedAt, t.UpdatedAt)
	return mapErr(err)
}

func (s *SQLStore) GetTunnel(ctx context.Context, id uuid.UUID) (*models.Tunnel, error) {
	var t models.Tunnel
	if err := s.db.GetContext(ctx, &t, s.q(`SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`), id); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *SQLStore) GetTunnelByName(ctx context.Context, name string) (*models.Tunnel, error) {
	var t models.Tunnel
	if err := s.db.GetContext(ctx, &t, s.q(`SELECT `+tunnelColumns+` FROM tunnels WHERE name = ?`), name); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *SQLStore) ListTunnels(ctx context.Context) ([]models.Tunnel, error) {
	var tunnels []models.Tunnel
	err := s.db.SelectContext(ctx, &tunnels, `SELECT `+tunnelColumns+` FROM tunnels ORDER BY name`)
	return tunnels, err
}

func (s *SQLStore) UpdateTunnelStatus(ctx context.Context, id uuid.UUID, status models.TunnelStatus, seenAt *time.Time) error {
	return expectRow(s.db.ExecContext(ctx, s.q(`
		UPDATE tunnels SET status = ?, last_seen_at = COALESCE(?, last_seen_at), updated_at = ? WHERE id = ?
	`), status, seenAt, s.now(), id))
}

func (s *SQLStore) InsertHealthObservation(ctx context.Context, o *models.HealthObservation) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CheckedAt.IsZero() {
		o.CheckedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO health_checks (`+healthColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), o.ID, o.DomainID, o.VPSID, o.Check, o.OK, o.StatusCode, o.LatencyMS, o.Error, o.CheckedAt)
	return mapErr(err)
}

func (s *SQLStore) ListHealthObservations(ctx context.Context, domainID uuid.UUID, limit int) ([]models.HealthObservation, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var obs []models.HealthObservation
	err := s.db.SelectContext(ctx, &obs, s.q(`
		SELECT `+healthColumns+` FROM health_checks
		WHERE domain_id = ?
		ORDER BY checked_at DESC
		LIMIT ?
	`), domainID, limit)
	return obs, err
}
