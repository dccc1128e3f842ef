package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rotadominios/backend/internal/models"
)

// Memory is an in-process Store for tests and dry runs. Records are copied on
// the way in and out so callers never share state with the store.
type Memory struct {
	mu           sync.RWMutex
	domains      map[uuid.UUID]models.Domain
	servers      map[uuid.UUID]models.VPS
	tunnels      map[uuid.UUID]models.Tunnel
	observations []models.HealthObservation
	now          func() time.Time
}

var _ Store = (*Memory)(nil)
var _ Store = (*SQLStore)(nil)

func NewMemory() *Memory {
	return &Memory{
		domains: make(map[uuid.UUID]models.Domain),
		servers: make(map[uuid.UUID]models.VPS),
		tunnels: make(map[uuid.UUID]models.Tunnel),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateDomain(ctx context.Context, d *models.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	withDomainDefaults(d)
	for _, existing := range m.domains {
		if existing.Hostname == d.Hostname || existing.ID == d.ID {
			return ErrDuplicateKey
		}
	}
	now := m.now()
	d.CreatedAt, d.UpdatedAt = now, now
	m.domains[d.ID] = *d
	return nil
}

func (m *Memory) GetDomain(ctx context.Context, id uuid.UUID) (*models.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) GetDomainByHostname(ctx context.Context, hostname string) (*models.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := models.NormalizeHostname(hostname)
	for _, d := range m.domains {
		if d.Hostname == h {
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) sortedDomains(keep func(models.Domain) bool) []models.Domain {
	var out []models.Domain
	for _, d := range m.domains {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

func (m *Memory) ListDomains(ctx context.Context) ([]models.DomainWithRouting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DomainWithRouting
	for _, d := range m.sortedDomains(func(models.Domain) bool { return true }) {
		r := models.DomainWithRouting{
			ID: d.ID, Hostname: d.Hostname, PublishStrategy: d.PublishStrategy, Status: d.Status,
			Active: d.Active, VPSID: d.VPSID, TunnelID: d.TunnelID, ErrorMessage: d.ErrorMessage,
			LastCheckAt: d.LastCheckAt, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		}
		if d.VPSID != nil {
			if v, ok := m.servers[*d.VPSID]; ok {
				name, ip := v.Name, v.IPv4
				r.VPSName, r.VPSIPv4 = &name, &ip
			}
		}
		if d.TunnelID != nil {
			if t, ok := m.tunnels[*d.TunnelID]; ok {
				name, cf := t.Name, t.CFTunnelID
				r.TunnelName, r.CFTunnelID = &name, &cf
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) ListDomainsByVPS(ctx context.Context, vpsID uuid.UUID) ([]models.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedDomains(func(d models.Domain) bool { return d.VPSID != nil && *d.VPSID == vpsID }), nil
}

func (m *Memory) ListTunnelDomains(ctx context.Context, tunnelID uuid.UUID) ([]models.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedDomains(func(d models.Domain) bool {
		return d.TunnelID != nil && *d.TunnelID == tunnelID && d.PublishStrategy == models.StrategyTunnel && d.Active
	}), nil
}

func (m *Memory) ListActiveDomainIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uuid.UUID
	for _, d := range m.sortedDomains(func(d models.Domain) bool { return d.Active }) {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (m *Memory) UpdateDomain(ctx context.Context, d *models.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.domains[d.ID]
	if !ok {
		return ErrNotFound
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = m.now()
	m.domains[d.ID] = *d
	return nil
}

func (m *Memory) UpdateDomainStatus(ctx context.Context, id uuid.UUID, u DomainStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return ErrNotFound
	}
	if u.From != "" && d.Status != u.From {
		return ErrStale
	}
	at := u.LastCheckAt
	d.Status = u.Status
	d.LastCheckAt = &at
	d.UpdatedAt = m.now()
	m.domains[id] = d
	return nil
}

func (m *Memory) AssignDomainVPS(ctx context.Context, id, vpsID uuid.UUID, tunnelID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.VPSID != nil {
		return false, nil
	}
	v := vpsID
	d.VPSID = &v
	if d.TunnelID == nil && tunnelID != nil {
		t := *tunnelID
		d.TunnelID = &t
	}
	d.UpdatedAt = m.now()
	m.domains[id] = d
	return true, nil
}

func (m *Memory) DeleteDomain(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[id]; !ok {
		return ErrNotFound
	}
	delete(m.domains, id)
	kept := m.observations[:0]
	for _, o := range m.observations {
		if o.DomainID == nil || *o.DomainID != id {
			kept = append(kept, o)
		}
	}
	m.observations = kept
	return nil
}

func (m *Memory) CreateVPS(ctx context.Context, v *models.VPS) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if _, dup := m.servers[v.ID]; dup {
		return ErrDuplicateKey
	}
	if v.Health == "" {
		v.Health = models.VPSUnknown
	}
	now := m.now()
	v.CreatedAt, v.UpdatedAt = now, now
	m.servers[v.ID] = *v
	return nil
}

func (m *Memory) GetVPS(ctx context.Context, id uuid.UUID) (*models.VPS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) GetVPSByTunnel(ctx context.Context, tunnelID uuid.UUID) (*models.VPS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.VPS
	for _, v := range m.servers {
		if v.TunnelID != nil && *v.TunnelID == tunnelID {
			if found == nil || v.CreatedAt.Before(found.CreatedAt) {
				v := v
				found = &v
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) ListVPS(ctx context.Context) ([]models.VPS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.VPS, 0, len(m.servers))
	for _, v := range m.servers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateVPSHealth(ctx context.Context, id uuid.UUID, health models.VPSHealth, seenAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	v.Health = health
	if seenAt != nil {
		at := *seenAt
		v.LastSeenAt = &at
	}
	v.UpdatedAt = m.now()
	m.servers[id] = v
	return nil
}

func (m *Memory) CreateTunnel(ctx context.Context, t *models.Tunnel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	for _, existing := range m.tunnels {
		if existing.ID == t.ID || existing.Name == t.Name || existing.CFTunnelID == t.CFTunnelID {
			return ErrDuplicateKey
		}
	}
	if t.Status == "" {
		t.Status = models.TunnelDisconnected
	}
	now := m.now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tunnels[t.ID] = *t
	return nil
}

func (m *Memory) GetTunnel(ctx context.Context, id uuid.UUID) (*models.Tunnel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tunnels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) GetTunnelByName(ctx context.Context, name string) (*models.Tunnel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tunnels {
		if t.Name == name {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListTunnels(ctx context.Context) ([]models.Tunnel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateTunnelStatus(ctx context.Context, id uuid.UUID, status models.TunnelStatus, seenAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if seenAt != nil {
		at := *seenAt
		t.LastSeenAt = &at
	}
	t.UpdatedAt = m.now()
	m.tunnels[id] = t
	return nil
}

func (m *Memory) InsertHealthObservation(ctx context.Context, o *models.HealthObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CheckedAt.IsZero() {
		o.CheckedAt = m.now()
	}
	m.observations = append(m.observations, *o)
	return nil
}

func (m *Memory) ListHealthObservations(ctx context.Context, domainID uuid.UUID, limit int) ([]models.HealthObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []models.HealthObservation
	for _, o := range m.observations {
		if o.DomainID != nil && *o.DomainID == domainID {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckedAt.After(out[j].CheckedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Observations returns every recorded observation in insertion order.
func (m *Memory) Observations() []models.HealthObservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.HealthObservation(nil), m.observations...)
}
