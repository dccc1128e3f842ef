package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/store"
)

// Skipped is a mapping entry ApplyMapping could not act on.
type Skipped struct {
	Hostname string `json:"hostname"`
	Reason   string `json:"reason"`
}

type MappingReport struct {
	FixesApplied []models.Fix `json:"fixes_applied"`
	Skipped      []Skipped    `json:"skipped"`
}

// ApplyMapping assigns unassigned domain records to the VPS bound to their
// mapped tunnel. Like auto-fix it only fills empty references.
func (r *Reconciler) ApplyMapping(ctx context.Context) (*MappingReport, error) {
	report := &MappingReport{FixesApplied: []models.Fix{}, Skipped: []Skipped{}}
	var errs *multierror.Error

	for _, m := range r.mapping.All() {
		skip := func(reason string) {
			report.Skipped = append(report.Skipped, Skipped{Hostname: m.Hostname, Reason: reason})
		}

		d, err := r.store.GetDomainByHostname(ctx, m.Hostname)
		if errors.Is(err, store.ErrNotFound) {
			skip("no domain record")
			continue
		} else if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("look up %s: %w", m.Hostname, err))
			continue
		}
		if d.VPSID != nil {
			skip("domain already assigned")
			continue
		}

		tun, err := r.store.GetTunnelByName(ctx, m.Tunnel)
		if errors.Is(err, store.ErrNotFound) {
			skip(fmt.Sprintf("unknown tunnel %s", m.Tunnel))
			continue
		} else if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("look up tunnel %s: %w", m.Tunnel, err))
			continue
		}
		vps, err := r.store.GetVPSByTunnel(ctx, tun.ID)
		if errors.Is(err, store.ErrNotFound) {
			skip(fmt.Sprintf("no VPS runs tunnel %s", tun.Name))
			continue
		} else if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("look up vps for tunnel %s: %w", tun.Name, err))
			continue
		}

		var tunnelID = &tun.ID
		if d.PublishStrategy != models.StrategyTunnel || d.TunnelID != nil {
			tunnelID = nil
		}
		changed, err := r.store.AssignDomainVPS(ctx, d.ID, vps.ID, tunnelID)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("assign %s: %w", m.Hostname, err))
			continue
		}
		if !changed {
			skip("domain changed concurrently")
			continue
		}
		report.FixesApplied = append(report.FixesApplied, models.Fix{
			DomainID: d.ID,
			Hostname: d.Hostname,
			Action:   ActionAssignVPS,
			Detail:   fmt.Sprintf("vps_id set to %s (tunnel %s, confirmed by %s)", vps.ID, tun.Name, m.ConfirmedBy),
		})
		if tunnelID != nil {
			report.FixesApplied = append(report.FixesApplied, models.Fix{
				DomainID: d.ID,
				Hostname: d.Hostname,
				Action:   ActionAssignTunnel,
				Detail:   fmt.Sprintf("tunnel_id set to %s", tun.ID),
			})
		}
		r.log.WithField("hostname", d.Hostname).Info("assigned domain from tunnel mapping")
	}
	return report, errs.ErrorOrNil()
}
