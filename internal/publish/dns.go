package publish

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/store"
)

type DNSRequest struct {
	DomainID uuid.UUID `json:"-"`
	// VPSID defaults to the domain's current server when zero.
	VPSID      uuid.UUID `json:"vps_id"`
	IncludeWWW bool      `json:"include_www"`
	Proxied    bool      `json:"proxied"`
}

// SwitchToDNS publishes a domain with A/AAAA records pointing at a VPS. A
// domain leaving a tunnel is dropped from that tunnel's ingress.
func (w *Workflow) SwitchToDNS(ctx context.Context, req DNSRequest) (*Result, error) {
	res := &Result{DomainID: req.DomainID, Strategy: models.StrategyDNS}

	unlock, err := w.locks.TryLock(req.DomainID)
	if err != nil {
		return res, err
	}
	defer unlock()

	d, root, err := w.activeDomain(ctx, req.DomainID)
	if err != nil {
		return res, err
	}
	res.Hostname = d.Hostname

	vpsID := req.VPSID
	if vpsID == uuid.Nil {
		if d.VPSID == nil {
			return res, apperr.Validationf("domain %s has no VPS; vps_id is required", d.Hostname)
		}
		vpsID = *d.VPSID
	}
	vps, err := w.store.GetVPS(ctx, vpsID)
	if err != nil {
		return res, loadErr("vps", vpsID, err)
	}
	if req.IncludeWWW && strings.HasPrefix(d.Hostname, "www.") {
		return res, apperr.Validationf("include_www is not allowed for %s", d.Hostname)
	}

	// The tunnel the domain is leaving, if any.
	var oldTunnel *models.Tunnel
	if d.PublishStrategy == models.StrategyTunnel && d.TunnelID != nil {
		oldTunnel, err = w.store.GetTunnel(ctx, *d.TunnelID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, apperr.New(apperr.Internal, "load tunnel", apperr.SystemDatabase, err)
		}
	}

	log := w.logger(res).WithField("vps", vps.DisplayName())
	wwwName := "www." + d.Hostname
	var zone *cloudflare.Zone

	steps := []step{
		{name: StepResolveZone, system: apperr.SystemCloudflare, run: func(ctx context.Context) (err error) {
			zone, err = w.findZone(ctx, log, root)
			return err
		}},
		{name: StepRemoveDNSRecords, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			if err := w.removeRecords(ctx, log, zone.ID, d.Hostname, nil); err != nil {
				return err
			}
			if req.IncludeWWW {
				return w.removeRecords(ctx, log, zone.ID, wwwName, nil)
			}
			return nil
		}},
		{name: StepCommitStrategy, system: apperr.SystemDatabase, run: func(ctx context.Context) error {
			return w.commit(ctx, d, func(next *models.Domain) {
				next.PublishStrategy = models.StrategyDNS
				next.VPSID = &vps.ID
				next.TunnelID = nil
			})
		}},
	}
	if oldTunnel != nil {
		steps = append(steps, step{name: StepPushIngress, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			return w.pushIngress(ctx, log, oldTunnel, nil, uuid.Nil)
		}})
	}
	steps = append(steps,
		step{name: StepCreateRecords, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			for _, rec := range dnsRecords(d.Hostname, vps, req) {
				if err := w.ensureRecord(ctx, log, zone.ID, rec); err != nil {
					return err
				}
			}
			return nil
		}},
		step{name: StepMarkLive, system: apperr.SystemDatabase, run: func(ctx context.Context) error {
			return w.markLive(ctx, d)
		}},
	)

	err = w.runSteps(ctx, log, res, steps, StepCommitStrategy, func(ctx context.Context, se *StepError) error {
		return w.markError(ctx, d, se, nil)
	})
	w.finish(ctx, res, err)
	return res, err
}

func dnsRecords(hostname string, vps *models.VPS, req DNSRequest) []cloudflare.DNSRecord {
	recs := []cloudflare.DNSRecord{{Name: hostname, Type: "A", Content: vps.IPv4, Proxied: req.Proxied}}
	if vps.IPv6 != nil && *vps.IPv6 != "" {
		recs = append(recs, cloudflare.DNSRecord{Name: hostname, Type: "AAAA", Content: *vps.IPv6, Proxied: req.Proxied})
	}
	if req.IncludeWWW {
		recs = append(recs, cloudflare.DNSRecord{Name: "www." + hostname, Type: "CNAME", Content: hostname, Proxied: req.Proxied})
	}
	return recs
}
