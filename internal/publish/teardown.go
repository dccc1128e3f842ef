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

// Teardown removes everything a domain published at Cloudflare and then
// deletes its row. The row survives any failed step, so a domain is never
// deleted while records still point at it.
func (w *Workflow) Teardown(ctx context.Context, domainID uuid.UUID) (*Result, error) {
	res := &Result{DomainID: domainID}

	unlock, err := w.locks.TryLock(domainID)
	if err != nil {
		return res, err
	}
	defer unlock()

	d, err := w.store.GetDomain(ctx, domainID)
	if err != nil {
		return res, loadErr("domain", domainID, err)
	}
	res.Hostname = d.Hostname
	res.Strategy = d.PublishStrategy

	var tun *models.Tunnel
	if d.PublishStrategy == models.StrategyTunnel && d.TunnelID != nil {
		tun, err = w.store.GetTunnel(ctx, *d.TunnelID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, apperr.New(apperr.Internal, "load tunnel", apperr.SystemDatabase, err)
		}
	}

	log := w.logger(res)
	var zone *cloudflare.Zone

	steps := []step{
		{name: StepResolveZone, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			root, err := cloudflare.RootDomain(d.Hostname)
			if err != nil {
				log.Warnf("no root domain for %s, skipping record removal: %s", d.Hostname, err)
				return nil
			}
			zone, err = w.findZone(ctx, log, root)
			if errors.Is(err, cloudflare.ErrZoneNotFound) {
				// Nothing can have been published without a zone.
				log.Warnf("no zone for %s, skipping record removal", d.Hostname)
				return nil
			}
			return err
		}},
		{name: StepRemoveDNSRecords, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			if zone == nil {
				return nil
			}
			if err := w.removeRecords(ctx, log, zone.ID, d.Hostname, nil); err != nil {
				return err
			}
			// Only the www alias this domain owns goes with it.
			return w.removeRecords(ctx, log, zone.ID, "www."+d.Hostname, func(r cloudflare.DNSRecord) bool {
				return !(strings.EqualFold(r.Type, "CNAME") && strings.EqualFold(strings.TrimSuffix(r.Content, "."), d.Hostname))
			})
		}},
	}
	if tun != nil {
		steps = append(steps, step{name: StepPushIngress, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			return w.pushIngress(ctx, log, tun, nil, d.ID)
		}})
	}
	steps = append(steps, step{name: StepDeleteRecord, system: apperr.SystemDatabase, run: func(ctx context.Context) error {
		if err := w.store.DeleteDomain(ctx, d.ID); err != nil {
			return apperr.New(apperr.Internal, "delete domain", apperr.SystemDatabase, err)
		}
		return nil
	}})

	err = w.runSteps(ctx, log, res, steps, "", nil)
	w.metrics.WorkflowRun("teardown", runResult(res, err))
	return res, err
}
