package publish

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/domainstate"
	"rotadominios/backend/internal/models"
)

type TunnelRequest struct {
	DomainID   uuid.UUID `json:"-"`
	TunnelID   uuid.UUID `json:"tunnel_id"`
	ServiceURL string    `json:"service_url"`
}

// SwitchToTunnel publishes a domain through a Cloudflare tunnel: its DNS
// records are replaced by a proxied CNAME to the tunnel and the tunnel's
// ingress routes the hostname to ServiceURL.
func (w *Workflow) SwitchToTunnel(ctx context.Context, req TunnelRequest) (*Result, error) {
	res := &Result{DomainID: req.DomainID, Strategy: models.StrategyTunnel}

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
	tun, err := w.usableTunnel(ctx, req.TunnelID)
	if err != nil {
		return res, err
	}
	if err := validateServiceURL(req.ServiceURL); err != nil {
		return res, err
	}
	vps, err := w.tunnelVPS(ctx, d, tun)
	if err != nil {
		return res, err
	}

	log := w.logger(res).WithField("tunnel", tun.Name)
	var (
		zone          *cloudflare.Zone
		ingressPushed bool
	)

	steps := []step{
		{name: StepResolveZone, system: apperr.SystemCloudflare, run: func(ctx context.Context) (err error) {
			zone, err = w.findZone(ctx, log, root)
			return err
		}},
		{name: StepRemoveDNSRecords, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			return w.removeRecords(ctx, log, zone.ID, d.Hostname, nil)
		}},
		{name: StepCommitStrategy, system: apperr.SystemDatabase, run: func(ctx context.Context) error {
			return w.commit(ctx, d, func(next *models.Domain) {
				next.PublishStrategy = models.StrategyTunnel
				next.TunnelID = &tun.ID
				next.VPSID = &vps.ID
			})
		}},
		{name: StepPushIngress, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			if err := w.pushIngress(ctx, log, tun, map[string]string{d.Hostname: req.ServiceURL}, uuid.Nil); err != nil {
				return err
			}
			ingressPushed = true
			return nil
		}},
		{name: StepCreateCNAME, system: apperr.SystemCloudflare, run: func(ctx context.Context) error {
			return w.ensureRecord(ctx, log, zone.ID, cloudflare.DNSRecord{
				Name:    d.Hostname,
				Type:    "CNAME",
				Content: tun.CNAMETarget(),
				Proxied: true,
			})
		}},
		{name: StepMarkLive, system: apperr.SystemDatabase, run: func(ctx context.Context) error {
			return w.markLive(ctx, d)
		}},
	}

	err = w.runSteps(ctx, log, res, steps, StepCommitStrategy, func(ctx context.Context, se *StepError) error {
		// The server recorded at commit stays, so dns strategy keeps its VPS.
		if err := w.markError(ctx, d, se, func(next *models.Domain) {
			next.PublishStrategy = models.StrategyDNS
			next.TunnelID = nil
		}); err != nil {
			return err
		}
		if !ingressPushed {
			return nil
		}
		// The row no longer binds the domain to the tunnel, so the recomputed
		// ingress drops its hostname.
		log.Infof("rolling back step %s", StepPushIngress)
		if err := w.pushIngress(ctx, log, tun, nil, d.ID); err != nil {
			log.Errorf("rollback of step %s failed: %s", StepPushIngress, err)
			res.RollbackErrors = append(res.RollbackErrors, fmt.Sprintf("%s: %v", StepPushIngress, err))
		}
		return nil
	})
	w.finish(ctx, res, err)
	return res, err
}

// commit is the checkpoint write: the domain enters propagating with the
// routing change applied by mutate.
func (w *Workflow) commit(ctx context.Context, d *models.Domain, mutate func(next *models.Domain)) error {
	if err := domainstate.Transition(d.Status, models.StatusPropagating, domainstate.CauseWorkflowStart); err != nil {
		return apperr.New(apperr.Validation, "commit strategy", "", err)
	}
	next := *d
	mutate(&next)
	next.Status = models.StatusPropagating
	next.ErrorMessage = nil
	if err := next.CheckAssignment(); err != nil {
		return apperr.New(apperr.Internal, "commit strategy", "", err)
	}
	if err := w.store.UpdateDomain(ctx, &next); err != nil {
		return apperr.New(apperr.Internal, "update domain", apperr.SystemDatabase, err)
	}
	*d = next
	return nil
}

func (w *Workflow) markLive(ctx context.Context, d *models.Domain) error {
	if err := domainstate.Transition(d.Status, models.StatusLive, domainstate.CauseWorkflowDone); err != nil {
		return apperr.New(apperr.Internal, "mark live", "", err)
	}
	next := *d
	next.Status = models.StatusLive
	next.LastCheckAt = nil
	next.ErrorMessage = nil
	if err := w.store.UpdateDomain(ctx, &next); err != nil {
		return apperr.New(apperr.Internal, "update domain", apperr.SystemDatabase, err)
	}
	*d = next
	return nil
}

// markError is the rollback write after a post-commit failure.
func (w *Workflow) markError(ctx context.Context, d *models.Domain, se *StepError, mutate func(next *models.Domain)) error {
	next := *d
	if mutate != nil {
		mutate(&next)
	}
	next.Status = models.StatusError
	next.ErrorMessage = errorMessage(se)
	if err := next.CheckAssignment(); err != nil {
		return err
	}
	if err := w.store.UpdateDomain(ctx, &next); err != nil {
		return err
	}
	*d = next
	return nil
}
