package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/models"
)

func (w *Workflow) findZone(ctx context.Context, log *logrus.Entry, root string) (*cloudflare.Zone, error) {
	var zone *cloudflare.Zone
	err := w.retry(ctx, log, "list zones", func(ctx context.Context) error {
		z, err := w.cf.FindZone(ctx, root)
		if errors.Is(err, cloudflare.ErrZoneNotFound) {
			return apperr.New(apperr.Rejected, "find zone", apperr.SystemCloudflare, err)
		}
		zone = z
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("resolved zone %s (%s)", zone.Name, zone.ID)
	return zone, nil
}

// removeRecords deletes every record at name that keep rejects. A nil keep
// deletes everything.
func (w *Workflow) removeRecords(ctx context.Context, log *logrus.Entry, zoneID, name string, keep func(cloudflare.DNSRecord) bool) error {
	return w.retry(ctx, log, "remove records at "+name, func(ctx context.Context) error {
		records, err := w.cf.ListDNSRecords(ctx, zoneID, name)
		if err != nil {
			return err
		}
		for _, r := range records {
			if keep != nil && keep(r) {
				continue
			}
			if err := w.cf.DeleteDNSRecord(ctx, zoneID, r.ID); err != nil {
				return err
			}
			log.Infof("deleted %s record %s -> %s", r.Type, r.Name, r.Content)
		}
		return nil
	})
}

// ensureRecord creates rec unless an identical record already exists.
func (w *Workflow) ensureRecord(ctx context.Context, log *logrus.Entry, zoneID string, rec cloudflare.DNSRecord) error {
	return w.retry(ctx, log, fmt.Sprintf("create %s record %s", rec.Type, rec.Name), func(ctx context.Context) error {
		existing, err := w.cf.ListDNSRecords(ctx, zoneID, rec.Name)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Same(rec) {
				log.Debugf("%s record %s already present", rec.Type, rec.Name)
				return nil
			}
		}
		created, err := w.cf.CreateDNSRecord(ctx, zoneID, rec)
		if err != nil {
			return err
		}
		log.Infof("created %s record %s -> %s (%s)", created.Type, created.Name, created.Content, created.ID)
		return nil
	})
}

// pushIngress replaces the tunnel's ingress with one rule per active tunnel
// domain currently bound to it in the database. The list is rebuilt on
// every attempt. services overrides the origin for specific hostnames;
// exclude drops a domain that is about to be deleted.
func (w *Workflow) pushIngress(ctx context.Context, log *logrus.Entry, tun *models.Tunnel, services map[string]string, exclude uuid.UUID) error {
	return w.retry(ctx, log, "push ingress for tunnel "+tun.Name, func(ctx context.Context) error {
		rules, err := w.ingressFor(ctx, tun, services, exclude)
		if err != nil {
			return err
		}
		if err := w.cf.PutTunnelConfiguration(ctx, tun.CFAccountID, tun.CFTunnelID, rules); err != nil {
			return err
		}
		log.Infof("pushed %d ingress rules to tunnel %s", len(rules), tun.Name)
		return nil
	})
}

func (w *Workflow) ingressFor(ctx context.Context, tun *models.Tunnel, services map[string]string, exclude uuid.UUID) ([]cloudflare.IngressRule, error) {
	domains, err := w.store.ListTunnelDomains(ctx, tun.ID)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "list tunnel domains", apperr.SystemDatabase, err)
	}

	// Keep the origin of hostnames this run does not touch.
	current, err := w.cf.GetTunnelConfiguration(ctx, tun.CFAccountID, tun.CFTunnelID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]string, len(current))
	for _, r := range current {
		if r.Hostname != "" && r.Service != cloudflare.CatchAllService {
			known[strings.ToLower(r.Hostname)] = r.Service
		}
	}

	rules := make([]cloudflare.IngressRule, 0, len(domains)+1)
	for _, d := range domains {
		if d.ID == exclude {
			continue
		}
		service := services[d.Hostname]
		if service == "" {
			service = known[d.Hostname]
		}
		if service == "" {
			service = w.defaultService
		}
		rules = append(rules, cloudflare.IngressRule{Hostname: d.Hostname, Service: service})
	}
	return cloudflare.WithCatchAll(rules), nil
}
