// Package reconcile compares the hostnames a VPS's Caddy serves with the
// domains the database assigns to it and applies additive fixes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/caddyfile"
	"rotadominios/backend/internal/metrics"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/resolver"
	"rotadominios/backend/internal/store"
	"rotadominios/backend/internal/tunnelmap"
)

// Recommendation and fix actions.
const (
	ActionAddToVPSConfig      = "add_to_vps_config"
	ActionCreateDomainRecord  = "create_domain_record"
	ActionRemoveFromVPSConfig = "remove_from_vps_config"
	ActionAssignVPS           = "assign_vps"
	ActionAssignTunnel        = "assign_tunnel"
	ActionMapTunnel           = "map_tunnel"
	ActionFixCNAME            = "fix_cname"
)

// dnsConcurrency bounds parallel DoH lookups for one report.
const dnsConcurrency = 4

type Request struct {
	VPSID      uuid.UUID `json:"-"`
	Candidates []string  `json:"candidates"`
	CheckDNS   bool      `json:"check_dns"`
	AutoFix    bool      `json:"auto_fix"`
}

type Reconciler struct {
	store    store.Store
	agents   *agent.Connector
	resolver resolver.Resolver
	mapping  *tunnelmap.Map
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

type Option func(*Reconciler)

// WithMapping sets the operator-confirmed hostname to tunnel table.
func WithMapping(m *tunnelmap.Map) Option {
	return func(r *Reconciler) { r.mapping = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(st store.Store, agents *agent.Connector, res resolver.Resolver, log *logrus.Entry, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    st,
		agents:   agents,
		resolver: res,
		mapping:  &tunnelmap.Map{},
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile builds a drift report for one VPS. Auto-fix only runs when the
// agent answered; an offline agent still yields a report.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*models.SyncReport, error) {
	vps, err := r.store.GetVPS(ctx, req.VPSID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.Validation, "load vps", "", fmt.Errorf("vps %s: %w", req.VPSID, err))
		}
		return nil, apperr.New(apperr.Internal, "load vps", apperr.SystemDatabase, err)
	}
	log := r.log.WithFields(logrus.Fields{"vps_id": vps.ID, "vps": vps.DisplayName()})

	report := &models.SyncReport{
		VPSID:           vps.ID,
		DNSChecks:       []models.DNSCheck{},
		FixesApplied:    []models.Fix{},
		Recommendations: []models.Recommendation{},
		GeneratedAt:     r.now().UTC(),
	}

	domains, err := r.store.ListDomainsByVPS(ctx, vps.ID)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "list vps domains", apperr.SystemDatabase, err)
	}
	dbSet := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d.Active {
			dbSet[d.Hostname] = true
		}
	}

	vpsSet := map[string]bool{}
	content, err := r.agents.For(vps).ReadCaddyfile(ctx)
	if err != nil {
		log.WithError(err).Warn("agent unreachable, reporting offline")
		report.AgentStatus = models.AgentOffline
		report.AgentError = err.Error()
	} else {
		report.AgentStatus = models.AgentOnline
		for _, h := range caddyfile.Hosts(content) {
			vpsSet[models.NormalizeHostname(h)] = true
		}
		if agent.CaddyfileTruncated(content) {
			log.Warnf("Caddyfile fills the %d-line read window, served hostnames may be incomplete", agent.ReadCaddyfileLines)
			report.VPSConfigTruncated = true
		}
	}
	// Only a complete view of the VPS config supports conclusions from the sets.
	complete := report.AgentStatus == models.AgentOnline && !report.VPSConfigTruncated

	report.DatabaseDomains = sortedKeys(dbSet)
	report.VPSDomains = sortedKeys(vpsSet)
	report.MissingInVPS, report.MissingInDB, report.InBoth = diff(dbSet, vpsSet)
	r.metrics.Drift(vps.DisplayName(), len(report.MissingInVPS), len(report.MissingInDB))

	if complete {
		for _, h := range report.MissingInVPS {
			report.Recommendations = append(report.Recommendations, models.Recommendation{
				Hostname: h,
				Action:   ActionAddToVPSConfig,
				Reason:   fmt.Sprintf("assigned to %s in the database but not served by its Caddy", vps.DisplayName()),
			})
		}
	}

	var fixErrs *multierror.Error
	if complete {
		for _, h := range report.MissingInDB {
			if err := r.unknownHost(ctx, log, vps, h, req.AutoFix, report); err != nil {
				fixErrs = multierror.Append(fixErrs, err)
			}
		}
	}
	for _, h := range normalizeAll(req.Candidates) {
		if dbSet[h] || vpsSet[h] {
			continue
		}
		if err := r.candidate(ctx, h, report); err != nil {
			fixErrs = multierror.Append(fixErrs, err)
		}
	}
	if fixErrs != nil {
		for _, e := range fixErrs.Errors {
			report.FixErrors = append(report.FixErrors, e.Error())
		}
		log.WithError(fixErrs).Warn("reconcile finished with errors")
	}

	if req.CheckDNS {
		candidates := normalizeAll(req.Candidates)
		if len(candidates) == 0 {
			candidates = union(dbSet, vpsSet)
		}
		report.DNSChecks = r.checkDNS(ctx, vps, candidates)
		for _, c := range report.DNSChecks {
			if c.ExpectedCNAME != "" && !c.OK && c.Error == "" {
				report.Recommendations = append(report.Recommendations, models.Recommendation{
					Hostname: c.Hostname,
					Action:   ActionFixCNAME,
					Reason:   fmt.Sprintf("CNAME should point to %s", c.ExpectedCNAME),
				})
			}
		}
	}

	log.Infof("reconciled: %d in both, %d missing in vps, %d missing in db, %d fixes",
		len(report.InBoth), len(report.MissingInVPS), len(report.MissingInDB), len(report.FixesApplied))
	return report, nil
}

// unknownHost handles a hostname Caddy serves but the database does not
// assign to this VPS. Only an existing, unassigned record is ever changed.
func (r *Reconciler) unknownHost(ctx context.Context, log *logrus.Entry, vps *models.VPS, host string, autoFix bool, report *models.SyncReport) error {
	d, err := r.store.GetDomainByHostname(ctx, host)
	if errors.Is(err, store.ErrNotFound) {
		r.recommendCreate(host, fmt.Sprintf("served by %s but has no domain record", vps.DisplayName()), report)
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up %s: %w", host, err)
	}

	switch {
	case d.VPSID != nil && *d.VPSID != vps.ID:
		report.Recommendations = append(report.Recommendations, models.Recommendation{
			Hostname: host,
			Action:   ActionRemoveFromVPSConfig,
			Reason:   fmt.Sprintf("domain record is assigned to VPS %s", d.VPSID),
		})
		return nil
	case !d.Active:
		report.Recommendations = append(report.Recommendations, models.Recommendation{
			Hostname: host,
			Action:   ActionRemoveFromVPSConfig,
			Reason:   "domain record is inactive",
		})
		return nil
	case d.VPSID != nil:
		return nil
	}

	var tunnelID *uuid.UUID
	if d.PublishStrategy == models.StrategyTunnel && d.TunnelID == nil && vps.TunnelID != nil {
		tunnelID = vps.TunnelID
	}

	if !autoFix || report.AgentStatus != models.AgentOnline {
		report.Recommendations = append(report.Recommendations, models.Recommendation{
			Hostname: host,
			Action:   ActionAssignVPS,
			Reason:   fmt.Sprintf("unassigned domain record is served by %s", vps.DisplayName()),
		})
		return nil
	}

	changed, err := r.store.AssignDomainVPS(ctx, d.ID, vps.ID, tunnelID)
	if err != nil {
		return fmt.Errorf("assign %s to %s: %w", host, vps.DisplayName(), err)
	}
	if !changed {
		return nil
	}
	log.WithField("hostname", host).Info("assigned unassigned domain to vps")
	report.FixesApplied = append(report.FixesApplied, models.Fix{
		DomainID: d.ID,
		Hostname: host,
		Action:   ActionAssignVPS,
		Detail:   fmt.Sprintf("vps_id set to %s", vps.ID),
	})
	if tunnelID != nil {
		report.FixesApplied = append(report.FixesApplied, models.Fix{
			DomainID: d.ID,
			Hostname: host,
			Action:   ActionAssignTunnel,
			Detail:   fmt.Sprintf("tunnel_id set to %s", tunnelID),
		})
	}
	return nil
}

// candidate handles an operator-supplied hostname neither side knows about.
func (r *Reconciler) candidate(ctx context.Context, host string, report *models.SyncReport) error {
	_, err := r.store.GetDomainByHostname(ctx, host)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.recommendCreate(host, "candidate hostname has no domain record", report)
		return nil
	case err != nil:
		return fmt.Errorf("look up %s: %w", host, err)
	}
	return nil
}

func (r *Reconciler) recommendCreate(host, reason string, report *models.SyncReport) {
	report.Recommendations = append(report.Recommendations, models.Recommendation{
		Hostname: host,
		Action:   ActionCreateDomainRecord,
		Reason:   reason,
	})
	if m, ok := r.mapping.Lookup(host); ok {
		report.Recommendations = append(report.Recommendations, models.Recommendation{
			Hostname: host,
			Action:   ActionMapTunnel,
			Reason:   fmt.Sprintf("tunnel %s (confirmed by %s)", m.Tunnel, m.ConfirmedBy),
		})
	}
}

func (r *Reconciler) checkDNS(ctx context.Context, vps *models.VPS, hosts []string) []models.DNSCheck {
	checks := make([]models.DNSCheck, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dnsConcurrency)
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			checks[i] = r.checkHost(gctx, vps, h)
			return nil
		})
	}
	_ = g.Wait()

	out := checks[:0]
	for _, c := range checks {
		if c.Hostname != "" {
			out = append(out, c)
		}
	}
	return out
}

// checkHost compares the live CNAME with the expected tunnel target. Hosts
// on dns strategy are skipped and yield a zero DNSCheck.
func (r *Reconciler) checkHost(ctx context.Context, vps *models.VPS, host string) models.DNSCheck {
	check := models.DNSCheck{Hostname: host}
	target, skip, err := r.expectedTarget(ctx, vps, host)
	switch {
	case skip:
		return models.DNSCheck{}
	case err != nil:
		check.Error = err.Error()
		return check
	}
	check.ExpectedCNAME = target

	found, err := r.resolver.LookupCNAME(ctx, host)
	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.CNAMEFound = strings.Join(found, ",")
	for _, f := range found {
		if strings.EqualFold(models.NormalizeHostname(f), target) {
			check.OK = true
		}
	}
	return check
}

// expectedTarget resolves the tunnel a hostname should CNAME to: the
// domain's own tunnel, then the operator mapping, then the VPS's tunnel.
func (r *Reconciler) expectedTarget(ctx context.Context, vps *models.VPS, host string) (string, bool, error) {
	d, err := r.store.GetDomainByHostname(ctx, host)
	switch {
	case err == nil && d.PublishStrategy == models.StrategyDNS:
		return "", true, nil
	case err == nil && d.TunnelID != nil:
		t, err := r.store.GetTunnel(ctx, *d.TunnelID)
		if err != nil {
			return "", false, fmt.Errorf("load tunnel: %w", err)
		}
		return t.CNAMETarget(), false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", false, err
	}

	if m, ok := r.mapping.Lookup(host); ok {
		t, err := r.store.GetTunnelByName(ctx, m.Tunnel)
		if err != nil {
			return "", false, fmt.Errorf("mapped tunnel %s: %w", m.Tunnel, err)
		}
		return t.CNAMETarget(), false, nil
	}
	if vps.TunnelID != nil {
		t, err := r.store.GetTunnel(ctx, *vps.TunnelID)
		if err != nil {
			return "", false, fmt.Errorf("load vps tunnel: %w", err)
		}
		return t.CNAMETarget(), false, nil
	}
	return "", false, errors.New("no tunnel expected for hostname")
}

// diff splits db ∪ vps into three disjoint sorted slices.
func diff(db, vps map[string]bool) (missingInVPS, missingInDB, inBoth []string) {
	missingInVPS, missingInDB, inBoth = []string{}, []string{}, []string{}
	for h := range db {
		if vps[h] {
			inBoth = append(inBoth, h)
		} else {
			missingInVPS = append(missingInVPS, h)
		}
	}
	for h := range vps {
		if !db[h] {
			missingInDB = append(missingInDB, h)
		}
	}
	sort.Strings(missingInVPS)
	sort.Strings(missingInDB)
	sort.Strings(inBoth)
	return missingInVPS, missingInDB, inBoth
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func union(a, b map[string]bool) []string {
	all := make(map[string]bool, len(a)+len(b))
	for k := range a {
		all[k] = true
	}
	for k := range b {
		all[k] = true
	}
	return sortedKeys(all)
}

func normalizeAll(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	var out []string
	for _, h := range hosts {
		h = models.NormalizeHostname(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
