// Package health evaluates whether a published domain actually serves
// traffic: its DNS answer, its tunnel's connectors and its VPS agent.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/domainstate"
	"rotadominios/backend/internal/metrics"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/resolver"
	"rotadominios/backend/internal/store"
)

type CheckResult struct {
	Name        models.CheckName `json:"name"`
	Applicable  bool             `json:"applicable"`
	OK          bool             `json:"ok"`
	Expected    string           `json:"expected,omitempty"`
	Observed    string           `json:"observed,omitempty"`
	FailureKind string           `json:"failure_kind,omitempty"`
	StatusCode  *int             `json:"status_code,omitempty"`
	LatencyMS   int64            `json:"latency_ms"`
	Error       string           `json:"error,omitempty"`
}

type Details struct {
	CNAMEFound        string `json:"cnameFound,omitempty"`
	ExpectedCNAME     string `json:"expectedCname,omitempty"`
	TunnelConnections int    `json:"tunnelConnections"`
}

// Verdict is the composite result: healthy only if every applicable check passed.
type Verdict struct {
	DomainID  uuid.UUID              `json:"domain_id"`
	Hostname  string                 `json:"hostname"`
	Strategy  models.PublishStrategy `json:"strategy"`
	Healthy   bool                   `json:"healthy"`
	Checks    []CheckResult          `json:"checks"`
	Details   Details                `json:"details"`
	CheckedAt time.Time              `json:"checked_at"`
	Cached    bool                   `json:"cached"`

	vpsID    *uuid.UUID
	tunnelID *uuid.UUID
	// status as read before the checks ran
	status models.DomainStatus
}

// Check returns the result for name, or nil if it was not run.
func (v *Verdict) Check(name models.CheckName) *CheckResult {
	for i := range v.Checks {
		if v.Checks[i].Name == name {
			return &v.Checks[i]
		}
	}
	return nil
}

// TunnelConnections is what the tunnel check needs from Cloudflare.
type TunnelConnections interface {
	ListTunnelConnections(ctx context.Context, accountID, tunnelID string) ([]cloudflare.TunnelConnection, error)
}

type Evaluator struct {
	store    store.Store
	resolver resolver.Resolver
	tunnels  TunnelConnections
	agents   *agent.Connector
	cache    Cache
	inFlight func(uuid.UUID) bool
	metrics  *metrics.Metrics
	log      *logrus.Entry
	batch    BatchOptions
	now      func() time.Time
}

type Option func(*Evaluator)

func WithCache(c Cache) Option {
	return func(e *Evaluator) { e.cache = c }
}

// WithInFlight tells the evaluator which domains have a running workflow.
func WithInFlight(fn func(uuid.UUID) bool) Option {
	return func(e *Evaluator) { e.inFlight = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func WithBatchOptions(b BatchOptions) Option {
	return func(e *Evaluator) { e.batch = b.withDefaults() }
}

func New(st store.Store, res resolver.Resolver, tunnels TunnelConnections, agents *agent.Connector, log *logrus.Entry, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    st,
		resolver: res,
		tunnels:  tunnels,
		agents:   agents,
		cache:    NewMemoryCache(DefaultTTL),
		inFlight: func(uuid.UUID) bool { return false },
		log:      log,
		batch:    BatchOptions{}.withDefaults(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate returns a cached verdict when one is fresh, else runs the checks.
func (e *Evaluator) Evaluate(ctx context.Context, domainID uuid.UUID) (*Verdict, error) {
	v, err := e.cache.Get(ctx, domainID)
	if err != nil {
		e.log.Warnf("health cache read for %s failed: %s", domainID, err)
	}
	if v != nil {
		e.metrics.CacheHit()
		v.Cached = true
		return v, nil
	}
	return e.Recheck(ctx, domainID)
}

// Recheck ignores the cache, runs every applicable check and caches the result.
func (e *Evaluator) Recheck(ctx context.Context, domainID uuid.UUID) (*Verdict, error) {
	v, err := e.run(ctx, domainID)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, v); err != nil {
		e.log.Warnf("health cache write for %s failed: %s", domainID, err)
	}
	return v, nil
}

// Invalidate drops the cached verdict, e.g. after a workflow changed routing.
func (e *Evaluator) Invalidate(ctx context.Context, domainID uuid.UUID) {
	if err := e.cache.Delete(ctx, domainID); err != nil {
		e.log.Warnf("health cache invalidation for %s failed: %s", domainID, err)
	}
}

func (e *Evaluator) run(ctx context.Context, domainID uuid.UUID) (*Verdict, error) {
	d, err := e.store.GetDomain(ctx, domainID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.Validation, "load domain", "", fmt.Errorf("domain %s: %w", domainID, err))
		}
		return nil, apperr.New(apperr.Internal, "load domain", apperr.SystemDatabase, err)
	}

	v := &Verdict{
		DomainID:  d.ID,
		Hostname:  d.Hostname,
		Strategy:  d.PublishStrategy,
		CheckedAt: e.now().UTC(),
		vpsID:     d.VPSID,
		status:    d.Status,
	}

	var tun *models.Tunnel
	if d.PublishStrategy == models.StrategyTunnel && d.TunnelID != nil {
		if tun, err = e.store.GetTunnel(ctx, *d.TunnelID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.Internal, "load tunnel", apperr.SystemDatabase, err)
		}
		if tun != nil {
			v.tunnelID = &tun.ID
		}
	}
	var vps *models.VPS
	if d.VPSID != nil {
		if vps, err = e.store.GetVPS(ctx, *d.VPSID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.Internal, "load vps", apperr.SystemDatabase, err)
		}
	}

	v.Checks = append(v.Checks, e.checkDNS(ctx, d, tun, v))
	v.Checks = append(v.Checks, e.checkTunnel(ctx, d, tun, v))
	v.Checks = append(v.Checks, e.checkAgent(ctx, vps))

	v.Healthy = true
	for _, c := range v.Checks {
		if !c.Applicable {
			continue
		}
		e.metrics.Check(string(c.Name), c.OK)
		if !c.OK {
			v.Healthy = false
		}
	}
	return v, nil
}

func failed(c CheckResult, err error) CheckResult {
	c.OK = false
	c.Error = err.Error()
	if c.FailureKind == "" {
		c.FailureKind = string(apperr.KindOf(err))
	}
	return c
}

// Failure kinds for checks that ran but disagreed with the expectation.
const (
	FailureNoRecord      = "no_record"
	FailureCNAMEMismatch = "cname_mismatch"
	FailureNoConnections = "no_connections"
	FailureNotConfigured = "not_configured"
)

func (e *Evaluator) checkDNS(ctx context.Context, d *models.Domain, tun *models.Tunnel, v *Verdict) CheckResult {
	start := e.now()
	c := e.resolveDNS(ctx, d, tun, v)
	c.LatencyMS = e.now().Sub(start).Milliseconds()
	return c
}

// resolveDNS: a tunnel domain must CNAME to its tunnel. For a dns domain
// the existing record is enough; its A content is not re-resolved.
func (e *Evaluator) resolveDNS(ctx context.Context, d *models.Domain, tun *models.Tunnel, v *Verdict) CheckResult {
	c := CheckResult{Name: models.CheckDNS, Applicable: true}

	if d.PublishStrategy == models.StrategyTunnel {
		if tun == nil {
			c.FailureKind = FailureNotConfigured
			return failed(c, errors.New("domain has no tunnel to resolve against"))
		}
		c.Expected = tun.CNAMETarget()
		v.Details.ExpectedCNAME = c.Expected

		targets, err := e.resolver.LookupCNAME(ctx, d.Hostname)
		if err != nil {
			return failed(c, err)
		}
		c.Observed = strings.Join(targets, ",")
		v.Details.CNAMEFound = c.Observed
		for _, t := range targets {
			if strings.Contains(t, tun.CFTunnelID) {
				c.OK = true
				return c
			}
		}
		if len(targets) == 0 {
			c.FailureKind = FailureNoRecord
			return failed(c, fmt.Errorf("no CNAME for %s", d.Hostname))
		}
		c.FailureKind = FailureCNAMEMismatch
		return failed(c, fmt.Errorf("CNAME %s does not point at tunnel %s", c.Observed, c.Expected))
	}

	c.Expected = "domain record present"
	c.Observed = "domain record present; A content not verified (known gap)"
	c.OK = true
	return c
}

// checkTunnel fails hard on zero connections: a tunnel without connectors
// serves nothing even if its configuration is right.
func (e *Evaluator) checkTunnel(ctx context.Context, d *models.Domain, tun *models.Tunnel, v *Verdict) CheckResult {
	c := CheckResult{Name: models.CheckTunnel, Applicable: d.PublishStrategy == models.StrategyTunnel}
	if !c.Applicable {
		return c
	}
	if tun == nil {
		c.FailureKind = FailureNotConfigured
		return failed(c, errors.New("domain has no tunnel"))
	}
	c.Expected = ">0 connections"

	start := e.now()
	conns, err := e.tunnels.ListTunnelConnections(ctx, tun.CFAccountID, tun.CFTunnelID)
	c.LatencyMS = e.now().Sub(start).Milliseconds()
	if err != nil {
		return failed(c, err)
	}
	v.Details.TunnelConnections = len(conns)
	c.Observed = fmt.Sprintf("%d connections", len(conns))
	if len(conns) == 0 {
		c.FailureKind = FailureNoConnections
		return failed(c, fmt.Errorf("tunnel %s has no active connections", tun.Name))
	}
	c.OK = true
	return c
}

func (e *Evaluator) checkAgent(ctx context.Context, vps *models.VPS) CheckResult {
	c := CheckResult{Name: models.CheckAgent, Applicable: vps != nil}
	if vps == nil {
		return c
	}
	client := e.agents.For(vps)
	c.Expected = client.BaseURL() + "/health"

	start := e.now()
	hs, err := client.Health(ctx)
	c.LatencyMS = e.now().Sub(start).Milliseconds()
	if err != nil {
		var ae *agent.Error
		if errors.As(err, &ae) {
			c.FailureKind = string(ae.Kind)
			if ae.StatusCode != 0 {
				code := ae.StatusCode
				c.StatusCode = &code
			}
		}
		return failed(c, err)
	}
	code := 200
	c.StatusCode = &code
	c.Observed = hs.Status
	c.OK = true
	return c
}

// EvaluateAndRecord evaluates a domain and, for a fresh verdict, writes one
// observation per applicable check, the VPS and tunnel status and the
// domain status the verdict implies. Cached verdicts were recorded when
// they were produced.
func (e *Evaluator) EvaluateAndRecord(ctx context.Context, domainID uuid.UUID, force bool) (*Verdict, error) {
	var (
		v   *Verdict
		err error
	)
	if force {
		v, err = e.Recheck(ctx, domainID)
	} else {
		v, err = e.Evaluate(ctx, domainID)
	}
	if err != nil || v.Cached {
		return v, err
	}
	return v, e.record(ctx, v)
}

func (e *Evaluator) record(ctx context.Context, v *Verdict) error {
	log := e.log.WithFields(logrus.Fields{"domain_id": v.DomainID, "hostname": v.Hostname})
	var errs *multierror.Error

	for _, c := range v.Checks {
		if !c.Applicable {
			continue
		}
		o := models.HealthObservation{
			DomainID:   &v.DomainID,
			VPSID:      v.vpsID,
			Check:      c.Name,
			OK:         c.OK,
			StatusCode: c.StatusCode,
			LatencyMS:  c.LatencyMS,
			CheckedAt:  v.CheckedAt,
		}
		if c.Error != "" {
			msg := c.Error
			o.Error = &msg
		}
		if err := e.store.InsertHealthObservation(ctx, &o); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("insert %s observation: %w", c.Name, err))
		}

		switch c.Name {
		case models.CheckAgent:
			if v.vpsID == nil {
				continue
			}
			health, seen := vpsHealth(c), (*time.Time)(nil)
			if c.OK {
				seen = &v.CheckedAt
			}
			if err := e.store.UpdateVPSHealth(ctx, *v.vpsID, health, seen); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("update vps health: %w", err))
			}
		case models.CheckTunnel:
			if v.tunnelID == nil {
				continue
			}
			status, seen := models.TunnelConnected, &v.CheckedAt
			switch {
			case c.OK:
			case c.FailureKind == FailureNoConnections:
				status, seen = models.TunnelDisconnected, nil
			default:
				status, seen = models.TunnelError, nil
			}
			if err := e.store.UpdateTunnelStatus(ctx, *v.tunnelID, status, seen); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("update tunnel status: %w", err))
			}
		}
	}

	if err := e.applyStatus(ctx, log, v); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// applyStatus moves the domain as the verdict implies. The write is a
// compare-and-set on the status read before the checks, so a workflow that
// moved the row meanwhile wins.
func (e *Evaluator) applyStatus(ctx context.Context, log *logrus.Entry, v *Verdict) error {
	d, err := e.store.GetDomain(ctx, v.DomainID)
	if err != nil {
		return fmt.Errorf("reload domain: %w", err)
	}
	if d.PublishStrategy != v.Strategy {
		log.Infof("strategy changed to %s during the check, leaving status alone", d.PublishStrategy)
		return nil
	}

	inFlight := e.inFlight(d.ID)
	next, changed := domainstate.FromHealth(v.status, v.Healthy, inFlight)
	if !changed && (v.status == models.StatusPending || inFlight) {
		return nil
	}
	err = e.store.UpdateDomainStatus(ctx, d.ID, store.DomainStatusUpdate{
		From:        v.status,
		Status:      next,
		LastCheckAt: v.CheckedAt,
	})
	if errors.Is(err, store.ErrStale) {
		log.Infof("status moved on during the check, leaving it alone")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update domain status: %w", err)
	}
	if changed {
		log.Infof("domain status changed: %s -> %s", v.status, next)
	}
	return nil
}

// vpsHealth maps an agent probe onto VPS health: refusals and network
// failures mean the box is down, slow or failing answers mean degraded.
func vpsHealth(c CheckResult) models.VPSHealth {
	if c.OK {
		return models.VPSHealthy
	}
	switch agent.FailureKind(c.FailureKind) {
	case agent.FailureConnectionRefused, agent.FailureNetwork:
		return models.VPSDown
	default:
		return models.VPSDegraded
	}
}
