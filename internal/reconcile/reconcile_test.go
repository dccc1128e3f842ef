package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/agent/agenttest"
	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/caddyfile"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/store"
	"rotadominios/backend/internal/tunnelmap"
)

const liveCaddyfile = `{
	email ops@example.com
}

(common) {
	encode gzip
}

shop.example.com, www.shop.example.com {
	import common
	reverse_proxy localhost:3000
}

orphan.example.com {
	reverse_proxy localhost:4000
}

claimed.example.com {
	reverse_proxy localhost:5000
}
`

type staticResolver map[string][]string

func (s staticResolver) LookupCNAME(_ context.Context, host string) ([]string, error) {
	return s[host], nil
}

type testEnv struct {
	st     *store.Memory
	agent  *agenttest.Server
	res    staticResolver
	tunnel models.Tunnel
	vps    models.VPS
	rec    *Reconciler
	hook   *logtest.Hook
}

func newEnv(t *testing.T, caddy string, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	ag := agenttest.NewServer("secret", caddy)
	t.Cleanup(ag.Close)

	st := store.NewMemory()
	tun := models.Tunnel{CFTunnelID: "abc123", CFAccountID: "acc", Name: "edge-eu-1"}
	require.NoError(t, st.CreateTunnel(ctx, &tun))
	agentURL := ag.URL
	vps := models.VPS{Name: "vps-1", IPv4: "203.0.113.7", TunnelID: &tun.ID, AgentEndpoint: &agentURL}
	require.NoError(t, st.CreateVPS(ctx, &vps))

	logger, hook := logtest.NewNullLogger()
	res := staticResolver{}
	return &testEnv{
		st:     st,
		agent:  ag,
		res:    res,
		tunnel: tun,
		vps:    vps,
		hook:   hook,
		rec:    New(st, agent.NewConnector("secret", 0), res, logrus.NewEntry(logger), opts...),
	}
}

func (e *testEnv) domain(t *testing.T, d models.Domain) models.Domain {
	t.Helper()
	d.Active = true
	require.NoError(t, e.st.CreateDomain(context.Background(), &d))
	return d
}

func (e *testEnv) assigned(t *testing.T, host string) models.Domain {
	return e.domain(t, models.Domain{Hostname: host, PublishStrategy: models.StrategyDNS, VPSID: &e.vps.ID, Status: models.StatusLive})
}

func actions(report *models.SyncReport) map[string][]string {
	out := map[string][]string{}
	for _, r := range report.Recommendations {
		out[r.Hostname] = append(out[r.Hostname], r.Action)
	}
	for h := range out {
		sort.Strings(out[h])
	}
	return out
}

func TestReconcileSetAlgebra(t *testing.T) {
	e := newEnv(t, liveCaddyfile)
	e.assigned(t, "shop.example.com")
	e.assigned(t, "api.example.com")

	report, err := e.rec.Reconcile(context.Background(), Request{VPSID: e.vps.ID})
	require.NoError(t, err)

	assert.Equal(t, models.AgentOnline, report.AgentStatus)
	assert.Equal(t, []string{"api.example.com", "shop.example.com"}, report.DatabaseDomains)
	assert.Equal(t, []string{"claimed.example.com", "orphan.example.com", "shop.example.com", "www.shop.example.com"}, report.VPSDomains)
	assert.Equal(t, []string{"api.example.com"}, report.MissingInVPS)
	assert.Equal(t, []string{"claimed.example.com", "orphan.example.com", "www.shop.example.com"}, report.MissingInDB)
	assert.Equal(t, []string{"shop.example.com"}, report.InBoth)

	// The three sets partition db ∪ vps.
	seen := map[string]int{}
	for _, set := range [][]string{report.MissingInVPS, report.MissingInDB, report.InBoth} {
		for _, h := range set {
			seen[h]++
		}
	}
	all := append(append([]string{}, report.DatabaseDomains...), report.VPSDomains...)
	for _, h := range all {
		assert.Equal(t, 1, seen[h], h)
	}
	assert.Len(t, seen, 5)

	assert.Equal(t, []string{ActionAddToVPSConfig}, actions(report)["api.example.com"])
	assert.Equal(t, []string{agent.ReadCaddyfileCommand}, e.agent.Commands())
}

func TestReconcileOfflineAgentNeverFixes(t *testing.T) {
	e := newEnv(t, liveCaddyfile)
	e.assigned(t, "shop.example.com")
	orphan := e.domain(t, models.Domain{Hostname: "orphan.example.com", PublishStrategy: models.StrategyTunnel, Status: models.StatusPending})
	e.agent.Close()

	report, err := e.rec.Reconcile(context.Background(), Request{VPSID: e.vps.ID, AutoFix: true, Candidates: []string{"orphan.example.com"}})
	require.NoError(t, err)

	assert.Equal(t, models.AgentOffline, report.AgentStatus)
	assert.NotEmpty(t, report.AgentError)
	assert.Empty(t, report.VPSDomains)
	assert.Equal(t, []string{"shop.example.com"}, report.MissingInVPS)
	assert.Empty(t, report.MissingInDB)
	assert.Empty(t, report.FixesApplied)
	assert.Empty(t, report.Recommendations, "nothing can be recommended without the live config")

	got, err := e.st.GetDomain(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, got.VPSID)
	warned := false
	for _, entry := range e.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "agent unreachable, reporting offline" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestReconcileAutoFixIsAdditive(t *testing.T) {
	e := newEnv(t, liveCaddyfile)
	e.assigned(t, "shop.example.com")
	orphan := e.domain(t, models.Domain{Hostname: "orphan.example.com", PublishStrategy: models.StrategyTunnel, Status: models.StatusPending})
	otherVPS := uuid.New()
	claimed := e.domain(t, models.Domain{Hostname: "claimed.example.com", PublishStrategy: models.StrategyDNS, VPSID: &otherVPS})
	api := e.assigned(t, "api.example.com")

	report, err := e.rec.Reconcile(context.Background(), Request{VPSID: e.vps.ID, AutoFix: true})
	require.NoError(t, err)

	want := []models.Fix{
		{DomainID: orphan.ID, Hostname: "orphan.example.com", Action: ActionAssignVPS, Detail: "vps_id set to " + e.vps.ID.String()},
		{DomainID: orphan.ID, Hostname: "orphan.example.com", Action: ActionAssignTunnel, Detail: "tunnel_id set to " + e.tunnel.ID.String()},
	}
	if diff := cmp.Diff(want, report.FixesApplied); diff != "" {
		t.Errorf("fixes mismatch (-want +got):\n%s", diff)
	}

	got, err := e.st.GetDomain(context.Background(), orphan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.VPSID)
	assert.Equal(t, e.vps.ID, *got.VPSID)
	require.NotNil(t, got.TunnelID)
	assert.Equal(t, e.tunnel.ID, *got.TunnelID)

	// Records assigned elsewhere and records missing from Caddy are untouched.
	got, err = e.st.GetDomain(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, otherVPS, *got.VPSID)
	got, err = e.st.GetDomain(context.Background(), api.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	acts := actions(report)
	assert.Equal(t, []string{ActionRemoveFromVPSConfig}, acts["claimed.example.com"])
	assert.Equal(t, []string{ActionCreateDomainRecord}, acts["www.shop.example.com"])
	assert.Equal(t, []string{ActionAddToVPSConfig}, acts["api.example.com"])
	assert.NotContains(t, acts, "orphan.example.com")
	assert.Equal(t, liveCaddyfile, e.agent.Caddyfile())
	assert.Empty(t, e.agent.Updates())
}

func TestReconcileWithoutAutoFixRecommends(t *testing.T) {
	e := newEnv(t, liveCaddyfile)
	orphan := e.domain(t, models.Domain{Hostname: "orphan.example.com", PublishStrategy: models.StrategyDNS})

	report, err := e.rec.Reconcile(context.Background(), Request{VPSID: e.vps.ID})
	require.NoError(t, err)

	assert.Empty(t, report.FixesApplied)
	assert.Equal(t, []string{ActionAssignVPS}, actions(report)["orphan.example.com"])
	got, err := e.st.GetDomain(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, got.VPSID)
}

func TestReconcileCandidatesUseOnlyConfirmedMapping(t *testing.T) {
	m, err := tunnelmap.Parse([]byte(`
mappings:
  - hostname: new.example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
`))
	require.NoError(t, err)
	e := newEnv(t, "", WithMapping(m))

	report, err := e.rec.Reconcile(context.Background(), Request{
		VPSID:      e.vps.ID,
		Candidates: []string{"New.Example.com.", "new-shop.example.com"},
	})
	require.NoError(t, err)

	acts := actions(report)
	assert.Equal(t, []string{ActionCreateDomainRecord, ActionMapTunnel}, acts["new.example.com"])
	assert.Equal(t, []string{ActionCreateDomainRecord}, acts["new-shop.example.com"], "no tunnel guessed from the hostname")

	_, err = e.st.GetDomainByHostname(context.Background(), "new.example.com")
	assert.ErrorIs(t, err, store.ErrNotFound, "candidates are never auto-created")
}

func TestReconcileDNSChecks(t *testing.T) {
	m, err := tunnelmap.Parse([]byte(`
mappings:
  - hostname: mapped.example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
`))
	require.NoError(t, err)
	e := newEnv(t, "shop.example.com {\n}\n", WithMapping(m))
	e.domain(t, models.Domain{Hostname: "shop.example.com", PublishStrategy: models.StrategyTunnel, TunnelID: &e.tunnel.ID, VPSID: &e.vps.ID})
	e.assigned(t, "plain.example.com")
	e.res["shop.example.com"] = []string{"abc123.cfargotunnel.com."}
	e.res["mapped.example.com"] = []string{"stale999.cfargotunnel.com"}

	report, err := e.rec.Reconcile(context.Background(), Request{
		VPSID:      e.vps.ID,
		CheckDNS:   true,
		Candidates: []string{"shop.example.com", "mapped.example.com", "plain.example.com"},
	})
	require.NoError(t, err)

	want := []models.DNSCheck{
		{Hostname: "shop.example.com", ExpectedCNAME: "abc123.cfargotunnel.com", CNAMEFound: "abc123.cfargotunnel.com.", OK: true},
		{Hostname: "mapped.example.com", ExpectedCNAME: "abc123.cfargotunnel.com", CNAMEFound: "stale999.cfargotunnel.com"},
	}
	if diff := cmp.Diff(want, report.DNSChecks); diff != "" {
		t.Errorf("dns checks mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, actions(report)["mapped.example.com"], ActionFixCNAME)
}

func TestReconcileUnknownVPS(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.rec.Reconcile(context.Background(), Request{VPSID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Equal(t, http.StatusNotFound, apperr.HTTPStatus(err))
}

func TestDiffPartitions(t *testing.T) {
	db := map[string]bool{"a": true, "b": true}
	vps := map[string]bool{"b": true, "c": true}
	missingInVPS, missingInDB, inBoth := diff(db, vps)
	assert.Equal(t, []string{"a"}, missingInVPS)
	assert.Equal(t, []string{"c"}, missingInDB)
	assert.Equal(t, []string{"b"}, inBoth)

	missingInVPS, missingInDB, inBoth = diff(map[string]bool{}, map[string]bool{})
	assert.NotNil(t, missingInVPS)
	assert.Empty(t, missingInDB)
	assert.Empty(t, inBoth)
}

func TestApplyMappingFillsOnlyEmptyReferences(t *testing.T) {
	m, err := tunnelmap.Parse([]byte(`
mappings:
  - hostname: orphan.example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
  - hostname: shop.example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
  - hostname: ghost.example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
  - hostname: lost.example.com
    tunnel: edge-nowhere
    confirmed_by: ops@example.com
`))
	require.NoError(t, err)
	e := newEnv(t, "", WithMapping(m))
	orphan := e.domain(t, models.Domain{Hostname: "orphan.example.com", PublishStrategy: models.StrategyTunnel})
	e.assigned(t, "shop.example.com")
	e.domain(t, models.Domain{Hostname: "lost.example.com"})

	report, err := e.rec.ApplyMapping(context.Background())
	require.NoError(t, err)

	require.Len(t, report.FixesApplied, 2)
	assert.Equal(t, orphan.ID, report.FixesApplied[0].DomainID)
	assert.Equal(t, ActionAssignVPS, report.FixesApplied[0].Action)
	assert.Equal(t, ActionAssignTunnel, report.FixesApplied[1].Action)

	want := []Skipped{
		{Hostname: "ghost.example.com", Reason: "no domain record"},
		{Hostname: "lost.example.com", Reason: "unknown tunnel edge-nowhere"},
		{Hostname: "shop.example.com", Reason: "domain already assigned"},
	}
	if diff := cmp.Diff(want, report.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}

	got, err := e.st.GetDomain(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, e.vps.ID, *got.VPSID)
	assert.Equal(t, e.tunnel.ID, *got.TunnelID)
}

func TestReconcileTruncatedCaddyfileDrawsNoConclusions(t *testing.T) {
	e := newEnv(t, "")
	ctx := context.Background()

	var sites []caddyfile.Site
	for i := 0; i < 31; i++ {
		host := fmt.Sprintf("site%02d.example.com", i)
		e.assigned(t, host)
		sites = append(sites, caddyfile.Site{Hostnames: []string{host}, Upstream: "localhost:3000"})
	}
	orphan := e.domain(t, models.Domain{Hostname: "a-orphan.example.com", PublishStrategy: models.StrategyDNS})
	sites = append(sites, caddyfile.Site{Hostnames: []string{orphan.Hostname}, Upstream: "localhost:3000"})
	e.agent.SetCaddyfile(caddyfile.Render(sites))

	report, err := e.rec.Reconcile(ctx, Request{VPSID: e.vps.ID, AutoFix: true})
	require.NoError(t, err)

	assert.Equal(t, models.AgentOnline, report.AgentStatus)
	assert.True(t, report.VPSConfigTruncated)
	assert.Contains(t, report.MissingInVPS, "site30.example.com", "hosts past the read window look missing")
	assert.Contains(t, report.MissingInDB, "a-orphan.example.com")
	assert.Empty(t, report.Recommendations)
	assert.Empty(t, report.FixesApplied)

	got, err := e.st.GetDomain(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, got.VPSID)
}
