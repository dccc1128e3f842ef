package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/agent/agenttest"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/cloudflare/cloudflaretest"
	"rotadominios/backend/internal/handlers"
	"rotadominios/backend/internal/health"
	"rotadominios/backend/internal/metrics"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/publish"
	"rotadominios/backend/internal/reconcile"
	"rotadominios/backend/internal/store"
)

const apiToken = "operator-token"

type staticResolver map[string][]string

func (s staticResolver) LookupCNAME(_ context.Context, host string) ([]string, error) {
	return s[host], nil
}

type testEnv struct {
	st     *store.Memory
	cf     *cloudflaretest.Server
	agent  *agenttest.Server
	res    staticResolver
	srv    *httptest.Server
	hook   *logtest.Hook
	tunnel models.Tunnel
	vps    models.VPS
	domain models.Domain
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	cf := cloudflaretest.NewServer()
	t.Cleanup(cf.Close)
	cf.AddZone("zone-1", "example.com")
	ag := agenttest.NewServer("secret", "shop.example.com {\n\treverse_proxy localhost:3000\n}\n")
	t.Cleanup(ag.Close)

	st := store.NewMemory()
	tun := models.Tunnel{CFTunnelID: "abc123", CFAccountID: "acc", Name: "edge-eu-1"}
	require.NoError(t, st.CreateTunnel(ctx, &tun))
	agentURL := ag.URL
	vps := models.VPS{Name: "vps-1", IPv4: "203.0.113.7", TunnelID: &tun.ID, AgentEndpoint: &agentURL}
	require.NoError(t, st.CreateVPS(ctx, &vps))
	d := models.Domain{Hostname: "shop.example.com", Active: true, VPSID: &vps.ID}
	require.NoError(t, st.CreateDomain(ctx, &d))

	logger, hook := logtest.NewNullLogger()
	log := logrus.NewEntry(logger)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	agents := agent.NewConnector("secret", 0)
	res := staticResolver{}

	wf := publish.New(st, cf.Client(), log, publish.WithMetrics(m), publish.WithRetry(1, time.Millisecond))
	eval := health.New(st, res, cf.Client(), agents, log,
		health.WithMetrics(m),
		health.WithInFlight(wf.Locks().InFlight),
	)
	rec := reconcile.New(st, agents, res, log, reconcile.WithMetrics(m))

	router := handlers.NewRouter(handlers.Router{
		Domains:        handlers.NewDomainsHandler(st, wf, eval, log),
		VPS:            handlers.NewVPSHandler(st, agents, rec, "", log),
		Tunnels:        handlers.NewTunnelsHandler(st, log),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		APIToken:       apiToken,
		AllowedOrigins: []string{"http://localhost:3000"},
		Log:            log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{st: st, cf: cf, agent: ag, res: res, srv: srv, hook: hook, tunnel: tun, vps: vps, domain: d}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPIRequiresToken(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/domains")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateDomain(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "POST", "/api/domains", map[string]interface{}{"hostname": "Blog.Example.com."})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d models.Domain
	decodeBody(t, resp, &d)
	assert.Equal(t, "blog.example.com", d.Hostname)
	assert.Equal(t, models.StatusPending, d.Status)
	assert.Equal(t, models.StrategyDNS, d.PublishStrategy)
	assert.True(t, d.Active)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"duplicate", map[string]interface{}{"hostname": "blog.example.com"}, http.StatusConflict},
		{"missing hostname", map[string]interface{}{}, http.StatusBadRequest},
		{"no registrable domain", map[string]interface{}{"hostname": "localhost"}, http.StatusBadRequest},
		{"unknown vps", map[string]interface{}{"hostname": "x.example.com", "vps_id": uuid.New()}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, "POST", "/api/domains", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPublishTunnelThenReset(t *testing.T) {
	e := newEnv(t)
	path := "/api/domains/" + e.domain.ID.String()

	resp := e.do(t, "POST", path+"/publish/tunnel", map[string]interface{}{
		"tunnel_id":   e.tunnel.ID,
		"service_url": "http://localhost:3000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res publish.Result
	decodeBody(t, resp, &res)
	assert.Equal(t, publish.StepMarkLive, res.LastSucceeded)
	require.NotNil(t, res.Domain)
	assert.Equal(t, models.StatusLive, res.Domain.Status)

	resp = e.do(t, "POST", path+"/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d models.Domain
	decodeBody(t, resp, &d)
	assert.Equal(t, models.StatusPending, d.Status)
	assert.Nil(t, d.TunnelID)

	audited := 0
	for _, entry := range e.hook.AllEntries() {
		if entry.Data["audit"] == true {
			audited++
		}
	}
	assert.Equal(t, 2, audited)
}

func TestPublishFailuresCarryResult(t *testing.T) {
	t.Run("zone not found", func(t *testing.T) {
		e := newEnv(t)
		d := models.Domain{Hostname: "shop.unknown.org", Active: true, VPSID: &e.vps.ID}
		require.NoError(t, e.st.CreateDomain(context.Background(), &d))

		resp := e.do(t, "POST", "/api/domains/"+d.ID.String()+"/publish/tunnel", map[string]interface{}{
			"tunnel_id":   e.tunnel.ID,
			"service_url": "http://localhost:3000",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		var res publish.Result
		decodeBody(t, resp, &res)
		assert.Equal(t, publish.StepResolveZone, res.FailedStep)
		assert.False(t, res.Committed)
	})

	t.Run("ingress failure after commit", func(t *testing.T) {
		e := newEnv(t)
		e.cf.Fail(cloudflaretest.OpPutConfig, http.StatusInternalServerError, -1)

		resp := e.do(t, "POST", "/api/domains/"+e.domain.ID.String()+"/publish/tunnel", map[string]interface{}{
			"tunnel_id":   e.tunnel.ID,
			"service_url": "http://localhost:3000",
		})
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		var res publish.Result
		decodeBody(t, resp, &res)
		assert.True(t, res.RolledBack)
		assert.Equal(t, publish.StepPushIngress, res.FailedStep)
		require.NotNil(t, res.Domain)
		assert.Equal(t, models.StatusError, res.Domain.Status)
	})

	t.Run("invalid body", func(t *testing.T) {
		e := newEnv(t)
		req, err := http.NewRequest("POST", e.srv.URL+"/api/domains/"+e.domain.ID.String()+"/publish/dns", strings.NewReader("{"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+apiToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDomainHealthAndHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	d := e.domain
	d.PublishStrategy = models.StrategyTunnel
	d.TunnelID = &e.tunnel.ID
	d.Status = models.StatusLive
	require.NoError(t, e.st.UpdateDomain(ctx, &d))
	e.res["shop.example.com"] = []string{"abc123.cfargotunnel.com"}
	e.cf.SetConnections("abc123", []cloudflare.TunnelConnection{{ID: "conn-1", ColoName: "fra06"}})

	resp := e.do(t, "GET", "/api/domains/"+d.ID.String()+"/health?force=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v health.Verdict
	decodeBody(t, resp, &v)
	assert.True(t, v.Healthy)
	assert.Equal(t, "abc123.cfargotunnel.com", v.Details.ExpectedCNAME)
	assert.Equal(t, 1, v.Details.TunnelConnections)

	resp = e.do(t, "GET", "/api/domains/"+d.ID.String()+"/health/history?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var obs []models.HealthObservation
	decodeBody(t, resp, &obs)
	assert.Len(t, obs, 2)

	resp = e.do(t, "GET", "/api/domains/"+d.ID.String()+"/health/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "GET", "/api/domains/"+uuid.NewString()+"/health", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthBatchDefaultsToActiveDomains(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "POST", "/api/health/batch", map[string]interface{}{"force": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []health.BatchItem
	decodeBody(t, resp, &items)
	require.Len(t, items, 1)
	assert.Equal(t, e.domain.ID, items[0].DomainID)
}

func TestReconcileEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "POST", "/api/vps/"+e.vps.ID.String()+"/reconcile", map[string]interface{}{
		"candidates": []string{"new.example.com"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report models.SyncReport
	decodeBody(t, resp, &report)
	assert.Equal(t, models.AgentOnline, report.AgentStatus)
	assert.Equal(t, []string{"shop.example.com"}, report.InBoth)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, reconcile.ActionCreateDomainRecord, report.Recommendations[0].Action)

	resp = e.do(t, "POST", "/api/vps/"+uuid.NewString()+"/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCaddySyncAndAgentActions(t *testing.T) {
	e := newEnv(t)
	base := "/api/vps/" + e.vps.ID.String()

	resp := e.do(t, "POST", base+"/caddy/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Backup  string   `json:"backup"`
		Domains []string `json:"domains"`
	}
	decodeBody(t, resp, &body)
	assert.True(t, strings.HasPrefix(body.Backup, agent.CaddyfilePath+".bak."))
	assert.Equal(t, []string{"shop.example.com"}, body.Domains)
	assert.Contains(t, e.agent.Caddyfile(), "shop.example.com {\n\treverse_proxy localhost:3000\n}")
	assert.Equal(t, [][]string{{"shop.example.com"}}, e.agent.Updates())

	resp = e.do(t, "POST", base+"/caddy/reload", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, "POST", base+"/tunnel/restart", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, e.agent.Reloads())
	assert.Equal(t, 1, e.agent.Restarts())

	resp = e.do(t, "GET", base+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Services []map[string]string `json:"services"`
	}
	decodeBody(t, resp, &status)
	require.Len(t, status.Services, 1)
	assert.Equal(t, "caddy", status.Services[0]["Service"])

	e.agent.Close()
	resp = e.do(t, "POST", base+"/caddy/reload", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDeleteDomainTearsDownFirst(t *testing.T) {
	e := newEnv(t)
	e.cf.AddRecord("zone-1", cloudflare.DNSRecord{Name: "shop.example.com", Type: "A", Content: "203.0.113.7"})
	path := "/api/domains/" + e.domain.ID.String()

	resp := e.do(t, "DELETE", path, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, e.cf.Records("zone-1"))

	resp = e.do(t, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVPSAndTunnelCRUD(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "POST", "/api/tunnels", map[string]string{"name": "edge-us-1", "cf_tunnel_id": "def456", "cf_account_id": "acc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tun models.Tunnel
	decodeBody(t, resp, &tun)
	assert.Equal(t, models.TunnelDisconnected, tun.Status)

	resp = e.do(t, "POST", "/api/tunnels", map[string]string{"name": "edge-us-1", "cf_tunnel_id": "zzz", "cf_account_id": "acc"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, "POST", "/api/vps", map[string]interface{}{"name": "vps-2", "ipv4": "198.51.100.9", "tunnel_id": tun.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v models.VPS
	decodeBody(t, resp, &v)
	assert.Equal(t, models.VPSUnknown, v.Health)

	resp = e.do(t, "POST", "/api/vps", map[string]interface{}{"name": "vps-3", "ipv4": "2001:db8::1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "GET", "/api/vps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var servers []models.VPS
	decodeBody(t, resp, &servers)
	assert.Len(t, servers, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(t, "POST", "/api/domains/"+e.domain.ID.String()+"/reset", nil)
	e.do(t, "POST", "/api/vps/"+e.vps.ID.String()+"/reconcile", nil)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `rotadominios_drift_hostnames{kind="missing_in_db",vps="vps-1"} 0`)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/domains", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
