package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/agent"
	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/audit"
	"rotadominios/backend/internal/caddyfile"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/reconcile"
	"rotadominios/backend/internal/store"
)

// DefaultCaddyUpstream is where rendered Caddy sites proxy to.
const DefaultCaddyUpstream = "localhost:3000"

type VPSHandler struct {
	store    store.Store
	agents   *agent.Connector
	rec      *reconcile.Reconciler
	upstream string
	log      *logrus.Entry
	now      func() time.Time
}

func NewVPSHandler(st store.Store, agents *agent.Connector, rec *reconcile.Reconciler, upstream string, log *logrus.Entry) *VPSHandler {
	if upstream == "" {
		upstream = DefaultCaddyUpstream
	}
	return &VPSHandler{store: st, agents: agents, rec: rec, upstream: upstream, log: log, now: time.Now}
}

func (h *VPSHandler) ListVPS(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListVPS(r.Context())
	if err != nil {
		writeError(w, h.log, "Failed to list VPS", storeErr("list vps", err))
		return
	}
	if servers == nil {
		servers = []models.VPS{}
	}
	writeJSON(w, http.StatusOK, servers)
}

type createVPSRequest struct {
	Name     string     `json:"name"`
	IPv4     string     `json:"ipv4"`
	IPv6     *string    `json:"ipv6"`
	TunnelID *uuid.UUID `json:"tunnel_id"`
	AgentURL *string    `json:"agent_url"`
}

func (h *VPSHandler) CreateVPS(w http.ResponseWriter, r *http.Request) {
	var req createVPSRequest
	if !decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "Name is required")
		return
	}
	if ip := net.ParseIP(req.IPv4); ip == nil || ip.To4() == nil {
		badRequest(w, "A valid ipv4 address is required")
		return
	}
	if req.IPv6 != nil {
		if ip := net.ParseIP(*req.IPv6); ip == nil || ip.To4() != nil {
			badRequest(w, "Invalid ipv6 address")
			return
		}
	}
	if req.TunnelID != nil {
		if _, err := h.store.GetTunnel(r.Context(), *req.TunnelID); err != nil {
			writeError(w, h.log, "Failed to load tunnel", storeErr("load tunnel", err))
			return
		}
	}

	v := models.VPS{Name: req.Name, IPv4: req.IPv4, IPv6: req.IPv6, TunnelID: req.TunnelID, AgentEndpoint: req.AgentURL}
	if err := h.store.CreateVPS(r.Context(), &v); err != nil {
		writeError(w, h.log, "Failed to create VPS", storeErr("create vps", err))
		return
	}
	audit.LogWithIP(h.log, audit.EventVPSCreated, v.ID.String(), clientIP(r), logrus.Fields{"name": v.Name})
	writeJSON(w, http.StatusCreated, v)
}

func (h *VPSHandler) GetVPS(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVPS(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *VPSHandler) loadVPS(w http.ResponseWriter, r *http.Request) (*models.VPS, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	v, err := h.store.GetVPS(r.Context(), id)
	if err != nil {
		writeError(w, h.log, "Failed to load VPS", storeErr("load vps", err))
		return nil, false
	}
	return v, true
}

// Reconcile compares the VPS's live Caddy config with the database.
func (h *VPSHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req reconcile.Request
	if !decode(w, r, &req) {
		return
	}
	req.VPSID = id

	report, err := h.rec.Reconcile(r.Context(), req)
	if err != nil {
		writeError(w, h.log, "Failed to reconcile", err)
		return
	}
	if len(report.FixesApplied) > 0 {
		audit.LogWithIP(h.log, audit.EventReconcileFixed, id.String(), clientIP(r), logrus.Fields{"fixes": len(report.FixesApplied)})
	}
	writeJSON(w, http.StatusOK, report)
}

type caddySyncResponse struct {
	Backup  string   `json:"backup"`
	Domains []string `json:"domains"`
}

// SyncCaddy renders a Caddyfile for the VPS's active domains, backs up the
// live one and pushes the new file through the agent.
func (h *VPSHandler) SyncCaddy(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVPS(w, r)
	if !ok {
		return
	}
	domains, err := h.store.ListDomainsByVPS(r.Context(), v.ID)
	if err != nil {
		writeError(w, h.log, "Failed to list domains", storeErr("list vps domains", err))
		return
	}

	hosts := []string{}
	var sites []caddyfile.Site
	for _, d := range domains {
		if !d.Active {
			continue
		}
		hosts = append(hosts, d.Hostname)
		sites = append(sites, caddyfile.Site{Hostnames: []string{d.Hostname}, Upstream: h.upstream})
	}

	client := h.agents.For(v)
	backup, err := client.BackupCaddyfile(r.Context(), h.now())
	if err != nil {
		writeError(w, h.log, "Failed to back up Caddyfile", apperr.New(apperr.KindOf(err), "backup caddyfile", apperr.SystemAgent, err))
		return
	}
	if err := client.UpdateCaddy(r.Context(), hosts, caddyfile.Render(sites)); err != nil {
		writeError(w, h.log, "Failed to update Caddy", apperr.New(apperr.KindOf(err), "update caddy", apperr.SystemAgent, err))
		return
	}
	audit.LogWithIP(h.log, audit.EventCaddySynced, v.ID.String(), clientIP(r), logrus.Fields{"domains": len(hosts), "backup": backup})
	writeJSON(w, http.StatusOK, caddySyncResponse{Backup: backup, Domains: hosts})
}

func (h *VPSHandler) ReloadCaddy(w http.ResponseWriter, r *http.Request) {
	h.agentAction(w, r, "reload_caddy", func(c *agent.Client, r *http.Request) error {
		return c.ReloadCaddy(r.Context())
	})
}

func (h *VPSHandler) RestartTunnel(w http.ResponseWriter, r *http.Request) {
	h.agentAction(w, r, "restart_tunnel", func(c *agent.Client, r *http.Request) error {
		return c.RestartTunnel(r.Context())
	})
}

func (h *VPSHandler) agentAction(w http.ResponseWriter, r *http.Request, action string, run func(*agent.Client, *http.Request) error) {
	v, ok := h.loadVPS(w, r)
	if !ok {
		return
	}
	if err := run(h.agents.For(v), r); err != nil {
		writeError(w, h.log, "Agent action failed", apperr.New(apperr.KindOf(err), action, apperr.SystemAgent, err))
		return
	}
	audit.LogWithIP(h.log, audit.EventAgentAction, v.ID.String(), clientIP(r), logrus.Fields{"action": action})
	writeJSON(w, http.StatusOK, map[string]string{"message": action + " done"})
}

// Status proxies the agent's service listing.
func (h *VPSHandler) Status(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVPS(w, r)
	if !ok {
		return
	}
	services, err := h.agents.For(v).Status(r.Context())
	if err != nil {
		writeError(w, h.log, "Failed to read agent status", apperr.New(apperr.KindOf(err), "status", apperr.SystemAgent, err))
		return
	}
	body := map[string]interface{}{"vps_id": v.ID, "services": json.RawMessage(services)}
	if !json.Valid([]byte(services)) {
		body["services"] = services
	}
	writeJSON(w, http.StatusOK, body)
}
