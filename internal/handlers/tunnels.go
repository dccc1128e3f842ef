package handlers

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/audit"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/store"
)

type TunnelsHandler struct {
	store store.Store
	log   *logrus.Entry
}

func NewTunnelsHandler(st store.Store, log *logrus.Entry) *TunnelsHandler {
	return &TunnelsHandler{store: st, log: log}
}

func (h *TunnelsHandler) ListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := h.store.ListTunnels(r.Context())
	if err != nil {
		writeError(w, h.log, "Failed to list tunnels", storeErr("list tunnels", err))
		return
	}
	if tunnels == nil {
		tunnels = []models.Tunnel{}
	}
	writeJSON(w, http.StatusOK, tunnels)
}

type createTunnelRequest struct {
	Name        string `json:"name"`
	CFTunnelID  string `json:"cf_tunnel_id"`
	CFAccountID string `json:"cf_account_id"`
}

// CreateTunnel registers an existing Cloudflare tunnel; nothing is created at Cloudflare.
func (h *TunnelsHandler) CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if !decode(w, r, &req) {
		return
	}
	t := models.Tunnel{
		Name:        strings.TrimSpace(req.Name),
		CFTunnelID:  strings.TrimSpace(req.CFTunnelID),
		CFAccountID: strings.TrimSpace(req.CFAccountID),
	}
	if t.Name == "" || t.CFTunnelID == "" || t.CFAccountID == "" {
		badRequest(w, "name, cf_tunnel_id and cf_account_id are required")
		return
	}
	if err := h.store.CreateTunnel(r.Context(), &t); err != nil {
		writeError(w, h.log, "Failed to create tunnel", storeErr("create tunnel", err))
		return
	}
	audit.LogWithIP(h.log, audit.EventTunnelCreated, t.ID.String(), clientIP(r), logrus.Fields{"name": t.Name})
	writeJSON(w, http.StatusCreated, t)
}
