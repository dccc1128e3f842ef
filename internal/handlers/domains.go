package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/apperr"
	"rotadominios/backend/internal/audit"
	"rotadominios/backend/internal/cloudflare"
	"rotadominios/backend/internal/health"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/publish"
	"rotadominios/backend/internal/store"
)

type DomainsHandler struct {
	store store.Store
	wf    *publish.Workflow
	eval  *health.Evaluator
	log   *logrus.Entry
}

func NewDomainsHandler(st store.Store, wf *publish.Workflow, eval *health.Evaluator, log *logrus.Entry) *DomainsHandler {
	return &DomainsHandler{store: st, wf: wf, eval: eval, log: log}
}

// ListDomains returns all domains joined with their VPS and tunnel names
func (h *DomainsHandler) ListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.store.ListDomains(r.Context())
	if err != nil {
		writeError(w, h.log, "Failed to list domains", storeErr("list domains", err))
		return
	}
	if domains == nil {
		domains = []models.DomainWithRouting{}
	}
	writeJSON(w, http.StatusOK, domains)
}

type createDomainRequest struct {
	Hostname string     `json:"hostname"`
	VPSID    *uuid.UUID `json:"vps_id"`
	Active   *bool      `json:"active"`
}

// CreateDomain registers a hostname as pending on dns strategy.
func (h *DomainsHandler) CreateDomain(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if !decode(w, r, &req) {
		return
	}
	hostname := models.NormalizeHostname(req.Hostname)
	if hostname == "" {
		badRequest(w, "Hostname is required")
		return
	}
	if _, err := cloudflare.RootDomain(hostname); err != nil {
		badRequest(w, "Invalid hostname: "+err.Error())
		return
	}
	if req.VPSID != nil {
		if _, err := h.store.GetVPS(r.Context(), *req.VPSID); err != nil {
			writeError(w, h.log, "Failed to load VPS", storeErr("load vps", err))
			return
		}
	}

	d := models.Domain{
		Hostname:        hostname,
		PublishStrategy: models.StrategyDNS,
		Status:          models.StatusPending,
		Active:          req.Active == nil || *req.Active,
		VPSID:           req.VPSID,
	}
	if err := h.store.CreateDomain(r.Context(), &d); err != nil {
		writeError(w, h.log, "Failed to create domain", storeErr("create domain", err))
		return
	}
	audit.LogWithIP(h.log, audit.EventDomainCreated, d.ID.String(), clientIP(r), logrus.Fields{"hostname": d.Hostname})
	writeJSON(w, http.StatusCreated, d)
}

func (h *DomainsHandler) GetDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.store.GetDomain(r.Context(), id)
	if err != nil {
		writeError(w, h.log, "Failed to load domain", storeErr("load domain", err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteDomain tears the domain down at Cloudflare first; the row goes only
// when that succeeded.
func (h *DomainsHandler) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.wf.Teardown(r.Context(), id)
	h.eval.Invalidate(r.Context(), id)
	if err != nil {
		h.workflowFailed(w, res, err)
		return
	}
	audit.LogWithIP(h.log, audit.EventDomainDeleted, id.String(), clientIP(r), logrus.Fields{"hostname": res.Hostname})
	w.WriteHeader(http.StatusNoContent)
}

func (h *DomainsHandler) PublishTunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req publish.TunnelRequest
	if !decode(w, r, &req) {
		return
	}
	req.DomainID = id
	h.publish(w, r, id, func(ctx context.Context) (*publish.Result, error) {
		return h.wf.SwitchToTunnel(ctx, req)
	})
}

func (h *DomainsHandler) PublishDNS(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req publish.DNSRequest
	if !decode(w, r, &req) {
		return
	}
	req.DomainID = id
	h.publish(w, r, id, func(ctx context.Context) (*publish.Result, error) {
		return h.wf.SwitchToDNS(ctx, req)
	})
}

func (h *DomainsHandler) publish(w http.ResponseWriter, r *http.Request, id uuid.UUID, run func(context.Context) (*publish.Result, error)) {
	res, err := run(r.Context())
	h.eval.Invalidate(r.Context(), id)
	if err != nil {
		h.workflowFailed(w, res, err)
		return
	}
	audit.LogWithIP(h.log, audit.EventDomainPublished, id.String(), clientIP(r), logrus.Fields{
		"hostname": res.Hostname,
		"strategy": res.Strategy,
	})
	writeJSON(w, http.StatusOK, res)
}

// workflowFailed answers with the structured result so callers see which
// step failed and whether anything was rolled back.
func (h *DomainsHandler) workflowFailed(w http.ResponseWriter, res *publish.Result, err error) {
	status := apperr.HTTPStatus(err)
	if res == nil || len(res.Steps) == 0 {
		writeError(w, h.log, "Workflow failed", err)
		return
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("domain_id", res.DomainID).Warn("workflow failed")
	}
	writeJSON(w, status, res)
}

func (h *DomainsHandler) ResetDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, changed, err := h.wf.Reset(r.Context(), id)
	if err != nil {
		writeError(w, h.log, "Failed to reset domain", err)
		return
	}
	h.eval.Invalidate(r.Context(), id)
	if changed {
		audit.LogWithIP(h.log, audit.EventDomainReset, id.String(), clientIP(r), logrus.Fields{"hostname": d.Hostname})
	}
	writeJSON(w, http.StatusOK, d)
}

// DomainHealth evaluates and records one domain; ?force=true skips the cache.
func (h *DomainsHandler) DomainHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	v, err := h.eval.EvaluateAndRecord(r.Context(), id, force)
	if v == nil {
		writeError(w, h.log, "Failed to evaluate health", err)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("domain_id", id).Warn("health verdict not fully recorded")
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *DomainsHandler) HealthHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit := store.DefaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "Invalid limit")
			return
		}
		limit = n
	}
	if _, err := h.store.GetDomain(r.Context(), id); err != nil {
		writeError(w, h.log, "Failed to load domain", storeErr("load domain", err))
		return
	}
	obs, err := h.store.ListHealthObservations(r.Context(), id, limit)
	if err != nil {
		writeError(w, h.log, "Failed to list health history", storeErr("list observations", err))
		return
	}
	if obs == nil {
		obs = []models.HealthObservation{}
	}
	writeJSON(w, http.StatusOK, obs)
}

type batchRequest struct {
	DomainIDs []uuid.UUID `json:"domain_ids"`
	Force     bool        `json:"force"`
}

// HealthBatch evaluates the given domains, or every active one when none are given.
func (h *DomainsHandler) HealthBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	ids := req.DomainIDs
	if len(ids) == 0 {
		var err error
		ids, err = h.store.ListActiveDomainIDs(r.Context())
		if err != nil {
			writeError(w, h.log, "Failed to list domains", storeErr("list active domains", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, h.eval.EvaluateBatch(r.Context(), ids, req.Force))
}
