package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/middleware"
)

// Router collects what NewRouter mounts.
type Router struct {
	Domains        *DomainsHandler
	VPS            *VPSHandler
	Tunnels        *TunnelsHandler
	Metrics        http.Handler
	Ping           func(context.Context) error
	APIToken       string
	AllowedOrigins []string
	Log            *logrus.Entry
}

func NewRouter(rt Router) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger(rt.Log), middleware.CORS(rt.AllowedOrigins))

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if rt.Ping != nil {
			if err := rt.Ping(r.Context()); err != nil {
				rt.Log.WithError(err).Warn("database ping failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	if rt.Metrics != nil {
		router.Handle("/metrics", rt.Metrics).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.BearerToken(rt.APIToken))

	// Domains
	d := rt.Domains
	api.HandleFunc("/domains", d.ListDomains).Methods("GET", "OPTIONS")
	api.HandleFunc("/domains", d.CreateDomain).Methods("POST", "OPTIONS")
	api.HandleFunc("/domains/{id}", d.GetDomain).Methods("GET", "OPTIONS")
	api.HandleFunc("/domains/{id}", d.DeleteDomain).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/domains/{id}/publish/tunnel", d.PublishTunnel).Methods("POST", "OPTIONS")
	api.HandleFunc("/domains/{id}/publish/dns", d.PublishDNS).Methods("POST", "OPTIONS")
	api.HandleFunc("/domains/{id}/reset", d.ResetDomain).Methods("POST", "OPTIONS")
	api.HandleFunc("/domains/{id}/health", d.DomainHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/domains/{id}/health/history", d.HealthHistory).Methods("GET", "OPTIONS")
	api.HandleFunc("/health/batch", d.HealthBatch).Methods("POST", "OPTIONS")

	// VPS
	v := rt.VPS
	api.HandleFunc("/vps", v.ListVPS).Methods("GET", "OPTIONS")
	api.HandleFunc("/vps", v.CreateVPS).Methods("POST", "OPTIONS")
	api.HandleFunc("/vps/{id}", v.GetVPS).Methods("GET", "OPTIONS")
	api.HandleFunc("/vps/{id}/reconcile", v.Reconcile).Methods("POST", "OPTIONS")
	api.HandleFunc("/vps/{id}/caddy/sync", v.SyncCaddy).Methods("POST", "OPTIONS")
	api.HandleFunc("/vps/{id}/caddy/reload", v.ReloadCaddy).Methods("POST", "OPTIONS")
	api.HandleFunc("/vps/{id}/tunnel/restart", v.RestartTunnel).Methods("POST", "OPTIONS")
	api.HandleFunc("/vps/{id}/status", v.Status).Methods("GET", "OPTIONS")

	// Tunnels
	t := rt.Tunnels
	api.HandleFunc("/tunnels", t.ListTunnels).Methods("GET", "OPTIONS")
	api.HandleFunc("/tunnels", t.CreateTunnel).Methods("POST", "OPTIONS")

	return router
}
