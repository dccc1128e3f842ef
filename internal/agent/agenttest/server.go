// Package agenttest runs an in-process fake VPS agent for tests.
package agenttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"rotadominios/backend/internal/agent"
)

// Server mimics the agent's HTTP API including its command allowlist.
type Server struct {
	*httptest.Server

	Token string

	mu           sync.Mutex
	caddyfile    string
	healthStatus int
	commands     []string
	updates      [][]string
	reloads      int
	restarts     int
}

func NewServer(token, caddyfile string) *Server {
	s := &Server{Token: token, caddyfile: caddyfile, healthStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/exec-command", s.auth(s.exec))
	mux.HandleFunc("/update-caddy", s.auth(s.updateCaddy))
	mux.HandleFunc("/reload-caddy", s.auth(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.reloads++
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, agent.Response{Success: true, Message: "Caddy reloaded successfully"})
	}))
	mux.HandleFunc("/restart-tunnel", s.auth(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, agent.Response{Success: true, Message: "Tunnel restarted successfully"})
	}))
	mux.HandleFunc("/status", s.auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, agent.Response{Success: true, Services: `[{"Service":"caddy","State":"running"}]`})
	}))
	s.Server = httptest.NewServer(mux)
	return s
}

// SetHealthStatus makes /health answer with code.
func (s *Server) SetHealthStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = code
}

func (s *Server) SetCaddyfile(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caddyfile = c
}

func (s *Server) Caddyfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caddyfile
}

// Commands returns every command received on /exec-command, allowed or not.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Updates returns the domain lists sent to /update-caddy.
func (s *Server) Updates() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.updates...)
}

func (s *Server) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func (s *Server) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, agent.Response{Error: "Invalid token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code := s.healthStatus
	s.mu.Unlock()
	if code != http.StatusOK {
		writeJSON(w, code, agent.Response{Error: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, agent.HealthStatus{Status: "healthy", Agent: "vps-agent", Version: "1.0.0"})
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeJSON(w, http.StatusBadRequest, agent.Response{Error: "Command is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, req.Command)

	switch {
	case req.Command == agent.ReadCaddyfileCommand:
		writeJSON(w, http.StatusOK, agent.Response{Success: true, Output: firstLines(s.caddyfile, agent.ReadCaddyfileLines)})
	case req.Command == agent.ServicesCommand:
		writeJSON(w, http.StatusOK, agent.Response{Success: true, Output: "[]"})
	case strings.HasPrefix(req.Command, "cp "+agent.CaddyfilePath+" "+agent.CaddyfilePath+".bak."):
		writeJSON(w, http.StatusOK, agent.Response{Success: true})
	default:
		writeJSON(w, http.StatusForbidden, agent.Response{Error: "Command not allowed: " + req.Command})
	}
}

func (s *Server) updateCaddy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domains   []string `json:"domains"`
		Caddyfile string   `json:"caddyfile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, agent.Response{Error: err.Error()})
		return
	}
	s.mu.Lock()
	s.caddyfile = req.Caddyfile
	s.updates = append(s.updates, req.Domains)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, agent.Response{Success: true, Domains: req.Domains})
}

func firstLines(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
