// Package cloudflaretest runs an in-process fake of the Cloudflare v4 API
// subset the control plane uses.
package cloudflaretest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"rotadominios/backend/internal/cloudflare"
)

// Op names one fake endpoint for failure injection.
type Op string

const (
	OpListZones    Op = "list_zones"
	OpListRecords  Op = "list_records"
	OpCreateRecord Op = "create_record"
	OpDeleteRecord Op = "delete_record"
	OpGetConfig    Op = "get_config"
	OpPutConfig    Op = "put_config"
	OpConnections  Op = "connections"
)

type failure struct {
	status int
	times  int // < 0 means forever
	after  int // calls that still succeed first
}

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	zones       []cloudflare.Zone
	records     map[string][]cloudflare.DNSRecord // zone id -> records
	configs     map[string][]cloudflare.IngressRule
	connections map[string][]cloudflare.TunnelConnection
	failures    map[Op]*failure
	calls       map[Op]int
	nextID      int
}

func NewServer() *Server {
	s := &Server{
		records:     make(map[string][]cloudflare.DNSRecord),
		configs:     make(map[string][]cloudflare.IngressRule),
		connections: make(map[string][]cloudflare.TunnelConnection),
		failures:    make(map[Op]*failure),
		calls:       make(map[Op]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/tokens/verify", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]string{"id": "token", "status": "active"})
	})
	mux.HandleFunc("GET /zones", s.handle(OpListZones, s.listZones))
	mux.HandleFunc("GET /zones/{zone}/dns_records", s.handle(OpListRecords, s.listRecords))
	mux.HandleFunc("POST /zones/{zone}/dns_records", s.handle(OpCreateRecord, s.createRecord))
	mux.HandleFunc("DELETE /zones/{zone}/dns_records/{id}", s.handle(OpDeleteRecord, s.deleteRecord))
	mux.HandleFunc("GET /accounts/{account}/cfd_tunnel/{tunnel}/configurations", s.handle(OpGetConfig, s.getConfig))
	mux.HandleFunc("PUT /accounts/{account}/cfd_tunnel/{tunnel}/configurations", s.handle(OpPutConfig, s.putConfig))
	mux.HandleFunc("GET /accounts/{account}/cfd_tunnel/{tunnel}/connections", s.handle(OpConnections, s.listConnections))
	s.Server = httptest.NewServer(mux)
	return s
}

// Client returns a cloudflare.Client pointed at the fake.
func (s *Server) Client() *cloudflare.Client {
	return cloudflare.New("test-token", cloudflare.WithBaseURL(s.URL))
}

func (s *Server) AddZone(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := cloudflare.Zone{ID: id, Name: name, Status: "active"}
	z.Account.ID = "acc"
	s.zones = append(s.zones, z)
}

// AddRecord seeds a record and returns its id.
func (s *Server) AddRecord(zoneID string, rec cloudflare.DNSRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = fmt.Sprintf("rec-%d", s.nextID)
	s.records[zoneID] = append(s.records[zoneID], rec)
	return rec.ID
}

func (s *Server) Records(zoneID string) []cloudflare.DNSRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cloudflare.DNSRecord(nil), s.records[zoneID]...)
}

// Ingress returns the last configuration PUT for a tunnel.
func (s *Server) Ingress(tunnelID string) []cloudflare.IngressRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cloudflare.IngressRule(nil), s.configs[tunnelID]...)
}

func (s *Server) SetIngress(tunnelID string, rules []cloudflare.IngressRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[tunnelID] = cloudflare.WithCatchAll(rules)
}

func (s *Server) SetConnections(tunnelID string, conns []cloudflare.TunnelConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[tunnelID] = conns
}

// Fail makes op answer with status for the next times calls; times < 0 fails forever.
func (s *Server) Fail(op Op, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, times: times}
}

// FailAfter lets op succeed after times, then fails it with status forever.
func (s *Server) FailAfter(op Op, after, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, times: -1, after: after}
}

// Calls returns how many requests reached op, failed ones included.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Server) handle(op Op, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		f := s.failures[op]
		var status int
		if f != nil && f.after > 0 {
			f.after--
		} else if f != nil && f.times != 0 {
			status = f.status
			if f.times > 0 {
				f.times--
			}
		}
		s.mu.Unlock()

		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"errors":  []map[string]interface{}{{"code": 10000 + status, "message": fmt.Sprintf("injected %s failure", op)}},
				"result":  nil,
			})
			return
		}
		h(w, r)
	}
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	zones := append([]cloudflare.Zone{}, s.zones...)
	s.mu.Unlock()
	writeResult(w, zones)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	s.mu.Lock()
	out := []cloudflare.DNSRecord{}
	for _, rec := range s.records[r.PathValue("zone")] {
		if name == "" || strings.EqualFold(rec.Name, name) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	writeResult(w, out)
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	var rec cloudflare.DNSRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	zone := r.PathValue("zone")
	s.mu.Lock()
	for _, existing := range s.records[zone] {
		if strings.EqualFold(existing.Name, rec.Name) && (existing.Type == "CNAME" || rec.Type == "CNAME") {
			s.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"errors":  []map[string]interface{}{{"code": 81053, "message": "An A, AAAA, or CNAME record with that host already exists."}},
			})
			return
		}
	}
	s.nextID++
	rec.ID = fmt.Sprintf("rec-%d", s.nextID)
	s.records[zone] = append(s.records[zone], rec)
	s.mu.Unlock()
	writeResult(w, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	zone, id := r.PathValue("zone"), r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[zone]
	for i := range recs {
		if recs[i].ID == id {
			s.records[zone] = append(recs[:i:i], recs[i+1:]...)
			writeResult(w, map[string]string{"id": id})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"errors":  []map[string]interface{}{{"code": 81044, "message": "Record does not exist."}},
	})
}

type configEnvelope struct {
	Config struct {
		Ingress []cloudflare.IngressRule `json:"ingress"`
	} `json:"config"`
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var env configEnvelope
	env.Config.Ingress = append([]cloudflare.IngressRule{}, s.configs[r.PathValue("tunnel")]...)
	s.mu.Unlock()
	writeResult(w, env)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var env configEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.configs[r.PathValue("tunnel")] = env.Config.Ingress
	s.mu.Unlock()
	writeResult(w, env)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	conns := s.connections[r.PathValue("tunnel")]
	s.mu.Unlock()

	type connector struct {
		ID          string                        `json:"id"`
		Connections []cloudflare.TunnelConnection `json:"conns"`
	}
	out := []connector{}
	if len(conns) > 0 {
		out = append(out, connector{ID: "connector-1", Connections: conns})
	}
	writeResult(w, out)
}

func writeResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":     true,
		"errors":      []interface{}{},
		"result":      result,
		"result_info": map[string]int{"page": 1, "per_page": 50, "total_pages": 1},
	})
}
