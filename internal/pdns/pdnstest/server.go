// Package pdnstest provides an in-process fake of the PowerDNS zone API.
package pdnstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/beacon/internal/pdns"
)

// APIKey is the key the fake server accepts.
const APIKey = "test-key"

// Server is a fake PowerDNS holding RRSets in memory.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	zones    map[string]map[string]pdns.RRSet // zone -> "name/type" -> rrset
	failures []int                            // statuses returned by the next PATCH calls
	patches  int
}

// New starts a fake server serving the given zones. It is closed with the test.
func New(t testing.TB, zones ...string) *Server {
	s := &Server{zones: make(map[string]map[string]pdns.RRSet)}
	for _, z := range zones {
		s.zones[canonical(z)] = make(map[string]pdns.RRSet)
	}

	r := chi.NewRouter()
	r.Get("/api/v1/servers/{server}/zones/{zone}", s.getZone)
	r.Patch("/api/v1/servers/{server}/zones/{zone}", s.patchZone)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// FailNext makes the next PATCH calls answer with the given statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// Record returns the content of the RRSet name/rtype in zone.
func (s *Server) Record(zone, name, rtype string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr, ok := s.zones[canonical(zone)][canonical(name)+"/"+rtype]
	if !ok || len(rr.Records) == 0 {
		return "", false
	}
	return rr.Records[0].Content, true
}

// TTL returns the TTL of the RRSet name/rtype in zone.
func (s *Server) TTL(zone, name, rtype string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones[canonical(zone)][canonical(name)+"/"+rtype].TTL
}

// Patches returns how many PATCH calls reached the server, failed ones included.
func (s *Server) Patches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-API-Key") != APIKey {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	name := canonical(chi.URLParam(r, "zone"))

	s.mu.Lock()
	rrsets, ok := s.zones[name]
	zone := pdns.Zone{ID: name, Name: name, Kind: "Native"}
	for _, rr := range rrsets {
		zone.RRsets = append(zone.RRsets, rr)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(zone)
}

func (s *Server) patchZone(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches++

	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		writeError(w, status, http.StatusText(status))
		return
	}

	rrsets, ok := s.zones[canonical(chi.URLParam(r, "zone"))]
	if !ok {
		writeError(w, http.StatusNotFound, "Could not find domain")
		return
	}

	var req struct {
		RRsets []pdns.RRSet `json:"rrsets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, rr := range req.RRsets {
		key := canonical(rr.Name) + "/" + rr.Type
		switch rr.Changetype {
		case pdns.ChangeReplace:
			rrsets[key] = rr
		case pdns.ChangeDelete:
			delete(rrsets, key)
		default:
			writeError(w, http.StatusUnprocessableEntity, "unknown changetype "+rr.Changetype)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func canonical(name string) string {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}
