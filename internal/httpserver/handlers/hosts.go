package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

type hostsResponse struct {
	Count int            `json:"count"`
	Hosts []*domain.Host `json:"hosts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRegistryError maps registry errors onto status codes.
func writeRegistryError(w http.ResponseWriter, d deps.Deps, hostname string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidHostname):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "host not found"})
	case errors.Is(err, registry.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "host is being modified, retry"})
	default:
		d.Logger.Error("admin request failed",
			logger.String("hostname", hostname),
			logger.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "registry error"})
	}
}

// ListHosts returns every host, optionally filtered by ?status= and ?sync=.
func ListHosts(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		sync := r.URL.Query().Get("sync")

		hosts, err := d.Registry.List(r.Context())
		if err != nil {
			writeRegistryError(w, d, "", err)
			return
		}

		filtered := make([]*domain.Host, 0, len(hosts))
		for _, h := range hosts {
			if status != "" && string(h.Status) != status {
				continue
			}
			if sync != "" && string(h.DNSSyncStatus) != sync {
				continue
			}
			filtered = append(filtered, h)
		}

		writeJSON(w, http.StatusOK, hostsResponse{Count: len(filtered), Hosts: filtered})
	}
}

// GetHost returns one host by name (case-insensitive).
func GetHost(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "hostname")
		h, err := d.Registry.Get(r.Context(), name)
		if err != nil {
			writeRegistryError(w, d, name, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

// ResyncHost issues a fresh update task, also for hosts whose sync failed.
func ResyncHost(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "hostname")
		h, err := d.Registry.RequestSync(r.Context(), name, domain.OpUpdate)
		if err != nil {
			writeRegistryError(w, d, name, err)
			return
		}
		d.Logger.Info("resync requested via admin API",
			logger.String("hostname", h.Hostname),
			logger.String("remote_ip", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, h)
	}
}

// DeregisterHost schedules removal of the host's DNS record and row.
func DeregisterHost(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "hostname")
		h, err := d.Registry.Deregister(r.Context(), name)
		if err != nil {
			writeRegistryError(w, d, name, err)
			return
		}
		d.Logger.Info("deregistration requested via admin API",
			logger.String("hostname", h.Hostname),
			logger.String("remote_ip", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, h)
	}
}
