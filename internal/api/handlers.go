package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

// version is set via -ldflags at build time
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status string `json:"status"`
	Loaded bool   `json:"config_loaded"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProtocolsResponse lists the configured clocks by class.
type ProtocolsResponse struct {
	Path      string                `json:"path"`
	Primary   []timebeat.ClockEntry `json:"primary"`
	Secondary []timebeat.ClockEntry `json:"secondary"`
}

// ReloadResponse is the response for POST /reload.
type ReloadResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Loaded: s.store.Loaded()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "timebeat-ssh",
	})
}

func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	primary, secondary, err := s.store.Snapshot()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ProtocolsResponse{
		Path:      s.store.Path(),
		Primary:   primary,
		Secondary: secondary,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Render()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Load(); err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Reload via API failed")
		writeError(w, http.StatusInternalServerError, "Failed to reload configuration")
		return
	}
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Configuration reloaded via API")
	writeJSON(w, http.StatusOK, ReloadResponse{Status: "reloaded"})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, timebeat.ErrNotLoaded) {
		writeError(w, http.StatusServiceUnavailable, timebeat.NotLoadedMessage)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
