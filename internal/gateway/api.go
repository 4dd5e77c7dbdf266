// ABOUTME: Read-only HTTP API exposing the registry snapshot as JSON
// ABOUTME: Used by the CLI `state` subcommand and by simple polling clients

package gateway

import (
	"encoding/json"
	"net/http"
)

// handleState returns the full observable state.
func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.registry.Snapshot(r.Context())); err != nil {
		g.logger.Error("encoding state", "error", err)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
