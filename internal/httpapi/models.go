package httpapi

import (
	"net/http"
	"time"
)

// handleModels lists the single configured virtual model.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, tenant string) {
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.cfg.RLM.RantsOne.Name,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "rants",
		}},
	})
}

// handleHealth reports the gateway version and backend reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backends := map[string]bool{}
	for role, b := range s.backends {
		backends[role] = b.Ping(r.Context())
	}
	writeJSON(w, map[string]any{
		"status":   "ok",
		"version":  Version,
		"backends": backends,
	})
}
