package ingress

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/foldedstring/relaytunnel/internal/dispatch"
)

type agentView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Connected     bool   `json:"connected"`
	DefaultTarget string `json:"defaultTarget"`
	MappingCount  int    `json:"mappingCount"`
	RequestCount  int64  `json:"requestCount"`
	LastHeartbeat string `json:"lastHeartbeat"`
}

func (h *Handler) snapshot() []agentView {
	recs := h.Registry.ListConnected()
	out := make([]agentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, agentView{
			ID:            rec.ID,
			Name:          rec.Name,
			Connected:     rec.Connected,
			DefaultTarget: rec.DefaultTarget,
			MappingCount:  len(rec.Mappings),
			RequestCount:  rec.RequestCount,
			LastHeartbeat: rec.LastHeartbeat.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// handleHealth reports coarse liveness and counts.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := h.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"connectedClients": len(agents),
	})
}

// handleStatus reports a detailed per-agent listing.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.snapshot()})
}

// handleClients mirrors handleStatus, shaped for enumeration.
func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// handleClientByID returns a single agent's record.
func (h *Handler) handleClientByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/clients/")
	id = strings.TrimSuffix(id, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "Not found", "missing client id")
		return
	}

	rec := h.Registry.Get(id)
	if rec == nil {
		writeError(w, http.StatusInternalServerError, "Proxy error", "Client '"+id+"' not found")
		return
	}
	writeJSON(w, http.StatusOK, agentView{
		ID:            rec.ID,
		Name:          rec.Name,
		Connected:     rec.Connected,
		DefaultTarget: rec.DefaultTarget,
		MappingCount:  len(rec.Mappings),
		RequestCount:  rec.RequestCount,
		LastHeartbeat: rec.LastHeartbeat.UTC().Format(time.RFC3339),
	})
}

// handleClientRouteOrProbe serves both the operator health probe
// (/client/{id}/health) and the general tunneled prefix
// (/client/{id}[/{prefix}]/...). Only the health-probe form engages the
// tunnel through the operator API rather than the plain ingress path —
// the rest fall through to dispatch.
func (h *Handler) handleClientRouteOrProbe(w http.ResponseWriter, r *http.Request) {
	if isHealthProbePath(r.URL.Path) {
		h.handleClientHealthProbe(w, r)
		return
	}
	h.dispatch(w, r)
}

// isHealthProbePath reports whether path is exactly "/client/{id}/health"
// — a single agent-id segment followed by "health" and nothing else.
// A deeper path that merely ends in "/health" (e.g. a mapped prefix
// called "health") is ordinary tunneled traffic, not the operator probe.
func isHealthProbePath(path string) bool {
	const prefix = "/client/"
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := strings.TrimPrefix(path, prefix)
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	return len(segments) == 2 && segments[1] == "health"
}

// handleClientHealthProbe synthesizes a GET /health request into the
// named agent through the normal dispatcher path and reports the reply.
func (h *Handler) handleClientHealthProbe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp, err := h.Dispatcher.Dispatch(ctx, dispatch.RequestIn{
		Method: http.MethodGet,
		Path:   r.URL.Path,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Proxy error", err.Error())
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// handleRouteInfo reports what PickForPath would do for ?path=<p> without
// executing it.
func (h *Handler) handleRouteInfo(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "Bad request", "missing path query parameter")
		return
	}

	rec, target, rewritten, err := h.Registry.PickForPath(p)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched":       true,
		"agentId":       rec.ID,
		"target":        target,
		"rewrittenPath": rewritten,
	})
}
