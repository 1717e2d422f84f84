// Package ingress implements the relay's public HTTP ingress and the
// read-only operator API, sharing one net/http mux.
package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/foldedstring/relaytunnel/internal/dispatch"
	"github.com/foldedstring/relaytunnel/internal/metrics"
	"github.com/foldedstring/relaytunnel/internal/registry"
)

// MaxBodySize bounds the inbound request body the ingress will buffer
// (default 10 MiB).
const MaxBodySize = 10 * 1024 * 1024

// Handler builds the relay's public HTTP surface: the tunneled ingress
// plus the operator API.
type Handler struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
}

// New constructs the relay's http.Handler.
func New(d *dispatch.Dispatcher, reg *registry.Registry, m *metrics.Metrics, log zerolog.Logger) http.Handler {
	h := &Handler{Dispatcher: d, Registry: reg, Metrics: m, Log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/clients", h.handleClients)
	mux.HandleFunc("/clients/", h.handleClientByID)
	mux.HandleFunc("/client/", h.handleClientRouteOrProbe)
	mux.HandleFunc("/route-info", h.handleRouteInfo)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	mux.HandleFunc("/", h.handleTunneled)
	return mux
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, label, message string) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: label, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleTunneled serves the catch-all least-loaded-selection path.
func (h *Handler) handleTunneled(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad request", "failed to read body")
		return
	}
	if len(body) > MaxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large", "request body exceeds configured maximum")
		return
	}
	body = normalizeJSONBody(body)

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[len(values)-1]
		}
	}

	resp, dispatchErr := h.Dispatcher.Dispatch(r.Context(), dispatch.RequestIn{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Body:    body,
		Query:   map[string][]string(r.URL.Query()),
	})
	if h.Metrics != nil {
		h.Metrics.ObserveDispatch(agentIDFromPath(r.URL.Path), dispatchErr)
	}
	if dispatchErr != nil {
		writeError(w, http.StatusInternalServerError, "Proxy error", dispatchErr.Error())
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("content-length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// normalizeJSONBody re-serializes JSON bodies to their canonical string
// form; non-JSON is forwarded byte-for-byte.
func normalizeJSONBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return canonical
}

func agentIDFromPath(path string) string {
	const prefix = "/client/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	for i, r := range rest {
		if r == '/' {
			return rest[:i]
		}
	}
	return rest
}
