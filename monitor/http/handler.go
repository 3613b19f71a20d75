// Package http serves the admission metrics surface as JSON.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rbaliyan/admit/monitor"
	"github.com/rbaliyan/admit/monitor/stream"
)

// Handler implements http.Handler for the admission monitor.
type Handler struct {
	provider    monitor.Provider
	broadcaster *stream.Broadcaster
	mux         *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithBroadcaster enables GET /v1/admission/stats/stream as server-sent
// events fed by b.
func WithBroadcaster(b *stream.Broadcaster) Option {
	return func(h *Handler) {
		h.broadcaster = b
	}
}

// New creates a handler reading snapshots from provider.
func New(provider monitor.Provider, opts ...Option) *Handler {
	h := &Handler{
		provider: provider,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	// GET /v1/admission/stats - current snapshot
	// GET /v1/admission/health - 200 while accepting, 503 once closed
	// GET /v1/admission/stats/stream - snapshot stream (text/event-stream)
	h.mux.HandleFunc("/v1/admission/stats", h.handleStats)
	h.mux.HandleFunc("/v1/admission/health", h.handleHealth)
	h.mux.HandleFunc("/v1/admission/stats/stream", h.handleStream)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeResponse(w, http.StatusOK, h.provider.Snapshot())
}

type healthResponse struct {
	Status      string  `json:"status"`
	Utilization float64 `json:"utilization"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := h.provider.Snapshot()
	if snap.Closed {
		h.writeResponse(w, http.StatusServiceUnavailable, healthResponse{Status: "closed"})
		return
	}
	h.writeResponse(w, http.StatusOK, healthResponse{Status: "ok", Utilization: snap.Utilization()})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.broadcaster == nil {
		h.writeError(w, http.StatusNotFound, "streaming not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case snap := <-sub.Snapshots():
			data, err := json.Marshal(snap)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: stats\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
