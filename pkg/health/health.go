package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pollbridge/pollbridge/pkg/storage"
	"github.com/pollbridge/pollbridge/pkg/types"
)

// Runner reports whether a polling task is active for a connection
type Runner interface {
	Running(connID string) bool
}

// ConnectionStatus is one connection's entry in the health report
type ConnectionStatus struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Running        bool               `json:"running"`
	BreakerState   types.BreakerState `json:"breaker_state"`
	PendingRetries int                `json:"pending_retries"`
	LastSyncAt     string             `json:"last_sync_at,omitempty"`
}

// Report is the body served on the health endpoint
type Report struct {
	Status      string             `json:"status"`
	Uptime      string             `json:"uptime"`
	Connections []ConnectionStatus `json:"connections"`
}

// Handler serves liveness on /healthz and a per-connection report on
// /readyz. Readiness degrades (503) when any active connection has an open
// breaker or its task is not running.
type Handler struct {
	store     storage.Store
	runner    Runner
	startedAt time.Time
}

func NewHandler(store storage.Store, runner Runner) *Handler {
	return &Handler{store: store, runner: runner, startedAt: time.Now()}
}

// Register mounts the health endpoints on the mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/readyz", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	conns, err := h.store.ListActiveConnections()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	report := Report{
		Status: "ok",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	}
	for _, conn := range conns {
		pending, err := h.store.CountPendingRetries(conn.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		cs := ConnectionStatus{
			ID:             conn.ID,
			Name:           conn.Name,
			Running:        h.runner.Running(conn.ID),
			BreakerState:   conn.BreakerState,
			PendingRetries: pending,
			LastSyncAt:     conn.LastSyncAt,
		}
		if cs.BreakerState == "" {
			cs.BreakerState = types.BreakerClosed
		}
		if !cs.Running || cs.BreakerState == types.BreakerOpen {
			report.Status = "degraded"
		}
		report.Connections = append(report.Connections, cs)
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
