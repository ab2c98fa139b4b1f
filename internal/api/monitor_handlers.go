package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/monitor"
)

// MonitorHandler serves the "monitor" namespace (§6).
type MonitorHandler struct {
	Monitor *monitor.Monitor
}

func (h *MonitorHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /monitor/Start", h.Start)
	mux.HandleFunc("POST /monitor/Stop", h.Stop)
	mux.HandleFunc("GET /monitor/IsRunning", h.IsRunning)
}

func (h *MonitorHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.Monitor.Start()
	w.WriteHeader(http.StatusNoContent)
}

func (h *MonitorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.Monitor.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (h *MonitorHandler) IsRunning(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"running": h.Monitor.IsRunning()})
}
