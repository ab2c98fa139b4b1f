package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lydian-project/lydian/internal/procwrap"
)

// ProcessHandler serves the "pcap" and "iperf" namespaces (§6): thin
// start/stop/list wrappers around one external binary, with no
// packet/iperf protocol parsing of their own.
type ProcessHandler struct {
	Namespace  string // "pcap" or "iperf"
	Supervisor *procwrap.Supervisor
}

func (h *ProcessHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(fmt.Sprintf("POST /%s/Start", h.Namespace), h.Start)
	mux.HandleFunc(fmt.Sprintf("POST /%s/Stop", h.Namespace), h.Stop)
	mux.HandleFunc(fmt.Sprintf("GET /%s/List", h.Namespace), h.List)
}

func (h *ProcessHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Args []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	id, err := h.Supervisor.Start(req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"job_id": id})
}

func (h *ProcessHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Supervisor.Stop(req.JobID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Supervisor.List())
}
