package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/domain"
)

// ControllerHandler serves the "controller" namespace (§6).
type ControllerHandler struct {
	Controller *controller.Controller
}

func (h *ControllerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /controller/RegisterTraffic", h.RegisterTraffic)
	mux.HandleFunc("POST /controller/UnregisterTraffic", h.UnregisterTraffic)
	mux.HandleFunc("POST /controller/Start", h.Start)
	mux.HandleFunc("POST /controller/Stop", h.Stop)
	mux.HandleFunc("POST /controller/DiscoverInterfaces", h.DiscoverInterfaces)
}

func (h *ControllerHandler) RegisterTraffic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []domain.TrafficRule `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Controller.RegisterTraffic(req.Rules); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) UnregisterTraffic(w http.ResponseWriter, r *http.Request) {
	ruleids, ok := decodeRuleIDs(w, r)
	if !ok {
		return
	}
	h.Controller.UnregisterTraffic(ruleids)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) Start(w http.ResponseWriter, r *http.Request) {
	ruleids, ok := decodeRuleIDs(w, r)
	if !ok {
		return
	}
	h.Controller.Start(ruleids)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ruleids, ok := decodeRuleIDs(w, r)
	if !ok {
		return
	}
	h.Controller.Stop(ruleids)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) DiscoverInterfaces(w http.ResponseWriter, r *http.Request) {
	h.Controller.DiscoverInterfaces()
	w.WriteHeader(http.StatusNoContent)
}

func decodeRuleIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req struct {
		RuleIDs []string `json:"ruleids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return nil, false
	}
	return req.RuleIDs, true
}
