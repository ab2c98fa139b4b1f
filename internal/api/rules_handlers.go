package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/rulesstore"
)

// RulesHandler serves the "rules" namespace (§6).
type RulesHandler struct {
	Rules *rulesstore.Store
}

func (h *RulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rules/Get", h.Get)
	mux.HandleFunc("POST /rules/Enable", h.Enable)
	mux.HandleFunc("POST /rules/Disable", h.Disable)
}

func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	ruleid := r.URL.Query().Get("ruleid")
	rule, ok := h.Rules.Get(ruleid)
	if !ok {
		http.Error(w, "rule not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rule)
}

func (h *RulesHandler) Enable(w http.ResponseWriter, r *http.Request) {
	ruleid, ok := decodeRuleID(w, r)
	if !ok {
		return
	}
	if err := h.Rules.Enable(ruleid); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RulesHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ruleid, ok := decodeRuleID(w, r)
	if !ok {
		return
	}
	if err := h.Rules.Disable(ruleid); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeRuleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		RuleID string `json:"ruleid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return "", false
	}
	return req.RuleID, true
}
