package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/params"
)

// ConfigsHandler serves the "configs" namespace (§6).
type ConfigsHandler struct {
	Configs *params.Store
}

func (h *ConfigsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /configs/GetParam", h.GetParam)
	mux.HandleFunc("POST /configs/SetParam", h.SetParam)
}

func (h *ConfigsHandler) GetParam(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("param")
	val := h.Configs.GetParam(name, nil)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"param": name, "value": val})
}

func (h *ConfigsHandler) SetParam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Param string      `json:"param"`
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Configs.SetParam(req.Param, req.Value, true); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
