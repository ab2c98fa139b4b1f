package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/results"
)

// ResultsHandler serves the "results" namespace (§6).
type ResultsHandler struct {
	Results *results.Store
}

func (h *ResultsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /results/Traffic", h.Traffic)
	mux.HandleFunc("POST /results/TrafficRecordsCount", h.TrafficRecordsCount)
	mux.HandleFunc("POST /results/GetLatencyStat", h.GetLatencyStat)
	mux.HandleFunc("POST /results/DeleteRecord", h.DeleteRecord)
}

// queryRequest is the shared JSON body shape: reqid plus optional filter
// fields. All filter fields are zero-value-omitted by results.buildWhere.
type queryRequest struct {
	ReqID       string          `json:"reqid"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Protocol    domain.Protocol `json:"protocol"`
	Port        int             `json:"port"`
	Expected    *bool           `json:"expected"`
	Result      *bool           `json:"result"`
}

func (q queryRequest) filter() results.Filter {
	return results.Filter{
		Source:      q.Source,
		Destination: q.Destination,
		Protocol:    q.Protocol,
		Port:        q.Port,
		Expected:    q.Expected,
		Result:      q.Result,
	}
}

func (h *ResultsHandler) Traffic(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	recs, err := h.Results.Traffic(req.ReqID, req.filter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (h *ResultsHandler) TrafficRecordsCount(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	count, err := h.Results.TrafficRecordsCount(req.ReqID, req.filter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"count": count})
}

func (h *ResultsHandler) GetLatencyStat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		queryRequest
		Method results.LatencyMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	val, ok, err := h.Results.GetLatencyStat(req.ReqID, req.Method, req.filter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"value": val, "ok": ok})
}

func (h *ResultsHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Results.DeleteRecord(req.ReqID, req.filter()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
