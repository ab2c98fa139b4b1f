package podium

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/results"
)

// Handler exposes Podium's orchestration operations over the same
// plain HTTP+JSON RPC style as the agent's namespace handlers (§6),
// under a "podium" namespace, so a remote CLI or UI can drive a
// running Podium daemon instead of embedding it.
type Handler struct {
	Podium *Podium
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /podium/AddHosts", h.AddHosts)
	mux.HandleFunc("POST /podium/CleanupHosts", h.CleanupHosts)
	mux.HandleFunc("POST /podium/DiscoverInterfaces", h.DiscoverInterfaces)
	mux.HandleFunc("POST /podium/RegisterTraffic", h.RegisterTraffic)
	mux.HandleFunc("POST /podium/StartTraffic", h.StartTraffic)
	mux.HandleFunc("POST /podium/StopTraffic", h.StopTraffic)
	mux.HandleFunc("POST /podium/UnregisterTraffic", h.UnregisterTraffic)
	mux.HandleFunc("POST /podium/GetResults", h.GetResults)
	mux.HandleFunc("POST /podium/GetTrafficStats", h.GetTrafficStats)
	mux.HandleFunc("POST /podium/GetLatency", h.GetLatency)
	mux.HandleFunc("POST /podium/RunTraffic", h.RunTraffic)
	mux.HandleFunc("POST /podium/RunMeshPing", h.RunMeshPing)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) AddHosts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostIPs []string `json:"hostips"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, h.Podium.AddHosts(r.Context(), req.HostIPs))
}

func (h *Handler) CleanupHosts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostIPs  []string `json:"hostips"`
		RemoveDB bool     `json:"remove_db"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, h.Podium.CleanupHosts(r.Context(), req.HostIPs, req.RemoveDB))
}

func (h *Handler) DiscoverInterfaces(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostIPs []string `json:"hostips"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, h.Podium.DiscoverInterfaces(r.Context(), req.HostIPs))
}

func (h *Handler) RegisterTraffic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intents []domain.TrafficRule `json:"intents"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Podium.RegisterTraffic(r.Context(), req.Intents); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reqidRequest struct {
	ReqID string `json:"reqid"`
}

func (h *Handler) StartTraffic(w http.ResponseWriter, r *http.Request) {
	var req reqidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, h.Podium.StartTraffic(r.Context(), req.ReqID))
}

func (h *Handler) StopTraffic(w http.ResponseWriter, r *http.Request) {
	var req reqidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, h.Podium.StopTraffic(r.Context(), req.ReqID))
}

func (h *Handler) UnregisterTraffic(w http.ResponseWriter, r *http.Request) {
	var req reqidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, h.Podium.UnregisterTraffic(r.Context(), req.ReqID))
}

// filterRequest mirrors internal/api's queryRequest shape so a single
// client can speak the same filter JSON to either surface.
type filterRequest struct {
	ReqID       string          `json:"reqid"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Protocol    domain.Protocol `json:"protocol"`
	Port        int             `json:"port"`
	Expected    *bool           `json:"expected"`
	Result      *bool           `json:"result"`
}

func (q filterRequest) filter() results.Filter {
	return results.Filter{
		Source:      q.Source,
		Destination: q.Destination,
		Protocol:    q.Protocol,
		Port:        q.Port,
		Expected:    q.Expected,
		Result:      q.Result,
	}
}

func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	recs, err := h.Podium.GetResults(r.Context(), req.ReqID, req.filter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (h *Handler) GetTrafficStats(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stats, err := h.Podium.GetTrafficStats(r.Context(), req.ReqID, req.filter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) GetLatency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		filterRequest
		Method results.LatencyMethod `json:"method"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	val, err := h.Podium.GetLatency(r.Context(), req.ReqID, req.Method, req.filter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]float64{"value": val})
}

func (h *Handler) RunTraffic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SrcIP      string          `json:"src_ip"`
		DstIP      string          `json:"dst_ip"`
		DstPort    int             `json:"dst_port"`
		Protocol   domain.Protocol `json:"protocol"`
		Connected  bool            `json:"connected"`
		DurationMs int64           `json:"duration_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	reqid, err := h.Podium.RunTraffic(r.Context(), req.SrcIP, req.DstIP, req.DstPort, req.Protocol, req.Connected,
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"reqid": reqid})
}

func (h *Handler) RunMeshPing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hosts      []string        `json:"hosts"`
		Port       int             `json:"port"`
		Protocol   domain.Protocol `json:"protocol"`
		Connected  bool            `json:"connected"`
		DurationMs int64           `json:"duration_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	reqid, err := h.Podium.RunMeshPing(r.Context(), req.Hosts, req.Port, req.Protocol, req.Connected,
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"reqid": reqid})
}
