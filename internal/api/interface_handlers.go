package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/discovery"
)

// InterfaceHandler serves the "interface" namespace (§6).
type InterfaceHandler struct{}

func (h *InterfaceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /interface/ListInterfaces", h.ListInterfaces)
	mux.HandleFunc("GET /interface/GetInterface", h.GetInterface)
	mux.HandleFunc("GET /interface/GetInterfaceIpsMap", h.GetInterfaceIpsMap)
}

func (h *InterfaceHandler) ListInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := discovery.HostInterfaces()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ifaces)
}

func (h *InterfaceHandler) GetInterface(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	iface, ok, err := discovery.GetInterface(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "interface not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(iface)
}

func (h *InterfaceHandler) GetInterfaceIpsMap(w http.ResponseWriter, r *http.Request) {
	m, err := discovery.InterfaceIPsMap()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}
