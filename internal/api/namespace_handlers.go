package api

import (
	"encoding/json"
	"net/http"

	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/discovery"
)

// NamespaceHandler serves the "namespace" namespace (§6). Dir overrides
// the netns mount point scanned ("" for /var/run/netns).
type NamespaceHandler struct {
	Dir      string
	Prefixes []string // defaults to controller.DefaultNamespaceInterfacePrefixes
}

func (h *NamespaceHandler) prefixes() []string {
	if h.Prefixes == nil {
		return controller.DefaultNamespaceInterfacePrefixes
	}
	return h.Prefixes
}

func (h *NamespaceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /namespace/ListNamespaces", h.ListNamespaces)
	mux.HandleFunc("GET /namespace/GetNamespace", h.GetNamespace)
	mux.HandleFunc("GET /namespace/ListNamespacesIps", h.ListNamespacesIps)
	mux.HandleFunc("POST /namespace/DiscoverNamespaces", h.DiscoverNamespaces)
}

func (h *NamespaceHandler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := discovery.ListNamespaces(h.Dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(names)
}

func (h *NamespaceHandler) GetNamespace(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	nsIfaces, err := discovery.NamespaceInterfaces(h.Dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ifaces, ok := nsIfaces[name]
	if !ok {
		http.Error(w, "namespace not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ifaces)
}

func (h *NamespaceHandler) ListNamespacesIps(w http.ResponseWriter, r *http.Request) {
	ips, err := discovery.NamespaceIPs(h.Dir, h.prefixes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ips)
}

// DiscoverNamespaces is a no-op acknowledgement: unlike the original's
// cached NamespaceManager, discovery.NamespaceInterfaces always re-scans
// live, so there is no stale cache to invalidate.
func (h *NamespaceHandler) DiscoverNamespaces(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
