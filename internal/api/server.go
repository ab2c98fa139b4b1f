// Package api wires the agent's HTTP+JSON RPC surface (§6): one handler
// struct per namespace (controller, rules, results, configs, monitor,
// interface, namespace, pcap, iperf), registered on a single ServeMux.
package api

import (
	"net"
	"net/http"

	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/monitor"
	"github.com/lydian-project/lydian/internal/observability"
	"github.com/lydian-project/lydian/internal/params"
	"github.com/lydian-project/lydian/internal/procwrap"
	"github.com/lydian-project/lydian/internal/results"
	"github.com/lydian-project/lydian/internal/rulesstore"
)

// ServerConfig contains the agent-side dependencies the RPC surface is
// built from.
type ServerConfig struct {
	Controller *controller.Controller
	Rules      *rulesstore.Store
	Results    *results.Store
	Configs    *params.Store
	Monitor    *monitor.Monitor
	NetnsDir   string // "" for /var/run/netns
}

func buildMux(cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()

	(&ControllerHandler{Controller: cfg.Controller}).RegisterRoutes(mux)
	(&RulesHandler{Rules: cfg.Rules}).RegisterRoutes(mux)
	(&ResultsHandler{Results: cfg.Results}).RegisterRoutes(mux)
	(&ConfigsHandler{Configs: cfg.Configs}).RegisterRoutes(mux)
	(&MonitorHandler{Monitor: cfg.Monitor}).RegisterRoutes(mux)
	(&InterfaceHandler{}).RegisterRoutes(mux)
	(&NamespaceHandler{Dir: cfg.NetnsDir}).RegisterRoutes(mux)
	(&ProcessHandler{Namespace: "pcap", Supervisor: procwrap.NewSupervisor("tcpdump")}).RegisterRoutes(mux)
	(&ProcessHandler{Namespace: "iperf", Supervisor: procwrap.NewSupervisor("iperf3")}).RegisterRoutes(mux)

	return mux
}

// StartHTTPServer builds the mux, registers every namespace's routes, and
// starts serving on addr in a background goroutine.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	srv := &http.Server{Addr: addr, Handler: observability.HTTPMiddleware(buildMux(cfg))}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("rpc server stopped", "error", err)
		}
	}()
	return srv
}

// Serve builds the mux and starts serving on an already-opened listener
// (e.g. an AF_VSOCK listener) in a background goroutine, for transports
// StartHTTPServer's addr-based ListenAndServe can't express.
func Serve(ln net.Listener, cfg ServerConfig) *http.Server {
	srv := &http.Server{Handler: observability.HTTPMiddleware(buildMux(cfg))}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("rpc server stopped", "error", err)
		}
	}()
	return srv
}
