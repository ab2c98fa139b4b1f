package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/lydian-project/lydian/internal/api"
	"github.com/lydian-project/lydian/internal/config"
	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/metrics"
	"github.com/lydian-project/lydian/internal/monitor"
	"github.com/lydian-project/lydian/internal/observability"
	"github.com/lydian-project/lydian/internal/params"
	"github.com/lydian-project/lydian/internal/recorder"
	"github.com/lydian-project/lydian/internal/results"
	"github.com/lydian-project/lydian/internal/rulesstore"
)

func daemonCmd() *cobra.Command {
	var (
		listenAddr string
		hostIP     string
		dbDir      string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the agent daemon",
		Long:  "Run the Lydian agent as a daemon: RPC surface, traffic controller, resource monitor, and recording pipeline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("listen") {
				cfg.Agent.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("db-dir") {
				cfg.DB.Dir = dbDir
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()
			if cfg.Observability.Tracing.ServiceName == "" || cfg.Observability.Tracing.ServiceName == "lydian" {
				cfg.Observability.Tracing.ServiceName = "lydian-agent"
			}
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			if err := os.MkdirAll(cfg.DB.Dir, 0755); err != nil {
				return fmt.Errorf("create db dir: %w", err)
			}

			paramsStore, err := params.Open(filepath.Join(cfg.DB.Dir, "params.db"), cfg.Agent.ConfigFile)
			if err != nil {
				return fmt.Errorf("open params store: %w", err)
			}
			defer paramsStore.Close()

			rulesStore, err := rulesstore.Open(filepath.Join(cfg.DB.Dir, "rules.db"))
			if err != nil {
				return fmt.Errorf("open rules store: %w", err)
			}
			defer rulesStore.Close()
			if err := rulesStore.LoadFromDB(); err != nil {
				return fmt.Errorf("load rules: %w", err)
			}

			trafficDB, err := recorder.OpenTrafficDB(filepath.Join(cfg.DB.Dir, "traffic.db"))
			if err != nil {
				return fmt.Errorf("open traffic db: %w", err)
			}
			defer trafficDB.Close()

			trafficSinks, resourceSinks, closeSinks, err := buildSinks(ctx, cfg, trafficDB, paramsStore)
			if err != nil {
				return err
			}
			defer closeSinks()

			recMgr := recorder.NewManager(trafficSinks, resourceSinks, recorder.DefaultQueueCapacity,
				time.Duration(paramsStore.GetParam("TRAFFIC_RECORD_REPORT_FREQ", 4).(int))*time.Second,
				time.Duration(paramsStore.GetParam("RESOURCE_RECORD_REPORT_FREQ", 4).(int))*time.Second)
			recMgr.Start()
			defer recMgr.Close()

			resultsStore := results.NewStore(trafficDB)

			hostName, err := os.Hostname()
			if err != nil {
				hostName = "unknown"
			}
			nsPrefixes := toStringSlice(paramsStore.GetParam("NAMESPACE_INTERFACE_NAME_PREFIXES", controller.DefaultNamespaceInterfacePrefixes))

			ctrl := controller.New(hostIP, hostName, rulesStore, recMgr, nsPrefixes)
			ctrl.SetNetnsDir(cfg.Agent.NamespaceDir)
			ctrl.ResumeActiveRules()
			defer ctrl.Close()

			resMonitor, err := monitor.New(recMgr, monitor.DefaultInterval)
			if err != nil {
				return fmt.Errorf("init resource monitor: %w", err)
			}
			resMonitor.Start()
			defer resMonitor.Stop()

			srvCfg := api.ServerConfig{
				Controller: ctrl,
				Rules:      rulesStore,
				Results:    resultsStore,
				Configs:    paramsStore,
				Monitor:    resMonitor,
				NetnsDir:   cfg.Agent.NamespaceDir,
			}

			var httpServer *httpServerHandle
			if cfg.Agent.UseVsock && runtime.GOOS == "linux" {
				ln, err := vsock.Listen(cfg.Agent.VsockPort, nil)
				if err != nil {
					return fmt.Errorf("listen on vsock port %d: %w", cfg.Agent.VsockPort, err)
				}
				srv := api.Serve(ln, srvCfg)
				httpServer = &httpServerHandle{srv: srv, ln: ln}
				logging.Op().Info("agent rpc listening", "transport", "vsock", "port", cfg.Agent.VsockPort)
			} else {
				srv := api.StartHTTPServer(cfg.Agent.ListenAddr, srvCfg)
				httpServer = &httpServerHandle{srv: srv}
				logging.Op().Info("agent rpc listening", "transport", "tcp", "addr", cfg.Agent.ListenAddr)
			}
			defer httpServer.shutdown()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					return nil
				case <-ticker.C:
					ctrl.DiscoverInterfaces()
				}
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":5649", "TCP listen address for the RPC surface")
	cmd.Flags().StringVar(&hostIP, "host-ip", "", "This agent's management IP, as known to Podium's endpoint map")
	cmd.Flags().StringVar(&dbDir, "db-dir", "/var/lib/lydian", "Directory for the agent's SQLite databases")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// httpServerHandle lets the shutdown deferral close both the TCP/HTTP
// path (http.Server.Shutdown) and the vsock path (closing the listener
// the server was handed, since http.Server doesn't own it).
type httpServerHandle struct {
	srv *http.Server
	ln  net.Listener
}

func (h *httpServerHandle) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.srv.Shutdown(ctx)
	if h.ln != nil {
		h.ln.Close()
	}
}

// buildSinks constructs the recording pipeline's fan-out sinks per
// cfg.Sinks, binding each Sink's Enabled() to the matching live param so
// toggling e.g. SQLITE_TRAFFIC_RECORDING at runtime takes effect without
// a restart.
func buildSinks(ctx context.Context, cfg *config.Config, trafficDB *sql.DB, paramsStore *params.Store) ([]recorder.Sink, []recorder.Sink, func(), error) {
	var trafficSinks, resourceSinks []recorder.Sink
	var closers []func()

	if cfg.Sinks.SQLiteEnabled {
		sink := recorder.NewSQLiteSink(trafficDB, func() bool {
			return paramsStore.GetParam("SQLITE_TRAFFIC_RECORDING", true).(bool)
		})
		trafficSinks = append(trafficSinks, sink)
	}

	if cfg.Sinks.RedisEnabled {
		sink, err := recorder.NewRedisSink(cfg.Sinks.RedisAddr, "", 0, func() bool {
			return paramsStore.GetParam("ELASTICSEARCH_TRAFFIC_RECORDING", true).(bool)
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init redis sink: %w", err)
		}
		trafficSinks = append(trafficSinks, sink)
		resourceSinks = append(resourceSinks, sink)
		closers = append(closers, func() { sink.Close() })
	}

	if cfg.Sinks.CloudWatchEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		hostName, _ := os.Hostname()
		sink := recorder.NewCloudWatchSink(cloudwatch.NewFromConfig(awsCfg), cfg.Sinks.CloudWatchNamespace, hostName, func() bool {
			return paramsStore.GetParam("WAVEFRONT_TRAFFIC_RECORDING", true).(bool)
		})
		trafficSinks = append(trafficSinks, sink)
		resourceSinks = append(resourceSinks, sink)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return trafficSinks, resourceSinks, closeAll, nil
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
