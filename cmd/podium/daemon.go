package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lydian-project/lydian/internal/config"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/metrics"
	"github.com/lydian-project/lydian/internal/observability"
	"github.com/lydian-project/lydian/internal/podium"
	"github.com/lydian-project/lydian/internal/rpcclient"
	"github.com/lydian-project/lydian/internal/rulesstore"
)

func daemonCmd() *cobra.Command {
	var (
		listenAddr  string
		dbDir       string
		username    string
		password    string
		clusterDSN  string
		logLevel    string
		agentBinary string
		agentConfig string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Podium orchestrator daemon",
		Long:  "Run the Lydian Podium as a daemon: exposes a control-plane RPC surface over the fleet it programs.",
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
				cfg.Podium.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("username") {
				cfg.Podium.EndpointUsername = username
			}
			if cmd.Flags().Changed("password") {
				cfg.Podium.EndpointPassword = password
			}
			if cmd.Flags().Changed("cluster-dsn") {
				cfg.Podium.ClusterPostgresDSN = clusterDSN
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
				cfg.Observability.Tracing.ServiceName = "lydian-podium"
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

			rulesStore, err := rulesstore.Open(filepath.Join(cfg.DB.Dir, "podium_rules.db"))
			if err != nil {
				return fmt.Errorf("open rules store: %w", err)
			}
			defer rulesStore.Close()
			if err := rulesStore.LoadFromDB(); err != nil {
				return fmt.Errorf("load rules: %w", err)
			}

			var cluster *podium.ClusterStore
			if cfg.Podium.ClusterPostgresDSN != "" {
				cluster, err = podium.NewClusterStore(ctx, cfg.Podium.ClusterPostgresDSN)
				if err != nil {
					return fmt.Errorf("init cluster store: %w", err)
				}
				defer cluster.Close()
			}

			p := podium.New(rulesStore, podium.Config{
				Username:          cfg.Podium.EndpointUsername,
				Password:          cfg.Podium.EndpointPassword,
				MaxParallel:       cfg.Podium.NodePrepMaxParallel,
				HostWait:          cfg.Podium.HostWaitTime,
				StartServersFirst: true,
				AgentBinaryPath:   agentBinary,
				AgentConfigPath:   agentConfig,
				NewClient: func(hostip string) podium.AgentClient {
					return rpcclient.New(fmt.Sprintf("http://%s%s", hostip, cfg.Agent.ListenAddr), 30*time.Second)
				},
				Cluster: cluster,
			})
			if cluster != nil {
				if err := p.Rehydrate(ctx); err != nil {
					logging.Op().Warn("rehydrate from cluster store failed", "error", err)
				}
			}
			defer p.Close()

			mux := http.NewServeMux()
			(&podium.Handler{Podium: p}).RegisterRoutes(mux)
			srv := &http.Server{Addr: cfg.Podium.ListenAddr, Handler: observability.HTTPMiddleware(mux)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("podium rpc server stopped", "error", err)
				}
			}()
			logging.Op().Info("podium listening", "addr", cfg.Podium.ListenAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":5650", "Listen address for Podium's own control-plane RPC surface")
	cmd.Flags().StringVar(&dbDir, "db-dir", "/var/lib/lydian-podium", "Directory for Podium's local rules database")
	cmd.Flags().StringVar(&username, "username", "root", "SSH username used to prep new hosts")
	cmd.Flags().StringVar(&password, "password", "", "SSH password used to prep new hosts")
	cmd.Flags().StringVar(&clusterDSN, "cluster-dsn", "", "Optional Postgres DSN for the durable cluster mirror")
	cmd.Flags().StringVar(&agentBinary, "agent-binary", "", "Path to the agent binary copied onto newly prepped hosts")
	cmd.Flags().StringVar(&agentConfig, "agent-config", "", "Path to the agent config file copied onto newly prepped hosts")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
