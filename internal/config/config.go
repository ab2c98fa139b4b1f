// Package config holds process/daemon bootstrap configuration for the
// agent and Podium binaries: listen addresses, database directory,
// observability toggles. It is distinct from internal/params, which
// implements Lydian's own domain-level typed config store (the
// (param,value,typename) triples described by the traffic-fabric spec).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DBConfig controls where the agent's three SQLite databases live.
type DBConfig struct {
	Dir                  string        `yaml:"dir"`                    // LYDIAN_DB_DIR
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`     // SQLITE3_CONNECTION_TIMEOUT
}

// AgentConfig controls the per-host agent daemon.
type AgentConfig struct {
	ListenAddr   string `yaml:"listen_addr"`   // LYDIAN_PORT, default ":5649"
	UseVsock     bool   `yaml:"use_vsock"`     // listen over AF_VSOCK instead of TCP
	VsockPort    uint32 `yaml:"vsock_port"`
	ConfigFile   string `yaml:"config_file"`   // LYDIAN_CONFIG, key=value domain config
	NamespaceDir string `yaml:"namespace_dir"` // default /var/run/netns
}

// PodiumConfig controls the orchestrator daemon.
type PodiumConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	EndpointUsername    string        `yaml:"endpoint_username"`
	EndpointPassword    string        `yaml:"endpoint_password"`
	HostWaitTime        time.Duration `yaml:"host_wait_time"`
	NodePrepMaxParallel int           `yaml:"node_prep_max_parallel"`
	ClusterPostgresDSN  string        `yaml:"cluster_postgres_dsn"` // optional ClusterStore mirror
}

// SinksConfig toggles the recording pipeline's fan-out sinks.
type SinksConfig struct {
	SQLiteEnabled bool `yaml:"sqlite_enabled"`
	RedisEnabled  bool `yaml:"redis_enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	CloudWatchEnabled bool `yaml:"cloudwatch_enabled"`
	CloudWatchNamespace string `yaml:"cloudwatch_namespace"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig groups the observability sub-sections.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is the root daemon bootstrap configuration for either binary.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Podium        PodiumConfig        `yaml:"podium"`
	DB            DBConfig            `yaml:"db"`
	Sinks         SinksConfig         `yaml:"sinks"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults matching §6's
// key config parameter table.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ListenAddr:   ":5649",
			UseVsock:     false,
			VsockPort:    5649,
			ConfigFile:   "/etc/lydian/lydian.conf",
			NamespaceDir: "/var/run/netns",
		},
		Podium: PodiumConfig{
			ListenAddr:          ":5650",
			EndpointUsername:    "root",
			EndpointPassword:    "",
			HostWaitTime:        60 * time.Second,
			NodePrepMaxParallel: 32,
		},
		DB: DBConfig{
			Dir:               "/var/lib/lydian",
			ConnectionTimeout: 20 * time.Second,
		},
		Sinks: SinksConfig{
			SQLiteEnabled:       true,
			RedisEnabled:        false,
			RedisAddr:           "localhost:6379",
			CloudWatchEnabled:   false,
			CloudWatchNamespace: "Lydian",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "lydian",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "lydian",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applied over
// DefaultConfig()'s values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LYDIAN_PORT"); v != "" {
		cfg.Agent.ListenAddr = normalizeAddr(v)
	}
	if v := os.Getenv("LYDIAN_CONFIG"); v != "" {
		cfg.Agent.ConfigFile = v
	}
	if v := os.Getenv("LYDIAN_DB_DIR"); v != "" {
		cfg.DB.Dir = v
	}
	if v := os.Getenv("SQLITE3_CONNECTION_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.ConnectionTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ENDPOINT_USERNAME"); v != "" {
		cfg.Podium.EndpointUsername = v
	}
	if v := os.Getenv("ENDPOINT_PASSWORD"); v != "" {
		cfg.Podium.EndpointPassword = v
	}
	if v := os.Getenv("LYDIAN_CLUSTER_PG_DSN"); v != "" {
		cfg.Podium.ClusterPostgresDSN = v
	}
	if v := os.Getenv("LYDIAN_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("LYDIAN_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
}

func normalizeAddr(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
