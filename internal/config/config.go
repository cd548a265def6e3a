// Package config is the broker's single source of settings: an
// immutable, fully-enumerated struct built once at startup from
// defaults, an optional YAML file, and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig controls the directory sync loop (spec.md §4.8).
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	IgnoredUsers  []string      `yaml:"ignored_users"`
	LeaderLockKey string        `yaml:"leader_lock_key"`
}

// PoolResourceConfig holds the pool manager's resource ceilings (§4.4).
type PoolResourceConfig struct {
	MinFreeMemGB   float64 `yaml:"min_free_memory_gb"`
	MaxTotalMemGB  float64 `yaml:"max_total_memory_gb"`
	MaxMemPercent  float64 `yaml:"max_memory_percent"`
}

// PoolConfig controls the pre-warmed workload pool (§4.4).
type PoolConfig struct {
	Enabled                 bool               `yaml:"enabled"`
	InitContainers          int                `yaml:"init_containers"`
	MaxContainers           int                `yaml:"max_containers"`
	BatchSize               int                `yaml:"batch_size"`
	Resources               PoolResourceConfig `yaml:"resources"`
}

// LifecycleConfig controls the connection-state observer (§4.5).
type LifecycleConfig struct {
	PersistAfterDisconnect  bool          `yaml:"persist_after_disconnect"`
	IdleTimeoutMinutes      int           `yaml:"idle_timeout_minutes"`
	ForceKillOnLowResources bool          `yaml:"force_kill_on_low_resources"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	CleanupEveryNTicks      int           `yaml:"cleanup_every_n_ticks"`
}

// IdleTimeout returns the configured idle timeout as a Duration.
func (l LifecycleConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutMinutes) * time.Minute
}

// RecordingConfig controls Guacamole session recording (§6).
type RecordingConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path"`
	CreatePath        bool   `yaml:"create_path"`
	IncludeKeys       bool   `yaml:"include_keys"`
	NamePattern       string `yaml:"name_pattern"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
}

// GuacamoleConfig controls catalog-entry shaping (§4.7, §6).
type GuacamoleConfig struct {
	ForceHomePage      bool            `yaml:"force_home_page"`
	HomeConnectionName string          `yaml:"home_connection_name"`
	Recording          RecordingConfig `yaml:"recording"`
}

// ContainersConfig controls the workload image and runtime envelope (§6).
type ContainersConfig struct {
	Image          string        `yaml:"image"`
	MemoryLimit    string        `yaml:"memory_limit"`
	ShmSize        string        `yaml:"shm_size"`
	Network        string        `yaml:"network"`
	ConnectionName string        `yaml:"connection_name"`
	VNCTimeout     time.Duration `yaml:"vnc_timeout"`
	VNCPort        int           `yaml:"vnc_port"`
	Resolution     string        `yaml:"resolution"`
	ColorDepth     int           `yaml:"color_depth"`
	Volume         string        `yaml:"volume"`
}

// KubernetesConfig holds cluster-backend-only pod-spec fields
// (SPEC_FULL.md §11 supplement).
type KubernetesConfig struct {
	Namespace             string            `yaml:"namespace"`
	NodeSelector          map[string]string `yaml:"node_selector"`
	Tolerations           []string          `yaml:"tolerations"`
	ImagePullSecrets      []string          `yaml:"image_pull_secrets"`
	ServiceAccount        string            `yaml:"service_account"`
	RunAsNonRoot          bool              `yaml:"run_as_non_root"`
	RunAsUser             int64             `yaml:"run_as_user"`
	CPURequest            string            `yaml:"cpu_request"`
	CPULimit              string            `yaml:"cpu_limit"`
	MemoryRequest         string            `yaml:"memory_request"`
	MemoryLimit           string            `yaml:"memory_limit"`
}

// OrchestratorConfig selects and configures the container backend (§4.1).
type OrchestratorConfig struct {
	Backend    string            `yaml:"backend"` // "docker" or "kubernetes"
	Kubernetes KubernetesConfig  `yaml:"kubernetes"`
}

// PostgresConfig holds the session store's connection settings (§4.2).
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MinConns int32  `yaml:"min_conns"`
	MaxConns int32  `yaml:"max_conns"`
}

// GatewayConfig holds the gateway adapter's connection settings (§4.3).
type GatewayConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DataSource   string        `yaml:"data_source"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ProfilesConfig controls per-group browser-policy application
// (SPEC_FULL.md §11 supplement).
type ProfilesConfig struct {
	UserDataPath string        `yaml:"user_data_path"`
	ConfigFile   string        `yaml:"config_file"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text, json
}

// TracingConfig controls OpenTelemetry export (§10.3).
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the broker's complete, immutable settings value.
type Config struct {
	Sync         SyncConfig         `yaml:"sync"`
	Pool         PoolConfig         `yaml:"pool"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Containers   ContainersConfig   `yaml:"containers"`
	Guacamole    GuacamoleConfig    `yaml:"guacamole"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Profiles     ProfilesConfig     `yaml:"profiles"`
	Redis        string             `yaml:"redis"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// DefaultConfig returns every documented default from spec.md §6, mirrored
// from original_source/broker/config/loader.py's defaults dict.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:      60 * time.Second,
			IgnoredUsers:  []string{"guacadmin"},
			LeaderLockKey: "broker:sync:leader",
		},
		Pool: PoolConfig{
			Enabled:        true,
			InitContainers: 2,
			MaxContainers:  10,
			BatchSize:      3,
			Resources: PoolResourceConfig{
				MinFreeMemGB:  2.0,
				MaxTotalMemGB: 16.0,
				MaxMemPercent: 0.75,
			},
		},
		Lifecycle: LifecycleConfig{
			PersistAfterDisconnect:  true,
			IdleTimeoutMinutes:      3,
			ForceKillOnLowResources: true,
			PollInterval:            5 * time.Second,
			CleanupEveryNTicks:      60,
		},
		Containers: ContainersConfig{
			Image:          "guacamole/vnc-desktop:latest",
			MemoryLimit:    "1g",
			ShmSize:        "128m",
			Network:        "guacamole-net",
			ConnectionName: "Virtual Desktop",
			VNCTimeout:     30 * time.Second,
			VNCPort:        5901,
			Resolution:     "1920x1080",
			ColorDepth:     24,
			Volume:         "guacamole-user-data",
		},
		Guacamole: GuacamoleConfig{
			ForceHomePage:      true,
			HomeConnectionName: "Home",
			Recording: RecordingConfig{
				Enabled:     false,
				Path:        "/recordings",
				CreatePath:  true,
				IncludeKeys: false,
				NamePattern: "${GUAC_USERNAME}-${GUAC_DATE}-${GUAC_TIME}",
			},
		},
		Orchestrator: OrchestratorConfig{
			Backend: "docker",
			Kubernetes: KubernetesConfig{
				Namespace: "guacamole",
			},
		},
		Postgres: PostgresConfig{
			MinConns: 2,
			MaxConns: 8,
		},
		Gateway: GatewayConfig{
			DataSource:     "postgresql",
			RequestTimeout: 10 * time.Second,
		},
		Profiles: ProfilesConfig{
			UserDataPath: "/data/users",
			ConfigFile:   "/etc/broker/profiles.yml",
			CacheTTL:     60 * time.Second,
		},
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "guacamole-session-broker",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile reads a YAML file and merges it onto DefaultConfig().
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies BROKER_* environment overrides in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BROKER_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = d
		}
	}
	if v := os.Getenv("BROKER_SYNC_IGNORED_USERS"); v != "" {
		cfg.Sync.IgnoredUsers = strings.Split(v, ",")
	}
	if v := os.Getenv("BROKER_POOL_ENABLED"); v != "" {
		cfg.Pool.Enabled = parseBool(v, cfg.Pool.Enabled)
	}
	if v := os.Getenv("BROKER_POOL_INIT_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.InitContainers = n
		}
	}
	if v := os.Getenv("BROKER_POOL_MAX_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxContainers = n
		}
	}
	if v := os.Getenv("BROKER_POOL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.BatchSize = n
		}
	}
	if v := os.Getenv("BROKER_POOL_MIN_FREE_MEM_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.Resources.MinFreeMemGB = f
		}
	}
	if v := os.Getenv("BROKER_POOL_MAX_TOTAL_MEM_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.Resources.MaxTotalMemGB = f
		}
	}
	if v := os.Getenv("BROKER_POOL_MAX_MEM_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.Resources.MaxMemPercent = f
		}
	}
	if v := os.Getenv("BROKER_LIFECYCLE_PERSIST_AFTER_DISCONNECT"); v != "" {
		cfg.Lifecycle.PersistAfterDisconnect = parseBool(v, cfg.Lifecycle.PersistAfterDisconnect)
	}
	if v := os.Getenv("BROKER_LIFECYCLE_IDLE_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.IdleTimeoutMinutes = n
		}
	}
	if v := os.Getenv("BROKER_LIFECYCLE_FORCE_KILL_ON_LOW_RESOURCES"); v != "" {
		cfg.Lifecycle.ForceKillOnLowResources = parseBool(v, cfg.Lifecycle.ForceKillOnLowResources)
	}
	if v := os.Getenv("BROKER_CONTAINERS_IMAGE"); v != "" {
		cfg.Containers.Image = v
	}
	if v := os.Getenv("BROKER_CONTAINERS_MEMORY_LIMIT"); v != "" {
		cfg.Containers.MemoryLimit = v
	}
	if v := os.Getenv("BROKER_CONTAINERS_NETWORK"); v != "" {
		cfg.Containers.Network = v
	}
	if v := os.Getenv("BROKER_ORCHESTRATOR_BACKEND"); v != "" {
		cfg.Orchestrator.Backend = v
	}
	if v := os.Getenv("BROKER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("BROKER_GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("BROKER_GATEWAY_USERNAME"); v != "" {
		cfg.Gateway.Username = v
	}
	if v := os.Getenv("BROKER_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("BROKER_PROFILES_USER_DATA_PATH"); v != "" {
		cfg.Profiles.UserDataPath = v
	}
	if v := os.Getenv("BROKER_PROFILES_CONFIG_FILE"); v != "" {
		cfg.Profiles.ConfigFile = v
	}
	if v := os.Getenv("BROKER_REDIS"); v != "" {
		cfg.Redis = v
	}
	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("BROKER_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("BROKER_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v, cfg.Tracing.Enabled)
	}
	if v := os.Getenv("BROKER_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// parseBool parses common truthy/falsy strings, falling back to def on
// anything unrecognized.
func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Validate checks the fields the rest of the broker treats as load-bearing
// preconditions rather than graceful defaults.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	switch c.Orchestrator.Backend {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("orchestrator.backend must be \"docker\" or \"kubernetes\", got %q", c.Orchestrator.Backend)
	}
	return nil
}
