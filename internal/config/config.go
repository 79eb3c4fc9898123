package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the healing engine.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Logging    LoggingConfig   `yaml:"logging"`
	Buffer     BufferConfig    `yaml:"buffer"`
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Agent      AgentConfig     `yaml:"agent"`
	Monitor    MonitorConfig   `yaml:"monitor"`
	AutoHeal   AutoHealConfig  `yaml:"autoheal"`
	Cache      CacheConfig     `yaml:"cache"`
	Notify     NotifyConfig    `yaml:"notify"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BufferConfig bounds the telemetry buffer.
type BufferConfig struct {
	MaxLogs      int           `yaml:"maxLogs"`
	MaxMetrics   int           `yaml:"maxMetrics"`
	MaxSnapshots int           `yaml:"maxSnapshots"`
	TTL          time.Duration `yaml:"ttl"`
}

// ThresholdConfig holds the absolute detection thresholds shared by the
// anomaly detector and the stability evaluator.
type ThresholdConfig struct {
	CPUPercent     float64 `yaml:"cpuPercent"`
	MemoryPercent  float64 `yaml:"memoryPercent"`
	LatencyMS      float64 `yaml:"latencyMs"`
	ErrorRate      float64 `yaml:"errorRate"`
	ThroughputDrop float64 `yaml:"throughputDrop"`
	OutlierZScore  float64 `yaml:"outlierZScore"`
	StatWindowSize int     `yaml:"statWindowSize"`
}

// AgentConfig configures the external analysis agent.
type AgentConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	APIKey       string        `yaml:"apiKey"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	ParseRetries int           `yaml:"parseRetries"`
	MaxLogLines  int           `yaml:"maxLogLines"`
	MaxSnapshots int           `yaml:"maxSnapshots"`
}

// MonitorConfig controls the periodic monitor loop and the remediation
// workflow it drives.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxRetries    int           `yaml:"maxRetries"`
	CheckInterval time.Duration `yaml:"checkInterval"`
	AutoExecute   bool          `yaml:"autoExecute"`
}

// AutoHealConfig controls the action executor.
type AutoHealConfig struct {
	DryRun         bool          `yaml:"dryRun"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// CacheConfig controls the optional Valkey-backed incident snapshot store.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
}

// NotifyConfig configures outbound incident notifications.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load initialises Config from an optional .env file, a YAML file, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("SENTINEL_HEAL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Buffer: BufferConfig{
			MaxLogs:      10000,
			MaxMetrics:   10000,
			MaxSnapshots: 1000,
			TTL:          time.Hour,
		},
		Thresholds: ThresholdConfig{
			CPUPercent:     85,
			MemoryPercent:  90,
			LatencyMS:      2000,
			ErrorRate:      0.05,
			ThroughputDrop: 0.3,
			OutlierZScore:  3,
			StatWindowSize: 100,
		},
		Agent: AgentConfig{
			Model:        "gpt-4o",
			Timeout:      2 * time.Minute,
			ParseRetries: 3,
			MaxLogLines:  30,
			MaxSnapshots: 10,
		},
		Monitor: MonitorConfig{
			Interval:      5 * time.Minute,
			MaxRetries:    5,
			CheckInterval: 30 * time.Second,
			AutoExecute:   false,
		},
		AutoHeal: AutoHealConfig{
			DryRun:         true,
			CommandTimeout: time.Minute,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			SnapshotTTL:  24 * time.Hour,
		},
		Notify: NotifyConfig{Timeout: 10 * time.Second},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_HEAL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_HEAL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_HEAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_HEAL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_HEAL_AGENT_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_HEAL_AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("SENTINEL_HEAL_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("SENTINEL_HEAL_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("SENTINEL_HEAL_MAX_AGENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.MaxRetries = n
		}
	}
	if v := os.Getenv("SENTINEL_HEAL_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.CheckInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_HEAL_AUTO_EXECUTE"); v != "" {
		cfg.Monitor.AutoExecute = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_HEAL_DRY_RUN"); v != "" {
		cfg.AutoHeal.DryRun = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_HEAL_BUFFER_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.MaxLogs = n
			cfg.Buffer.MaxMetrics = n
		}
	}
	if v := os.Getenv("SENTINEL_HEAL_BUFFER_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.TTL = d
		}
	}
	if v := os.Getenv("SENTINEL_HEAL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_HEAL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_HEAL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SENTINEL_HEAL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_HEAL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_HEAL_CACHE_TLS"); isTrue(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("SENTINEL_HEAL_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
}
