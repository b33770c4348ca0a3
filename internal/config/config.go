package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tenebrinet/internal/logging"
)

// Config is the whole application configuration. Loaded once at startup;
// hot reload is deliberately not supported.
type Config struct {
	Log        logging.Config   `yaml:"log"`
	Services   ServicesConfig   `yaml:"services"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Database   DatabaseConfig   `yaml:"database"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Feed       FeedConfig       `yaml:"feed"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServicesConfig holds per-service listener settings.
type ServicesConfig struct {
	Shell ShellServiceConfig `yaml:"shell"`
	Web   WebServiceConfig   `yaml:"web"`
	FTP   FTPServiceConfig   `yaml:"ftp"`

	// Shared per-connection limits.
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	MaxTranscriptBytes int           `yaml:"max_transcript_bytes"`
}

// ShellServiceConfig configures the shell-service emulator.
type ShellServiceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
}

// WebServiceConfig configures the web-service emulator.
type WebServiceConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ServerHeader string `yaml:"server_header"`
}

// FTPServiceConfig configures the file-transfer-service emulator.
type FTPServiceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	AnonymousAllowed bool   `yaml:"anonymous_allowed"`
}

// AdmissionConfig bounds per-source resource consumption.
type AdmissionConfig struct {
	Window                 time.Duration `yaml:"window"`
	MaxPerWindow           int           `yaml:"max_per_window"`
	MaxConcurrentPerSource int           `yaml:"max_concurrent_per_source"`
	MaxConcurrentTotal     int           `yaml:"max_concurrent_total"`
}

// ClassifierConfig configures the threat classifier.
type ClassifierConfig struct {
	ModelPath           string  `yaml:"model_path"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	WatchModel          bool    `yaml:"watch_model"`
}

// DatabaseConfig selects and configures the storage collaborator.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite3 or postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetryQueue int           `yaml:"max_retry_queue"`
}

// EnrichmentConfig configures the best-effort geo/ASN lookups.
type EnrichmentConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// FeedConfig configures the live feed broadcaster.
type FeedConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// MonitoringConfig configures the ops HTTP surface.
type MonitoringConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration with every service enabled on its
// conventional unprivileged port.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Services: ServicesConfig{
			Shell: ShellServiceConfig{
				Enabled:  true,
				Host:     "0.0.0.0",
				Port:     2222,
				Hostname: "web-prod-03",
			},
			Web: WebServiceConfig{
				Enabled:      true,
				Host:         "0.0.0.0",
				Port:         8080,
				ServerHeader: "Apache/2.4.41 (Ubuntu)",
			},
			FTP: FTPServiceConfig{
				Enabled:          true,
				Host:             "0.0.0.0",
				Port:             2121,
				AnonymousAllowed: true,
			},
			IdleTimeout:        60 * time.Second,
			MaxSessionDuration: 10 * time.Minute,
			ShutdownGrace:      5 * time.Second,
			MaxTranscriptBytes: 256 * 1024,
		},
		Admission: AdmissionConfig{
			Window:                 10 * time.Second,
			MaxPerWindow:           10,
			MaxConcurrentPerSource: 20,
			MaxConcurrentTotal:     1000,
		},
		Classifier: ClassifierConfig{
			ModelPath:           "models/threat_model.json",
			ConfidenceThreshold: 0.7,
			WatchModel:          true,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite3",
			DSN:           "tenebrinet.db",
			MaxOpenConns:  25,
			MaxIdleConns:  5,
			RetryInterval: 2 * time.Second,
			MaxRetryQueue: 4096,
		},
		Enrichment: EnrichmentConfig{
			Enabled:  false,
			Timeout:  3 * time.Second,
			CacheTTL: 6 * time.Hour,
		},
		Feed: FeedConfig{
			SubscriberBuffer: 256,
		},
		Monitoring: MonitoringConfig{
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail at an awkward moment.
func (c *Config) Validate() error {
	for _, p := range []struct {
		name    string
		enabled bool
		port    int
	}{
		{"shell", c.Services.Shell.Enabled, c.Services.Shell.Port},
		{"web", c.Services.Web.Enabled, c.Services.Web.Port},
		{"ftp", c.Services.FTP.Enabled, c.Services.FTP.Port},
	} {
		if p.enabled && (p.port < 1 || p.port > 65535) {
			return fmt.Errorf("invalid %s port: %d", p.name, p.port)
		}
	}

	if c.Admission.MaxPerWindow < 1 {
		return fmt.Errorf("admission max_per_window must be positive")
	}
	if c.Admission.Window <= 0 {
		return fmt.Errorf("admission window must be positive")
	}
	if c.Classifier.ConfidenceThreshold < 0 || c.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1]")
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	return nil
}
