// Package config loads and validates the bridge configuration.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration for the bridge.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	Storage      StorageConfig      `yaml:"storage"`
	Bus          BusConfig          `yaml:"bus"`
	Feeds        FeedsConfig        `yaml:"feeds"`
	Figma        FigmaConfig        `yaml:"figma"`
	GitLab       GitLabConfig       `yaml:"gitlab"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Listeners    ListenersConfig    `yaml:"listeners"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MatrixConfig identifies the bridge's homeserver account.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	DeviceID    string `yaml:"device_id"`
}

// StorageConfig selects the storage provider backing durable bridge state.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `yaml:"backend"`

	// DSN is the database connection string for sqlite/postgres backends.
	DSN string `yaml:"dsn"`

	// ContextSuffix namespaces keys when several bridge identities share
	// one store.
	ContextSuffix string `yaml:"context_suffix"`
}

// BusConfig selects the event bus transport.
type BusConfig struct {
	// Mode is "local" for in-process delivery or "nats" for a worker fleet.
	Mode string `yaml:"mode"`

	// URL is the NATS server URL for the distributed mode.
	URL string `yaml:"url"`
}

// FeedsConfig enables the RSS/Atom feed family.
type FeedsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// FigmaConfig enables the design-file comment family.
type FigmaConfig struct {
	Enabled bool `yaml:"enabled"`
}

// GitLabConfig enables the repository family.
type GitLabConfig struct {
	Enabled bool `yaml:"enabled"`

	// Instances maps instance names to base URLs, e.g.
	// "gitlab.com" -> https://gitlab.com.
	Instances map[string]string `yaml:"instances"`
}

// WebhooksConfig enables the generic inbound webhook family.
type WebhooksConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ListenersConfig configures HTTP listeners.
type ListenersConfig struct {
	// Webhook is the bind address for the ingestion front end.
	Webhook string `yaml:"webhook"`

	// Metrics is the bind address for the Prometheus endpoint. Empty
	// disables it.
	Metrics string `yaml:"metrics"`
}

// ProvisioningConfig configures the provisioning API.
type ProvisioningConfig struct {
	Enabled bool `yaml:"enabled"`

	// Listen is the bind address for the provisioning API.
	Listen string `yaml:"listen"`

	// Secret authenticates provisioning callers and signs session tokens.
	Secret string `yaml:"secret"`

	// SessionTTL bounds session lifetime (default 24h).
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Bus.Mode == "" {
		c.Bus.Mode = "local"
	}
	if c.Feeds.PollInterval <= 0 {
		c.Feeds.PollInterval = 10 * time.Minute
	}
	if c.Feeds.PollTimeout <= 0 {
		c.Feeds.PollTimeout = 30 * time.Second
	}
	if c.Listeners.Webhook == "" {
		c.Listeners.Webhook = ":9000"
	}
	if c.Provisioning.Listen == "" {
		c.Provisioning.Listen = ":9002"
	}
	if c.Provisioning.SessionTTL <= 0 {
		c.Provisioning.SessionTTL = 24 * time.Hour
	}
}

// Validate checks the configuration, collecting every issue found.
func (c *Config) Validate() error {
	var issues []string

	if c.Matrix.Homeserver == "" {
		issues = append(issues, "matrix.homeserver is required")
	} else if u, err := url.Parse(c.Matrix.Homeserver); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, "matrix.homeserver must be an absolute URL")
	}
	if c.Matrix.UserID == "" {
		issues = append(issues, "matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		issues = append(issues, "matrix.access_token is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			issues = append(issues, fmt.Sprintf("storage.dsn is required for the %s backend", c.Storage.Backend))
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.backend %q is not one of memory, sqlite, postgres", c.Storage.Backend))
	}

	switch c.Bus.Mode {
	case "local":
	case "nats":
		if c.Bus.URL == "" {
			issues = append(issues, "bus.url is required for the nats mode")
		}
	default:
		issues = append(issues, fmt.Sprintf("bus.mode %q is not one of local, nats", c.Bus.Mode))
	}

	if c.GitLab.Enabled {
		for name, base := range c.GitLab.Instances {
			if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
				issues = append(issues, fmt.Sprintf("gitlab.instances.%s must be an absolute URL", name))
			}
		}
	}

	if c.Provisioning.Enabled && c.Provisioning.Secret == "" {
		issues = append(issues, "provisioning.secret is required when provisioning is enabled")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}
