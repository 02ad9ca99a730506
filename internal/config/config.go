package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all sync-core configuration loaded from environment variables,
// optionally layered with a YAML overrides file for tunables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"logLevel"`

	// API server for UI consumers
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8470" yaml:"listenAddr"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" yaml:"corsOrigins"`

	// Durable storage
	DBPath       string `envconfig:"DB_PATH" default:"syncd.db" yaml:"dbPath"`
	SnapshotPath string `envconfig:"SNAPSHOT_PATH" default:"syncd-snapshot.json" yaml:"snapshotPath"`

	// Remote backend
	BackendURL    string        `envconfig:"BACKEND_URL" yaml:"backendURL"`
	BackendSecret string        `envconfig:"BACKEND_SECRET" yaml:"-"`
	BackendIssuer string        `envconfig:"BACKEND_ISSUER" default:"syncd" yaml:"backendIssuer"`
	TokenTTL      time.Duration `envconfig:"TOKEN_TTL" default:"10m" yaml:"tokenTTL"`
	ActionTimeout time.Duration `envconfig:"ACTION_TIMEOUT" default:"15s" yaml:"actionTimeout"`

	// Outbox queue
	MaxQueueSize    int           `envconfig:"MAX_QUEUE_SIZE" default:"100" yaml:"maxQueueSize"`
	MaxLowPriority  int           `envconfig:"MAX_LOW_PRIORITY" default:"20" yaml:"maxLowPriority"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"5" yaml:"maxRetries"`
	RetryBaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s" yaml:"retryBaseDelay"`
	NetworkMaxDelay time.Duration `envconfig:"NETWORK_MAX_DELAY" default:"5s" yaml:"networkMaxDelay"`
	DispatchWorkers int           `envconfig:"DISPATCH_WORKERS" default:"3" yaml:"dispatchWorkers"`

	// Dead letter quarantine
	DeadLetterCap      int           `envconfig:"DEAD_LETTER_CAP" default:"50" yaml:"deadLetterCap"`
	DeadLetterTTL      time.Duration `envconfig:"DEAD_LETTER_TTL" default:"24h" yaml:"deadLetterTTL"`
	CriticalAlertCount int           `envconfig:"CRITICAL_ALERT_COUNT" default:"3" yaml:"criticalAlertCount"`

	// Change tracker
	LockTTL          time.Duration `envconfig:"LOCK_TTL" default:"30s" yaml:"lockTTL"`
	ChangeRatioLimit float64       `envconfig:"CHANGE_RATIO_LIMIT" default:"0.8" yaml:"changeRatioLimit"`

	// Merge engine
	ContentSimilarityCutoff float64 `envconfig:"CONTENT_SIMILARITY_CUTOFF" default:"0.3" yaml:"contentSimilarityCutoff"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SYNCD", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithOverrides reads configuration from the environment, then applies
// overrides from a YAML file if path is non-empty. An empty path skips the
// overlay.
func LoadWithOverrides(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing overrides file: %w", err)
	}
	return cfg, nil
}

// BackendEnabled returns true if a remote backend is configured. Without one
// the outbox still queues; drains fail with network-class errors until a
// backend appears.
func (c *Config) BackendEnabled() bool {
	return c.BackendURL != ""
}
