package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtaverner/toolgate/internal/tool"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete toolgate configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Blobs   BlobConfig    `yaml:"blobs"`
	Worker  WorkerConfig  `yaml:"worker"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string   `yaml:"name"`
	LogLevel        string   `yaml:"log_level"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// StateConfig defines where the execution database lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// BlobConfig defines the local blob storage root the retention sweeper
// operates on.
type BlobConfig struct {
	Root string `yaml:"root"`
}

// WorkerConfig defines how the external compute worker is reached.
type WorkerConfig struct {
	BaseURL string `yaml:"base_url"`
	// CallbackSecret signs worker callback bodies (HMAC-SHA256).
	CallbackSecret string      `yaml:"callback_secret"`
	Retry          RetryConfig `yaml:"retry"`
	// Timeouts overrides the per-category worker budget. Keys are category
	// names; absent categories use the built-in budget.
	Timeouts map[string]Duration `yaml:"timeouts,omitempty"`
}

// RetryConfig defines dispatch retry behavior.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "toolgate",
			LogLevel:        "info",
			CleanupInterval: Duration(1 * time.Hour),
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Blobs: BlobConfig{
			Root: "./data/blobs",
		},
		Worker: WorkerConfig{
			BaseURL: "http://127.0.0.1:9090",
			Retry: RetryConfig{
				MaxAttempts: 4,
				BackoffBase: Duration(500 * time.Millisecond),
			},
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// WorkerTimeout resolves the processing budget for a category, preferring a
// configured override over the built-in budget.
func (c *Config) WorkerTimeout(cat tool.Category) time.Duration {
	if d, ok := c.Worker.Timeouts[string(cat)]; ok && d > 0 {
		return d.Std()
	}
	return cat.WorkerTimeout()
}
