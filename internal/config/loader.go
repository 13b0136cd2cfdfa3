package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mtaverner/toolgate/internal/tool"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-expands, and validates configuration from a YAML file.
// Missing sections fall back to Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values. Unset
// variables are left intact so validation can flag them.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}
	if strings.TrimSpace(cfg.Blobs.Root) == "" {
		return fmt.Errorf("blobs.root is required")
	}
	if strings.TrimSpace(cfg.Worker.BaseURL) == "" {
		return fmt.Errorf("worker.base_url is required")
	}
	if !strings.HasPrefix(cfg.Worker.BaseURL, "http://") && !strings.HasPrefix(cfg.Worker.BaseURL, "https://") {
		return fmt.Errorf("worker.base_url must be an http(s) URL, got %q", cfg.Worker.BaseURL)
	}
	if cfg.Worker.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("worker.retry.max_attempts must be positive")
	}
	if cfg.Worker.Retry.BackoffBase <= 0 {
		return fmt.Errorf("worker.retry.backoff_base must be positive")
	}
	for name, d := range cfg.Worker.Timeouts {
		if !tool.Category(name).Valid() {
			return fmt.Errorf("worker.timeouts: unknown category %q", name)
		}
		if d <= 0 {
			return fmt.Errorf("worker.timeouts.%s must be positive", name)
		}
	}
	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.Listen) == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or at least one token")
		}
		for i, t := range cfg.API.Auth.Tokens {
			if strings.TrimSpace(t.Token) == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
			}
			if strings.Contains(t.Token, "${") {
				return fmt.Errorf("api.auth.tokens[%d].token has an unresolved env var", i)
			}
		}
	}
	if strings.Contains(cfg.Worker.CallbackSecret, "${") {
		return fmt.Errorf("worker.callback_secret has an unresolved env var")
	}
	return nil
}
