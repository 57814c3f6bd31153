// Package config loads the host-side YAML configuration: which providers
// are enabled, their endpoints and credentials, and the ambient logging,
// tracing, retry and transport settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"modelrelay/internal/domain"
)

// Config is the top-level configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Retry     RetryConfig      `yaml:"retry"`
	Breaker   BreakerConfig    `yaml:"circuit_breaker"`
	Transport TransportConfig  `yaml:"transport"`
	Logger    LoggerConfig     `yaml:"logger"`
	Tracer    TracerConfig     `yaml:"tracer"`
}

// ProviderConfig holds settings for a single backend.
type ProviderConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"` // anthropic | openai | google | ollama | copilot | bedrock
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Region  string `yaml:"region,omitempty"` // bedrock only
	// Models overrides the built-in catalog for this provider.
	Models []ModelConfig `yaml:"models,omitempty"`
}

// ModelConfig overrides or extends a provider's model catalog entry.
type ModelConfig struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"display_name,omitempty"`
	ContextWindow int    `yaml:"context_window,omitempty"`
	MaxOutput     int    `yaml:"max_output,omitempty"`
	SupportsTools bool   `yaml:"supports_tools"`
	SupportsImage bool   `yaml:"supports_image"`
}

// RetryConfig bounds the orchestrator's retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// BreakerConfig holds per-provider circuit breaker settings.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// TransportConfig holds HTTP transport settings shared by all providers.
type TransportConfig struct {
	ConnTimeout         time.Duration `yaml:"conn_timeout"`
	RespTimeout         time.Duration `yaml:"resp_timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	RequestsPerSecond   float64       `yaml:"requests_per_second"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults and no providers.
func Defaults() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// envPattern matches ${VAR} references in string values.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and validates a YAML config file. ${VAR} references in the
// file expand from the environment, so API keys stay out of the file
// itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validTypes = map[string]domain.ProviderKind{
	"anthropic": domain.ProviderAnthropic,
	"openai":    domain.ProviderOpenAI,
	"google":    domain.ProviderGoogle,
	"ollama":    domain.ProviderOllama,
	"copilot":   domain.ProviderCopilot,
	"bedrock":   domain.ProviderBedrock,
}

// Validate checks structural invariants.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if _, ok := validTypes[p.Type]; !ok {
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	return nil
}

// Kind maps a provider config's type string to its ProviderKind.
func (p ProviderConfig) Kind() domain.ProviderKind { return validTypes[p.Type] }

// Credential derives the wire credential for this provider entry, keyed by
// backend kind: Anthropic and Google present API keys, OpenAI and Copilot
// bearer tokens, the local daemon nothing.
func (p ProviderConfig) Credential() domain.Credential {
	switch p.Kind() {
	case domain.ProviderOllama, domain.ProviderBedrock:
		return domain.Credential{Kind: domain.CredentialNone}
	case domain.ProviderAnthropic, domain.ProviderGoogle:
		return domain.Credential{Kind: domain.CredentialAPIKey, Secret: p.APIKey}
	default:
		return domain.Credential{Kind: domain.CredentialBearer, Secret: p.APIKey}
	}
}
