// Package config loads, validates and saves agentcore configuration.
//
// A Config is a plain value. Load returns a fresh copy every call and nothing
// in this package keeps global state, so independent conversations can run
// with different settings side by side.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"agentcore/pkg/agent/middleware/resilience/circuit"
	"agentcore/pkg/agent/middleware/resilience/retry"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// Memory backend names.
const (
	MemoryFile   = "file"
	MemorySQLite = "sqlite"
	MemoryVector = "vector"
)

// API key environment variables.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
)

// Defaults.
const (
	DefaultMaxIterations     = 10
	DefaultMaxReplyTokens    = 4096
	DefaultMaxContextTokens  = 200000
	DefaultReservedHeadroom  = 2000
	DefaultDelegateThreshold = 3000
	DefaultMaxParallelTools  = 4
	DefaultModel             = "claude-sonnet-4-5"
	DefaultAnalysisPrompt    = "You summarize tool output for another assistant. " +
		"Keep every fact needed to answer the stated purpose and drop everything else. Be brief."
)

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels maps model names to provider and window sizes.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":        {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-sonnet-4-20250514": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-1":          {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"claude-opus-4-5":          {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"gpt-4o":                   {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"o3":                       {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"o4-mini":                  {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"gpt-5":                    {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"gemini-2.0-flash":         {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
	"gemini-2.5-flash":         {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
}

// providerPrefixes infers a provider for models missing from KnownModels.
//
//nolint:gochecknoglobals // static inference rules
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
}

// ModelProvider returns the provider serving modelName.
func ModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for _, p := range providerPrefixes {
		if strings.HasPrefix(modelName, p.prefix) {
			return p.provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Name    string        `json:"name" yaml:"name" mapstructure:"name"`                               // empty: inferred from model
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"` // empty: read from environment
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"` // per request, 0 disables
	Circuit CircuitConfig `json:"circuit" yaml:"circuit" mapstructure:"circuit"`
}

// CircuitConfig configures the provider circuit breaker.
type CircuitConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" mapstructure:"success_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`
}

// Breaker converts to a circuit.Config.
func (c CircuitConfig) Breaker() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Cooldown:         c.Cooldown,
	}
}

// ModelConfig holds the model name and its token limits.
type ModelConfig struct {
	Name             string `json:"name" yaml:"name" mapstructure:"name"`
	MaxReplyTokens   int    `json:"max_reply_tokens" yaml:"max_reply_tokens" mapstructure:"max_reply_tokens"`
	MaxContextTokens int    `json:"max_context_tokens" yaml:"max_context_tokens" mapstructure:"max_context_tokens"`
	ReservedTokens   int    `json:"reserved_tokens" yaml:"reserved_tokens" mapstructure:"reserved_tokens"` // headroom kept free of history
}

// RetryConfig mirrors retry.Policy in configuration form.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor" mapstructure:"backoff_factor"`
	Jitter        bool          `json:"jitter" yaml:"jitter" mapstructure:"jitter"`
}

// Policy returns the immutable retry policy for this configuration.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}
}

// LoopConfig configures the tool loop.
type LoopConfig struct {
	SystemPrompt      string `json:"system_prompt" yaml:"system_prompt" mapstructure:"system_prompt"`
	AnalysisPrompt    string `json:"analysis_prompt" yaml:"analysis_prompt" mapstructure:"analysis_prompt"`
	MaxIterations     int    `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	DelegateThreshold int    `json:"delegate_threshold" yaml:"delegate_threshold" mapstructure:"delegate_threshold"` // tokens; 0 disables delegation
	MaxParallelTools  int    `json:"max_parallel_tools" yaml:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	ParallelTools     bool   `json:"parallel_tools" yaml:"parallel_tools" mapstructure:"parallel_tools"`
}

// MemoryConfig selects the memory backend.
type MemoryConfig struct {
	Backend    string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Path       string `json:"path" yaml:"path" mapstructure:"path"`
	Dimensions int    `json:"dimensions" yaml:"dimensions" mapstructure:"dimensions"` // vector backend only
	Tools      bool   `json:"tools" yaml:"tools" mapstructure:"tools"`                // expose remember/recall to the model
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
	Addr      string `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"` // serve /metrics when set
}

// TelemetryConfig configures the span sink.
type TelemetryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"` // empty: stderr
}

// PersistenceConfig configures the conversation store.
type PersistenceConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" yaml:"path" mapstructure:"path"`
}

// Config is the complete agentcore configuration.
type Config struct {
	Provider    ProviderConfig    `json:"provider" yaml:"provider" mapstructure:"provider"`
	Model       ModelConfig       `json:"model" yaml:"model" mapstructure:"model"`
	Retry       RetryConfig       `json:"retry" yaml:"retry" mapstructure:"retry"`
	Loop        LoopConfig        `json:"loop" yaml:"loop" mapstructure:"loop"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory" mapstructure:"memory"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence" mapstructure:"persistence"`
}

// Default returns a configuration that validates as is.
func Default() Config {
	policy := retry.DefaultPolicy()
	breaker := circuit.DefaultConfig()
	return Config{
		Provider: ProviderConfig{
			Timeout: 2 * time.Minute,
			Circuit: CircuitConfig{
				Enabled:          true,
				FailureThreshold: breaker.FailureThreshold,
				SuccessThreshold: breaker.SuccessThreshold,
				Cooldown:         breaker.Cooldown,
			},
		},
		Model: ModelConfig{
			Name:             DefaultModel,
			MaxReplyTokens:   DefaultMaxReplyTokens,
			MaxContextTokens: DefaultMaxContextTokens,
			ReservedTokens:   DefaultMaxReplyTokens + DefaultReservedHeadroom,
		},
		Retry: RetryConfig{
			MaxAttempts:   policy.MaxAttempts,
			InitialDelay:  policy.InitialDelay,
			MaxDelay:      policy.MaxDelay,
			BackoffFactor: policy.BackoffFactor,
			Jitter:        policy.Jitter,
		},
		Loop: LoopConfig{
			AnalysisPrompt:    DefaultAnalysisPrompt,
			MaxIterations:     DefaultMaxIterations,
			DelegateThreshold: DefaultDelegateThreshold,
			MaxParallelTools:  DefaultMaxParallelTools,
		},
		Memory: MemoryConfig{
			Backend:    MemoryFile,
			Path:       "agentcore-memory.json",
			Dimensions: 256,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "agentcore",
		},
		Persistence: PersistenceConfig{
			Path: "agentcore.db",
		},
	}
}

// ProviderName returns the configured provider, inferring it from the model when unset.
func (c *Config) ProviderName() (string, error) {
	if c.Provider.Name != "" {
		return c.Provider.Name, nil
	}
	return ModelProvider(c.Model.Name)
}

// APIKey returns the configured key or the provider's environment variable.
func (c *Config) APIKey() (string, error) {
	if c.Provider.APIKey != "" {
		return c.Provider.APIKey, nil
	}
	provider, err := c.ProviderName()
	if err != nil {
		return "", err
	}

	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: set provider.api_key or %s", envVar)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	} else if _, err := c.ProviderName(); err != nil {
		errs = append(errs, err)
	}
	switch c.Provider.Name {
	case "", ProviderAnthropic, ProviderOpenAI, ProviderGoogle:
	default:
		errs = append(errs, fmt.Errorf("provider.name %q is not supported", c.Provider.Name))
	}
	if c.Provider.Timeout < 0 {
		errs = append(errs, errors.New("provider.timeout must not be negative"))
	}
	if c.Provider.Circuit.Enabled && (c.Provider.Circuit.FailureThreshold < 1 || c.Provider.Circuit.SuccessThreshold < 1) {
		errs = append(errs, errors.New("provider.circuit thresholds must be at least 1"))
	}

	if c.Model.MaxReplyTokens < 1 {
		errs = append(errs, errors.New("model.max_reply_tokens must be at least 1"))
	}
	if c.Model.ReservedTokens < 0 {
		errs = append(errs, errors.New("model.reserved_tokens must not be negative"))
	}
	if c.Model.ReservedTokens >= c.Model.MaxContextTokens {
		errs = append(errs, fmt.Errorf("model.reserved_tokens (%d) must be less than model.max_context_tokens (%d)",
			c.Model.ReservedTokens, c.Model.MaxContextTokens))
	}

	if err := c.Retry.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	if c.Loop.MaxIterations < 1 {
		errs = append(errs, errors.New("loop.max_iterations must be at least 1"))
	}
	if c.Loop.DelegateThreshold < 0 {
		errs = append(errs, errors.New("loop.delegate_threshold must not be negative"))
	}
	if c.Loop.ParallelTools && c.Loop.MaxParallelTools < 1 {
		errs = append(errs, errors.New("loop.max_parallel_tools must be at least 1 when parallel_tools is set"))
	}

	switch c.Memory.Backend {
	case MemoryFile, MemorySQLite:
	case MemoryVector:
		if c.Memory.Dimensions < 1 {
			errs = append(errs, errors.New("memory.dimensions must be at least 1 for the vector backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q is not one of %s, %s, %s",
			c.Memory.Backend, MemoryFile, MemorySQLite, MemoryVector))
	}
	if c.Memory.Backend != MemoryVector && c.Memory.Path == "" {
		errs = append(errs, errors.New("memory.path is required"))
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, errors.New("persistence.path is required when persistence is enabled"))
	}

	return errors.Join(errs...)
}
