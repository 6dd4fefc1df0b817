// Package agent builds providers with their middleware chain.
package agent

import (
	"fmt"
	"sync"

	"agentcore/pkg/agent/internal/llmimpl/anthropic"
	"agentcore/pkg/agent/internal/llmimpl/google"
	"agentcore/pkg/agent/internal/llmimpl/openai"
	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/middleware/metrics"
	"agentcore/pkg/agent/middleware/resilience/circuit"
	"agentcore/pkg/agent/middleware/resilience/timeout"
	"agentcore/pkg/agent/middleware/validation"
	"agentcore/pkg/config"
	"agentcore/pkg/logx"
	"agentcore/pkg/telemetry"
)

// ProviderFactory creates providers with properly configured middleware chains.
// Providers created for the same provider name share one circuit breaker.
type ProviderFactory struct {
	recorder        metrics.Recorder
	tracer          telemetry.Tracer
	logger          *logx.Logger
	circuitBreakers map[string]*circuit.Breaker
	config          config.Config
	mu              sync.Mutex
}

// FactoryOption configures a ProviderFactory.
type FactoryOption func(*ProviderFactory)

// WithRecorder sets the metrics recorder used by the metrics middleware.
func WithRecorder(r metrics.Recorder) FactoryOption {
	return func(f *ProviderFactory) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithTracer wraps every provider call in a span.
func WithTracer(t telemetry.Tracer) FactoryOption {
	return func(f *ProviderFactory) { f.tracer = telemetry.OrNop(t) }
}

// WithLogger sets the logger used by request logging.
func WithLogger(l *logx.Logger) FactoryOption {
	return func(f *ProviderFactory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewProviderFactory creates a factory for cfg.
func NewProviderFactory(cfg config.Config, opts ...FactoryOption) *ProviderFactory {
	f := &ProviderFactory{
		config:          cfg,
		recorder:        metrics.Nop(),
		tracer:          telemetry.Nop(),
		logger:          logx.NewLogger("provider"),
		circuitBreakers: make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateProvider creates the configured provider with the full middleware chain.
// The API key comes from the configuration or the provider's environment variable.
func (f *ProviderFactory) CreateProvider() (llm.Provider, error) {
	name, err := f.config.ProviderName()
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", f.config.Model.Name, err)
	}

	apiKey, err := f.config.APIKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", name, err)
	}

	raw, err := newRawProvider(name, apiKey, f.config.Model.Name, f.config.Provider.BaseURL)
	if err != nil {
		return nil, err
	}

	var breaker llm.Middleware
	if f.config.Provider.Circuit.Enabled {
		breaker = circuit.Middleware(f.Breaker(name))
	}

	// Metrics -> Telemetry -> CircuitBreaker -> Timeout -> Validation -> raw.
	// Retries happen above the chain, in the tool loop and the context manager.
	return llm.Chain(raw,
		metrics.Middleware(f.recorder, nil, f.logger),
		telemetry.Middleware(f.tracer),
		breaker,
		timeout.Middleware(f.config.Provider.Timeout),
		validation.EmptyResponseMiddleware(f.logger),
	), nil
}

// Breaker returns the circuit breaker for a provider, creating it on first use.
func (f *ProviderFactory) Breaker(provider string) *circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.circuitBreakers[provider]
	if !ok {
		b = circuit.New(f.config.Provider.Circuit.Breaker())
		f.circuitBreakers[provider] = b
	}
	return b
}

func newRawProvider(name, apiKey, model, baseURL string) (llm.Provider, error) {
	switch name {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClient(apiKey, model, baseURL), nil
	case config.ProviderOpenAI:
		return openai.NewChatClient(apiKey, model, baseURL), nil
	case config.ProviderGoogle:
		return google.NewGeminiClient(apiKey, model, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
