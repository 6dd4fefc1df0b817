package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentcore/pkg/agent"
	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/middleware/metrics"
	"agentcore/pkg/agent/middleware/resilience/circuit"
	"agentcore/pkg/agent/toolloop"
	"agentcore/pkg/config"
	"agentcore/pkg/contextmgr"
	"agentcore/pkg/logx"
	"agentcore/pkg/memory"
	"agentcore/pkg/persistence"
	"agentcore/pkg/telemetry"
	"agentcore/pkg/tools"
	"agentcore/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

// app holds everything one process run needs.
type app struct {
	orchestrator *toolloop.Orchestrator
	registry     *prometheus.Registry
	usage        *metrics.InternalRecorder
	breaker      *circuit.Breaker
	store        *persistence.Store
	memory       memory.Store
	server       *http.Server
	logger       *logx.Logger
	closers      []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{logger: logx.NewLogger("agentcore")}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	tracer, err := a.tracer(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	recorder := a.recorder(cfg.Metrics)

	factory := agent.NewProviderFactory(*cfg,
		agent.WithRecorder(recorder),
		agent.WithTracer(tracer),
		agent.WithLogger(a.logger),
	)
	provider, err := factory.CreateProvider()
	if err != nil {
		return nil, fmt.Errorf("creating provider: %w", err)
	}
	if cfg.Provider.Circuit.Enabled {
		a.breaker = factory.Breaker(provider.Name())
	}

	registry := tools.NewRegistry(tools.WithTracer(tracer), tools.WithRecorder(recorder))
	if cfg.Memory.Tools {
		a.memory, err = memory.Open(ctx, cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("opening memory: %w", err)
		}
		if err := tools.RegisterMemoryTools(registry, a.memory); err != nil {
			return nil, err //nolint:wrapcheck // names the failing tool
		}
	}

	if cfg.Persistence.Enabled {
		a.store, err = persistence.Open(ctx, cfg.Persistence.Path)
		if err != nil {
			return nil, fmt.Errorf("opening conversation store: %w", err)
		}
	}

	var counter contextmgr.Counter
	if tc, err := utils.NewTokenCounter(cfg.Model.Name); err == nil {
		counter = tc
	} else {
		a.logger.Warn("falling back to character estimates: %v", err)
	}
	manager := contextmgr.New(counter,
		contextmgr.WithProvider(provider),
		contextmgr.WithRetryPolicy(cfg.Retry.Policy()),
		contextmgr.WithTracer(tracer),
		contextmgr.WithWindow(cfg.Model.MaxContextTokens, cfg.Model.MaxReplyTokens),
	)

	a.orchestrator = toolloop.New(provider, registry, manager, toolloop.ConfigFrom(cfg),
		toolloop.WithTracer(tracer),
		toolloop.WithLogger(a.logger),
	)
	ok = true
	return a, nil
}

func (a *app) tracer(cfg config.TelemetryConfig) (telemetry.Tracer, error) {
	if !cfg.Enabled {
		return telemetry.Nop(), nil
	}
	if cfg.Path == "" {
		return telemetry.NewZerologTracerTo(os.Stderr), nil
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening telemetry file: %w", err)
	}
	a.closers = append(a.closers, f)
	return telemetry.NewZerologTracerTo(f), nil
}

// recorder always keeps per-conversation usage in memory and adds
// Prometheus collectors when metrics are enabled.
func (a *app) recorder(cfg config.MetricsConfig) metrics.Recorder {
	a.usage = metrics.NewInternalRecorder()
	if !cfg.Enabled {
		return a.usage
	}
	a.registry = prometheus.NewRegistry()
	recorder := metrics.Multi(metrics.NewPrometheusRecorder(cfg.Namespace, a.registry), a.usage)

	if cfg.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.server = &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server on %s: %v", cfg.Addr, err)
			}
		}()
		a.logger.Info("serving metrics on %s/metrics", cfg.Addr)
	}
	return recorder
}

// conversation resumes id from the store, or starts a new conversation.
func (a *app) conversation(ctx context.Context, id string) (*llm.Conversation, error) {
	if id == "" {
		return llm.NewConversation(), nil
	}
	if a.store == nil {
		return nil, fmt.Errorf("cannot resume conversation %s: persistence is disabled", id)
	}
	conv, err := a.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	a.logger.Info("resumed conversation %s with %d messages", id, conv.Len())
	return conv, nil
}

func (a *app) save(ctx context.Context, conv *llm.Conversation) error {
	if a.store == nil {
		return nil
	}
	// A cancelled turn still saves what was committed.
	return a.store.Save(context.WithoutCancel(ctx), conv) //nolint:wrapcheck // store errors name the conversation
}

// reportUsage prints the conversation's running totals. It reports false
// when no request has completed yet.
func (a *app) reportUsage(conv *llm.Conversation, w io.Writer) bool {
	u := a.usage.Usage(conv.ID())
	if u == nil {
		return false
	}
	fmt.Fprintf(w, "Conversation %s: %d requests, %d input and %d output tokens, %d tool calls\n",
		conv.ID(), u.RequestCount, u.InputTokens, u.OutputTokens, u.ToolCalls)
	return true
}

func (a *app) dumpMetrics(w io.Writer) error {
	if a.registry == nil {
		return errors.New("metrics are disabled")
	}
	return metrics.WriteText(w, a.registry) //nolint:wrapcheck // already wrapped
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown: %v", err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("%v", err)
		}
	}
	if a.memory != nil {
		if err := a.memory.Close(); err != nil {
			a.logger.Warn("closing memory: %v", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
