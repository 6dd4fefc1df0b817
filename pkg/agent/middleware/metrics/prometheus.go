package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
}

// NewPrometheusRecorder registers the agent metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total number of provider requests by provider and status",
			},
			[]string{"provider", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_tokens_total",
				Help:      "Total number of tokens reported by providers",
			},
			[]string{"provider", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Duration of provider requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
	}
}

// ObserveRequest records metrics for a completed provider request.
func (p *PrometheusRecorder) ObserveRequest(obs Observation) {
	status := statusSuccess
	if !obs.Success {
		status = statusError
	}

	p.requestsTotal.WithLabelValues(obs.Provider, status, obs.ErrorType).Inc()
	if obs.Success {
		p.tokensTotal.WithLabelValues(obs.Provider, "input").Add(float64(obs.InputTokens))
		p.tokensTotal.WithLabelValues(obs.Provider, "output").Add(float64(obs.OutputTokens))
	}
	p.requestDuration.WithLabelValues(obs.Provider).Observe(obs.Duration.Seconds())
}

// ObserveToolCall counts a tool execution.
func (p *PrometheusRecorder) ObserveToolCall(_, tool, outcome string) {
	p.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// WriteText writes every family gathered from g in the text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
