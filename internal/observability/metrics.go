package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	providerRequests  *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	circuitState      *prometheus.GaugeVec
	rateLimitDecision *prometheus.CounterVec
	toolCalls         *prometheus.CounterVec
	usageCost         *prometheus.CounterVec
	tokens            *prometheus.CounterVec
	ledgerFailures    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fitchat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fitchat_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"route", "method"},
		),
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fitchat_provider_requests_total",
				Help: "Provider calls by outcome (success or error kind)",
			},
			[]string{"provider", "outcome"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fitchat_provider_request_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fitchat_circuit_state",
				Help: "Circuit state per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
		rateLimitDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fitchat_rate_limit_decisions_total",
				Help: "Per-user admission decisions",
			},
			[]string{"decision"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fitchat_tool_calls_total",
				Help: "Tool executions by tool and result",
			},
			[]string{"tool", "success"},
		),
		usageCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fitchat_usage_cost_total",
				Help: "Billed cost by provider and model",
			},
			[]string{"provider", "model"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fitchat_tokens_total",
				Help: "Billed tokens by provider and direction",
			},
			[]string{"provider", "direction"},
		),
		ledgerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fitchat_ledger_write_failures_total",
				Help: "Served turns whose usage could not be written to the ledger",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.httpRequests,
			m.httpDuration,
			m.providerRequests,
			m.providerDuration,
			m.circuitState,
			m.rateLimitDecision,
			m.toolCalls,
			m.usageCost,
			m.tokens,
			m.ledgerFailures,
		)
	}

	return m
}

// ObserveProviderCall records one provider attempt
func (m *Metrics) ObserveProviderCall(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// SetCircuitState publishes a circuit transition
func (m *Metrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(provider).Set(float64(state))
}

// ObserveRateLimit counts an admission decision
func (m *Metrics) ObserveRateLimit(allowed bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if allowed {
		decision = "allowed"
	}
	m.rateLimitDecision.WithLabelValues(decision).Inc()
}

// ObserveToolCall counts a tool execution
func (m *Metrics) ObserveToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// ObserveUsage records billed tokens and cost
func (m *Metrics) ObserveUsage(provider, model string, promptTokens, completionTokens int, cost float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	m.tokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	m.usageCost.WithLabelValues(provider, model).Add(cost)
}

// ObserveLedgerFailure counts a turn that was served but not billed
func (m *Metrics) ObserveLedgerFailure() {
	if m == nil {
		return
	}
	m.ledgerFailures.Inc()
}

// HTTPMiddleware records request counts and latency per chi route pattern
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
