// Package metrics holds the Prometheus instrumentation for the engine and
// gateway processes, plus the HTTP server exposing /metrics and /health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provider router metrics.
var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_provider_requests_total",
		Help: "LLM provider calls by provider and outcome",
	}, []string{"provider", "outcome"})

	ProviderTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_provider_tokens_total",
		Help: "LLM tokens consumed by provider",
	}, []string{"provider"})

	// ProviderState reads 1 on the label matching the provider's current
	// status and 0 on the rest.
	ProviderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_provider_state",
		Help: "1 when the provider is in the labelled status",
	}, []string{"provider", "status"})

	ProviderCostUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_provider_cost_usd",
		Help: "Estimated provider spend today in USD",
	}, []string{"provider"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_provider_latency_ms",
		Help:    "LLM call latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"provider"})
)

// Trading cycle metrics.
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_cycles_total",
		Help: "Completed trading cycles",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradefabric_cycle_duration_ms",
		Help:    "Trading cycle wall time in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000},
	})

	CycleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_cycle_decisions_total",
		Help: "Final cycle decisions by signal",
	}, []string{"signal"})

	AgentSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_agent_signals_total",
		Help: "Agent signals by agent and direction",
	}, []string{"agent", "signal"})

	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_agent_duration_ms",
		Help:    "Per-agent processing time in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500},
	}, []string{"agent"})
)

// Portfolio metrics.
var (
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_open_positions",
		Help: "Currently open positions",
	})

	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_daily_pnl",
		Help: "Realized profit and loss since the daily reset",
	})

	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_total_pnl",
		Help: "Realized profit and loss since process start",
	})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_trades_total",
		Help: "Executed trades by action",
	}, []string{"action"})

	EmergencyStop = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_emergency_stop",
		Help: "1 while the emergency stop is engaged",
	})

	RiskExposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_risk_exposure",
		Help: "Sum of open-position risk amounts",
	})
)

// Gateway metrics.
var (
	GatewayClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_gateway_clients",
		Help: "Connected WebSocket clients",
	})

	GatewayMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_gateway_messages_total",
		Help: "Frames delivered to clients",
	})

	GatewaySeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_gateway_seq",
		Help: "Last assigned gateway sequence number",
	})
)

// Alert and breaker metrics.
var (
	AlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_alert_deliveries_total",
		Help: "Alert deliveries by channel and outcome",
	}, []string{"channel", "outcome"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_breaker_state",
		Help: "Circuit breaker state (1 = tripped)",
	}, []string{"breaker"})
)

// HTTP metrics, recorded by the middleware.
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_api_request_duration_ms",
		Help:    "Control API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_http_requests_total",
		Help: "Control API requests",
	}, []string{"method", "path", "status_code"})
)

// RecordAPIRequest records one control-API request.
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordProviderCall records one routed LLM call.
func RecordProviderCall(provider, outcome string, tokens int64, durationMs float64) {
	ProviderRequests.WithLabelValues(provider, outcome).Inc()
	if tokens > 0 {
		ProviderTokens.WithLabelValues(provider).Add(float64(tokens))
	}
	ProviderLatency.WithLabelValues(provider).Observe(durationMs)
}

// RecordCycle records one completed trading cycle.
func RecordCycle(signal string, durationMs float64) {
	CyclesTotal.Inc()
	CycleDuration.Observe(durationMs)
	CycleDecisions.WithLabelValues(signal).Inc()
}

// RecordAgentSignal records one agent contribution.
func RecordAgentSignal(agent, signal string, durationMs float64) {
	AgentSignalsTotal.WithLabelValues(agent, signal).Inc()
	AgentDuration.WithLabelValues(agent).Observe(durationMs)
}

// RecordTrade records one position-manager action (opened, closed,
// rejected).
func RecordTrade(action string) {
	TradesTotal.WithLabelValues(action).Inc()
}

// RecordAlertDelivery records one alert delivery attempt.
func RecordAlertDelivery(channel string, ok bool) {
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	AlertDeliveries.WithLabelValues(channel, outcome).Inc()
}

// SetBreakerState flags a named breaker as tripped or clear.
func SetBreakerState(breaker string, tripped bool) {
	v := 0.0
	if tripped {
		v = 1.0
	}
	BreakerState.WithLabelValues(breaker).Set(v)
}
