// Package alerts fans structured alerts out to pluggable sinks: the durable
// store (always on), Telegram, SMTP, FCM push, and the NATS bus. A failing
// sink never prevents the others from receiving an alert.
package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradefabric/tradefabric/internal/clock"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one structured alert.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// Backend is one alert sink.
type Backend interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Router delivers every alert to every backend, isolating failures. Each
// non-store backend is wrapped in its own circuit breaker so a dead sink
// fails fast instead of stalling routing.
type Router struct {
	backends []Backend
	breakers map[string]*gobreaker.CircuitBreaker
	observe  func(backend string, ok bool)
	clk      *clock.Clock
	log      zerolog.Logger
}

// NewRouter creates a router over the given backends. Alerts are stamped
// through clk so replayed history carries replayed timestamps; nil falls
// back to the wall clock. The durable store backend should come first; it is
// never wrapped in a breaker because losing the audit trail silently is
// worse than a slow write.
func NewRouter(clk *clock.Clock, backends ...Backend) *Router {
	if clk == nil {
		clk = clock.New()
	}
	r := &Router{
		backends: backends,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		clk:      clk,
		log:      log.With().Str("component", "alert_router").Logger(),
	}

	for i, b := range backends {
		if i == 0 {
			continue
		}
		name := b.Name()
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alerts_" + name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("backend", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Alert backend breaker state changed")
			},
		})
	}
	return r
}

// SetObserver installs a per-delivery hook, called once per backend with the
// delivery outcome. The hook keeps this package free of a metrics import.
func (r *Router) SetObserver(fn func(backend string, ok bool)) {
	r.observe = fn
}

// Route builds an alert and delivers it to all backends, returning the count
// of successful deliveries. Delivery is out-of-band: failures are logged and
// never propagate to the caller's result.
func (r *Router) Route(ctx context.Context, type_, message string, severity Severity, details map[string]any, source string) int {
	alert := Alert{
		ID:        uuid.NewString(),
		Type:      type_,
		Message:   message,
		Severity:  severity,
		Details:   details,
		Source:    source,
		Timestamp: r.clk.Now().UTC(),
	}

	r.logAlert(alert)

	delivered := 0
	for _, backend := range r.backends {
		err := r.send(ctx, backend, alert)
		if r.observe != nil {
			r.observe(backend.Name(), err == nil)
		}
		if err != nil {
			r.log.Error().
				Err(err).
				Str("backend", backend.Name()).
				Str("type", alert.Type).
				Msg("Alert delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Router) send(ctx context.Context, backend Backend, alert Alert) error {
	cb, guarded := r.breakers[backend.Name()]
	if !guarded {
		return backend.Send(ctx, alert)
	}
	_, err := cb.Execute(func() (any, error) {
		return nil, backend.Send(ctx, alert)
	})
	return err
}

// logAlert mirrors the alert into the structured log at its severity level.
func (r *Router) logAlert(alert Alert) {
	var event *zerolog.Event
	switch alert.Severity {
	case SeverityCritical:
		event = r.log.Error()
	case SeverityWarning:
		event = r.log.Warn()
	default:
		event = r.log.Info()
	}
	event.
		Str("type", alert.Type).
		Str("source", alert.Source).
		Fields(alert.Details).
		Msg(alert.Message)
}

// Info routes an INFO alert.
func (r *Router) Info(ctx context.Context, type_, message, source string, details map[string]any) int {
	return r.Route(ctx, type_, message, SeverityInfo, details, source)
}

// Warning routes a WARNING alert.
func (r *Router) Warning(ctx context.Context, type_, message, source string, details map[string]any) int {
	return r.Route(ctx, type_, message, SeverityWarning, details, source)
}

// Critical routes a CRITICAL alert.
func (r *Router) Critical(ctx context.Context, type_, message, source string, details map[string]any) int {
	return r.Route(ctx, type_, message, SeverityCritical, details, source)
}
