package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/remote"
	"github.com/tradefabric/tradefabric/internal/store"
)

// unavailableCooldown parks a provider whose model or config is broken;
// these never auto-recover, the horizon is bookkeeping for operators.
const unavailableCooldown = 24 * time.Hour

// quotaThresholds are the usage percentages that raise a once-per-day alert.
var quotaThresholds = []int{75, 90, 95, 100}

// RouterConfig tunes the provider router. Zero values take defaults.
type RouterConfig struct {
	Temperature      float64
	MaxTokens        int
	FailureThreshold int           // consecutive failures before the breaker opens (default 2)
	CooldownSeconds  int           // breaker open horizon (default 30)
	SoftThrottle     int           // per-minute requests before deprioritization (default 10)
	RolloverHour     int           // local hour for daily usage reset
	MaxAttempts      int           // transient retries per provider (default 3)
	HealthInterval   time.Duration // recovery sweep period (default 30s)
}

// RouterDeps carries the router's collaborators. Usage and Alerts may be nil.
// Observe, when set, receives one callback per provider attempt; the wiring
// layer points it at the metrics recorder.
type RouterDeps struct {
	Clock   *clock.Clock
	Usage   store.UsageStore
	Alerts  *alerts.Router
	Observe func(provider, outcome string, tokens int64, durationMs float64)
}

// providerState is one provider's runtime bookkeeping. Guarded by Router.mu.
type providerState struct {
	desc   Descriptor
	client LLMProvider

	status           Status
	minuteStart      time.Time
	minuteRequests   int
	usageDate        string
	requestsToday    int
	tokensToday      int64
	consecutiveFails int
	cooldownUntil    time.Time
	lastError        string
	alertedQuota     map[int]bool
}

// Router selects a provider per call by priority, limits, and health, and
// fails over until one answers.
type Router struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       RouterConfig
	deps      RouterDeps
	retryCfg  remote.Config
	log       zerolog.Logger
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRouter builds the router. Descriptors without a matching client are
// registered UNAVAILABLE so their absence shows up in status rather than
// vanishing. Persisted usage for the current rollover date is reloaded so
// quotas survive restarts.
func NewRouter(descriptors []Descriptor, clients map[string]LLMProvider, cfg RouterConfig, deps RouterDeps) *Router {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 30
	}
	if cfg.SoftThrottle <= 0 {
		cfg.SoftThrottle = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	r := &Router{
		providers: make(map[string]*providerState, len(descriptors)),
		cfg:       cfg,
		deps:      deps,
		retryCfg: remote.Config{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		},
		log:    log.With().Str("component", "provider_router").Logger(),
		closed: make(chan struct{}),
	}

	now := deps.Clock.Now()
	date := usageDate(now, cfg.RolloverHour)

	for _, desc := range descriptors {
		ps := &providerState{
			desc:         desc,
			client:       clients[desc.Name],
			status:       StatusAvailable,
			usageDate:    date,
			alertedQuota: make(map[int]bool),
		}
		if ps.client == nil {
			ps.status = StatusUnavailable
			ps.lastError = "no client configured"
			ps.cooldownUntil = now.Add(unavailableCooldown)
			r.log.Warn().Str("provider", desc.Name).Msg("Provider has no client, marked unavailable")
		}
		r.reloadUsage(ps, date)
		r.providers[desc.Name] = ps
	}

	r.log.Info().Int("provider_count", len(descriptors)).Str("usage_date", date).Msg("Provider router initialized")
	return r
}

func (r *Router) reloadUsage(ps *providerState, date string) {
	if r.deps.Usage == nil {
		return
	}
	rec, err := r.deps.Usage.GetUsage(context.Background(), ps.desc.Name, date)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warn().Err(err).Str("provider", ps.desc.Name).Msg("Failed to reload provider usage")
		}
		return
	}
	ps.requestsToday = rec.Requests
	ps.tokensToday = rec.Tokens
	r.log.Info().
		Str("provider", ps.desc.Name).
		Int("requests", rec.Requests).
		Int64("tokens", rec.Tokens).
		Msg("Reloaded provider usage")
}

// Call routes one completion request, failing over across eligible providers
// until one succeeds. Exhausting the pool returns ErrAllProvidersFailed
// wrapping the last provider error.
func (r *Router) Call(ctx context.Context, systemPrompt, userMessage string, opts CallOptions) (*Response, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	tried := make(map[string]bool)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := r.deps.Clock.Now()
		name, ok := r.pick(now, opts, tried)
		if !ok {
			break
		}
		tried[name] = true

		resp, err := r.attempt(ctx, name, systemPrompt, userMessage, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	r.log.Error().Err(lastErr).Int("providers_tried", len(tried)).Msg("All LLM providers failed")
	if r.deps.Alerts != nil {
		r.deps.Alerts.Critical(ctx, "all_providers_failed",
			"every LLM provider is rate limited, cooling down, or broken",
			"provider_router",
			map[string]any{"providers_tried": len(tried)})
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	}
	return nil, ErrAllProvidersFailed
}

// pick returns the next eligible provider name. The preferred provider wins
// when eligible; otherwise soft-throttled providers sort after quieter peers
// of any priority, then by (priority, name).
func (r *Router) pick(now time.Time, opts CallOptions, tried map[string]bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recoverLocked(now)

	type candidate struct {
		name      string
		priority  int
		throttled bool
	}
	var eligible []candidate

	for name, ps := range r.providers {
		if tried[name] {
			continue
		}
		if !r.eligibleLocked(ps, now) {
			continue
		}
		eligible = append(eligible, candidate{
			name:      name,
			priority:  ps.desc.Priority,
			throttled: ps.minuteRequests > r.cfg.SoftThrottle,
		})
	}
	if len(eligible) == 0 {
		return "", false
	}

	if opts.PreferredProvider != "" {
		for _, c := range eligible {
			if c.name == opts.PreferredProvider {
				return c.name, true
			}
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.throttled != b.throttled {
			return !a.throttled
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.name < b.name
	})
	return eligible[0].name, true
}

// eligibleLocked also rolls the minute window and usage date forward.
func (r *Router) eligibleLocked(ps *providerState, now time.Time) bool {
	if ps.status != StatusAvailable {
		return false
	}

	r.rollDateLocked(ps, now)
	if ps.minuteStart.IsZero() || now.Sub(ps.minuteStart) >= time.Minute {
		ps.minuteStart = now
		ps.minuteRequests = 0
	}

	d := ps.desc
	if d.PerMinuteLimit > 0 && ps.minuteRequests >= d.PerMinuteLimit {
		return false
	}
	if d.PerDayLimit > 0 && ps.requestsToday >= d.PerDayLimit {
		return false
	}
	if d.PerDayTokenQuota > 0 && ps.tokensToday >= d.PerDayTokenQuota {
		return false
	}
	return true
}

func (r *Router) rollDateLocked(ps *providerState, now time.Time) {
	date := usageDate(now, r.cfg.RolloverHour)
	if ps.usageDate == date {
		return
	}
	ps.usageDate = date
	ps.requestsToday = 0
	ps.tokensToday = 0
	ps.alertedQuota = make(map[int]bool)
}

// recoverLocked clears expired cooldowns. UNAVAILABLE providers never
// auto-recover; a config or model problem needs intervention, not patience.
func (r *Router) recoverLocked(now time.Time) {
	for name, ps := range r.providers {
		switch ps.status {
		case StatusRateLimited, StatusError:
			if !ps.cooldownUntil.IsZero() && !now.Before(ps.cooldownUntil) {
				ps.status = StatusAvailable
				ps.consecutiveFails = 0
				ps.cooldownUntil = time.Time{}
				r.log.Info().Str("provider", name).Msg("Provider recovered from cooldown")
			}
		}
	}
}

// attempt sends one routed request through a single provider, retrying
// transient failures in place.
func (r *Router) attempt(ctx context.Context, name, systemPrompt, userMessage string, opts CallOptions) (*Response, error) {
	r.mu.Lock()
	ps := r.providers[name]
	client := ps.client
	params := Params{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if params.Model == "" {
		params.Model = ps.desc.Model
	}
	if params.Temperature == 0 {
		params.Temperature = r.cfg.Temperature
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = r.cfg.MaxTokens
	}
	ps.minuteRequests++
	ps.requestsToday++
	r.mu.Unlock()

	var completion *Completion
	started := time.Now()
	err := remote.Call(ctx, r.retryCfg, classifyProviderError, func() error {
		var callErr error
		completion, callErr = client.Complete(ctx, systemPrompt, userMessage, params)
		return callErr
	})
	durationMs := float64(time.Since(started).Milliseconds())
	if err != nil {
		r.noteFailure(ctx, name, err)
		r.observe(name, "failure", 0, durationMs)
		return nil, err
	}

	resp := r.noteSuccess(ctx, name, params.Model, systemPrompt, userMessage, completion)
	r.observe(name, "success", int64(resp.TokensUsed), durationMs)
	return resp, nil
}

func (r *Router) observe(provider, outcome string, tokens int64, durationMs float64) {
	if r.deps.Observe != nil {
		r.deps.Observe(provider, outcome, tokens, durationMs)
	}
}

func (r *Router) noteSuccess(ctx context.Context, name, model, systemPrompt, userMessage string, completion *Completion) *Response {
	tokens := completion.TokensUsed
	estimated := false
	if tokens == 0 {
		tokens = estimateTokens(systemPrompt, userMessage, completion.Text)
		estimated = true
	}
	if completion.Model != "" {
		model = completion.Model
	}

	r.mu.Lock()
	ps := r.providers[name]
	ps.consecutiveFails = 0
	ps.lastError = ""
	ps.tokensToday += int64(tokens)
	date := ps.usageDate
	requestsToday := ps.requestsToday
	tokensToday := ps.tokensToday
	r.mu.Unlock()

	if r.deps.Usage != nil {
		if err := r.deps.Usage.IncrementUsage(ctx, name, date, 1, int64(tokens)); err != nil {
			r.log.Warn().Err(err).Str("provider", name).Msg("Failed to persist provider usage")
		}
	}
	r.checkQuota(ctx, name, requestsToday, tokensToday)

	return &Response{
		Text:       completion.Text,
		Provider:   name,
		Model:      model,
		TokensUsed: tokens,
		Estimated:  estimated,
	}
}

func (r *Router) noteFailure(ctx context.Context, name string, err error) {
	now := r.deps.Clock.Now()
	class := remote.ClassOf(err, classifyProviderError)

	r.mu.Lock()
	ps := r.providers[name]
	ps.lastError = err.Error()
	wasLimited := ps.status == StatusRateLimited

	var cooldown time.Duration
	switch class {
	case remote.ClassRateLimit:
		cooldown = ParseResetHorizon(err.Error(), now)
		ps.status = StatusRateLimited
		ps.cooldownUntil = now.Add(cooldown)
	case remote.ClassUnavailable:
		ps.status = StatusUnavailable
		ps.cooldownUntil = now.Add(unavailableCooldown)
	default:
		ps.consecutiveFails++
		if ps.consecutiveFails >= r.cfg.FailureThreshold {
			cooldown = time.Duration(r.cfg.CooldownSeconds) * time.Second
			ps.status = StatusError
			ps.cooldownUntil = now.Add(cooldown)
		}
	}
	status := ps.status
	fails := ps.consecutiveFails
	date := ps.usageDate
	r.mu.Unlock()

	r.log.Warn().
		Err(err).
		Str("provider", name).
		Str("class", class.String()).
		Str("status", string(status)).
		Int("consecutive_failures", fails).
		Msg("Provider call failed")

	// The attempt consumed in-memory quota, so persist it too: after a
	// restart the reloaded counts must match what the limits saw.
	if r.deps.Usage != nil {
		if uerr := r.deps.Usage.IncrementUsage(ctx, name, date, 1, 0); uerr != nil {
			r.log.Warn().Err(uerr).Str("provider", name).Msg("Failed to persist provider usage")
		}
	}

	if r.deps.Alerts == nil {
		return
	}
	switch {
	case class == remote.ClassRateLimit && !wasLimited:
		r.deps.Alerts.Warning(ctx, "provider_rate_limited",
			fmt.Sprintf("provider %s rate limited, cooling down %s", name, cooldown),
			"provider_router",
			map[string]any{"provider": name, "cooldown_seconds": cooldown.Seconds()})
	case class == remote.ClassUnavailable:
		r.deps.Alerts.Warning(ctx, "provider_unavailable",
			fmt.Sprintf("provider %s marked unavailable: %s", name, err.Error()),
			"provider_router",
			map[string]any{"provider": name})
	case status == StatusError && fails == r.cfg.FailureThreshold:
		r.deps.Alerts.Warning(ctx, "provider_breaker_open",
			fmt.Sprintf("provider %s breaker open after %d consecutive failures", name, fails),
			"provider_router",
			map[string]any{"provider": name, "cooldown_seconds": cooldown.Seconds()})
	}
}

// checkQuota raises each crossed usage threshold once per rollover date. The
// percentage is the worse of the request and token quotas.
func (r *Router) checkQuota(ctx context.Context, name string, requestsToday int, tokensToday int64) {
	r.mu.Lock()
	ps := r.providers[name]
	d := ps.desc

	pct := 0
	if d.PerDayLimit > 0 {
		pct = requestsToday * 100 / d.PerDayLimit
	}
	if d.PerDayTokenQuota > 0 {
		if tokenPct := int(tokensToday * 100 / d.PerDayTokenQuota); tokenPct > pct {
			pct = tokenPct
		}
	}

	var crossed []int
	for _, threshold := range quotaThresholds {
		if pct >= threshold && !ps.alertedQuota[threshold] {
			ps.alertedQuota[threshold] = true
			crossed = append(crossed, threshold)
		}
	}
	r.mu.Unlock()

	if r.deps.Alerts == nil {
		return
	}
	for _, threshold := range crossed {
		severity := alerts.SeverityWarning
		if threshold >= 100 {
			severity = alerts.SeverityCritical
		}
		r.deps.Alerts.Route(ctx, "provider_quota",
			fmt.Sprintf("provider %s crossed %d%% of its daily quota", name, threshold),
			severity,
			map[string]any{
				"provider":       name,
				"threshold_pct":  threshold,
				"requests_today": requestsToday,
				"tokens_today":   tokensToday,
			},
			"provider_router")
	}
}

// Status returns a snapshot of every provider.
func (r *Router) Status() map[string]ProviderSnapshot {
	now := r.deps.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoverLocked(now)

	out := make(map[string]ProviderSnapshot, len(r.providers))
	for name, ps := range r.providers {
		r.rollDateLocked(ps, now)
		out[name] = ProviderSnapshot{
			Name:               name,
			Status:             ps.status,
			Priority:           ps.desc.Priority,
			Model:              ps.desc.Model,
			RequestsThisMinute: ps.minuteRequests,
			RequestsToday:      ps.requestsToday,
			TokensToday:        ps.tokensToday,
			EstimatedCostUSD:   float64(ps.tokensToday) / 1000 * ps.desc.CostPer1KTokens,
			ConsecutiveFails:   ps.consecutiveFails,
			CooldownUntil:      ps.cooldownUntil,
			LastError:          ps.lastError,
		}
	}
	return out
}

// Start runs the recovery sweep until the context is cancelled or Close is
// called.
func (r *Router) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.HealthInterval).Msg("Provider health sweep started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return nil
		case <-ticker.C:
			now := r.deps.Clock.Now()
			r.mu.Lock()
			r.recoverLocked(now)
			r.mu.Unlock()
		}
	}
}

// Close stops the health sweep.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// classifyProviderError narrows the default classification: model-not-found
// style responses park the provider rather than retrying it.
func classifyProviderError(err error) remote.Class {
	if err == nil {
		return remote.ClassPermanent
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "no endpoints found"),
		strings.Contains(msg, "404"):
		return remote.ClassUnavailable
	}
	return remote.DefaultClassifier(err)
}

// estimateTokens approximates token consumption by word count when the
// provider reports no usage block.
func estimateTokens(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += len(strings.Fields(p))
	}
	if total == 0 {
		total = 1
	}
	return total
}

// usageDate maps an instant to its accounting date: hours before the
// rollover hour belong to the previous day.
func usageDate(t time.Time, rolloverHour int) string {
	if t.Hour() < rolloverHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}
