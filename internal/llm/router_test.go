package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/store"
)

// stubProvider is a scriptable LLMProvider.
type stubProvider struct {
	mu     sync.Mutex
	reply  string
	tokens int
	err    error
	calls  int
}

func (s *stubProvider) Complete(_ context.Context, _, _ string, params Params) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Completion{Text: s.reply, Model: params.Model, TokensUsed: s.tokens}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// captureBackend records routed alerts for assertions.
type captureBackend struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (c *captureBackend) Name() string { return "capture" }

func (c *captureBackend) Send(_ context.Context, alert alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureBackend) byType(type_ string) []alerts.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Alert
	for _, a := range c.alerts {
		if a.Type == type_ {
			out = append(out, a)
		}
	}
	return out
}

var testEpoch = time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC)

func frozenClock(t *testing.T) *clock.Clock {
	t.Helper()
	c := clock.New()
	require.NoError(t, c.SetVirtual(context.Background(), testEpoch))
	return c
}

// fastRetry keeps transient-failure tests from sleeping on backoff.
func fastRetry(cfg RouterConfig) RouterConfig {
	cfg.MaxAttempts = 1
	return cfg
}

func TestRouterPrefersLowestPriority(t *testing.T) {
	alpha := &stubProvider{reply: "from alpha", tokens: 10}
	beta := &stubProvider{reply: "from beta", tokens: 10}

	router := NewRouter(
		[]Descriptor{
			{Name: "alpha", Priority: 2, Model: "alpha-1"},
			{Name: "beta", Priority: 1, Model: "beta-1"},
		},
		map[string]LLMProvider{"alpha": alpha, "beta": beta},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	resp, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, "from beta", resp.Text)
	assert.Equal(t, 0, alpha.callCount())
}

func TestRouterFailsOverOnRateLimitAndParsesReset(t *testing.T) {
	primary := &stubProvider{err: errors.New("rate limit reached, try again in 2m30s")}
	secondary := &stubProvider{reply: "ok", tokens: 5}

	router := NewRouter(
		[]Descriptor{
			{Name: "primary", Priority: 1},
			{Name: "secondary", Priority: 2},
		},
		map[string]LLMProvider{"primary": primary, "secondary": secondary},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	resp, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)

	snap := router.Status()["primary"]
	assert.Equal(t, StatusRateLimited, snap.Status)
	assert.Equal(t, testEpoch.Add(2*time.Minute+30*time.Second), snap.CooldownUntil)
}

func TestRouterDeniesOverMinuteLimitWithoutNetworkCall(t *testing.T) {
	only := &stubProvider{reply: "ok", tokens: 1}

	router := NewRouter(
		[]Descriptor{{Name: "only", Priority: 1, PerMinuteLimit: 2}},
		map[string]LLMProvider{"only": only},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := router.Call(ctx, "sys", "user", CallOptions{})
		require.NoError(t, err)
	}

	_, err := router.Call(ctx, "sys", "user", CallOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 2, only.callCount())
}

func TestRouterHonorsPreferredProvider(t *testing.T) {
	alpha := &stubProvider{reply: "from alpha"}
	beta := &stubProvider{reply: "from beta"}

	router := NewRouter(
		[]Descriptor{
			{Name: "alpha", Priority: 1},
			{Name: "beta", Priority: 2},
		},
		map[string]LLMProvider{"alpha": alpha, "beta": beta},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	resp, err := router.Call(context.Background(), "sys", "user", CallOptions{PreferredProvider: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
}

func TestRouterSoftThrottleDeprioritizesBusyProvider(t *testing.T) {
	alpha := &stubProvider{reply: "from alpha"}
	beta := &stubProvider{reply: "from beta"}

	router := NewRouter(
		[]Descriptor{
			{Name: "alpha", Priority: 1},
			{Name: "beta", Priority: 2},
		},
		map[string]LLMProvider{"alpha": alpha, "beta": beta},
		fastRetry(RouterConfig{SoftThrottle: 1}),
		RouterDeps{Clock: frozenClock(t)},
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := router.Call(ctx, "sys", "user", CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "alpha", resp.Provider)
	}

	// alpha is now over the soft throttle in this minute; beta wins despite
	// its worse priority.
	resp, err := router.Call(ctx, "sys", "user", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
}

func TestRouterBreakerOpensAndRecovers(t *testing.T) {
	clk := frozenClock(t)
	flaky := &stubProvider{err: errors.New("connection refused")}

	router := NewRouter(
		[]Descriptor{{Name: "flaky", Priority: 1}},
		map[string]LLMProvider{"flaky": flaky},
		fastRetry(RouterConfig{FailureThreshold: 2, CooldownSeconds: 30}),
		RouterDeps{Clock: clk},
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := router.Call(ctx, "sys", "user", CallOptions{})
		require.ErrorIs(t, err, ErrAllProvidersFailed)
	}
	assert.Equal(t, 2, flaky.callCount())
	assert.Equal(t, StatusError, router.Status()["flaky"].Status)

	// Breaker open: denied without reaching the provider.
	_, err := router.Call(ctx, "sys", "user", CallOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 2, flaky.callCount())

	// Past the cooldown the provider is retried and recovers.
	_, err = clk.Advance(ctx, 31*time.Second)
	require.NoError(t, err)
	flaky.setError(nil)
	flaky.reply = "back"

	resp, err := router.Call(ctx, "sys", "user", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "back", resp.Text)
	assert.Equal(t, StatusAvailable, router.Status()["flaky"].Status)
}

func TestRouterUnavailableDoesNotAutoRecover(t *testing.T) {
	clk := frozenClock(t)
	broken := &stubProvider{err: errors.New("no endpoints found for model x")}
	fallback := &stubProvider{reply: "ok"}

	router := NewRouter(
		[]Descriptor{
			{Name: "broken", Priority: 1},
			{Name: "fallback", Priority: 2},
		},
		map[string]LLMProvider{"broken": broken, "fallback": fallback},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: clk},
	)

	ctx := context.Background()
	resp, err := router.Call(ctx, "sys", "user", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, StatusUnavailable, router.Status()["broken"].Status)

	_, err = clk.Advance(ctx, 2*time.Hour)
	require.NoError(t, err)

	resp, err = router.Call(ctx, "sys", "user", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, StatusUnavailable, router.Status()["broken"].Status)
	assert.Equal(t, 1, broken.callCount())
}

func TestRouterReloadsPersistedUsage(t *testing.T) {
	clk := frozenClock(t)
	usage := store.NewMemoryUsageStore()
	date := usageDate(testEpoch, 0)
	require.NoError(t, usage.IncrementUsage(context.Background(), "only", date, 100, 5000))

	exhausted := &stubProvider{reply: "ok"}
	router := NewRouter(
		[]Descriptor{{Name: "only", Priority: 1, PerDayLimit: 100}},
		map[string]LLMProvider{"only": exhausted},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: clk, Usage: usage},
	)

	snap := router.Status()["only"]
	assert.Equal(t, 100, snap.RequestsToday)
	assert.Equal(t, int64(5000), snap.TokensToday)

	_, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 0, exhausted.callCount())
}

func TestRouterEstimatesTokensWhenUnreported(t *testing.T) {
	stub := &stubProvider{reply: "three word reply", tokens: 0}

	router := NewRouter(
		[]Descriptor{{Name: "only", Priority: 1}},
		map[string]LLMProvider{"only": stub},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	resp, err := router.Call(context.Background(), "one two", "three", CallOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Estimated)
	assert.Equal(t, 6, resp.TokensUsed) // 2 system + 1 user + 3 reply words
}

func TestRouterQuotaAlertsOncePerThreshold(t *testing.T) {
	capture := &captureBackend{}
	alertRouter := alerts.NewRouter(nil, capture)
	usage := store.NewMemoryUsageStore()

	stub := &stubProvider{reply: "ok", tokens: 1}
	router := NewRouter(
		[]Descriptor{{Name: "only", Priority: 1, PerDayLimit: 4}},
		map[string]LLMProvider{"only": stub},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t), Usage: usage, Alerts: alertRouter},
	)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := router.Call(ctx, "sys", "user", CallOptions{})
		require.NoError(t, err)
	}

	// 75% crossed on the third call; 90/95/100 on the fourth. Each fires once.
	quota := capture.byType("provider_quota")
	require.Len(t, quota, 4)
	assert.Equal(t, alerts.SeverityWarning, quota[0].Severity)
	assert.Equal(t, alerts.SeverityCritical, quota[3].Severity)

	// Re-checking at the same usage raises nothing new.
	_, err := router.Call(ctx, "sys", "user", CallOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Len(t, capture.byType("provider_quota"), 4)
}

func TestRouterAllFailedRaisesCriticalAlert(t *testing.T) {
	capture := &captureBackend{}
	alertRouter := alerts.NewRouter(nil, capture)
	dead := &stubProvider{err: errors.New("rate limit reached, try again in 45s")}

	router := NewRouter(
		[]Descriptor{{Name: "dead", Priority: 1}},
		map[string]LLMProvider{"dead": dead},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t), Alerts: alertRouter},
	)

	_, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)

	require.Len(t, capture.byType("provider_rate_limited"), 1)
	critical := capture.byType("all_providers_failed")
	require.Len(t, critical, 1)
	assert.Equal(t, alerts.SeverityCritical, critical[0].Severity)
}

func TestRouterMissingClientIsUnavailable(t *testing.T) {
	router := NewRouter(
		[]Descriptor{{Name: "ghost", Priority: 1}},
		map[string]LLMProvider{},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	snap := router.Status()["ghost"]
	assert.Equal(t, StatusUnavailable, snap.Status)
	assert.Equal(t, "no client configured", snap.LastError)

	_, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestRouterNoProviders(t *testing.T) {
	router := NewRouter(nil, nil, fastRetry(RouterConfig{}), RouterDeps{Clock: frozenClock(t)})
	_, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestUsageDateRollover(t *testing.T) {
	morning := time.Date(2025, 6, 16, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-15", usageDate(morning, 5))
	assert.Equal(t, "2025-06-16", usageDate(morning, 0))

	evening := time.Date(2025, 6, 16, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-16", usageDate(evening, 5))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 5, estimateTokens("a b", "c", "d e"))
	assert.Equal(t, 1, estimateTokens("", ""))
}

func ExampleParseJSONResponse() {
	var out struct {
		Signal string `json:"signal"`
	}
	_ = ParseJSONResponse("Here you go:\n```json\n{\"signal\": \"BUY\"}\n```", &out)
	fmt.Println(out.Signal)
	// Output: BUY
}

func TestRouterPersistsFailedAttempts(t *testing.T) {
	usage := store.NewMemoryUsageStore()
	broken := &stubProvider{err: errors.New("upstream exploded")}

	router := NewRouter(
		[]Descriptor{{Name: "only", Priority: 1}},
		map[string]LLMProvider{"only": broken},
		fastRetry(RouterConfig{FailureThreshold: 3}),
		RouterDeps{Clock: frozenClock(t), Usage: usage},
	)

	_, err := router.Call(context.Background(), "sys", "user", CallOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)

	// The attempt consumed in-memory quota, so the persisted view counts
	// it too; a restart reloads the same numbers the limits saw.
	rec, err := usage.GetUsage(context.Background(), "only", usageDate(testEpoch, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Requests)
	assert.Equal(t, int64(0), rec.Tokens)
	assert.Equal(t, 1, router.Status()["only"].RequestsToday)
}

func TestRouterAccumulatesDailyTokens(t *testing.T) {
	stub := &stubProvider{reply: "ok", tokens: 7}

	router := NewRouter(
		[]Descriptor{{Name: "only", Priority: 1}},
		map[string]LLMProvider{"only": stub},
		fastRetry(RouterConfig{}),
		RouterDeps{Clock: frozenClock(t)},
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := router.Call(ctx, "sys", "user", CallOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(21), router.Status()["only"].TokensToday)
}
