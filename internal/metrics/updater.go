package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/llm"
	"github.com/tradefabric/tradefabric/internal/portfolio"
)

// defaultUpdateInterval spaces gauge refreshes.
const defaultUpdateInterval = 15 * time.Second

// PortfolioSource exposes the portfolio gauges the updater polls.
type PortfolioSource interface {
	State() portfolio.State
}

// ProviderSource exposes provider snapshots.
type ProviderSource interface {
	Status() map[string]llm.ProviderSnapshot
}

// GatewaySource exposes gateway counters.
type GatewaySource interface {
	ClientCount() int
	Seq() uint64
}

// Updater refreshes gauge-style metrics from live components. Counters are
// recorded at the call sites; only point-in-time state is polled here.
type Updater struct {
	portfolio PortfolioSource
	providers ProviderSource
	gateway   GatewaySource
	interval  time.Duration
	log       zerolog.Logger
}

// NewUpdater builds the poller. Any source may be nil.
func NewUpdater(pf PortfolioSource, pv ProviderSource, gw GatewaySource, interval time.Duration) *Updater {
	if interval <= 0 {
		interval = defaultUpdateInterval
	}
	return &Updater{
		portfolio: pf,
		providers: pv,
		gateway:   gw,
		interval:  interval,
		log:       log.With().Str("component", "metrics_updater").Logger(),
	}
}

// Run refreshes until the context is cancelled. The first refresh happens
// immediately.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.Refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.Refresh()
		}
	}
}

// Refresh performs one poll of every configured source.
func (u *Updater) Refresh() {
	if u.portfolio != nil {
		state := u.portfolio.State()
		OpenPositions.Set(float64(len(state.OpenPositions)))
		DailyPnL.Set(state.DailyPnL)
		TotalPnL.Set(state.TotalPnL)
		RiskExposure.Set(state.TotalRiskExposure)
		if state.EmergencyStop {
			EmergencyStop.Set(1)
		} else {
			EmergencyStop.Set(0)
		}
	}

	if u.providers != nil {
		for name, snap := range u.providers.Status() {
			// Clear older status labels so only the current one reads 1.
			for _, status := range []llm.Status{llm.StatusAvailable, llm.StatusRateLimited, llm.StatusError, llm.StatusUnavailable} {
				v := 0.0
				if snap.Status == status {
					v = 1.0
				}
				ProviderState.WithLabelValues(name, string(status)).Set(v)
			}
			ProviderCostUSD.WithLabelValues(name).Set(snap.EstimatedCostUSD)
		}
	}

	if u.gateway != nil {
		GatewayClients.Set(float64(u.gateway.ClientCount()))
		GatewaySeq.Set(float64(u.gateway.Seq()))
	}
}
