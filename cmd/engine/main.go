// The engine binary runs the trading core: mode controller, agent
// runtime, orchestrator loop, provider router, position manager, control
// API, and metrics. The fan-out gateway runs separately (cmd/gateway).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradefabric/tradefabric/internal/agents"
	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/api"
	"github.com/tradefabric/tradefabric/internal/audit"
	"github.com/tradefabric/tradefabric/internal/bus"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/indicators"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/llm"
	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/metrics"
	"github.com/tradefabric/tradefabric/internal/mode"
	"github.com/tradefabric/tradefabric/internal/orchestrator"
	"github.com/tradefabric/tradefabric/internal/portfolio"
	"github.com/tradefabric/tradefabric/internal/pubsub"
	"github.com/tradefabric/tradefabric/internal/risk"
	"github.com/tradefabric/tradefabric/internal/store"
)

// stores is the backend-agnostic view the wiring hands to components.
type stores struct {
	Decisions store.DecisionStore
	Trades    store.TradeStore
	Usage     store.UsageStore
	Alerts    store.AlertStore
	Audit     store.AuditStore
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("Engine shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	secrets, err := config.LoadSecrets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	// Redis backs the KV seam, the price cache, and event pub/sub. Without
	// it everything runs in-process, which is the development default.
	var redisClient *redis.Client
	var kvStore kv.Store
	var broker *pubsub.Broker
	newConn := func() pubsub.PubSub { return nil }

	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.GetRedisAddr(), err)
		}
		defer func() { _ = redisClient.Close() }()
		kvStore = kv.NewRedis(redisClient, "tradefabric")
		newConn = func() pubsub.PubSub { return pubsub.NewRedis(redisClient) }
	} else {
		log.Warn().Msg("Redis disabled - in-memory KV and pub/sub, single process only")
		kvStore = kv.NewMemory()
		broker = pubsub.NewBroker()
		newConn = func() pubsub.PubSub { return broker.Conn() }
	}

	var clockOpts []clock.Option
	if cfg.Clock.SyncVirtual {
		clockOpts = append(clockOpts, clock.WithKV(kvStore))
	}
	clk := clock.New(clockOpts...)

	db, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}

	calendar, err := market.NewCalendar(market.CalendarConfig{
		Days:       cfg.Market.Calendar.Days,
		Open:       cfg.Market.Calendar.Open,
		Close:      cfg.Market.Calendar.Close,
		Timezone:   cfg.Market.Calendar.Timezone,
		AlwaysOpen: cfg.Market.Calendar.AlwaysOpen,
	})
	if err != nil {
		return fmt.Errorf("market calendar: %w", err)
	}

	var eventBus *bus.Bus
	if cfg.NATS.Enabled {
		eventBus, err = bus.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect %s: %w", cfg.NATS.URL, err)
		}
		defer eventBus.Close()
	}

	alertRouter, err := buildAlerts(ctx, cfg, secrets, clk, db.Alerts, eventBus)
	if err != nil {
		return err
	}
	alertRouter.SetObserver(metrics.RecordAlertDelivery)

	engine := risk.NewEngine(cfg.Risk, clk, alertRouter)

	// The controller and the manager reference each other through the
	// store binder, so the controller variable is closed over before it
	// is assigned.
	var ctl *mode.Controller

	manager := portfolio.NewManager(cfg.Portfolio, portfolio.Deps{
		Engine: engine,
		Clock:  clk,
		Alerts: alertRouter,
		Limits: cfg.Risk,
		Trades: func() store.TradeStore {
			if ctl == nil {
				return nil
			}
			return ctl.Stores().Trades
		},
	})

	initial := mode.SimClosed
	if cfg.Mode.Initial != "" {
		if initial, err = mode.Parse(cfg.Mode.Initial); err != nil {
			return err
		}
	}
	ctl, err = mode.NewController(initial, mode.Deps{
		Clock:    clk,
		Calendar: calendar,
		KV:       kvStore,
		Bind: func(label string) mode.BoundStores {
			return mode.BoundStores{
				Decisions: store.ScopeDecisions(db.Decisions, label),
				Trades:    store.ScopeTrades(db.Trades, label),
			}
		},
		Alerts: alertRouter,
	})
	if err != nil {
		return fmt.Errorf("mode controller: %w", err)
	}

	router := buildRouter(cfg, clk, db.Usage, alertRouter)
	defer router.Close()

	sim := market.NewSimSource(market.SimConfig{
		StartPrice: cfg.Market.Sim.StartPrice,
		Volatility: cfg.Market.Sim.Volatility,
		Seed:       cfg.Market.Sim.Seed,
	}, clk, newConn())

	graph, err := loadGraph(cfg)
	if err != nil {
		return err
	}
	roster, err := agents.BuildRoster(agents.Capabilities{
		Market:     sim,
		Indicators: indicators.NewService(sim, indicators.Config{}),
		News:       market.NewStaticNewsFeed(nil, clk),
		Router:     router,
	}, graph)
	if err != nil {
		return fmt.Errorf("agent roster: %w", err)
	}
	runtime, err := agents.NewRuntime(graph, roster, agents.Deps{
		Clock:     clk,
		Decisions: func() store.DecisionStore { return ctl.Stores().Decisions },
	})
	if err != nil {
		return fmt.Errorf("agent runtime: %w", err)
	}

	orch := orchestrator.New(cfg.Market.Instrument, cfg.Cycle, cfg.Mode.ForceOpen, orchestrator.Deps{
		Clock:     clk,
		Calendar:  calendar,
		Mode:      ctl,
		Runtime:   runtime,
		Portfolio: manager,
		Events:    newConn(),
		Bus:       eventBus,
	})

	priceCache := market.NewPriceCache(redisClient, 0)
	priceLoop := orchestrator.NewPriceLoop(newConn(), priceCache, manager)

	apiServer := api.NewServer(cfg.API, api.Deps{
		Mode:      ctl,
		Portfolio: manager,
		Cycles:    orch,
		Providers: router,
		Clock:     clk,
		KV:        kvStore,
		Audit:     audit.NewTrail(db.Audit, clk),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return router.Start(gctx) })
	g.Go(func() error { return engine.Start(gctx, manager) })
	g.Go(func() error { return priceLoop.Run(gctx) })

	if cfg.Market.Sim.Enabled {
		g.Go(func() error { return sim.Run(gctx, cfg.Market.Sim.Interval) })
	}
	if eventBus != nil {
		heartbeat := agents.NewHeartbeat(eventBus, clk, 0, orch.CycleCount)
		g.Go(func() error { return heartbeat.Run(gctx) })
	}

	g.Go(func() error { return apiServer.Start() })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Stop(stopCtx)
	})

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		updater := metrics.NewUpdater(manager, router, nil, 0)
		g.Go(func() error { return updater.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(stopCtx)
		})
	}

	log.Info().
		Str("instrument", cfg.Market.Instrument).
		Str("mode", ctl.Current().String()).
		Str("environment", cfg.App.Environment).
		Msg("Engine started")

	return g.Wait()
}

// openStores connects Postgres when enabled, in-memory otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Database.Enabled {
		pool, err := store.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		pg := store.NewPostgresStores(pool)
		return &stores{
			Decisions: pg.Decisions,
			Trades:    pg.Trades,
			Usage:     pg.Usage,
			Alerts:    pg.Alerts,
			Audit:     pg.Audit,
		}, nil
	}

	log.Warn().Msg("Database disabled - records live in memory and vanish on restart")
	mem := store.NewMemoryStores()
	return &stores{
		Decisions: mem.Decisions,
		Trades:    mem.Trades,
		Usage:     mem.Usage,
		Alerts:    mem.Alerts,
		Audit:     mem.Audit,
	}, nil
}

// buildAlerts assembles the alert router: the durable store sink always,
// the notification sinks per config.
func buildAlerts(ctx context.Context, cfg *config.Config, secrets *config.Secrets, clk *clock.Clock, alertStore store.AlertStore, eventBus *bus.Bus) (*alerts.Router, error) {
	backends := []alerts.Backend{alerts.NewStoreBackend(alertStore)}

	if cfg.Alerts.Telegram.Enabled {
		tg, err := alerts.NewTelegramBackend(secrets.TelegramBotToken, cfg.Alerts.Telegram.ChatIDs)
		if err != nil {
			return nil, fmt.Errorf("telegram sink: %w", err)
		}
		backends = append(backends, tg)
	}
	if cfg.Alerts.SMTP.Enabled {
		smtpCfg := alerts.SMTPConfig{
			Host:     cfg.Alerts.SMTP.Host,
			Port:     cfg.Alerts.SMTP.Port,
			From:     cfg.Alerts.SMTP.From,
			To:       cfg.Alerts.SMTP.To,
			User:     secrets.SMTPUser,
			Password: secrets.SMTPPassword,
		}
		smtp, err := alerts.NewSMTPBackend(smtpCfg)
		if err != nil {
			return nil, fmt.Errorf("smtp sink: %w", err)
		}
		backends = append(backends, smtp)
	}
	if cfg.Alerts.Push.Enabled {
		push, err := alerts.NewPushBackend(ctx, cfg.Alerts.Push.CredentialsPath,
			cfg.Alerts.Push.DeviceTokens, alerts.Severity(cfg.Alerts.Push.MinSeverity))
		if err != nil {
			return nil, fmt.Errorf("push sink: %w", err)
		}
		backends = append(backends, push)
	}
	if cfg.Alerts.Bus.Enabled && eventBus != nil {
		backends = append(backends, alerts.NewBusBackend(eventBus))
	}

	return alerts.NewRouter(clk, backends...), nil
}

// buildRouter constructs the provider router from config. Providers without
// a resolvable API key still register so their absence is visible in status.
func buildRouter(cfg *config.Config, clk *clock.Clock, usage store.UsageStore, alertRouter *alerts.Router) *llm.Router {
	descriptors := make([]llm.Descriptor, 0, len(cfg.LLM.Providers))
	clients := make(map[string]llm.LLMProvider, len(cfg.LLM.Providers))

	for _, p := range cfg.LLM.Providers {
		descriptors = append(descriptors, llm.Descriptor{
			Name:             p.Name,
			Priority:         p.Priority,
			Model:            p.Model,
			PerMinuteLimit:   p.PerMinuteLimit,
			PerDayLimit:      p.PerDayLimit,
			PerDayTokenQuota: p.PerDayTokenQuota,
			CostPer1KTokens:  p.CostPer1KTokens,
		})
		if p.APIKey == "" || config.IsPlaceholder(p.APIKey) {
			log.Warn().Str("provider", p.Name).Msg("Provider has no usable API key, registering unavailable")
			continue
		}
		clients[p.Name] = llm.NewClient(llm.ClientConfig{
			Name:     p.Name,
			Endpoint: p.Endpoint,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Timeout:  cfg.LLM.Timeout,
		})
	}

	return llm.NewRouter(descriptors, clients, llm.RouterConfig{
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		FailureThreshold: cfg.LLM.FailureThreshold,
		CooldownSeconds:  cfg.LLM.CooldownSeconds,
		SoftThrottle:     cfg.LLM.SoftThrottle,
		RolloverHour:     cfg.LLM.RolloverHour,
	}, llm.RouterDeps{
		Clock:   clk,
		Usage:   usage,
		Alerts:  alertRouter,
		Observe: metrics.RecordProviderCall,
	})
}

// loadGraph reads the configured agent graph or falls back to the built-in
// default, then applies the runtime overrides.
func loadGraph(cfg *config.Config) (agents.Graph, error) {
	graph := agents.DefaultGraph()
	if cfg.Agents.GraphPath != "" {
		loaded, err := agents.LoadGraph(cfg.Agents.GraphPath)
		if err != nil {
			return agents.Graph{}, fmt.Errorf("agent graph %s: %w", cfg.Agents.GraphPath, err)
		}
		graph = loaded
	}
	if cfg.Agents.MaxConcurrent > 0 {
		graph.MaxConcurrent = cfg.Agents.MaxConcurrent
	}
	if cfg.Agents.MinConsensus > 0 {
		graph.MinConsensus = cfg.Agents.MinConsensus
	}
	return graph, nil
}
