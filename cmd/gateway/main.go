// The gateway binary bridges Redis pub/sub to WebSocket clients. It runs
// separately from the engine so a burst of dashboard connections never
// competes with the trading loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/gateway"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/metrics"
	"github.com/tradefabric/tradefabric/internal/pubsub"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("Gateway shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// A cross-process fan-out needs a real broker; the in-memory one only
	// reaches subscribers in the same process.
	if !cfg.Redis.Enabled {
		return fmt.Errorf("gateway requires redis.enabled: it fans out events published by the engine process")
	}

	redisClient := redis.NewClient(&redis.Options{
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

	var clockOpts []clock.Option
	if cfg.Clock.SyncVirtual {
		clockOpts = append(clockOpts, clock.WithKV(kv.NewRedis(redisClient, "tradefabric")))
	}
	clk := clock.New(clockOpts...)

	gw := gateway.New(cfg.Gateway, pubsub.NewRedis(redisClient), clk)

	mux := http.NewServeMux()
	// The ws endpoint hijacks the connection and cannot go through the
	// instrumenting wrapper.
	mux.Handle("/ws", gw)
	mux.Handle("/health", metrics.InstrumentHandler("/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("Gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(stopCtx)
	})

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		updater := metrics.NewUpdater(nil, nil, gw, 0)
		g.Go(func() error { return updater.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(stopCtx)
		})
	}

	return g.Wait()
}
