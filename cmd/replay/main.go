// Replay CLI: drives the shared virtual clock so every process attached
// to the same Redis replays the same instant.
//
//	replay -config configs/config.yaml set -time 2025-06-16T10:00:00+05:30
//	replay advance -by 15m
//	replay status
//	replay clear
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/kv"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("load config: %v", err)
	}
	if !cfg.Redis.Enabled {
		fail("replay requires redis.enabled: the virtual clock is shared through Redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		fail("redis ping %s: %v", cfg.Redis.GetRedisAddr(), err)
	}

	clk := clock.New(clock.WithKV(kv.NewRedis(client, "tradefabric")))

	switch cmd := flag.Arg(0); cmd {
	case "set":
		runSet(ctx, clk, flag.Args()[1:])
	case "advance":
		runAdvance(ctx, clk, flag.Args()[1:])
	case "clear":
		if err := clk.ClearVirtual(ctx); err != nil {
			fail("clear virtual time: %v", err)
		}
		fmt.Println("virtual time cleared, processes follow the wall clock")
	case "status":
		if clk.IsVirtual() {
			fmt.Printf("virtual time active: %s\n", clk.Now().Format(time.RFC3339))
		} else {
			fmt.Printf("wall clock: %s\n", clk.Now().Format(time.RFC3339))
		}
	default:
		fail("unknown command %q", cmd)
	}
}

func runSet(ctx context.Context, clk *clock.Clock, args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	at := fs.String("time", "", "virtual instant, RFC 3339")
	_ = fs.Parse(args)

	if *at == "" {
		fail("set requires -time")
	}
	t, err := time.Parse(time.RFC3339, *at)
	if err != nil {
		fail("parse -time: %v", err)
	}
	if err := clk.SetVirtual(ctx, t); err != nil {
		fail("set virtual time: %v", err)
	}
	fmt.Printf("virtual time set to %s\n", t.Format(time.RFC3339))
}

func runAdvance(ctx context.Context, clk *clock.Clock, args []string) {
	fs := flag.NewFlagSet("advance", flag.ExitOnError)
	by := fs.Duration("by", 0, "duration to advance, e.g. 15m")
	_ = fs.Parse(args)

	if *by <= 0 {
		fail("advance requires a positive -by duration")
	}
	next, err := clk.Advance(ctx, *by)
	if err != nil {
		fail("advance virtual time: %v", err)
	}
	fmt.Printf("virtual time advanced to %s\n", next.Format(time.RFC3339))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: replay [-config path] <set|advance|clear|status> [args]")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "replay: "+format+"\n", args...)
	os.Exit(1)
}
