// Package api is the HTTP control surface: mode management, simulated
// balance resets, manual cycle triggers, and read views over signals,
// positions, trades, and provider status.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/agents"
	"github.com/tradefabric/tradefabric/internal/audit"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/llm"
	"github.com/tradefabric/tradefabric/internal/metrics"
	"github.com/tradefabric/tradefabric/internal/mode"
	"github.com/tradefabric/tradefabric/internal/portfolio"
)

// CycleRunner triggers one out-of-band trading cycle.
type CycleRunner interface {
	RunCycleNow(ctx context.Context) (*agents.CycleDecision, error)
}

// ProviderStatus exposes the router's per-provider view.
type ProviderStatus interface {
	Status() map[string]llm.ProviderSnapshot
}

// Deps carries the server's collaborators. Cycles, Providers, and Audit
// may be nil; the matching endpoints degrade gracefully.
type Deps struct {
	Mode      *mode.Controller
	Portfolio *portfolio.Manager
	Cycles    CycleRunner
	Providers ProviderStatus
	Clock     *clock.Clock
	KV        kv.Store
	Audit     *audit.Trail
}

// Server is the control-surface HTTP server.
type Server struct {
	router *gin.Engine
	deps   Deps
	addr   string
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Operator"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:    log.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Stop or a listen failure.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control API listen: %w", err)
	}
	return nil
}

// Stop drains in-flight requests within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("Stopping control API")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request and feeds the API metrics. The route
// template keeps metric label cardinality bounded.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, route, strconv.Itoa(status), float64(latency.Milliseconds()))

		evt := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			evt.Str("errors", c.Errors.String())
		}
		evt.Msg("API request")
	}
}
