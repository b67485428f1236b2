package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradefabric/tradefabric/internal/audit"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/llm"
	"github.com/tradefabric/tradefabric/internal/mode"
	"github.com/tradefabric/tradefabric/internal/store"
	"github.com/tradefabric/tradefabric/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/mode", s.handleGetMode)
		v1.POST("/mode", s.handleSetMode)
		v1.DELETE("/mode/override", s.handleClearOverride)

		v1.GET("/balance", s.handleGetBalance)
		v1.POST("/balance", s.handleSetBalance)

		v1.POST("/cycle/run", s.handleRunCycle)

		v1.GET("/signals", s.handleListSignals)
		v1.GET("/positions", s.handleListPositions)
		v1.GET("/trades", s.handleListTrades)
		v1.GET("/providers", s.handleProviders)
		v1.GET("/health", s.handleHealth)
	}
}

// actor identifies the operator for the audit trail.
func actor(c *gin.Context) string {
	if op := c.GetHeader("X-Operator"); op != "" {
		return validation.SanitizeInput(op)
	}
	return c.ClientIP()
}

func (s *Server) audit(c *gin.Context, action string, details map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(c.Request.Context(), action, actor(c), details); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("Audit write failed")
	}
}

func (s *Server) handleGetMode(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Mode.ModeInfo(c.Request.Context()))
}

type setModeRequest struct {
	Mode             string             `json:"mode"`
	Confirm          bool               `json:"confirm"`
	HistoricalReplay *mode.ReplayWindow `json:"historical_replay,omitempty"`
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	v := validation.New()
	v.ModeLabel("mode", req.Mode)
	if v.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": v.Errors().Error()})
		return
	}

	target, err := mode.Parse(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.deps.Mode.Current().String()
	result, err := s.deps.Mode.SetManual(c.Request.Context(), target, req.Confirm, req.HistoricalReplay)
	if errors.Is(err, mode.ErrConfirmationRequired) {
		c.JSON(http.StatusOK, result)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, audit.ActionModeOverride, map[string]any{
		"from":    previous,
		"to":      result.ModeLabel,
		"confirm": req.Confirm,
	})
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleClearOverride(c *gin.Context) {
	if err := s.deps.Mode.ClearManual(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.audit(c, audit.ActionModeClear, map[string]any{
		"mode": s.deps.Mode.Current().String(),
	})
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mode":    s.deps.Mode.Current().String(),
	})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	state := s.deps.Portfolio.State()
	c.JSON(http.StatusOK, gin.H{
		"balance":        state.TotalEquity,
		"available_cash": state.AvailableCash,
		"daily_pnl":      state.DailyPnL,
		"total_pnl":      state.TotalPnL,
	})
}

type setBalanceRequest struct {
	Balance float64 `json:"balance"`
}

func (s *Server) handleSetBalance(c *gin.Context) {
	if s.deps.Mode.Current() == mode.Live {
		c.JSON(http.StatusForbidden, gin.H{"error": "balance reset is not available in live mode"})
		return
	}

	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	v := validation.New()
	v.Balance("balance", req.Balance)
	if v.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": v.Errors().Error()})
		return
	}

	if err := s.deps.Portfolio.SetBalance(req.Balance); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, audit.ActionBalanceSet, map[string]any{"balance": req.Balance})
	c.JSON(http.StatusOK, gin.H{"success": true, "balance": req.Balance})
}

func (s *Server) handleRunCycle(c *gin.Context) {
	if s.deps.Cycles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator not running"})
		return
	}

	started := time.Now()
	decision, err := s.deps.Cycles.RunCycleNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.deps.Audit != nil {
		if auditErr := s.deps.Audit.RecordTimed(c.Request.Context(), audit.ActionCycleTriggered, actor(c), map[string]any{
			"cycle_id": decision.CycleID,
			"signal":   decision.FinalSignal,
		}, time.Since(started)); auditErr != nil {
			s.log.Warn().Err(auditErr).Msg("Audit write failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "decision": decision})
}

// listLimit parses ?limit with a default and an upper cap.
func listLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (s *Server) handleListSignals(c *gin.Context) {
	stores := s.deps.Mode.Stores()
	if stores.Decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision store unavailable"})
		return
	}

	filter := store.DecisionFilter{Limit: listLimit(c)}
	if inst := c.Query("instrument"); inst != "" {
		filter.Instrument = validation.SanitizeInstrument(inst)
	}

	decisions, err := stores.Decisions.ListDecisions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": decisions, "count": len(decisions)})
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions := s.deps.Portfolio.Positions(c.Query("status"))
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handleListTrades(c *gin.Context) {
	stores := s.deps.Mode.Stores()
	if stores.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade store unavailable"})
		return
	}

	filter := store.TradeFilter{Limit: listLimit(c)}
	if inst := c.Query("instrument"); inst != "" {
		filter.Instrument = validation.SanitizeInstrument(inst)
	}

	trades, err := stores.Trades.ListTrades(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleProviders(c *gin.Context) {
	snapshots := map[string]llm.ProviderSnapshot{}
	if s.deps.Providers != nil {
		snapshots = s.deps.Providers.Status()
	}
	c.JSON(http.StatusOK, gin.H{"providers": snapshots})
}

func (s *Server) handleHealth(c *gin.Context) {
	deps := gin.H{"mode": s.deps.Mode.Current().String()}
	status := "ok"

	if s.deps.Clock != nil {
		source := "real"
		if s.deps.Clock.IsVirtual() {
			source = "virtual"
		}
		deps["clock"] = source
	}

	if s.deps.KV != nil {
		if _, err := s.deps.KV.Get(c.Request.Context(), mode.KeyModeConfig); err != nil && !errors.Is(err, kv.ErrNotFound) {
			deps["kv"] = "error: " + err.Error()
			status = "degraded"
		} else {
			deps["kv"] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "dependencies": deps})
}
