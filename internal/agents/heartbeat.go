package agents

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/bus"
	"github.com/tradefabric/tradefabric/internal/clock"
)

// HeartbeatSubject carries runtime liveness messages on the event bus.
const HeartbeatSubject = "engine.heartbeat"

// defaultHeartbeatInterval spaces liveness messages.
const defaultHeartbeatInterval = 30 * time.Second

// HeartbeatMessage is one liveness report from the decision runtime.
type HeartbeatMessage struct {
	Component string    `json:"component"`
	Status    string    `json:"status"`
	Cycles    int64     `json:"cycles"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat publishes periodic liveness reports for the agent runtime so
// external monitors can tell a stalled engine from a closed market.
type Heartbeat struct {
	bus      *bus.Bus
	clk      *clock.Clock
	interval time.Duration
	cycles   func() int64
	log      zerolog.Logger
}

// NewHeartbeat builds the publisher. cycles reports the number of completed
// cycles and may be nil.
func NewHeartbeat(b *bus.Bus, clk *clock.Clock, interval time.Duration, cycles func() int64) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Heartbeat{
		bus:      b,
		clk:      clk,
		interval: interval,
		cycles:   cycles,
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run publishes until the context is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.publish()
		}
	}
}

func (h *Heartbeat) publish() {
	msg := HeartbeatMessage{
		Component: "agent_runtime",
		Status:    "running",
		Timestamp: h.clk.Now(),
	}
	if h.cycles != nil {
		msg.Cycles = h.cycles()
	}
	if err := h.bus.Publish(HeartbeatSubject, msg); err != nil {
		h.log.Warn().Err(err).Msg("Failed to publish heartbeat")
	}
}
