// Package gateway fans pub/sub channels out to WebSocket clients. It is
// deliberately dumb: ACL checks, quota enforcement, and monotonic
// sequencing, nothing else.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/metrics"
	"github.com/tradefabric/tradefabric/internal/pubsub"
)

// pollTimeout bounds each upstream read so shutdown and subscription-set
// changes are noticed promptly.
const pollTimeout = time.Second

// idlePoll spaces checks while no upstream subscription exists.
const idlePoll = 250 * time.Millisecond

// Gateway is the fan-out hub. One instance serves all clients of a process
// and owns a single upstream consumer connection.
type Gateway struct {
	cfg      config.GatewayConfig
	upstream pubsub.PubSub
	clk      *clock.Clock
	acl      *ACL
	upgrader websocket.Upgrader
	log      zerolog.Logger

	seq atomic.Uint64

	mu          sync.Mutex
	clients     map[string]*session
	channelRefs map[string]int
	patternRefs map[string]int

	// hasUpstream flags a non-empty upstream subscription set so the
	// receive loop can idle without polling.
	hasUpstream atomic.Bool
}

// New builds the gateway over the given upstream consumer connection.
func New(cfg config.GatewayConfig, upstream pubsub.PubSub, clk *clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	return &Gateway{
		cfg:      cfg,
		upstream: upstream,
		clk:      clk,
		acl:      NewACL(cfg.Roles),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:         log.With().Str("component", "gateway").Logger(),
		clients:     make(map[string]*session),
		channelRefs: make(map[string]int),
		patternRefs: make(map[string]int),
	}
}

// ClientCount reports the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Seq reports the last assigned sequence number.
func (g *Gateway) Seq() uint64 { return g.seq.Load() }

// frame builds an outbound frame with the clock-derived timestamp. The seq
// is stamped later, inside session.enqueue, so stamp order and per-client
// delivery order cannot diverge.
func (g *Gateway) frame(frameType string) ServerFrame {
	return ServerFrame{
		Type:      frameType,
		Timestamp: g.clk.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ServeHTTP upgrades the connection and runs the client's read loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	var limiter *rate.Limiter
	if g.cfg.MessagesPerSecond > 0 {
		burst := g.cfg.MessageBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.cfg.MessagesPerSecond), burst)
	}

	sess := newSession(uuid.NewString(), role, conn, limiter, g.clk.Now())
	g.mu.Lock()
	g.clients[sess.id] = sess
	total := len(g.clients)
	g.mu.Unlock()

	g.log.Info().
		Str("client_id", sess.id).
		Str("role", role).
		Int("total_clients", total).
		Msg("Client connected")

	go sess.writePump()

	hello := g.frame(TypeConnected)
	hello.ClientID = sess.id
	hello.Role = role
	sess.enqueue(hello, &g.seq)

	g.readPump(r.Context(), sess)
}

func (g *Gateway) authenticate(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token != "" {
		if role, ok := g.cfg.Tokens[token]; ok {
			return role, true
		}
		return "", false
	}
	if g.cfg.AllowAnonymous {
		return g.cfg.AnonymousRole, true
	}
	return "", false
}

func (g *Gateway) readPump(ctx context.Context, sess *session) {
	// Cleanup runs after the request context is gone.
	defer g.disconnect(context.Background(), sess)

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req ClientRequest
		if err := sess.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug().Err(err).Str("client_id", sess.id).Msg("Client read failed")
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))

		if sess.limiter != nil && !sess.limiter.Allow() {
			g.sendError(sess, req.RequestID, "rate limit exceeded")
			continue
		}

		switch req.Action {
		case ActionSubscribe:
			g.handleSubscribe(ctx, sess, req)
		case ActionUnsubscribe:
			g.handleUnsubscribe(ctx, sess, req)
		case ActionPing:
			pong := g.frame(TypePong)
			pong.RequestID = req.RequestID
			sess.enqueue(pong, &g.seq)
		default:
			g.sendError(sess, req.RequestID, fmt.Sprintf("unknown action %q", req.Action))
		}
	}
}

func (g *Gateway) sendError(sess *session, requestID, message string) {
	frame := g.frame(TypeError)
	frame.Error = message
	frame.RequestID = requestID
	sess.enqueue(frame, &g.seq)
}

func isPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?")
}

func (g *Gateway) handleSubscribe(ctx context.Context, sess *session, req ClientRequest) {
	var accepted, errs []string

	for _, channel := range req.Channels {
		if channel == "" {
			errs = append(errs, "empty channel name")
			continue
		}
		if !g.acl.Allowed(sess.role, channel) {
			errs = append(errs, fmt.Sprintf("%s: not permitted for role %q", channel, sess.role))
			continue
		}

		if isPattern(channel) {
			if err := g.addPattern(ctx, sess, channel); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", channel, err))
				continue
			}
		} else {
			if err := g.addChannel(ctx, sess, channel); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", channel, err))
				continue
			}
		}
		accepted = append(accepted, channel)
	}

	frame := g.frame(TypeSubscribed)
	frame.Channels = accepted
	frame.Errors = errs
	frame.RequestID = req.RequestID
	sess.enqueue(frame, &g.seq)
}

func (g *Gateway) addChannel(ctx context.Context, sess *session, channel string) error {
	sess.mu.Lock()
	if _, ok := sess.channels[channel]; ok {
		sess.mu.Unlock()
		return nil
	}
	if limit := g.cfg.MaxChannelsPerClient; limit > 0 && len(sess.channels) >= limit {
		sess.mu.Unlock()
		return fmt.Errorf("channel limit %d reached", limit)
	}
	sess.channels[channel] = struct{}{}
	sess.mu.Unlock()

	g.mu.Lock()
	g.channelRefs[channel]++
	first := g.channelRefs[channel] == 1
	g.refreshUpstreamFlagLocked()
	g.mu.Unlock()

	if first {
		if err := g.upstream.Subscribe(ctx, channel); err != nil {
			g.log.Warn().Err(err).Str("channel", channel).Msg("Upstream subscribe failed")
		}
	}
	return nil
}

func (g *Gateway) addPattern(ctx context.Context, sess *session, pattern string) error {
	re, err := pubsub.GlobToRegexp(pattern)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if _, ok := sess.patterns[pattern]; ok {
		sess.mu.Unlock()
		return nil
	}
	if limit := g.cfg.MaxPatternsPerClient; limit > 0 && len(sess.patterns) >= limit {
		sess.mu.Unlock()
		return fmt.Errorf("pattern limit %d reached", limit)
	}
	sess.patterns[pattern] = re
	sess.mu.Unlock()

	g.mu.Lock()
	g.patternRefs[pattern]++
	first := g.patternRefs[pattern] == 1
	g.refreshUpstreamFlagLocked()
	g.mu.Unlock()

	if first {
		if err := g.upstream.PSubscribe(ctx, pattern); err != nil {
			g.log.Warn().Err(err).Str("pattern", pattern).Msg("Upstream psubscribe failed")
		}
	}
	return nil
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, sess *session, req ClientRequest) {
	var removed []string

	for _, channel := range req.Channels {
		sess.mu.Lock()
		var held bool
		if isPattern(channel) {
			if _, held = sess.patterns[channel]; held {
				delete(sess.patterns, channel)
			}
		} else {
			if _, held = sess.channels[channel]; held {
				delete(sess.channels, channel)
			}
		}
		sess.mu.Unlock()

		if held {
			g.release(ctx, channel)
			removed = append(removed, channel)
		}
	}

	frame := g.frame(TypeUnsubscribed)
	frame.Channels = removed
	frame.RequestID = req.RequestID
	sess.enqueue(frame, &g.seq)
}

// release drops one reference on channel, unsubscribing upstream when the
// last holder leaves.
func (g *Gateway) release(ctx context.Context, channel string) {
	g.mu.Lock()
	var last bool
	if isPattern(channel) {
		if g.patternRefs[channel]--; g.patternRefs[channel] <= 0 {
			delete(g.patternRefs, channel)
			last = true
		}
	} else {
		if g.channelRefs[channel]--; g.channelRefs[channel] <= 0 {
			delete(g.channelRefs, channel)
			last = true
		}
	}
	g.refreshUpstreamFlagLocked()
	g.mu.Unlock()

	if !last {
		return
	}
	var err error
	if isPattern(channel) {
		err = g.upstream.PUnsubscribe(ctx, channel)
	} else {
		err = g.upstream.Unsubscribe(ctx, channel)
	}
	if err != nil {
		g.log.Warn().Err(err).Str("channel", channel).Msg("Upstream unsubscribe failed")
	}
}

func (g *Gateway) refreshUpstreamFlagLocked() {
	g.hasUpstream.Store(len(g.channelRefs)+len(g.patternRefs) > 0)
}

// disconnect removes the client from every index and recomputes the
// upstream subscription set.
func (g *Gateway) disconnect(ctx context.Context, sess *session) {
	if !sess.shutdown() {
		return
	}
	sess.conn.Close()

	g.mu.Lock()
	delete(g.clients, sess.id)
	total := len(g.clients)
	g.mu.Unlock()

	channels, patterns := sess.subscriptions()
	for _, ch := range channels {
		g.release(ctx, ch)
	}
	for _, p := range patterns {
		g.release(ctx, p)
	}

	g.log.Info().
		Str("client_id", sess.id).
		Int("total_clients", total).
		Msg("Client disconnected")
}

// Run consumes the upstream connection and fans messages out until the
// context is cancelled. With no upstream subscriptions it idles on a flag
// instead of polling.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info().Msg("Gateway fan-out loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !g.hasUpstream.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePoll):
			}
			continue
		}

		msg, err := g.upstream.Get(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Warn().Err(err).Msg("Upstream read failed")
			continue
		}
		if msg == nil {
			continue
		}
		g.dispatch(ctx, msg)
	}
}

// dispatch delivers one upstream message to every matching client. Send
// failures are collected and the offending clients disconnected after the
// fan-out, so a slow client never blocks the loop.
func (g *Gateway) dispatch(ctx context.Context, msg *pubsub.Message) {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.clients))
	for _, sess := range g.clients {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock()

	now := g.clk.Now()
	var dead []*session
	for _, sess := range sessions {
		exact, patterns := sess.matches(msg.Channel)

		deliver := func(pattern string) {
			frame := g.frame(TypeData)
			frame.Channel = msg.Channel
			frame.Pattern = pattern
			frame.Data = msg.Payload
			if !sess.enqueue(frame, &g.seq) {
				dead = append(dead, sess)
				return
			}
			sess.markSent(now)
			metrics.GatewayMessages.Inc()
		}

		if exact {
			deliver("")
		}
		for _, pattern := range patterns {
			deliver(pattern)
		}
	}

	for _, sess := range dead {
		g.log.Warn().Str("client_id", sess.id).Msg("Client send buffer full, disconnecting")
		g.disconnect(ctx, sess)
	}
}
