package gateway

import (
	"encoding/json"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// writeWait bounds one write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may stay silent before it is
	// considered dead. Pings go out at pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound client frames.
	maxMessageSize = 4096

	// sendBuffer is the per-client outbound queue depth. A client that
	// cannot drain it is disconnected rather than allowed to stall the
	// dispatch loop.
	sendBuffer = 64
)

// session is one connected client.
type session struct {
	id   string
	role string
	conn *websocket.Conn
	send chan []byte

	limiter *rate.Limiter // nil when the token bucket is disabled

	mu            sync.Mutex
	channels      map[string]struct{}
	patterns      map[string]*regexp.Regexp
	messagesSent  int64
	connectedAt   time.Time
	lastMessageAt time.Time
	closed        bool
}

func newSession(id, role string, conn *websocket.Conn, limiter *rate.Limiter, now time.Time) *session {
	return &session{
		id:          id,
		role:        role,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		limiter:     limiter,
		channels:    make(map[string]struct{}),
		patterns:    make(map[string]*regexp.Regexp),
		connectedAt: now,
	}
}

// enqueue stamps the next seq and queues one frame without blocking. The
// stamp and the channel send happen under the same mutex, so this client's
// delivery order is the seq increment order even when the dispatch loop and
// the read pump enqueue concurrently. It reports false when the client's
// buffer is full, which the caller treats as a dead client.
func (s *session) enqueue(frame ServerFrame, seq *atomic.Uint64) bool {
	// The mutex also covers the send so close never races an enqueue.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	frame.Seq = seq.Add(1)
	payload, err := json.Marshal(frame)
	if err != nil {
		return true
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown marks the session closed and releases the write pump. It reports
// false when the session was already closed.
func (s *session) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

func (s *session) markSent(at time.Time) {
	s.mu.Lock()
	s.messagesSent++
	s.lastMessageAt = at
	s.mu.Unlock()
}

// subscriptions snapshots the exact channels and pattern names held.
func (s *session) subscriptions() (channels, patterns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	for p := range s.patterns {
		patterns = append(patterns, p)
	}
	return channels, patterns
}

// matches reports how this session should receive a message on channel:
// exact subscription, matching patterns, or not at all.
func (s *session) matches(channel string) (exact bool, patterns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; ok {
		exact = true
	}
	for name, re := range s.patterns {
		if re.MatchString(channel) {
			patterns = append(patterns, name)
		}
	}
	return exact, patterns
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings. It owns all writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
