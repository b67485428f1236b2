package pubsub

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// connBuffer is the per-connection queue depth. Publishing to a full
// connection drops the message for that connection only.
const connBuffer = 256

// Broker is an in-process message broker for development and tests. Every
// consumer obtains its own connection via Conn.
type Broker struct {
	mu    sync.RWMutex
	conns map[*MemoryConn]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*MemoryConn]struct{})}
}

// Conn creates a consumer connection bound to the broker.
func (b *Broker) Conn() *MemoryConn {
	conn := &MemoryConn{
		broker:   b,
		channels: make(map[string]struct{}),
		patterns: make(map[string]*regexp.Regexp),
		inbox:    make(chan *Message, connBuffer),
	}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	return conn
}

func (b *Broker) publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for conn := range b.conns {
		conn.deliver(channel, payload)
	}
}

func (b *Broker) remove(conn *MemoryConn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// MemoryConn is one consumer connection on a Broker.
type MemoryConn struct {
	broker *Broker

	mu       sync.RWMutex
	closed   bool
	channels map[string]struct{}
	patterns map[string]*regexp.Regexp

	inbox chan *Message
}

// deliver enqueues the message once per matching subscription, mirroring
// Redis semantics where exact and pattern subscriptions each deliver.
func (c *MemoryConn) deliver(channel string, payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	if _, ok := c.channels[channel]; ok {
		c.enqueue(&Message{Channel: channel, Payload: payload})
	}
	for pattern, re := range c.patterns {
		if re.MatchString(channel) {
			c.enqueue(&Message{Channel: channel, Pattern: pattern, Payload: payload})
		}
	}
}

func (c *MemoryConn) enqueue(m *Message) {
	select {
	case c.inbox <- m:
	default:
		log.Warn().Str("channel", m.Channel).Msg("Dropping pubsub message, consumer buffer full")
	}
}

func (c *MemoryConn) Subscribe(_ context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return nil
}

func (c *MemoryConn) Unsubscribe(_ context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	return nil
}

func (c *MemoryConn) PSubscribe(_ context.Context, patterns ...string) error {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for _, p := range patterns {
		re, err := GlobToRegexp(p)
		if err != nil {
			return err
		}
		compiled[p] = re
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for p, re := range compiled {
		c.patterns[p] = re
	}
	return nil
}

func (c *MemoryConn) PUnsubscribe(_ context.Context, patterns ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		delete(c.patterns, p)
	}
	return nil
}

func (c *MemoryConn) Publish(_ context.Context, channel string, payload []byte) error {
	c.broker.publish(channel, payload)
	return nil
}

// Get waits up to timeout for one message; (nil, nil) when idle.
func (c *MemoryConn) Get(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-c.inbox:
		return m, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.remove(c)
	return nil
}

var _ PubSub = (*MemoryConn)(nil)
