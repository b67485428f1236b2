package pubsub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradefabric/tradefabric/internal/remote"
)

// Redis implements PubSub on a Redis connection. The subscription socket is
// created lazily on first subscribe; go-redis re-subscribes automatically
// after reconnects.
type Redis struct {
	client *redis.Client

	mu sync.Mutex
	ps *redis.PubSub
}

// NewRedis creates a Redis-backed consumer connection.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) pubsub(ctx context.Context) *redis.PubSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps == nil {
		r.ps = r.client.Subscribe(ctx)
	}
	return r.ps
}

func (r *Redis) current() *redis.PubSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ps
}

// Subscribe adds exact channel subscriptions.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := r.pubsub(ctx).Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return nil
}

// Unsubscribe removes exact channel subscriptions.
func (r *Redis) Unsubscribe(ctx context.Context, channels ...string) error {
	ps := r.current()
	if ps == nil || len(channels) == 0 {
		return nil
	}
	if err := ps.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", channels, err)
	}
	return nil
}

// PSubscribe adds pattern subscriptions.
func (r *Redis) PSubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	if err := r.pubsub(ctx).PSubscribe(ctx, patterns...); err != nil {
		return fmt.Errorf("psubscribe %v: %w", patterns, err)
	}
	return nil
}

// PUnsubscribe removes pattern subscriptions.
func (r *Redis) PUnsubscribe(ctx context.Context, patterns ...string) error {
	ps := r.current()
	if ps == nil || len(patterns) == 0 {
		return nil
	}
	if err := ps.PUnsubscribe(ctx, patterns...); err != nil {
		return fmt.Errorf("punsubscribe %v: %w", patterns, err)
	}
	return nil
}

// Publish sends payload on channel, retrying transient failures.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return remote.Call(ctx, remote.Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
	}, nil, func() error {
		return r.client.Publish(ctx, channel, payload).Err()
	})
}

// Get waits up to timeout for one message. A quiet wire returns (nil, nil).
func (r *Redis) Get(ctx context.Context, timeout time.Duration) (*Message, error) {
	ps := r.current()
	if ps == nil {
		// Nothing subscribed yet
		return nil, nil
	}

	raw, err := ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("pubsub receive: %w", err)
	}

	switch m := raw.(type) {
	case *redis.Message:
		return &Message{Channel: m.Channel, Pattern: m.Pattern, Payload: []byte(m.Payload)}, nil
	case *redis.Subscription, *redis.Pong:
		// Control frames carry no data
		return nil, nil
	default:
		return nil, nil
	}
}

// Close tears down the subscription socket.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps == nil {
		return nil
	}
	err := r.ps.Close()
	r.ps = nil
	return err
}

var _ PubSub = (*Redis)(nil)
