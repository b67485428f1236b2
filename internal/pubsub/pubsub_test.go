package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		channel string
		want    bool
	}{
		{"market:tick:*", "market:tick:NIFTY", true},
		{"market:tick:*", "market:tick:BANKNIFTY", true},
		{"market:tick:*", "engine:decision", false},
		{"market:tick:?IFTY", "market:tick:NIFTY", true},
		{"market:tick:?IFTY", "market:tick:BANKNIFTY", false},
		{"*", "anything:at:all", true},
		{"market:tick:NIFTY", "market:tick:NIFTY", true},
		{"market:tick:NIFTY", "market:tick:NIFTY50", false},
		{"a+b", "a+b", true},
		{"a+b", "aab", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, GlobMatch(tt.pattern, tt.channel))
		})
	}
}

func TestBrokerExactDelivery(t *testing.T) {
	broker := NewBroker()
	sub := broker.Conn()
	pub := broker.Conn()
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "engine:decision"))
	require.NoError(t, pub.Publish(ctx, "engine:decision", []byte(`{"signal":"BUY"}`)))

	msg, err := sub.Get(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "engine:decision", msg.Channel)
	assert.Empty(t, msg.Pattern)
	assert.JSONEq(t, `{"signal":"BUY"}`, string(msg.Payload))
}

func TestBrokerPatternDelivery(t *testing.T) {
	broker := NewBroker()
	sub := broker.Conn()
	pub := broker.Conn()
	ctx := context.Background()

	require.NoError(t, sub.PSubscribe(ctx, "market:tick:*"))
	require.NoError(t, pub.Publish(ctx, "market:tick:NIFTY", []byte("22000.5")))

	msg, err := sub.Get(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "market:tick:NIFTY", msg.Channel)
	assert.Equal(t, "market:tick:*", msg.Pattern)

	// Non-matching channel is not delivered
	require.NoError(t, pub.Publish(ctx, "engine:decision", []byte("x")))
	msg, err = sub.Get(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestBrokerIdleTimeout(t *testing.T) {
	broker := NewBroker()
	sub := broker.Conn()

	start := time.Now()
	msg, err := sub.Get(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()
	sub := broker.Conn()
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "a", "b"))
	require.NoError(t, sub.Unsubscribe(ctx, "a"))

	require.NoError(t, sub.Publish(ctx, "a", []byte("1")))
	require.NoError(t, sub.Publish(ctx, "b", []byte("2")))

	msg, err := sub.Get(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "b", msg.Channel)
}

func TestRedisPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	sub := NewRedis(client)
	defer sub.Close()
	pub := NewRedis(client)

	// No subscriptions yet: Get idles cleanly
	msg, err := sub.Get(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.NoError(t, sub.Subscribe(ctx, "market:tick:NIFTY"))
	require.NoError(t, sub.PSubscribe(ctx, "engine:*"))

	require.NoError(t, pub.Publish(ctx, "market:tick:NIFTY", []byte("22000")))

	msg = waitForMessage(t, sub)
	assert.Equal(t, "market:tick:NIFTY", msg.Channel)
	assert.Equal(t, "22000", string(msg.Payload))

	require.NoError(t, pub.Publish(ctx, "engine:decision", []byte("BUY")))
	msg = waitForMessage(t, sub)
	assert.Equal(t, "engine:decision", msg.Channel)
	assert.Equal(t, "engine:*", msg.Pattern)
}

// waitForMessage polls past control frames until a data message arrives.
func waitForMessage(t *testing.T, ps PubSub) *Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := ps.Get(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		if msg != nil {
			return msg
		}
	}
	t.Fatal("timed out waiting for pubsub message")
	return nil
}
