package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/pubsub"
)

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		MaxChannelsPerClient: 10,
		MaxPatternsPerClient: 5,
		Roles: map[string][]string{
			"user":     {"market:*"},
			"admin":    {"market:*", "engine:*", "alerts:*"},
			"internal": {"*"},
		},
		Tokens:         map[string]string{"admin-token": "admin", "internal-token": "internal"},
		AllowAnonymous: true,
		AnonymousRole:  "user",
	}
}

type testGateway struct {
	gw     *Gateway
	broker *pubsub.Broker
	server *httptest.Server
}

func startGateway(t *testing.T, cfg config.GatewayConfig) *testGateway {
	t.Helper()

	broker := pubsub.NewBroker()
	gw := New(cfg, broker.Conn(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Run(ctx)
	}()

	server := httptest.NewServer(gw)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return &testGateway{gw: gw, broker: broker, server: server}
}

func (tg *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http")
	if token != "" {
		url += "/?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) ServerFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return ServerFrame{}
}

func publish(t *testing.T, tg *testGateway, channel, payload string) {
	t.Helper()
	require.NoError(t, tg.broker.Conn().Publish(context.Background(), channel, []byte(payload)))
}

func TestConnectSubscribeAndReceive(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "")

	hello := readFrame(t, conn)
	assert.Equal(t, TypeConnected, hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	assert.Equal(t, "user", hello.Role)
	assert.NotZero(t, hello.Seq)
	_, err := time.Parse(time.RFC3339Nano, hello.Timestamp)
	assert.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:    ActionSubscribe,
		Channels:  []string{"market:tick:NIFTY", "engine:decision"},
		RequestID: "req-1",
	}))
	sub := readFrame(t, conn)
	assert.Equal(t, TypeSubscribed, sub.Type)
	assert.Equal(t, []string{"market:tick:NIFTY"}, sub.Channels)
	require.Len(t, sub.Errors, 1)
	assert.Contains(t, sub.Errors[0], "not permitted")
	assert.Equal(t, "req-1", sub.RequestID)
	assert.Greater(t, sub.Seq, hello.Seq)

	publish(t, tg, "market:tick:NIFTY", `{"price":100}`)
	data := readUntil(t, conn, TypeData)
	assert.Equal(t, "market:tick:NIFTY", data.Channel)
	assert.Empty(t, data.Pattern)
	assert.JSONEq(t, `{"price":100}`, string(data.Data))
	assert.Greater(t, data.Seq, sub.Seq)
}

func TestPatternSubscription(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "")
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:   ActionSubscribe,
		Channels: []string{"market:tick:*"},
	}))
	sub := readFrame(t, conn)
	assert.Equal(t, []string{"market:tick:*"}, sub.Channels)
	assert.Empty(t, sub.Errors)

	publish(t, tg, "market:tick:BANKNIFTY", `{"price":200}`)
	data := readUntil(t, conn, TypeData)
	assert.Equal(t, "market:tick:BANKNIFTY", data.Channel)
	assert.Equal(t, "market:tick:*", data.Pattern)
}

func TestPingPong(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientRequest{Action: ActionPing, RequestID: "p-1"}))
	pong := readFrame(t, conn)
	assert.Equal(t, TypePong, pong.Type)
	assert.Equal(t, "p-1", pong.RequestID)
}

func TestUnknownActionAnswersError(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientRequest{Action: "dance", RequestID: "d-1"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Contains(t, frame.Error, "unknown action")

	// The violation does not disconnect.
	require.NoError(t, conn.WriteJSON(ClientRequest{Action: ActionPing}))
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestChannelLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChannelsPerClient = 2
	tg := startGateway(t, cfg)
	conn := tg.dial(t, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:   ActionSubscribe,
		Channels: []string{"market:a", "market:b", "market:c"},
	}))
	sub := readFrame(t, conn)
	assert.Equal(t, []string{"market:a", "market:b"}, sub.Channels)
	require.Len(t, sub.Errors, 1)
	assert.Contains(t, sub.Errors[0], "channel limit")

	require.NoError(t, conn.WriteJSON(ClientRequest{Action: ActionPing}))
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 1
	cfg.MessageBurst = 1
	tg := startGateway(t, cfg)
	conn := tg.dial(t, "")
	readFrame(t, conn)

	var limited bool
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(ClientRequest{Action: ActionPing}))
		if readFrame(t, conn).Type == TypeError {
			limited = true
			break
		}
	}
	assert.True(t, limited, "token bucket should reject a burst")

	// Still connected after the violation.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(ClientRequest{Action: ActionPing}))
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:   ActionSubscribe,
		Channels: []string{"market:tick:NIFTY"},
	}))
	readFrame(t, conn)

	publish(t, tg, "market:tick:NIFTY", `{"n":1}`)
	readUntil(t, conn, TypeData)

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:   ActionUnsubscribe,
		Channels: []string{"market:tick:NIFTY"},
	}))
	unsub := readFrame(t, conn)
	assert.Equal(t, TypeUnsubscribed, unsub.Type)
	assert.Equal(t, []string{"market:tick:NIFTY"}, unsub.Channels)

	publish(t, tg, "market:tick:NIFTY", `{"n":2}`)
	require.NoError(t, conn.WriteJSON(ClientRequest{Action: ActionPing, RequestID: "after"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypePong, frame.Type, "no data frame should precede the pong")
}

func TestAuthTokenAndRejection(t *testing.T) {
	cfg := testConfig()
	cfg.AllowAnonymous = false
	tg := startGateway(t, cfg)

	conn := tg.dial(t, "admin-token")
	hello := readFrame(t, conn)
	assert.Equal(t, "admin", hello.Role)

	url := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	// No token and anonymous disabled.
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(tg.server.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestInternalRoleSubscribesAnything(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "internal-token")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:   ActionSubscribe,
		Channels: []string{"engine:decision", "alerts:critical", "anything:at:all"},
	}))
	sub := readFrame(t, conn)
	assert.Len(t, sub.Channels, 3)
	assert.Empty(t, sub.Errors)
}

func TestSeqMonotonicAcrossClients(t *testing.T) {
	tg := startGateway(t, testConfig())
	a := tg.dial(t, "")
	b := tg.dial(t, "")
	readFrame(t, a)
	readFrame(t, b)

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.WriteJSON(ClientRequest{
			Action:   ActionSubscribe,
			Channels: []string{"market:tick:NIFTY"},
		}))
		readFrame(t, conn)
	}

	publish(t, tg, "market:tick:NIFTY", `{"n":1}`)
	seqA := readUntil(t, a, TypeData).Seq
	seqB := readUntil(t, b, TypeData).Seq
	assert.NotEqual(t, seqA, seqB, "the counter is shared across clients")

	publish(t, tg, "market:tick:NIFTY", `{"n":2}`)
	assert.Greater(t, readUntil(t, a, TypeData).Seq, seqA)
	assert.Greater(t, readUntil(t, b, TypeData).Seq, seqB)
}

func TestDisconnectReleasesUpstream(t *testing.T) {
	tg := startGateway(t, testConfig())
	conn := tg.dial(t, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action:   ActionSubscribe,
		Channels: []string{"market:tick:NIFTY", "market:tick:*"},
	}))
	readFrame(t, conn)
	require.Equal(t, 1, tg.gw.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return tg.gw.ClientCount() == 0
	}, 3*time.Second, 20*time.Millisecond)

	tg.gw.mu.Lock()
	defer tg.gw.mu.Unlock()
	assert.Empty(t, tg.gw.channelRefs)
	assert.Empty(t, tg.gw.patternRefs)
	assert.False(t, tg.gw.hasUpstream.Load())
}

func TestACLAllowed(t *testing.T) {
	acl := NewACL(map[string][]string{
		"user":     {"market:*"},
		"internal": {"*"},
	})

	assert.True(t, acl.Allowed("user", "market:tick:NIFTY"))
	assert.True(t, acl.Allowed("user", "market:tick:*"))
	assert.False(t, acl.Allowed("user", "engine:decision"))
	assert.False(t, acl.Allowed("ghost", "market:tick:NIFTY"))
	assert.True(t, acl.Allowed("internal", "anything"))
}

func TestEnqueueStampsSeqInDeliveryOrder(t *testing.T) {
	// Concurrent enqueues model the dispatch loop and the read pump racing
	// on one client: the drained queue must still be strictly increasing.
	const writers, perWriter = 4, 16

	sess := newSession("c1", "user", nil, nil, time.Now())
	var seq atomic.Uint64

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.True(t, sess.enqueue(ServerFrame{Type: TypeData}, &seq))
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < writers*perWriter; i++ {
		var frame ServerFrame
		require.NoError(t, json.Unmarshal(<-sess.send, &frame))
		require.Greater(t, frame.Seq, last)
		last = frame.Seq
	}
	assert.Equal(t, uint64(writers*perWriter), seq.Load())
}
