package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/pscheid92/chatrelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	transport *Transport
	core      *relay.Core
	server    *httptest.Server
	metrics   *metrics.WebSocketMetrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	clock := clockwork.NewRealClock()

	transport := NewTransport(cfg, wsMetrics, clock)
	core := relay.NewCore(transport, metrics.NewRelayMetrics(reg), clock, relay.Options{})
	transport.Bind(core)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = transport.ServeRoom(w, r, r.URL.Query().Get("room"))
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = core.Stop(ctx)
		_ = transport.Shutdown(ctx)
		server.Close()
	})

	return &testEnv{transport: transport, core: core, server: server, metrics: wsMetrics}
}

func (e *testEnv) dial(t *testing.T, roomID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?room=" + url.QueryEscape(roomID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) clientCount(roomID string) int {
	info, err := e.core.Room(roomID)
	if err != nil {
		return 0
	}
	return info.Members
}

func (e *testEnv) waitForClientCount(t *testing.T, roomID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.clientCount(roomID) == want
	}, 2*time.Second, 5*time.Millisecond, "room %q never reached %d members", roomID, want)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(payload)
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %q", payload)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, code), "expected close code %d, got %v", code, err)
		return
	}
}

func TestTransport_RelaysBetweenClients(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dial(t, "lobby")
	b := env.dial(t, "lobby")
	env.waitForClientCount(t, "lobby", 2)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello")))

	assert.Equal(t, "hello", readText(t, b))
	expectNothing(t, a)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Upgrades))
}

func TestTransport_RoomsAreIsolated(t *testing.T) {
	env := newTestEnv(t, Config{})
	red := env.dial(t, "red")
	blue := env.dial(t, "blue")
	env.waitForClientCount(t, "red", 1)
	env.waitForClientCount(t, "blue", 1)

	require.NoError(t, red.WriteMessage(websocket.TextMessage, []byte("red only")))

	expectNothing(t, blue)
}

func TestTransport_ClientCloseLeavesRoom(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dial(t, "lobby")
	b := env.dial(t, "lobby")
	env.waitForClientCount(t, "lobby", 2)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = b.Close()
	env.waitForClientCount(t, "lobby", 1)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return env.core.RoomCount() == 0 && env.transport.Sockets() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_BinaryFrameIsProtocolViolation(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dial(t, "lobby")
	env.waitForClientCount(t, "lobby", 1)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	expectCloseCode(t, a, websocket.CloseUnsupportedData)
	env.waitForClientCount(t, "lobby", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ProtocolViolations))
}

func TestTransport_OversizedMessageClosesSocket(t *testing.T) {
	env := newTestEnv(t, Config{MaxMessageBytes: 8})
	a := env.dial(t, "lobby")
	env.waitForClientCount(t, "lobby", 1)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))

	expectCloseCode(t, a, websocket.CloseMessageTooBig)
	env.waitForClientCount(t, "lobby", 0)
}

func TestTransport_InvalidRoomRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dial(t, "")

	expectCloseCode(t, a, websocket.ClosePolicyViolation)
	assert.Equal(t, 0, env.core.RoomCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rejections.WithLabelValues("invalid_room")))
}

func TestTransport_InboundRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{MessageRate: 0.001, MessageBurst: 1})
	a := env.dial(t, "lobby")
	b := env.dial(t, "lobby")
	env.waitForClientCount(t, "lobby", 2)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	assert.Equal(t, "first", readText(t, b))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.InboundDropped) == 2
	}, 2*time.Second, 5*time.Millisecond)
	expectNothing(t, b)
}

func TestTransport_SendsPings(t *testing.T) {
	env := newTestEnv(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: time.Second})
	a := env.dial(t, "lobby")

	var pings atomic.Int32
	a.SetPingHandler(func(data string) error {
		pings.Add(1)
		return a.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := a.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.clientCount("lobby"), "answered pings keep the connection alive")
}

func TestTransport_ShutdownSendsGoingAway(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dial(t, "lobby")
	env.waitForClientCount(t, "lobby", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.core.Stop(ctx))
	require.NoError(t, env.transport.Shutdown(ctx))

	expectCloseCode(t, a, websocket.CloseGoingAway)
	assert.Equal(t, 0, env.transport.Sockets())
}

func TestTransport_DeliverUnknownConnection(t *testing.T) {
	transport := NewTransport(Config{}, nil, clockwork.NewRealClock())

	err := transport.Deliver(context.Background(), domain.NewConnectionID(), []byte("x"))
	assert.ErrorIs(t, err, domain.ErrUnknownConnection)

	transport.Disconnect(domain.NewConnectionID(), domain.CloseReasonShutdown)
}

func TestCloseCodeFor(t *testing.T) {
	assert.Equal(t, websocket.CloseGoingAway, closeCodeFor(domain.CloseReasonShutdown))
	assert.Equal(t, websocket.CloseTryAgainLater, closeCodeFor(domain.CloseReasonSlowConsumer))
	assert.Equal(t, websocket.ClosePolicyViolation, closeCodeFor(domain.CloseReasonProtocol))
	assert.Equal(t, websocket.CloseNormalClosure, closeCodeFor(domain.CloseReasonClient))
}
