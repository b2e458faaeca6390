package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/enginefunk/internal/config"
)

func testHub() *Hub {
	return New(config.BroadcastConfig{
		MaxClients:   2,
		SendTimeout:  200 * time.Millisecond,
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
		BatchSize:    4,
	})
}

func newTestServer(h *Hub, token string) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.Handler(token))
	return httptest.NewServer(r)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandler_AuthenticatesThenJoinsHub(t *testing.T) {
	h := testHub()
	srv := newTestServer(h, "secret")
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"secret"}`)))

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandler_RejectsBadToken(t *testing.T) {
	h := testHub()
	srv := newTestServer(h, "secret")
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"wrong"}`)))

	require.Never(t, func() bool { return h.ClientCount() == 1 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestHandler_EnforcesMaxClients(t *testing.T) {
	h := testHub()
	srv := newTestServer(h, "secret")
	defer srv.Close()

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		c := dial(t, srv)
		conns = append(conns, c)
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"token":"secret"}`)))
		require.Eventually(t, func() bool { return h.ClientCount() == i+1 }, time.Second, 10*time.Millisecond)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	third := dial(t, srv)
	defer third.Close()
	require.NoError(t, third.WriteMessage(websocket.TextMessage, []byte(`{"token":"secret"}`)))

	require.Never(t, func() bool { return h.ClientCount() > 2 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestBroadcast_FansOutToAllClients(t *testing.T) {
	h := testHub()
	srv := newTestServer(h, "secret")
	defer srv.Close()

	c1 := dial(t, srv)
	defer c1.Close()
	c2 := dial(t, srv)
	defer c2.Close()
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte(`{"token":"secret"}`)))
	require.NoError(t, c2.WriteMessage(websocket.TextMessage, []byte(`{"token":"secret"}`)))
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.BroadcastPrices(map[string]float64{"BTCUSDT": 65000}))

	for _, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := c.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, decodeTestMessage(raw, &msg))
		require.Equal(t, MessageTypePrices, msg.Type)
	}
}

func TestHub_RegisterRejectsAtCapacity(t *testing.T) {
	h := testHub()
	c1 := newClient(h, nil)
	c2 := newClient(h, nil)
	c3 := newClient(h, nil)

	require.True(t, h.Register(c1))
	require.True(t, h.Register(c2))
	require.False(t, h.Register(c3))
	require.Equal(t, 2, h.ClientCount())
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := testHub()
	c := newClient(h, nil)
	require.True(t, h.Register(c))

	h.Unregister(c)
	h.Unregister(c) // must not panic on a second call
	require.Equal(t, 0, h.ClientCount())
}

func decodeTestMessage(raw []byte, msg *Message) error {
	return json.Unmarshal(raw, msg)
}
