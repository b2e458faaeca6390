package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// authFrame is the bearer-token frame a client must send within authGrace
// of connecting, before it is admitted to the hub.
type authFrame struct {
	Token string `json:"token"`
}

// Handler upgrades an HTTP request to a WS connection, gates it on the
// bearer-token first frame, and — once authenticated — registers the
// client and starts its read/write pumps. token is the expected bearer
// value; a mismatch or missing frame drops the connection within
// authGrace without ever joining the hub.
func (h *Hub) Handler(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("broadcast: websocket upgrade failed")
			return
		}

		if !authenticate(conn, token) {
			conn.Close()
			return
		}

		client := newClient(h, conn)
		if !h.Register(client) {
			log.Warn().Msg("broadcast: client rejected, hub at capacity")
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "at capacity"))
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func authenticate(conn *websocket.Conn, expected string) bool {
	conn.SetReadDeadline(time.Now().Add(authGrace))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Msg("broadcast: auth frame not received in time")
		return false
	}

	token := strings.TrimSpace(string(raw))
	var frame authFrame
	if err := json.Unmarshal(raw, &frame); err == nil && frame.Token != "" {
		token = frame.Token
	}

	if expected == "" || token != expected {
		log.Warn().Msg("broadcast: websocket client failed bearer-token authentication")
		return false
	}
	return true
}
