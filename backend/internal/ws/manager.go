package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// upgrader allows local development origins; same-origin requests carry no
// Origin header and pass.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		allowedPrefixes := []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
		host := r.Host
		allowedPrefixes = append(allowedPrefixes, "http://"+host, "https://"+host)
		for _, p := range allowedPrefixes {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	},
}

// Manager upgrades authenticated requests and runs the connection pumps.
type Manager struct {
	hub *Hub
}

func NewManager(hub *Hub) *Manager {
	return &Manager{hub: hub}
}

// WebSocketConnect handles GET /collab/ws. The auth middleware has already
// verified the session token and stored its claims on the gin context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	formID := c.GetString("formId")
	userID := c.GetString("userId")
	userName := c.GetString("username")
	if formID == "" || userID == "" {
		c.String(http.StatusBadRequest, "missing session identity")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed (origin=%s): %v", c.Request.Header.Get("Origin"), err)
		return
	}

	wsConn := NewConn(conn, m.hub, formID, userID, userName)
	wsConn.room = m.hub.Register(wsConn)

	// Writer first, so state replay queued by Register flows immediately.
	go wsConn.writeLoop()

	wsConn.readLoop(c.Request.Context())

	// Leave the room before tearing down the send channel, so peer
	// broadcasts stop targeting this connection first.
	m.hub.Unregister(wsConn)
	wsConn.closeSend()
	_ = conn.Close()
}
