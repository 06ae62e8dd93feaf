package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stratahq/strata/internal/bus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// wsMessage is the frame sent to stream subscribers.
type wsMessage struct {
	Topic string           `json:"topic"`
	Event bus.ContextEvent `json:"event"`
}

// streamEvents upgrades the connection and forwards context-change
// events for the caller's scope until the client disconnects. Events
// belonging to other users are filtered out server-side.
func (g *Gateway) streamEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	scope := g.scope(c)
	sub := g.bus.Subscribe("context.")
	defer g.bus.Unsubscribe(sub)

	g.log.Info("websocket client connected", "user", scope.UserID)

	// Drain reads so close frames are processed; the client is not
	// expected to send anything else.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, isContextEvent := ev.Payload.(bus.ContextEvent)
			if !isContextEvent || payload.UserID != scope.UserID {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(wsMessage{Topic: ev.Topic, Event: payload}); err != nil {
				g.log.Warn("websocket write failed", "user", scope.UserID, "error", err)
				return
			}
		}
	}
}
