package livefeed

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/systest/systest/obslog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades GET /livefeed into a long-lived websocket connection
// registered with hub.
type Handler struct {
	hub *Hub
	log *obslog.Logger
}

// NewHandler returns a gin handler bound to hub.
func NewHandler(hub *Hub, log *obslog.Logger) *Handler {
	return &Handler{hub: hub, log: log}
}

// ServeWS is a gin.HandlerFunc suitable for router.GET("/livefeed", h.ServeWS).
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("livefeed: upgrade failed", zap.Error(err))
		}
		return
	}

	client := newClient(uuid.New().String(), conn, h.hub, h.log)
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}
