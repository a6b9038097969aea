package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Upgrader is implemented by *realtime.Server.
type Upgrader interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Handler struct {
	server Upgrader
}

func NewHandler(server Upgrader) *Handler {
	return &Handler{server: server}
}

// RegisterRoutes mounts the websocket endpoint. It sits outside /api/v1 so
// the request timeout and rate limit middleware never apply to it.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}

func (h *Handler) Connect(c *gin.Context) {
	h.server.ServeWS(c.Writer, c.Request)
}
