package httpapi

import (
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/synchub"
)

// SyncHandler upgrades a request onto the Collaborative Sync Hub (§4.11,
// §6.2).
type SyncHandler struct {
	hub *synchub.Hub
}

// NewSyncHandler builds a SyncHandler.
func NewSyncHandler(hub *synchub.Hub) *SyncHandler {
	return &SyncHandler{hub: hub}
}

// Serve upgrades the request and blocks inside hub.Join until the client
// disconnects.
func (h *SyncHandler) Serve(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	pc := domain.ProjectContext{
		Client:  c.Param("client"),
		App:     c.Param("app"),
		Project: c.Param("project"),
	}

	h.hub.Join(c.Request.Context(), pc, conn)
}
