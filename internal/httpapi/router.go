package httpapi

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes wires the engagement and sync-hub WebSocket endpoints onto
// router, mirroring the teacher's SetupRoutes(router, services, cfg) split
// between route registration here and handler logic in handler files.
func SetupRoutes(router *gin.Engine, engagement *EngagementHandler, sync *SyncHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.GET("/ws/session/:client/:app/:project", engagement.Serve)

	router.GET("/laboratory/sync/:client/:app/:project", sync.Serve)
}
