package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/middleware"
	"dm-service/internal/telemetry"
)

// RoomLister snapshots realtime room membership.
type RoomLister interface {
	Rooms() map[string][]string
}

// RegisterDebugRoutes wires debug-only endpoints under /debug. They require a
// valid bearer token like the rest of the API.
func RegisterDebugRoutes(router gin.IRouter, secret string, emitter *telemetry.AuditEmitter, rooms RoomLister, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug", middleware.AuthMiddleware(secret))
	debug.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.Rooms()})
	})

	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
