package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/voicegate/voicegate/internal/api/handlers"
	"github.com/voicegate/voicegate/internal/api/middleware"
)

type Deps struct {
	WS       *handlers.WSHandler
	Sessions *handlers.SessionHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	// WebSocket
	auth.GET("/ws/voice", d.WS.VoiceWS)

	// Operator surface
	admin := auth.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/sessions", d.Sessions.Count)
	admin.DELETE("/sessions/:user_id", d.Sessions.Disconnect)
}
