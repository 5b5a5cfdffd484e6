package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/session"
	"github.com/voicegate/voicegate/internal/utils"
)

// SessionHandler exposes the live-session registry for operators: session
// counts and forced disconnects (token revocation, abuse handling).
type SessionHandler struct {
	registry *session.Registry
}

func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

func (h *SessionHandler) Count(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.registry.Count()})
}

func (h *SessionHandler) Disconnect(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Disconnect", "user_id is required", nil))
		return
	}

	if !h.registry.Disconnect(userID, protocol.CloseUnauthorized, "disconnected by administrator") {
		writeError(c, utils.E(utils.CodeNotFound, "SessionHandler.Disconnect", "no live session for user", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{"disconnected": true, "user_id": userID})
}
