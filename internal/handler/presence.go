package handler

import (
	"net/http"

	"project_hub/internal/middleware"
	"project_hub/internal/service"
	"project_hub/pkg/logger"

	"github.com/gin-gonic/gin"
)

type PresenceHandler struct {
	onlineService service.OnlineService
	log           logger.Logger
}

func NewPresenceHandler(onlineService service.OnlineService, log logger.Logger) *PresenceHandler {
	return &PresenceHandler{
		onlineService: onlineService,
		log:           log,
	}
}

// GetOrganizationPresence - кто из организации текущего пользователя сейчас онлайн.
func (h *PresenceHandler) GetOrganizationPresence(c *gin.Context) {
	orgID, ok := middleware.OrganizationID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	members, err := h.onlineService.List(c.Request.Context(), orgID)
	if err != nil {
		h.log.Error("Failed to list online members", "error", err, "organization_id", orgID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence is temporarily unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organizationId": orgID,
		"members":        members,
	})
}
