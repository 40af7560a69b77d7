package handler

import (
	"net/http"

	"project_hub/internal/config"
	"project_hub/internal/realtime"
	"project_hub/internal/service"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	socketPath string
	hub        *realtime.Hub
	presence   service.PresenceTracker
}

func NewHealthHandler(cfg *config.Config, hub *realtime.Hub, presence service.PresenceTracker) *HealthHandler {
	return &HealthHandler{
		socketPath: cfg.Socket.Path,
		hub:        hub,
		presence:   presence,
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "project-hub-realtime",
	})
}

// ServerInfo возвращает информацию о сервере для клиентов
func (h *HealthHandler) ServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"socket_path":      h.socketPath,
		"envelope_version": realtime.EnvelopeVersion,
		"auth_subprotocol": service.BearerSubprotocol,
		"connections":      h.hub.Connections(),
		"presence_tasks":   h.presence.Tasks(),
		"api_base":         "/api/v1",
	})
}
