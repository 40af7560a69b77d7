package handler

import (
	"project_hub/internal/config"
	"project_hub/internal/realtime"
	"project_hub/internal/service"
	"project_hub/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	Chat      *ChatHandler
	Presence  *PresenceHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, hub *realtime.Hub, notifier realtime.Notifier, cfg *config.Config, log logger.Logger) *Handlers {
	handlers := &Handlers{
		Health:    NewHealthHandler(cfg, hub, services.Presence),
		Chat:      NewChatHandler(services.Message, log),
		Presence:  NewPresenceHandler(services.Online, log),
		WebSocket: NewWebSocketHandler(services, hub, notifier, cfg.Socket, log),
	}

	log.Info("Handlers initialized")

	return handlers
}
