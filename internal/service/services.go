package service

import (
	"project_hub/internal/config"
	"project_hub/internal/realtime"
	"project_hub/internal/repository"
	"project_hub/pkg/logger"
)

type Services struct {
	Auth      AuthService
	Access    AccessService
	Presence  PresenceTracker
	Message   MessageService
	Call      CallService
	Online    OnlineService
	RateLimit RateLimitService
	Audit     AuditService
}

func NewServices(repos *repository.Repositories, notifier realtime.Notifier, cfg *config.Config, log logger.Logger) *Services {
	audit := NewAuditService(repos.Audit, log)
	access := NewAccessService(repos.Project, repos.Conversation, audit, log)
	messages := NewMessageService(repos.Message, repos.Conversation, notifier, log)

	services := &Services{
		Auth:      NewAuthService(repos.User, cfg.JWT, log),
		Access:    access,
		Presence:  NewPresenceTracker(),
		Message:   messages,
		Call:      NewCallService(access, messages, audit, notifier, log),
		Online:    NewOnlineService(repos.Online, notifier, log),
		RateLimit: NewRateLimitService(repos.RateLimit, cfg.RateLimit, log),
		Audit:     audit,
	}

	log.Info("Services initialized")

	return services
}
