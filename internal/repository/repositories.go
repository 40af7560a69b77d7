package repository

import (
	"time"

	"project_hub/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Repositories struct {
	User         UserRepository
	Project      ProjectRepository
	Conversation ConversationRepository
	Message      MessageRepository
	Audit        AuditRepository
	Online       OnlineRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, presenceTTL time.Duration, log logger.Logger) *Repositories {
	repos := &Repositories{
		User:         NewUserRepository(db, log),
		Project:      NewProjectRepository(db, log),
		Conversation: NewConversationRepository(db, log),
		Message:      NewMessageRepository(db, log),
		Audit:        NewAuditRepository(db, log),
		Online:       NewOnlineRepository(redis, presenceTTL, log),
		RateLimit:    NewRateLimitRepository(redis, log),
	}

	log.Info("Repositories initialized")

	return repos
}
