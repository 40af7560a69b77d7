package service

import (
	"context"
	"fmt"

	"project_hub/internal/config"
	"project_hub/internal/repository"
	"project_hub/pkg/logger"
)

type RateLimitService interface {
	// Allow считает запрос и сообщает, не превышен ли лимит для scope/subject.
	// При недоступном Redis запрос пропускается.
	Allow(ctx context.Context, scope, subject string) bool
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	cfg           config.RateLimitConfig
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, cfg config.RateLimitConfig, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		cfg:           cfg,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, scope, subject string) bool {
	if s.cfg.Requests <= 0 {
		return true
	}

	key := fmt.Sprintf("rate_limit:%s:%s", scope, subject)
	allowed, err := s.rateLimitRepo.Allow(ctx, key, s.cfg.Requests, s.cfg.Window)
	if err != nil {
		s.log.Warn("Rate limiter unavailable, allowing request", "error", err, "scope", scope)
		return true
	}

	return allowed
}
