package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"project_hub/internal/config"
	"project_hub/internal/domain"
	"project_hub/internal/realtime"
	"project_hub/internal/repository"
	apperrors "project_hub/pkg/errors"
	"project_hub/pkg/jwt"
	"project_hub/pkg/logger"

	"github.com/gorilla/websocket"
)

// BearerSubprotocol - подпротокол, который сервер возвращает клиенту,
// передавшему токен через Sec-WebSocket-Protocol ("bearer", "bearer.<token>").
const BearerSubprotocol = "bearer"

type AuthService interface {
	ValidateToken(ctx context.Context, tokenString string) (*domain.User, error)
}

type authService struct {
	userRepo repository.UserRepository
	jwtCfg   config.JWTConfig
	log      logger.Logger
}

func NewAuthService(userRepo repository.UserRepository, jwtCfg config.JWTConfig, log logger.Logger) AuthService {
	return &authService{
		userRepo: userRepo,
		jwtCfg:   jwtCfg,
		log:      log,
	}
}

func (s *authService) ValidateToken(ctx context.Context, tokenString string) (*domain.User, error) {
	if tokenString == "" {
		return nil, apperrors.ErrUnauthorized
	}

	claims, err := jwt.ValidateToken(tokenString, s.jwtCfg.AccessSecret)
	if err != nil {
		return nil, err
	}
	if s.jwtCfg.Issuer != "" && claims.Issuer != s.jwtCfg.Issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", apperrors.ErrInvalidToken)
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	if !user.IsActive {
		return nil, apperrors.ErrUserInactive
	}

	return user, nil
}

// HandshakeToken достает токен из запроса на апгрейд. Порядок: подпротокол
// bearer.<token>, query token/authToken, заголовок Authorization: Bearer.
func HandshakeToken(r *http.Request) string {
	for _, proto := range websocket.Subprotocols(r) {
		if token := strings.TrimPrefix(proto, BearerSubprotocol+"."); token != proto && token != "" {
			return token
		}
	}

	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return token
	}
	if token := query.Get("authToken"); token != "" {
		return token
	}

	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken возвращает токен из значения заголовка Authorization.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func IdentityFromUser(user *domain.User) realtime.Identity {
	return realtime.Identity{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
		Email:          user.Email,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
	}
}
