package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID int64           `json:"user_id"`
	Role   domain.UserRole `json:"role"`
}

// AuthServiceImpl verifies the access tokens issued by the identity provider.
// Both sides share the HMAC signing key.
type AuthServiceImpl struct {
	jwtConfig config.JWTConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthService(jwtConfig config.JWTConfig, logger *zap.Logger) *AuthServiceImpl {
	return &AuthServiceImpl{
		jwtConfig: jwtConfig,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *AuthServiceImpl) ParseToken(ctx context.Context, tokenString string) (domain.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный метод подписи: %v", token.Header["alg"])
		}
		return []byte(s.jwtConfig.SigningKey), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: ошибка парсинга токена: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return domain.Actor{}, fmt.Errorf("%w: недействительный токен", domain.ErrUnauthorized)
	}

	if claims.UserID <= 0 || !claims.Role.Valid() {
		return domain.Actor{}, fmt.Errorf("%w: токен без пользователя или роли", domain.ErrUnauthorized)
	}

	return domain.Actor{UserID: claims.UserID, Role: claims.Role}, nil
}

// GenerateToken signs an access token the same way the identity provider
// does. It backs local tooling and tests.
func (s *AuthServiceImpl) GenerateToken(actor domain.Actor) (*domain.Tokens, error) {
	if actor.UserID <= 0 || !actor.Role.Valid() {
		return nil, domain.NewValidationError("некорректный пользователь или роль")
	}

	now := s.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtConfig.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: actor.UserID,
		Role:   actor.Role,
	}

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessTokenString, err := accessToken.SignedString([]byte(s.jwtConfig.SigningKey))
	if err != nil {
		return nil, fmt.Errorf("ошибка подписи access token: %w", err)
	}

	return &domain.Tokens{AccessToken: accessTokenString}, nil
}
