package identity

import (
	"errors"
	"fmt"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims carry the discord profile the dashboard put into its token.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

const discordAvatarUrl = "https://cdn.discordapp.com/avatars/%v/%v.png"

// JwtProvider verifies HS256 tokens issued by the dashboard backend.
type JwtProvider struct {
	secret []byte
	logger *zap.SugaredLogger
}

func ProvideJwtProvider(cfg *config.Config, loggerFactory *infra.LoggerFactory) *JwtProvider {
	return NewJwtProvider([]byte(cfg.Auth.JwtSecret), loggerFactory)
}

func NewJwtProvider(secret []byte, loggerFactory *infra.LoggerFactory) *JwtProvider {
	return &JwtProvider{
		secret: secret,
		logger: loggerFactory.Create("JwtProvider").Sugar(),
	}
}

func (p *JwtProvider) Resolve(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			p.logger.Debugf("expired token subject[%v]", claims.Subject)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	viewerId := claims.UserID
	if viewerId == "" {
		viewerId = claims.Subject
	}
	if viewerId == "" {
		return nil, fmt.Errorf("%w: no viewer id in claims", ErrInvalidToken)
	}

	identity := &Identity{
		ViewerID:      viewerId,
		DisplayHandle: claims.Username,
	}
	if claims.Avatar != "" {
		identity.AvatarRef = fmt.Sprintf(discordAvatarUrl, viewerId, claims.Avatar)
	}
	return identity, nil
}
