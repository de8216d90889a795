package services

import (
	"errors"
	"time"

	"streamgate/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// JoinClaims is the room-scoped grant carried by a join token: the bearer may
// join exactly one stream with exactly one role.
type JoinClaims struct {
	UserID   domain.UserID   `json:"user_id"`
	StreamID domain.StreamID `json:"stream_id"`
	Role     domain.Role     `json:"role"`
	jwt.RegisteredClaims
}

// AuthService mints and validates room-scoped join tokens for the signaling
// plane. Tokens are HS256; a token for stream A grants nothing on stream B.
type AuthService interface {
	IssueJoinToken(userID domain.UserID, streamID domain.StreamID, role domain.Role) (string, error)
	ValidateJoinToken(tokenString string) (*JoinClaims, error)
	AuthorizeJoin(claims *JoinClaims, streamID domain.StreamID, role domain.Role) error
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

func (s *authService) IssueJoinToken(userID domain.UserID, streamID domain.StreamID, role domain.Role) (string, error) {
	now := time.Now()
	claims := &JoinClaims{
		UserID:   userID,
		StreamID: streamID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateJoinToken(tokenString string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*JoinClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// AuthorizeJoin checks the token's grant against the join the client actually
// requested. A broadcaster grant may downgrade itself to viewer; never the
// other way around.
func (s *authService) AuthorizeJoin(claims *JoinClaims, streamID domain.StreamID, role domain.Role) error {
	if claims.StreamID != streamID {
		return domain.ErrUnauthorizedRole
	}
	if role == domain.RoleBroadcaster && claims.Role != domain.RoleBroadcaster {
		return domain.ErrUnauthorizedRole
	}
	return nil
}
