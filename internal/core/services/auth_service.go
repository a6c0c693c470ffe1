package services

import (
	"errors"
	"time"

	"vmsgate/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrForbidden    = errors.New("insufficient permissions")
)

type Claims struct {
	UserID   domain.UserID   `json:"user_id"`
	Username string          `json:"username"`
	Role     domain.UserRole `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Viewer converts the claims into a request identity. Tokens without a role are viewers.
func (c *Claims) Viewer() domain.Viewer {
	role := c.Role
	if role == "" {
		role = domain.RoleViewer
	}
	return domain.Viewer{ID: c.UserID, Username: c.Username, Role: role}
}

// AuthService validates gateway access tokens signed with a shared HS256 secret.
// With an empty secret every request is let through.
type AuthService struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

func NewAuthService(secret string, tokenTTL time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), tokenTTL: tokenTTL, now: time.Now}
}

func (s *AuthService) Enabled() bool { return len(s.secret) > 0 }

// GenerateToken issues a token; used by operators and tests to mint viewer credentials.
func (s *AuthService) GenerateToken(userID domain.UserID, username string, role domain.UserRole) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// CheckRole fails with ErrForbidden unless viewer holds required.
func (s *AuthService) CheckRole(viewer domain.Viewer, required domain.UserRole) error {
	if !viewer.Role.Allows(required) {
		return ErrForbidden
	}
	return nil
}
