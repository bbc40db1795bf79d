package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// TokenProvider defines the contract for generating and validating the
// internally signed bearer credential issued after federated sign-in.
type TokenProvider interface {
	GenerateAccessToken(userID uuid.UUID, email, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims defines the custom JWT claims.
type Claims struct {
	UserID      uuid.UUID `json:"sub"`
	Email       string    `json:"email"`
	DisplayName string    `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider implements TokenProvider using HMAC-SHA256 (HS256) with the
// deployment's signing secret.
type JWTProvider struct {
	secret        []byte
	tokenDuration time.Duration
}

// NewJWTProvider creates a new token provider. The secret must be non-empty;
// expiry defaults to 24h when zero.
func NewJWTProvider(secret string, tokenDuration time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if tokenDuration <= 0 {
		tokenDuration = 24 * time.Hour
	}
	return &JWTProvider{
		secret:        []byte(secret),
		tokenDuration: tokenDuration,
	}, nil
}

// GenerateAccessToken creates a signed JWT for the user.
func (p *JWTProvider) GenerateAccessToken(userID uuid.UUID, email, displayName string) (string, error) {
	claims := Claims{
		UserID:      userID,
		Email:       email,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(p.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-1 * time.Minute)), // Fix clock skew
			NotBefore: jwt.NewNumericDate(time.Now().Add(-1 * time.Minute)), // Fix clock skew
			Issuer:    "concierge",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and verifies the JWT.
func (p *JWTProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})

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
