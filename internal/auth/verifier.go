// Package auth provides bearer token verification for the realtime core.
//
// The core never issues tokens; an external identity service signs JWTs with
// a shared HMAC-SHA256 secret and clients present them on the WebSocket
// handshake. Verification is idempotent and has no side effects.
//
// SECURITY:
//   - Signing method is pinned to HMAC to prevent algorithm substitution.
//   - Expiration and not-before claims are enforced by the parser.
//   - The issuer claim is checked so tokens minted for other systems are
//     rejected.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified principal bound to a connection.
type Identity struct {
	UserID string
	Email  string
}

// TokenVerifier turns an opaque bearer token into a stable user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTConfig holds verifier configuration.
type JWTConfig struct {
	// SecretKey is the shared HMAC signing key. Minimum 32 bytes for HS256.
	SecretKey string

	// Issuer is the expected "iss" claim. Default: "skimate-auth".
	Issuer string

	// Leeway tolerated on time-based claims. Default: 30s.
	Leeway time.Duration
}

// Claims are the token claims minted by the identity service.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	config JWTConfig
}

// NewJWTVerifier creates a verifier. The secret must be non-empty.
func NewJWTVerifier(config JWTConfig) (*JWTVerifier, error) {
	if config.SecretKey == "" {
		return nil, fmt.Errorf("jwt secret key cannot be empty")
	}
	if config.Issuer == "" {
		config.Issuer = "skimate-auth"
	}
	if config.Leeway == 0 {
		config.Leeway = 30 * time.Second
	}
	return &JWTVerifier{config: config}, nil
}

// Verify parses and validates a bearer token, returning the bound identity.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		// Pin the signing method to HMAC. Tokens signed with "none" or an
		// asymmetric algorithm are rejected before the claims are trusted.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.config.SecretKey), nil
	},
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithLeeway(v.config.Leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		// Fall back to the standard subject claim.
		userID = claims.Subject
	}
	if userID == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: userID, Email: claims.Email}, nil
}
