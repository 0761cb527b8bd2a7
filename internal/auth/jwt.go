// Package auth issues and checks session tokens.
//
// A session token is an HS256 JWT whose subject is the session ID. Whoever
// created a session gets its token and must present it on every later call
// for that session, so one client cannot drive or read another's session.
// The signing key is derived from the configured secret with HKDF rather
// than used raw.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const issuer = "script-playground"

// TokenService creates and validates session tokens.
type TokenService struct {
	key []byte
	ttl time.Duration
}

// NewTokenService derives a signing key from secret. Tokens live for ttl.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(issuer+" session token v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("auth: deriving signing key: %w", err)
	}
	return &TokenService{key: key, ttl: ttl}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Issue signs a token bound to sessionID.
func (s *TokenService) Issue(sessionID string) (string, error) {
	return s.issue(sessionID, time.Now(), s.ttl)
}

func (s *TokenService) issue(sessionID string, now time.Time, ttl time.Duration) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies a token and returns the session ID it is bound to.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return c.Subject, nil
}
