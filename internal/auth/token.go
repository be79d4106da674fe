// Package auth issues and verifies admin API tokens.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// TokenManager issues signed JWTs whose subject is a chat user id.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager with the provided secret, issuer, and lifetime.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate issues a signed JWT string for the provided user ID.
func (t *TokenManager) Generate(userID int64) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	now := t.now()
	claims := jwt.MapClaims{
		"iss": t.issuer,
		"sub": strconv.FormatInt(userID, 10),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(t.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse verifies signature, issuer and lifetime and returns the subject user id.
func (t *TokenManager) Parse(raw string) (int64, error) {
	if len(t.secret) == 0 {
		return 0, ErrInvalidToken
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, sub)
	}
	return userID, nil
}
