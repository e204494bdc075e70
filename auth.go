package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the auth gateway knows about a valid token: who the
// bearer is, nothing about sessions or organizations.
type Identity struct {
	UserID string
}

// TokenValidator is the auth gateway contract: validate(token) ->
// identity or failure. Calls are bounded by the caller's context.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// JWTValidator verifies HS256 bearer tokens minted by the dashboard.
type JWTValidator struct {
	secret []byte
	leeway time.Duration
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), leeway: 30 * time.Second}
}

func (v *JWTValidator) Validate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Identity{UserID: sub}, nil
}

// NewTokenValidator picks the validator for the configured auth mode.
// Returns nil when no token can ever validate (disabled mode, or
// optional mode with no secret configured); the connection path then
// admits anonymous clients only.
func NewTokenValidator(cfg *Config) TokenValidator {
	if cfg.AuthMode == AuthModeDisabled || cfg.AuthSecret == "" {
		return nil
	}
	return NewJWTValidator(cfg.AuthSecret)
}
