// Package auth carries the resolved caller identity through request contexts.
package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"

	apperrors "callsignal/pkg/errors"
	"callsignal/pkg/jwt"
)

// Identity is the resolved user on whose behalf an operation runs
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, if any
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.ID == uuid.Nil {
		return Identity{}, false
	}
	return id, true
}

// Require returns the caller identity or a NotAuthenticated error
func Require(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, apperrors.NotAuthenticatedError()
	}
	return id, nil
}

// TokenResolver turns a bearer token into an Identity
type TokenResolver struct {
	jwtManager *jwt.JWTManager
}

// NewTokenResolver creates a resolver backed by jwtManager
func NewTokenResolver(jwtManager *jwt.JWTManager) *TokenResolver {
	return &TokenResolver{jwtManager: jwtManager}
}

// Resolve validates token (with or without a "Bearer " prefix)
func (r *TokenResolver) Resolve(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, apperrors.NotAuthenticatedError()
	}

	claims, err := r.jwtManager.ValidateToken(token)
	if err != nil {
		appErr := apperrors.NotAuthenticatedError()
		appErr.Err = err
		return Identity{}, appErr
	}

	return Identity{ID: claims.UserID, Name: claims.DisplayName}, nil
}
