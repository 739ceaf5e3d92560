// Package middleware provides JWT authentication for the HTTP API and the
// websocket gateway, backed by a remote JWKS endpoint.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type contextKey string

const userIDContextKey = contextKey("authedUserID")

// ContextWithUser returns a context carrying the authenticated user ID.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// GetUserIDFromContext extracts the authenticated user ID set by the
// auth middleware.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok && userID != ""
}

// JWKSAuth validates RS256 bearer tokens against a cached JWKS key set.
type JWKSAuth struct {
	cache   *jwk.Cache
	jwksURL string
}

// NewJWKSAuth fetches and caches the key set at jwksURL. The initial fetch
// is performed eagerly so misconfiguration fails at startup.
func NewJWKSAuth(ctx context.Context, jwksURL string) (*JWKSAuth, error) {
	cache := jwk.NewCache(ctx)
	err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to register JWKS endpoint: %w", err)
	}
	_, err = cache.Refresh(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS key set: %w", err)
	}
	return &JWKSAuth{cache: cache, jwksURL: jwksURL}, nil
}

func (a *JWKSAuth) validate(ctx context.Context, rawToken string) (string, error) {
	keySet, err := a.cache.Get(ctx, a.jwksURL)
	if err != nil {
		return "", fmt.Errorf("JWKS key set unavailable: %w", err)
	}
	token, err := jwt.Parse([]byte(rawToken), jwt.WithKeySet(keySet), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("token rejected: %w", err)
	}
	if token.Subject() == "" {
		return "", fmt.Errorf("token rejected: missing subject")
	}
	return token.Subject(), nil
}

// Middleware authenticates requests via the Authorization header.
func (a *JWKSAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := a.validate(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), userID)))
	})
}

// WebsocketMiddleware authenticates upgrade requests via a "token" query
// parameter, since browsers cannot set headers on websocket dials.
func (a *JWKSAuth) WebsocketMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken := r.URL.Query().Get("token")
		if rawToken == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		userID, err := a.validate(r.Context(), rawToken)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), userID)))
	})
}

// NoopAuth returns a middleware that unconditionally injects the given
// identity (or rejects everything when authed is false). Test use only.
func NoopAuth(authed bool, userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authed {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), userID)))
		})
	}
}
