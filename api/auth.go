package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/eddielth/telemetry-hub/fanout"
	"github.com/eddielth/telemetry-hub/logger"
)

type claimsKey struct{}

// ClaimsFromContext returns the claims set by JWTMiddleware
func ClaimsFromContext(ctx context.Context) (*fanout.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*fanout.Claims)
	return claims, ok
}

// validAPIKey compares against every configured key in constant time
func (h *Handler) validAPIKey(apiKey string) bool {
	valid := false
	for _, key := range h.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), key) == 1 {
			valid = true
		}
	}
	return valid
}

// APIKeyMiddleware guards device ingest routes with the X-API-Key header
func (h *Handler) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !h.validAPIKey(apiKey) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JWTMiddleware guards user read routes with a Bearer token
func (h *Handler) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := fanout.ParseToken(fanout.TokenFromRequest(r), h.secret)
		if err != nil {
			logger.Debug("rejected token from %s: %v", r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}
