// Package auth enforces the identity boundary. Buyer authentication is owned
// by the upstream gateway; this package trusts the configured header and
// guards admin routes with an API key.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/tunglvm/store-server/internal/errors"
)

type contextKey string

const buyerIDKey contextKey = "buyer_id"

// BuyerFromContext returns the authenticated buyer id, if any.
func BuyerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(buyerIDKey).(string)
	return id, ok && id != ""
}

// RequireBuyer rejects requests without the trusted buyer header and puts the
// buyer id on the request context.
func RequireBuyer(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buyerID := strings.TrimSpace(r.Header.Get(header))
			if buyerID == "" {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeUnauthorized, "Missing buyer identity")
				return
			}
			ctx := context.WithValue(r.Context(), buyerIDKey, buyerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin guards operator routes with a static API key carried in the
// X-Api-Key header or an Authorization bearer token. An empty configured key
// disables the routes entirely.
func RequireAdmin(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeForbidden, "Admin API disabled")
				return
			}

			provided := r.Header.Get("X-Api-Key")
			if provided == "" {
				bearer := r.Header.Get("Authorization")
				provided = strings.TrimPrefix(bearer, "Bearer ")
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeUnauthorized, "Invalid admin credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
