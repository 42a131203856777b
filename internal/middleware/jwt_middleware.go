package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"model_optimizer/internal/auth"
	"model_optimizer/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// Context keys for storing authentication data
const (
	OperatorClaimsKey ContextKey = "operatorClaims"
	OperatorIDKey     ContextKey = "operatorID"
)

// OperatorJWT validates operator tokens and enforces role-based access
func OperatorJWT(cfg auth.TokenConfig, required auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			claims, err := auth.ValidateOperatorToken(tokenString, cfg)
			if err != nil {
				if errors.Is(err, auth.ErrMissingSecret) {
					utils.RespondWithError(w, http.StatusServiceUnavailable, "Operator authentication is not configured")
					return
				}
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if required != "" && !claims.HasRole(required) {
				utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}

			// Embed claims into request context
			ctx := context.WithValue(r.Context(), OperatorClaimsKey, claims)
			ctx = context.WithValue(ctx, OperatorIDKey, claims.Subject)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(header)
}

// GetOperatorClaims retrieves the operator claims from the request context
func GetOperatorClaims(ctx context.Context) (*auth.OperatorClaims, bool) {
	claims, ok := ctx.Value(OperatorClaimsKey).(*auth.OperatorClaims)
	return claims, ok
}

// GetOperatorID retrieves the token subject from the request context
func GetOperatorID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OperatorIDKey).(string)
	return id, ok
}
