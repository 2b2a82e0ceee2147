package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"pvp-battle/internal/auth"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
)

type AuthMiddleware struct {
	jwtService *auth.JWTService
	log        *zap.Logger
}

func NewAuthMiddleware(jwtService *auth.JWTService, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		log:        logger.Named("auth"),
	}
}

// RequireAuth validates the access token and stores its claims in the context.
// Browsers cannot set headers on a websocket upgrade, so the token may also
// come from the "token" query parameter.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "Authorization required")
			return
		}

		claims, err := m.jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			if err == auth.ErrExpiredToken {
				unauthorized(w, "Token has expired")
				return
			}
			m.log.Debug("rejected token", zap.String("ip", GetClientIP(r)), zap.Error(err))
			unauthorized(w, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GetClaimsFromContext retrieves the authenticated caller's claims
func GetClaimsFromContext(ctx context.Context) (*auth.AccessTokenClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.AccessTokenClaims)
	return claims, ok
}

// UserIDFromContext returns the authenticated caller's id, or "".
func UserIDFromContext(ctx context.Context) string {
	if c, ok := GetClaimsFromContext(ctx); ok {
		return c.UserID
	}
	return ""
}
