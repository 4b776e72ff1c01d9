// Package auth extracts the caller identity from a bearer token. Token
// issuance lives in a separate security service; the ledger only verifies
// the HS256 signature and passes the identity along in the context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID string
	Email  string
}

type identityKey struct{}

// FromContext returns the identity set by Middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// Middleware verifies the Authorization bearer token and injects the
// identity into the request context. Requests without a valid token are
// rejected with 401.
func Middleware(secret []byte, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			identity, err := verify(tokenString, secret)
			if err != nil {
				logger.Debug("token rejected", zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verify(tokenString string, secret []byte) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("unexpected claims type")
	}

	identity := Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		identity.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if identity.UserID == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	return identity, nil
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"code":        "UNAUTHORIZED",
		"description": message,
	})
}
