package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/auditra/auditra/infrastructure/service/logger"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	APIKeyHeader        = "X-API-Key"
	OperatorKey         = "operator"
)

// CorrelationIDMiddleware ensures every request/response carries a correlation ID
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" {
			cid = generateCorrelationID()
		}
		w.Header().Set(CorrelationIDHeader, cid)
		ctx := context.WithValue(r.Context(), logger.CorrelationIDKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateCorrelationID() string {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		// fallback to a static value in worst case (should not happen)
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// APIKeyMiddleware authenticates producers against the configured bcrypt
// hashes. Plain keys never leave the producer; only their hashes live in
// config.
type APIKeyMiddleware struct {
	keyHashes [][]byte
}

func NewAPIKeyMiddleware(keyHashes []string) *APIKeyMiddleware {
	hashes := make([][]byte, 0, len(keyHashes))
	for _, h := range keyHashes {
		hashes = append(hashes, []byte(h))
	}
	return &APIKeyMiddleware{keyHashes: hashes}
}

func (m *APIKeyMiddleware) RequireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			Unauthorized(w, "API key required")
			return
		}
		for _, hash := range m.keyHashes {
			if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		Unauthorized(w, "Invalid API key")
	}
}

// AuthMiddleware validates operator JWTs for the compliance endpoints.
type AuthMiddleware struct {
	hmacSecret []byte
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{hmacSecret: []byte(jwtSecret)}
}

func (m *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Unauthorized(w, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			Unauthorized(w, "Invalid authorization header format")
			return
		}

		tokenString := parts[1]
		if tokenString == "" {
			Unauthorized(w, "Token cannot be empty")
			return
		}

		claims, err := m.validateToken(tokenString)
		if err != nil {
			Unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), OperatorKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func (m *AuthMiddleware) validateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.hmacSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
