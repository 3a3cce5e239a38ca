package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "kis-ticker"
	tokenAudience = "kis-ticker-host"
)

type subjectContextKey struct{}

// SubjectFromContext returns the authenticated token subject.
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectContextKey{}).(string); ok {
		return v
	}
	return ""
}

// JWTAuth issues and checks HS256 bearer tokens for the host API.
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a JWTAuth. The secret must not be empty.
func NewJWTAuth(secret string, logger *slog.Logger) (*JWTAuth, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{secret: []byte(secret), logger: logger}, nil
}

// GenerateToken signs a token for subject. A zero ttl never expires.
func (j *JWTAuth) GenerateToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Audience: jwt.ClaimStrings{tokenAudience},
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   tokenIssuer,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken parses tokenString and returns its claims when valid.
func (j *JWTAuth) ValidateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. The token may
// also come from the access_token query parameter, since EventSource
// cannot set headers.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			tokenStr = r.URL.Query().Get("access_token")
		}
		if tokenStr == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kis-ticker"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(tokenStr)
		if err != nil {
			j.logger.Debug("Invalid host token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="kis-ticker", error="invalid_token"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
