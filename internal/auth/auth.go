// internal/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"
)

// Config holds authentication configuration
type Config struct {
	JWTSecret     string         `mapstructure:"jwt_secret"`
	JWTExpiration int            `mapstructure:"jwt_expiration"` // in minutes
	Devices       []DeviceConfig `mapstructure:"devices"`
	CacheTTL      time.Duration  `mapstructure:"cache_ttl"`
	RedisAddr     string         `mapstructure:"redis_addr"`
}

// DeviceConfig seeds the static credential store.
type DeviceConfig struct {
	DeviceID        string `mapstructure:"device_id"`
	SecretHash      string `mapstructure:"secret_hash"`
	CertFingerprint string `mapstructure:"cert_fingerprint"`
	Disabled        bool   `mapstructure:"disabled"`
}

// TokenManager issues and checks observer tokens for the live stream and
// the operator API.
type TokenManager struct {
	config Config
}

// Claims represents JWT claims
type Claims struct {
	Subject string `json:"sub_name"`
	Tenant  string `json:"tenant"`
	jwt.StandardClaims
}

func NewTokenManager(config Config) *TokenManager {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = 60
	}
	return &TokenManager{config: config}
}

// GenerateJWT creates a token scoped to one tenant
func (tm *TokenManager) GenerateJWT(subject, tenant string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		Tenant:  tenant,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(time.Duration(tm.config.JWTExpiration) * time.Minute).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    "telemetry-gateway",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(tm.config.JWTSecret))
}

// ValidateJWT validates the JWT token
func (tm *TokenManager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Tenant == "" {
		return nil, errors.New("token has no tenant")
	}
	return claims, nil
}

// HashSecret creates a bcrypt hash for a device secret
func HashSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(bytes), err
}

type ctxKey int

const claimsKey ctxKey = iota

// ClaimsFromContext returns the claims JWTMiddleware stored on the request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// JWTMiddleware rejects requests without a valid observer token.
// Browsers cannot set headers on websocket upgrades, so the token may also
// come as the "token" query parameter.
func (tm *TokenManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := tm.ValidateJWT(token)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
