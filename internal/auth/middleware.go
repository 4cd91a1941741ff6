package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const inspectorIDKey contextKey = "authInspectorID"

// AnonymousInspector identifies callers when authentication is disabled.
const AnonymousInspector = "anonymous"

// Config controls bearer token validation.
type Config struct {
	Secret   string
	Audience string
	// Disabled lets every request through as AnonymousInspector.
	Disabled bool
}

// GetInspectorID retrieves the authenticated subject from context.
func GetInspectorID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(inspectorIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithInspectorID returns a copy of ctx carrying the inspector identity.
func WithInspectorID(ctx context.Context, inspectorID string) context.Context {
	return context.WithValue(ctx, inspectorIDKey, inspectorID)
}

// JWTMiddleware validates HMAC bearer tokens and injects the inspector identity.
func JWTMiddleware(cfg Config) gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	audience := strings.TrimSpace(cfg.Audience)

	return func(c *gin.Context) {
		if cfg.Disabled {
			setInspector(c, AnonymousInspector)
			c.Next()
			return
		}

		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		if len(secret) == 0 {
			unauthorized(c, "missing JWT secret")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if audience != "" && !containsAudience(claims.Audience, audience) {
			unauthorized(c, "invalid audience")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		setInspector(c, claims.Subject)
		c.Next()
	}
}

func setInspector(c *gin.Context, inspectorID string) {
	c.Request = c.Request.WithContext(WithInspectorID(c.Request.Context(), inspectorID))
	c.Set(string(inspectorIDKey), inspectorID)
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
