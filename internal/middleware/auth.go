package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aman-churiwal/admission-gateway/internal/admission"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ContextCallerID   = "caller_id"
	ContextRole       = "role"
	ContextIdentifier = "identifier"
)

// FailedAuthRecorder feeds rejected credentials into abuse profiling.
type FailedAuthRecorder interface {
	RecordFailedAuth(ctx context.Context, identifier string) error
}

// Authenticate resolves the caller from an optional bearer token. Requests
// without an Authorization header continue anonymously; a malformed or
// invalid token is rejected and counted against the client address.
func Authenticate(secret string, failures FailedAuthRecorder) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			rejectAuth(c, failures, "Invalid authorization header format. Use: Bearer <token>")
			return
		}

		callerID, role, err := validateToken(key, parts[1])
		if err != nil {
			logger.Debug("bearer token rejected",
				logger.String("client_ip", c.ClientIP()),
				logger.Err(err),
			)
			rejectAuth(c, failures, "Invalid or expired token")
			return
		}

		c.Set(ContextCallerID, callerID)
		c.Set(ContextRole, role)
		c.Next()
	}
}

func rejectAuth(c *gin.Context, failures FailedAuthRecorder, message string) {
	if failures != nil {
		identifier := admission.Identifier("", c.ClientIP())
		if err := failures.RecordFailedAuth(c.Request.Context(), identifier); err != nil {
			logger.Warn("failed to record failed authentication",
				logger.String("identifier", identifier),
				logger.Err(err),
			)
		}
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

// validateToken accepts HMAC-signed tokens only and returns the subject and
// role claims. The subject is read from user_id, falling back to sub.
func validateToken(key []byte, tokenString string) (string, string, error) {
	if len(key) == 0 {
		return "", "", errors.New("token validation is not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errors.New("invalid token")
	}

	subject, _ := claims["user_id"].(string)
	if subject == "" {
		subject, _ = claims.GetSubject()
	}
	if subject == "" {
		return "", "", errors.New("token has no subject")
	}

	role, _ := claims["role"].(string)
	return subject, role, nil
}
