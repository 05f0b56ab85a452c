package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const AdminTokenHeader = "X-Admin-Token"

// RequireAdmin guards the admin API with a token compared against a bcrypt
// hash. An empty hash disables the admin API.
func RequireAdmin(tokenHash string) gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(tokenHash))

	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin API is disabled",
			})
			return
		}

		token := c.GetHeader(AdminTokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Admin token required",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid admin token",
			})
			return
		}

		c.Next()
	}
}
