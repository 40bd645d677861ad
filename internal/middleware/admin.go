package middleware

import (
	"net/http" // HTTP status codes

	"credit_system/internal/utils" // Role constants

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
	"golang.org/x/crypto/bcrypt" // Service key hash comparison
)

// ServiceKeyHeader carries the shared secret of internal callers
const ServiceKeyHeader = "X-Service-Key"

// AdminOnlyMiddleware checks the role claim set by JWTAuthMiddleware
func AdminOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check if userID exists in context
		if _, exists := c.Get(ContextUserID); !exists {
			// If not, abort with unauthorized status
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Unauthorized"})
			return
		}
		// Check if user role is admin
		if c.GetString(ContextRole) != utils.RoleAdmin {
			// If not admin, abort with forbidden status
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Admin access required"})
			return
		}
		// If admin, proceed to the next handler
		c.Next()
	}
}

// ServiceKeyMiddleware authenticates internal callers such as the payment webhook
// processor against a bcrypt hash of their shared key
func ServiceKeyMiddleware(keyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(ServiceKeyHeader) // Get service key header
		// An empty hash disables internal routes entirely
		if keyHash == "" || key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Missing service key"})
			return
		}
		// Compare the provided key against the stored hash
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			logrus.WithFields(logrus.Fields{
				"path":      c.FullPath(), // Route pattern
				"client_ip": c.ClientIP(), // Caller address
			}).Warn("Rejected internal call with invalid service key") // Log rejection
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid service key"})
			return
		}
		c.Next() // Proceed to the next handler
	}
}
