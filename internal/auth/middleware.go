package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAdminKey carries the admin API key.
	HeaderAdminKey = "X-Admin-Key"
	// ContextAdminID is where the middleware stores the verified admin id.
	ContextAdminID = "admin_id"
	// ContextAdminKey is where the middleware stores the raw presented key,
	// so downstream operations can re-verify it per call.
	ContextAdminKey = "admin_key"
)

// AdminKeyFromRequest extracts the presented key from the X-Admin-Key header
// or a bearer token.
func AdminKeyFromRequest(c *gin.Context) string {
	if key := c.GetHeader(HeaderAdminKey); key != "" {
		return key
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequireAdmin gates a route group on a valid admin key. This is the outer
// gate only; privileged operations re-verify the key themselves at call
// time, so passing the middleware once buys nothing after a revocation.
func RequireAdmin(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := AdminKeyFromRequest(c)
		adminID, err := v.VerifyAdmin(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid admin credentials required",
			})
			return
		}
		c.Set(ContextAdminID, adminID)
		c.Set(ContextAdminKey, key)
		c.Next()
	}
}
