package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminToken 校验 X-Admin-Token。未配置 token 时一律拒绝。
func AdminToken(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if required == "" {
			abort(c, http.StatusForbidden, "Admin endpoints are disabled")
			return
		}
		supplied := c.GetHeader("X-Admin-Token")
		if supplied == "" {
			abort(c, http.StatusUnauthorized, "Admin token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(required)) != 1 {
			abort(c, http.StatusForbidden, "Invalid admin token")
			return
		}
		c.Next()
	}
}
