package middleware

import "github.com/gin-gonic/gin"

// APIHeaders sets the response headers every JSON endpoint carries. Ban
// lists and peer data must never be cached by intermediaries.
func APIHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
