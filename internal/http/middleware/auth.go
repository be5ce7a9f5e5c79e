package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// BearerAuth returns a Gin middleware enforcing a static bearer token on
// every request. An empty token disables the check entirely, which is the
// intended mode for deployments where the gateway is reachable only from
// the bot over a private network.
//
// Comparison is constant-time. Failures get a 401 with a WWW-Authenticate
// hint and the usual JSON error envelope.
func BearerAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="code-gateway"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}
