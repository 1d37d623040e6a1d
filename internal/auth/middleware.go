package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const contextKey = "operator"

// Middleware adapts any OperatorAuthenticator into gin middleware for the
// admin surface. Unauthenticated requests are rejected with 401; the
// resolved Operator is stashed in gin context for handlers that care
// (none of the core admin endpoints currently do — this is here for
// deployments that layer their own authorization on top).
func Middleware(authenticator OperatorAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := authenticator.Authenticate(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(contextKey, op)
		c.Next()
	}
}

// OperatorFromContext retrieves the Operator set by Middleware.
func OperatorFromContext(c *gin.Context) (Operator, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return Operator{}, false
	}
	op, ok := v.(Operator)
	return op, ok
}
