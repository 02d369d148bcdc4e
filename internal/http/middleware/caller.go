package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payments-backend/internal/services"
)

// HeaderUserID carries the caller identity. There is no authentication layer;
// the header is trusted as given.
const HeaderUserID = "X-User-Id"

// userIDKey is the Gin context key of the canonical caller id.
const userIDKey = "userID"

// CallerID stores the canonical form of a valid X-User-Id header in the Gin
// context. Invalid or missing values are left for the handlers to reject.
func CallerID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := services.NormalizeCaller(c.GetHeader(HeaderUserID)); err == nil {
			c.Set(userIDKey, id)
		}
		c.Next()
	}
}

// CallerFrom returns the caller id stored by CallerID.
func CallerFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}
