// Package auth guards the operations API with a static API key
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gitlab.com/useghost/settle/api/apierr"
	"gitlab.com/useghost/settle/build"
)

const (
	// Header is the name of the header we check for the API key
	Header = "X-API-KEY"
	// bearerPrefix is accepted in the Authorization header as well, for
	// schedulers that can only send that one
	bearerPrefix = "Bearer "
)

var log = build.AddSubLogger("AUTH")

// GetMiddleware returns a middleware that rejects requests without the
// given API key. An empty key rejects everything.
func GetMiddleware(apiKey string) gin.HandlerFunc {
	expected := []byte(apiKey)
	return func(c *gin.Context) {
		given := c.GetHeader(Header)
		if given == "" {
			if authorization := c.GetHeader("Authorization"); strings.HasPrefix(authorization, bearerPrefix) {
				given = strings.TrimPrefix(authorization, bearerPrefix)
			}
		}

		if given == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingApiKey)
			return
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(given), expected) != 1 {
			log.WithField("ip", c.ClientIP()).Warn("Rejected request with bad API key")
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadApiKey)
			return
		}
		c.Next()
	}
}
