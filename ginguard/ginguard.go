// Package ginguard adapts a csrf.Protector to Gin.
package ginguard

import (
	"net/http"

	"github.com/JeanGrijp/go-csrfguard/csrf"
	"github.com/gin-gonic/gin"
)

// Middleware runs p.Protect in front of the remaining handlers. Rejected
// requests abort the chain after the configured actions have written the
// response.
func Middleware(p *csrf.Protector) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		h := p.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			// keep gin context in sync with the request carrying the csrf state
			c.Request = r
			c.Next()
		}))
		h.ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}

// Token returns the master token of the request session, issuing it on first call.
func Token(c *gin.Context) (string, bool) {
	return csrf.TokenFromContext(c.Request.Context())
}
