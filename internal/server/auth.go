package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUser carries the caller's account id.
const HeaderUser = "x-snsbus-user"

const (
	userKey           = "user_id"
	codeAuthorization = "AuthorizationError"
)

// Identity requires an account id on every request except the paths in its
// skip list.
type Identity struct {
	skip map[string]bool
}

// NewIdentity skips the given route patterns, as registered with gin.
func NewIdentity(skip ...string) *Identity {
	m := make(map[string]bool, len(skip))
	for _, p := range skip {
		m[p] = true
	}
	return &Identity{skip: m}
}

func (a *Identity) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.skip[c.FullPath()] {
			c.Next()
			return
		}

		user := strings.TrimSpace(c.GetHeader(HeaderUser))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    codeAuthorization,
				"message": "missing " + HeaderUser + " header",
			})
			return
		}
		if strings.ContainsAny(user, ":\r\n") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    codeAuthorization,
				"message": "invalid account id",
			})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

// UserID returns the account id set by Identity, or "" on skipped routes.
func UserID(c *gin.Context) string {
	v, _ := c.Get(userKey)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}
