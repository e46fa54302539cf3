package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces HTTP Basic auth when enabled. The websocket
// endpoint cannot carry headers from a browser, so credentials are also
// accepted as query parameters there.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Auth.On() {
			c.Next()
			return
		}

		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			user = c.Query("username")
			pass = c.Query("password")
			ok = user != ""
		}
		if !ok || !s.credentialsValid(user, pass) {
			c.Header("WWW-Authenticate", `Basic realm="autopulse"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// credentialsValid compares against the configured credentials. A stored
// password starting with a bcrypt marker is treated as a hash, anything
// else is compared in constant time.
func (s *Server) credentialsValid(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Auth.Username)) == 1

	stored := s.cfg.Auth.Password
	var passOK bool
	if strings.HasPrefix(stored, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(stored), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(stored)) == 1
	}
	return userOK && passOK
}
