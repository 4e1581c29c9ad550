package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityContextKey = "auth_identity"

// Middleware authenticates the request and stores the Identity in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.Authenticate(c.Request.Context(), s.TokenFromRequest(c.Request, false))
		if err != nil {
			status, msg := StatusFor(err)
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// StatusFor maps an Authenticate error to an HTTP status and a client message.
// Every credential problem reads the same to the client.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrRevocationUnavailable):
		return http.StatusServiceUnavailable, "authentication temporarily unavailable"
	case errors.Is(err, ErrNoToken):
		return http.StatusUnauthorized, "authorization required"
	case errors.Is(err, ErrRevoked), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrIdentityNotFound):
		return http.StatusUnauthorized, "invalid or expired token"
	default:
		return http.StatusInternalServerError, "authentication failed"
	}
}

// IdentityFromContext retrieves the identity stored by Middleware.
func IdentityFromContext(c *gin.Context) (*Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	id, ok := val.(*Identity)
	return id, ok && id != nil
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	id, ok := IdentityFromContext(c)
	if !ok {
		return 0, false
	}
	return id.User.ID, true
}

// TokenFromRequest extracts the raw token: bearer header first, then the auth
// cookie, then (for socket handshakes) the token query parameter.
func (s *Service) TokenFromRequest(r *http.Request, allowQuery bool) string {
	if token, ok := bearerToken(r.Header.Get(s.headerName)); ok {
		return token
	}
	if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func bearerToken(header string) (string, bool) {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[7:]), true
}
