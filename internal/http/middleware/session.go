// Session authentication middleware.
//
// This file guards the authenticated API surface. It extracts a bearer token
// from the Authorization header, verifies it through a SessionParser
// (implemented by the auth service), and stashes the resulting Session in the
// Gin context for handlers to consume via SessionFrom. Every verified request
// also notifies an optional activity callback so the background balance
// poller knows which sessions are live.
//
// Design goals:
//   - Keep token mechanics (format, signature, expiry) behind SessionParser.
//   - Fail closed: any parse error is a uniform 401, no detail leaks.
//   - No ambient session state; handlers receive an explicit Session value.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// ctxKeySession stashes the verified Session in the Gin context.
const ctxKeySession = "auth.session"

// SessionParser verifies a gateway token and reconstructs the session it
// encodes.
type SessionParser interface {
	ParseSession(token string) (domain.Session, error)
}

// SessionFrom returns the Session stored by SessionAuth. The second return
// value indicates presence; handlers behind SessionAuth can rely on it being
// true.
func SessionFrom(c *gin.Context) (domain.Session, bool) {
	v, ok := c.Get(ctxKeySession)
	if !ok {
		return domain.Session{}, false
	}
	s, ok := v.(domain.Session)
	return s, ok
}

// SessionAuth returns middleware that requires a valid "Authorization:
// Bearer <token>" header. On success it stores the Session in the context,
// sets userID for downstream middleware (rate limiting, idempotency), and
// invokes onSeen, if non-nil, with the session.
func SessionAuth(parser SessionParser, onSeen func(domain.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		const prefix = "Bearer "
		if raw == "" || !strings.HasPrefix(raw, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "missing bearer token",
			})
			return
		}

		sess, err := parser.ParseSession(strings.TrimSpace(raw[len(prefix):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "invalid or expired session",
			})
			return
		}

		c.Set(ctxKeySession, sess)
		c.Set("userID", sess.UserID)
		if onSeen != nil {
			onSeen(sess)
		}
		c.Next()
	}
}
