package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mediation/internal/logging"
)

const (
	// ContextKeyUserID is the key for the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyClaims is the key for the verified token claims
	ContextKeyClaims = "authClaims"
)

// Middleware verifies a bearer token when one is present and stores the
// caller in the gin context. A present but invalid token is rejected with
// 401; an absent token passes through so RequireAuth can decide.
//
// When allowQuery is set the token may also arrive as ?access_token=, which
// browsers need for WebSocket upgrades.
func Middleware(v *Verifier, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("access_token")
		}
		if token == "" {
			c.Next()
			return
		}

		claims, err := v.Verify(token)
		if err != nil {
			logging.L(c.Request.Context()).Debug("token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid or expired session",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID())
		c.Set(ContextKeyClaims, claims)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claims.UserID()))
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a verified caller
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "authentication required",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated caller, or "" when anonymous.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetClaims returns the verified claims, if any.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
