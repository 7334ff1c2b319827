package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/session"
)

// TokenVerifier is the slice of session.Service the middleware needs.
type TokenVerifier interface {
	Verify(token string) (*session.Claims, error)
}

// SessionAuth verifies the session token and stores its claims on the
// context. Browsers cannot set headers on a websocket upgrade, so the token
// is also accepted from the ?token= query parameter.
func SessionAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "session token is missing",
			})
			return
		}

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid session token",
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.DisplayName)
		c.Set("formId", claims.FormID)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
