package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rawrag/internal/pkg/jwtutil"
	"rawrag/internal/transport/http/response"
)

const ContextConversationIDKey = "conversation_id"

// ConversationAuth requires a bearer token issued for the conversation named
// by the :id path parameter. An empty secret disables the check.
func ConversationAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		claims, err := jwtutil.ParseToken(secret, token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}
		if claims.ConversationID != c.Param("id") {
			response.Error(c, http.StatusForbidden, response.CodeForbidden, "token does not grant this conversation")
			c.Abort()
			return
		}

		c.Set(ContextConversationIDKey, claims.ConversationID)
		c.Next()
	}
}
