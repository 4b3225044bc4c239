package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/otagate/pkg/utils"
	"github.com/rs/zerolog/log"
)

// JWTValidator validates HS256 tokens signed with Secret
type JWTValidator struct {
	Secret string
}

// ValidateToken returns the token subject
func (v JWTValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	return utils.ValidateJWT(token, v.Secret)
}

// AuthMiddleware requires a valid bearer token
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")

			subject, err := validator.ValidateToken(c.Request.Context(), token)
			if err == nil {
				c.Set("subject", subject)
				c.Next()
				return
			}
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("Rejected bearer token")
		}

		c.Header("Connection", "close")
		c.Data(http.StatusUnauthorized, "text/plain", []byte("Unauthorized\r\n"))
		c.Abort()
	}
}

// GetSubjectFromContext returns the authenticated token subject
func GetSubjectFromContext(c *gin.Context) (string, bool) {
	subject, exists := c.Get("subject")
	if !exists {
		return "", false
	}
	s, ok := subject.(string)
	return s, ok
}
