package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chunkflow/internal/auth"
	"github.com/suPer8Hu/chunkflow/internal/common"
)

// ExternalIDKey holds the authenticated front-end principal (therapist/operator id).
const ExternalIDKey = "external_id"

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(tok) == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		sub, err := auth.ParseJWT(strings.TrimSpace(tok), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(ExternalIDKey, sub)
		c.Next()
	}
}
