package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meshvoice/meshvoice/internal/auth"
	"github.com/meshvoice/meshvoice/internal/config"
	"github.com/meshvoice/meshvoice/internal/metrics"
)

// requireAuth guards the inspection API. JWT mode reads a bearer token from
// the Authorization header; api_key mode reads the X-API-Key header.
func requireAuth(mode config.AuthMode, verifier auth.Verifier, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, err := credentialFromHeaders(mode, c)
		if err == nil {
			_, err = verifier.Verify(credential)
		}
		if err != nil {
			m.Inc(metrics.AuthFailure)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func credentialFromHeaders(mode config.AuthMode, c *gin.Context) (string, error) {
	switch mode {
	case config.AuthModeJWT:
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", auth.ErrMissingCredentials
		}
		return token, nil
	case config.AuthModeAPIKey:
		key := c.GetHeader("X-API-Key")
		if key == "" {
			return "", auth.ErrMissingCredentials
		}
		return key, nil
	default:
		return "", nil
	}
}
