package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextKeyServiceName = "service_name"
	HeaderServiceToken    = "X-Service-Token"
)

type ServiceTokenValidator interface {
	ValidateServiceToken(token string) (string, error)
}

// ServiceAuth guards internal endpoints. A caller proves itself with the
// shared service secret or with an RS256 service token, sent in
// X-Service-Token or as a bearer token.
type ServiceAuth struct {
	secret    func(token string) bool
	validator ServiceTokenValidator
}

// NewServiceAuth accepts either mechanism; nil disables it.
func NewServiceAuth(secret func(token string) bool, validator ServiceTokenValidator) *ServiceAuth {
	return &ServiceAuth{secret: secret, validator: validator}
}

func (m *ServiceAuth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderServiceToken)
		if token == "" {
			if v, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				token = strings.TrimSpace(v)
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_token",
				"message": "service token required",
			})
			return
		}

		name, ok := m.identify(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "service token rejected",
			})
			return
		}

		c.Set(ContextKeyServiceName, name)
		c.Next()
	}
}

func (m *ServiceAuth) identify(token string) (string, bool) {
	if m.secret != nil && m.secret(token) {
		return "shared-secret", true
	}
	if m.validator != nil && strings.Count(token, ".") == 2 {
		if name, err := m.validator.ValidateServiceToken(token); err == nil {
			return name, true
		}
	}
	return "", false
}
