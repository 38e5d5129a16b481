package auth

import (
	"context"
	"slices"
	"time"
)

// Claims are carried by the internal token the gateway mints after it has
// validated the caller's external credential.
type Claims struct {
	Subject        string    `json:"sub"`
	Email          string    `json:"email,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	Issuer         string    `json:"iss"`
	Audience       string    `json:"aud"`
	OriginalIssuer string    `json:"original_iss,omitempty"`
	IssuedAt       time.Time `json:"iat"`
	ExpiresAt      time.Time `json:"exp"`
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// HasAllRoles reports whether every role in roles is held. An empty list
// is always satisfied.
func (c *Claims) HasAllRoles(roles []string) bool {
	for _, r := range roles {
		if !c.HasRole(r) {
			return false
		}
	}
	return true
}

func (c *Claims) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, c.HasRole)
}

type claimsKey struct{}

func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims stored by Validator.Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
