package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator checks internal tokens minted by the API gateway. Backends use
// it to trust the caller identity without talking to the identity provider.
type Validator struct {
	publicKey      *rsa.PublicKey
	allowedIssuers []string
	leeway         time.Duration
}

// ValidatorOption is a functional option for configuring the Validator.
type ValidatorOption func(*Validator) error

// WithPublicKey sets the gateway's RSA public key from a PEM-encoded string.
func WithPublicKey(pemStr string) ValidatorOption {
	return func(v *Validator) error {
		key, err := ParseRSAPublicKey(pemStr)
		if err != nil {
			return fmt.Errorf("failed to parse public key: %w", err)
		}
		v.publicKey = key
		return nil
	}
}

func WithPublicKeyRSA(key *rsa.PublicKey) ValidatorOption {
	return func(v *Validator) error {
		v.publicKey = key
		return nil
	}
}

// WithAllowedIssuers restricts the iss claim. Any issuer is accepted when
// the list is empty.
func WithAllowedIssuers(issuers ...string) ValidatorOption {
	return func(v *Validator) error {
		v.allowedIssuers = issuers
		return nil
	}
}

// WithLeeway tolerates clock skew on exp, nbf and iat.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) error {
		v.leeway = d
		return nil
	}
}

func NewValidator(opts ...ValidatorOption) (*Validator, error) {
	v := &Validator{}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	if v.publicKey == nil {
		return nil, ErrPublicKeyNotSet
	}
	return v, nil
}

// ValidateInternalToken verifies the signature, expiry, audience and issuer
// of tokenString and returns its claims. The gateway mints tokens with the
// backend's service name as audience.
func (v *Validator) ValidateInternalToken(tokenString, expectedAudience string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, mapClaims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}

	claims := claimsFrom(mapClaims)
	if claims.Subject == "" {
		return nil, ErrTokenInvalidSubject
	}
	if claims.Audience != expectedAudience {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrTokenAudienceMismatch, expectedAudience, claims.Audience)
	}
	if len(v.allowedIssuers) > 0 && !slices.Contains(v.allowedIssuers, claims.Issuer) {
		return nil, fmt.Errorf("%w: %s", ErrTokenIssuerNotAllowed, claims.Issuer)
	}
	return claims, nil
}

func claimsFrom(m jwt.MapClaims) *Claims {
	c := &Claims{
		Subject:        stringClaim(m, "sub"),
		Email:          stringClaim(m, "email"),
		Roles:          stringSliceClaim(m, "roles"),
		Issuer:         stringClaim(m, "iss"),
		OriginalIssuer: stringClaim(m, "original_iss"),
	}
	if aud, err := m.GetAudience(); err == nil && len(aud) > 0 {
		c.Audience = aud[0]
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key.
func ParseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	switch val := claims[key].(type) {
	case []any:
		result := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	}
	return nil
}
