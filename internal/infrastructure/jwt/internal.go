package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

const ServiceAudience = "api-gateway"

// InternalSigner re-mints the caller's identity as a short-lived token signed
// by the gateway, so backends only have to trust one key.
type InternalSigner struct {
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewInternalSigner(privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *InternalSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &InternalSigner{privateKey: privateKey, issuer: issuer, ttl: ttl, now: time.Now}
}

func (s *InternalSigner) Mint(auth *domain.AuthContext, audience string) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("private key not configured")
	}

	now := s.now()
	exp := now.Add(s.ttl)
	if !auth.ExpiresAt.IsZero() && auth.ExpiresAt.Before(exp) {
		exp = auth.ExpiresAt
	}

	claims := jwt.MapClaims{
		"sub":          auth.Subject,
		"email":        auth.Email,
		"roles":        auth.Roles,
		"iss":          s.issuer,
		"aud":          audience,
		"original_iss": auth.Issuer,
		"iat":          now.Unix(),
		"exp":          exp.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// ServiceTokenValidator checks the RS256 tokens backends sign when talking
// to the registry API.
type ServiceTokenValidator struct {
	publicKey *rsa.PublicKey
}

func NewServiceTokenValidator(publicKey *rsa.PublicKey) *ServiceTokenValidator {
	return &ServiceTokenValidator{publicKey: publicKey}
}

// ValidateServiceToken returns the calling service's name.
func (v *ServiceTokenValidator) ValidateServiceToken(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(ServiceAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", domain.ErrTokenExpired
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return "", domain.ErrTokenInvalidSignature
		}
		return "", fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return "", fmt.Errorf("%w: missing subject claim", domain.ErrTokenMalformed)
	}
	return sub, nil
}
