package jwt

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type VerifierConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates bearer credentials issued by the identity provider.
type Verifier struct {
	keys   KeySource
	config VerifierConfig
	now    func() time.Time
}

func NewVerifier(keys KeySource, cfg VerifierConfig) *Verifier {
	return &Verifier{keys: keys, config: cfg, now: time.Now}
}

func (v *Verifier) Verify(ctx context.Context, raw string) (*domain.AuthContext, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.config.Leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidCredential, classify(err))
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidCredential, domain.ErrTokenInvalidSubject)
	}

	auth := &domain.AuthContext{
		Subject:  sub,
		Email:    stringClaim(claims, "email"),
		Issuer:   stringClaim(claims, "iss"),
		Roles:    Roles(claims),
		RawToken: raw,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		auth.ExpiresAt = exp.Time
	}
	return auth, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrUnknownSigningKey):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return domain.ErrTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.ErrTokenInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return domain.ErrTokenAudienceMismatch
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return domain.ErrTokenIssuerMismatch
	default:
		return fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}
}

// Roles collects the union of roles, groups, realm_access.roles and the
// scope claims, sorted and without duplicates.
func Roles(claims jwt.MapClaims) []string {
	var roles []string
	roles = append(roles, stringSliceClaim(claims, "roles")...)
	roles = append(roles, stringSliceClaim(claims, "groups")...)
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		roles = append(roles, stringSliceClaim(realm, "roles")...)
	}
	roles = append(roles, strings.Fields(stringClaim(claims, "scope"))...)
	roles = append(roles, stringSliceClaim(claims, "scopes")...)

	for i, r := range roles {
		roles[i] = strings.TrimPrefix(r, "/")
	}
	slices.Sort(roles)
	return slices.Compact(roles)
}

func stringClaim(claims map[string]any, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func stringSliceClaim(claims map[string]any, key string) []string {
	switch val := claims[key].(type) {
	case []any:
		result := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok && s != "" {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return val
	case string:
		return strings.Fields(val)
	}
	return nil
}
