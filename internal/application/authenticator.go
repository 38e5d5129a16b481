package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// TokenVerifier checks a bearer credential's signature, expiry, issuer and
// audience and extracts the identity it carries.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*domain.AuthContext, error)
}

type AuthMetrics interface {
	AuthRejected(reason string)
}

type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
	metrics  AuthMetrics
}

func NewAuthenticator(verifier TokenVerifier, timeout time.Duration, metrics AuthMetrics) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{verifier: verifier, timeout: timeout, metrics: metrics}
}

// Authorize runs UNVALIDATED -> VALIDATING -> AUTHORIZED|REJECTED for one
// request. Public rules are authorized without looking at the credential.
func (a *Authenticator) Authorize(ctx context.Context, rule *domain.RouteRule, authorization string) domain.Decision {
	if !rule.Secured() {
		return domain.Decision{State: domain.AuthAuthorized}
	}

	raw := BearerToken(authorization)
	if raw == "" {
		return a.reject("missing", domain.ErrMissingCredential)
	}
	if a.verifier == nil {
		return a.reject("invalid", fmt.Errorf("%w: no verifier configured", domain.ErrInvalidCredential))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	slog.Debug("validating credential", "route", rule.Pattern, "state", domain.AuthValidating)
	auth, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidCredential) {
			err = fmt.Errorf("%w: %w", domain.ErrInvalidCredential, err)
		}
		return a.reject("invalid", err)
	}

	if !rule.PermitsRoles(auth.Roles) {
		return a.reject("forbidden", fmt.Errorf("%w: route %s requires %s",
			domain.ErrInsufficientPrivilege, rule.Pattern, strings.Join(rule.RequiredRoles, ",")))
	}

	return domain.Decision{State: domain.AuthAuthorized, Auth: auth}
}

func (a *Authenticator) reject(reason string, err error) domain.Decision {
	if a.metrics != nil {
		a.metrics.AuthRejected(reason)
	}
	return domain.Decision{State: domain.AuthRejected, Err: err}
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
