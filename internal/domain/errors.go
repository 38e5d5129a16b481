package domain

import (
	"errors"
	"fmt"
	"strings"
)

type CollisionType string

const (
	ExactCollision   CollisionType = "exact"
	PatternCollision CollisionType = "pattern"
)

type RouteCollision struct {
	Pattern       string        `json:"pattern"`
	ServiceName   string        `json:"service_name"`
	CollisionType CollisionType `json:"collision_type"`
	ConflictsWith string        `json:"conflicts_with"`
}

type CollisionError struct {
	Collisions []RouteCollision `json:"collisions"`
}

func (e *CollisionError) Error() string {
	var msgs []string
	for _, c := range e.Collisions {
		msgs = append(msgs, fmt.Sprintf("%s (%s) conflicts with %s (%s)",
			c.Pattern, c.ServiceName, c.ConflictsWith, c.CollisionType))
	}
	return fmt.Sprintf("route collisions detected: %s", strings.Join(msgs, "; "))
}

// Request path.
var (
	ErrNoRoute               = errors.New("no route matches request")
	ErrNoHealthyInstance     = errors.New("no healthy instance available")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrMissingCredential     = errors.New("missing bearer credential")
	ErrInvalidCredential     = errors.New("invalid bearer credential")
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
	ErrRequestTooLarge       = errors.New("request body too large")
	ErrRateLimited           = errors.New("rate limit exceeded")
)

// Credential verification causes, wrapped by ErrInvalidCredential.
var (
	ErrTokenExpired          = errors.New("token has expired")
	ErrTokenNotYetValid      = errors.New("token is not yet valid")
	ErrTokenInvalidSubject   = errors.New("token has invalid subject")
	ErrTokenAudienceMismatch = errors.New("token audience mismatch")
	ErrTokenIssuerMismatch   = errors.New("token issuer mismatch")
	ErrTokenInvalidSignature = errors.New("token has invalid signature")
	ErrTokenMalformed        = errors.New("token is malformed")
	ErrUnknownSigningKey     = errors.New("unknown signing key")
)

// Dispatch path.
var (
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrRecordNotFound    = errors.New("notification record not found")
	ErrConflict          = errors.New("concurrent modification")
	ErrInvalidTransition = errors.New("invalid notification state transition")
)

var (
	ErrServiceNotFound  = errors.New("service not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Transient wraps err so that errors.Is(err, ErrTransientDelivery) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientDelivery, err)
}

// Permanent wraps err so that errors.Is(err, ErrPermanentDelivery) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentDelivery, err)
}

// IsPermanent reports whether a delivery error must not be retried.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}
