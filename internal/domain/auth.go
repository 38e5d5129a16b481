package domain

import (
	"slices"
	"time"
)

type AuthState string

const (
	AuthUnvalidated AuthState = "UNVALIDATED"
	AuthValidating  AuthState = "VALIDATING"
	AuthAuthorized  AuthState = "AUTHORIZED"
	AuthRejected    AuthState = "REJECTED"
)

// AuthContext is the identity extracted from a verified bearer credential.
// It lives for a single request.
type AuthContext struct {
	Subject   string
	Email     string
	Issuer    string
	Roles     []string
	ExpiresAt time.Time
	RawToken  string
}

func (a *AuthContext) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Decision is the terminal outcome of authorizing one request.
// Auth is nil for public routes.
type Decision struct {
	State AuthState
	Auth  *AuthContext
	Err   error
}

func (d Decision) Authorized() bool {
	return d.State == AuthAuthorized
}
