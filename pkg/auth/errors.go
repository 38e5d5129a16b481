package auth

import "errors"

var (
	ErrTokenMissing          = errors.New("token is missing")
	ErrTokenExpired          = errors.New("token has expired")
	ErrTokenInvalidSubject   = errors.New("token has invalid subject")
	ErrTokenAudienceMismatch = errors.New("token audience mismatch")
	ErrTokenIssuerNotAllowed = errors.New("token issuer not allowed")
	ErrTokenInvalidSignature = errors.New("token has invalid signature")
	ErrTokenMalformed        = errors.New("token is malformed")
	ErrInsufficientRole      = errors.New("token lacks a required role")
	ErrPublicKeyNotSet       = errors.New("public key not configured")
)
