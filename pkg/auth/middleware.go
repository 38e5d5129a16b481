package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Middleware rejects requests without a valid internal token for audience
// or lacking any of roles, and stores the claims in the request context.
func (v *Validator) Middleware(audience string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeError(w, http.StatusUnauthorized, ErrTokenMissing)
				return
			}

			claims, err := v.ValidateInternalToken(strings.TrimSpace(raw), audience)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if !claims.HasAllRoles(roles) {
				writeError(w, http.StatusForbidden, ErrInsufficientRole)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	code := "unauthorized"
	switch {
	case status == http.StatusForbidden:
		code = "forbidden"
	case errors.Is(err, ErrTokenExpired):
		code = "token_expired"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}
