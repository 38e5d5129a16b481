package application

import "crypto/subtle"

// ValidateToken checks the shared secret backends present when they
// register, heartbeat or deregister.
func (r *Registry) ValidateToken(token string) bool {
	return ConstantTimeEqual(r.config.ServiceToken, token)
}

func ConstantTimeEqual(expected, token string) bool {
	if expected == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
