package middleware

import "net/http"

// RequireJWTOnly verifies tokens without touching the session store.
func RequireJWTOnly(v Validator) func(http.Handler) http.Handler {
	return Guard(v, ModeJWTOnly)
}
