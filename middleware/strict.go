package middleware

import "net/http"

// RequireStrict verifies tokens against their live session.
func RequireStrict(v Validator) func(http.Handler) http.Handler {
	return Guard(v, ModeStrict)
}
