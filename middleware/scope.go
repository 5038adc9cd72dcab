package middleware

import (
	"net/http"
	"slices"
)

// RequireScope refuses principals whose client was not granted scope. It
// must run inside a guard.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return requirePrincipal(func(scopes, _ []string) bool {
		return slices.Contains(scopes, scope)
	})
}

// RequireAuthority refuses principals lacking authority.
func RequireAuthority(authority string) func(http.Handler) http.Handler {
	return requirePrincipal(func(_, authorities []string) bool {
		return slices.Contains(authorities, authority)
	})
}

func requirePrincipal(allow func(scopes, authorities []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				reject(w, http.StatusUnauthorized)
				return
			}
			if !allow(p.Scopes, p.Authorities) {
				reject(w, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
