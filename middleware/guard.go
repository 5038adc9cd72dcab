package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/fedauth"
)

// Mode selects how much a guard checks.
type Mode int

const (
	ModeJWTOnly Mode = iota
	ModeStrict
)

// Validator is the part of *fedauth.Engine the guards use.
type Validator interface {
	ValidateAccess(ctx context.Context, token string) (*fedauth.Principal, error)
	ValidateAccessStrict(ctx context.Context, token string) (*fedauth.Principal, error)
}

type principalContextKey struct{}

// PrincipalFromContext returns the principal a guard attached to ctx.
func PrincipalFromContext(ctx context.Context) (*fedauth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*fedauth.Principal)
	return p, ok && p != nil
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *fedauth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// Guard validates the bearer token with the given mode.
func Guard(v Validator, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				reject(w, http.StatusServiceUnavailable)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				reject(w, http.StatusUnauthorized)
				return
			}

			var (
				p   *fedauth.Principal
				err error
			)
			if mode == ModeStrict {
				p, err = v.ValidateAccessStrict(r.Context(), token)
			} else {
				p, err = v.ValidateAccess(r.Context(), token)
			}
			if err != nil {
				status := StatusFor(err)
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				}
				reject(w, status)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(value string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func reject(w http.ResponseWriter, status int) {
	http.Error(w, strings.ToLower(http.StatusText(status)), status)
}
