package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/fedauth"
)

type fakeValidator struct {
	principal *fedauth.Principal
	err       error
	strictErr error
	calls     []string
}

func (f *fakeValidator) ValidateAccess(_ context.Context, token string) (*fedauth.Principal, error) {
	f.calls = append(f.calls, "jwt:"+token)
	return f.principal, f.err
}

func (f *fakeValidator) ValidateAccessStrict(_ context.Context, token string) (*fedauth.Principal, error) {
	f.calls = append(f.calls, "strict:"+token)
	if f.strictErr != nil {
		return nil, f.strictErr
	}
	return f.principal, f.err
}

func serve(h http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		_, _ = fmt.Fprint(w, p.Subject)
	})
}

func TestRequireJWTOnlyAttachesPrincipal(t *testing.T) {
	v := &fakeValidator{principal: &fedauth.Principal{Subject: "JSMITH"}}
	rec := serve(RequireJWTOnly(v)(okHandler(t)), "Bearer abc")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "JSMITH", rec.Body.String())
	assert.Equal(t, []string{"jwt:abc"}, v.calls)
}

func TestRequireStrictUsesSessionCheck(t *testing.T) {
	v := &fakeValidator{principal: &fedauth.Principal{Subject: "JSMITH"}, strictErr: fedauth.ErrTokenInvalid}
	rec := serve(RequireStrict(v)(okHandler(t)), "bearer abc")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
	assert.Equal(t, []string{"strict:abc"}, v.calls)
}

func TestGuardRejectsMissingBearer(t *testing.T) {
	v := &fakeValidator{principal: &fedauth.Principal{}}
	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer"} {
		rec := serve(RequireJWTOnly(v)(okHandler(t)), header)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
	assert.Empty(t, v.calls)
}

func TestGuardStatusFollowsErrorKind(t *testing.T) {
	cases := map[error]int{
		fedauth.ErrTokenExpired:       http.StatusUnauthorized,
		fedauth.ErrBackendUnavailable: http.StatusServiceUnavailable,
		fedauth.ErrRequestTimeout:     http.StatusGatewayTimeout,
	}
	for err, want := range cases {
		v := &fakeValidator{err: err}
		rec := serve(RequireJWTOnly(v)(okHandler(t)), "Bearer t")
		assert.Equal(t, want, rec.Code, "error %v", err)
	}
}

func TestGuardNilValidator(t *testing.T) {
	rec := serve(RequireJWTOnly(nil)(okHandler(t)), "Bearer t")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireScopeAndAuthority(t *testing.T) {
	v := &fakeValidator{principal: &fedauth.Principal{
		Subject:     "JSMITH",
		Scopes:      []string{"read"},
		Authorities: []string{"ROLE_PRISON"},
	}}
	guard := RequireJWTOnly(v)

	rec := serve(guard(RequireScope("read")(okHandler(t))), "Bearer t")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(guard(RequireScope("write")(okHandler(t))), "Bearer t")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(guard(RequireAuthority("ROLE_PRISON")(okHandler(t))), "Bearer t")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(RequireScope("read")(okHandler(t)), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(nil))
	assert.Equal(t, http.StatusForbidden, StatusFor(fedauth.ErrAccountLocked))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(fedauth.ErrRateLimited))
	assert.Equal(t, http.StatusConflict, StatusFor(fedauth.ErrMaxDuplicatesReached))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(fmt.Errorf("boom")))
}
