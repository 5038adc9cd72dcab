package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth"
	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/mfa"
	"github.com/MrEthical07/fedauth/middleware"
)

const maxBodyBytes = 64 << 10

type api struct {
	engine         *fedauth.Engine
	logger         *zap.Logger
	adminToken     string
	trustForwarded bool
	metrics        http.Handler
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", a.handleLogin)
	mux.HandleFunc("POST /auth/choose", a.handleChoose)
	mux.HandleFunc("POST /auth/mfa", a.handleMFA)
	mux.HandleFunc("POST /auth/mfa/resend", a.handleResend)
	mux.HandleFunc("POST /auth/refresh", a.handleRefresh)
	mux.HandleFunc("POST /auth/logout", a.handleLogout)
	mux.HandleFunc("POST /auth/authorize", a.handleAuthorize)
	mux.HandleFunc("GET /.well-known/jwks.json", a.handleJWKS)
	mux.Handle("GET /me", middleware.RequireStrict(a.engine)(http.HandlerFunc(a.handleMe)))
	mux.Handle("POST /me/mfa", middleware.RequireStrict(a.engine)(http.HandlerFunc(a.handleIssueMFA)))
	mux.HandleFunc("POST /auth/mfa/validate", a.handleValidateMFA)
	mux.HandleFunc("POST /auth/contact", a.handleChangeContact)
	mux.HandleFunc("POST /auth/contact/verify", a.handleVerifyContact)
	mux.HandleFunc("POST /auth/password/reset-request", a.handleResetRequest)
	mux.HandleFunc("POST /auth/password/reset", a.handleResetPassword)

	// Federated sign-in arrives from the trusted directory gateway.
	mux.Handle("POST /auth/federated", a.admin(a.handleFederated))

	mux.Handle("POST /admin/clients", a.admin(a.handleRegisterClient))
	mux.Handle("GET /admin/clients/{id}", a.admin(a.handleGetClient))
	mux.Handle("PUT /admin/clients/{id}", a.admin(a.handleUpdateClient))
	mux.Handle("DELETE /admin/clients/{id}", a.admin(a.handleRemoveClient))
	mux.Handle("POST /admin/clients/{id}/secret", a.admin(a.handleRotateSecret))
	mux.Handle("POST /admin/clients/{id}/duplicate", a.admin(a.handleDuplicateClient))
	mux.Handle("POST /admin/identities", a.admin(a.handleRegisterIdentity))
	mux.Handle("GET /admin/identities/{source}/{username}", a.admin(a.handleIdentityStatus))
	mux.Handle("POST /admin/identities/{username}/enable", a.admin(a.handleSetEnabled(true)))
	mux.Handle("POST /admin/identities/{username}/disable", a.admin(a.handleSetEnabled(false)))
	mux.Handle("POST /admin/identities/{username}/verification", a.admin(a.handleRequestVerification))
	mux.Handle("POST /admin/identities/{username}/lock", a.admin(a.handleLock))
	mux.Handle("DELETE /admin/identities/{username}/lock", a.admin(a.handleUnlock))
	mux.Handle("GET /admin/security-report", a.admin(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.engine.SecurityReport())
	}))

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return a.requestContext(mux)
}

/*
====================================
REQUEST PLUMBING
====================================
*/

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *api) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		ctx := fedauth.WithRequestID(r.Context(), reqID)
		ctx = fedauth.WithClientIP(ctx, a.clientIP(r))
		ctx = fedauth.WithUserAgent(ctx, r.UserAgent())

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (a *api) clientIP(r *http.Request) string {
	if a.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *api) admin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || a.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		h(w, r)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := fedauth.KindOf(err)
	resp := errorResponse{Error: kind.String()}
	if src, ok := identity.FailedSource(err); ok {
		resp.Source = string(src)
	}
	if kind == fedauth.KindValidation {
		resp.Message = err.Error()
	}
	status := middleware.StatusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(fedauth.ErrInvalidRequest, err)
	}
	return nil
}

func bearer(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(token)
}

/*
====================================
LOGIN
====================================
*/

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

type challengeResponse struct {
	Token        string    `json:"token"`
	Channel      string    `json:"channel"`
	Destination  string    `json:"destination"`
	ExpiresAt    time.Time `json:"expires_at"`
	Alternatives []string  `json:"alternatives,omitempty"`
}

type loginResponse struct {
	Status     string               `json:"status"`
	Tokens     *tokenResponse       `json:"tokens,omitempty"`
	Challenge  *challengeResponse   `json:"challenge,omitempty"`
	FlowID     string               `json:"flow_id,omitempty"`
	Candidates []identity.Candidate `json:"candidates,omitempty"`
}

func toTokens(p *fedauth.TokenPair) *tokenResponse {
	if p == nil {
		return nil
	}
	return &tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        p.TokenType,
		ExpiresAt:        p.ExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
		SessionID:        p.SessionID,
	}
}

func toChallenge(c *fedauth.MFAChallenge) *challengeResponse {
	if c == nil {
		return nil
	}
	out := &challengeResponse{
		Token:       c.Token,
		Channel:     string(c.Channel),
		Destination: c.Destination,
		ExpiresAt:   c.ExpiresAt,
	}
	for _, alt := range c.Alternatives {
		out.Alternatives = append(out.Alternatives, string(alt))
	}
	return out
}

func toLogin(res *fedauth.LoginResult) loginResponse {
	return loginResponse{
		Status:     string(res.Status),
		Tokens:     toTokens(res.Tokens),
		Challenge:  toChallenge(res.Challenge),
		FlowID:     res.FlowID,
		Candidates: res.Candidates,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Source   string `json:"source,omitempty"`
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	in := fedauth.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		ClientID: req.ClientID,
	}
	if req.Source != "" {
		in.SourceHint = identity.ParseSource(req.Source)
	}
	res, err := a.engine.Authenticate(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogin(res))
}

type federatedRequest struct {
	Email     string `json:"email"`
	ClientID  string `json:"client_id"`
	MFAPassed bool   `json:"mfa_passed"`
}

func (a *api) handleFederated(w http.ResponseWriter, r *http.Request) {
	var req federatedRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.AuthenticateFederated(r.Context(), fedauth.FederatedLogin{
		Email:     req.Email,
		ClientID:  req.ClientID,
		MFAPassed: req.MFAPassed,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogin(res))
}

type chooseRequest struct {
	FlowID   string `json:"flow_id"`
	Source   string `json:"source"`
	Username string `json:"username"`
}

func (a *api) handleChoose(w http.ResponseWriter, r *http.Request) {
	var req chooseRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.ChooseAccount(r.Context(), req.FlowID, identity.Candidate{
		Source:   identity.ParseSource(req.Source),
		Username: req.Username,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogin(res))
}

type mfaRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

func (a *api) handleMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.CompleteLoginMFA(r.Context(), req.Token, req.Code)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogin(res))
}

type resendRequest struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

func (a *api) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.engine.ResendMFA(r.Context(), req.Token, mfa.Channel(req.Channel))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallenge(c))
}

type authorizeRequest struct {
	ClientID string `json:"client_id"`
}

func (a *api) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.AuthorizeClient(r.Context(), bearer(r), req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogin(res))
}

/*
====================================
TOKENS
====================================
*/

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	pair, err := a.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokens(pair))
}

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Logout(r.Context(), bearer(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.engine.KeySet())
}

type principalResponse struct {
	Subject     string    `json:"sub"`
	UserID      string    `json:"user_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	Source      string    `json:"auth_source"`
	Authorities []string  `json:"authorities"`
	PassedMFA   bool      `json:"passed_mfa"`
	ClientID    string    `json:"client_id"`
	Scopes      []string  `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, principalResponse{
		Subject:     p.Subject,
		UserID:      p.UserID,
		Name:        p.Name,
		Source:      string(p.Source),
		Authorities: p.Authorities,
		PassedMFA:   p.PassedMFA,
		ClientID:    p.ClientID,
		Scopes:      p.Scopes,
		ExpiresAt:   p.ExpiresAt,
	})
}

/*
====================================
CLIENT ADMIN
====================================
*/

type clientConfigRequest struct {
	GrantTypes         []string           `json:"grant_types"`
	Scopes             []string           `json:"scopes"`
	RedirectURIs       []string           `json:"redirect_uris"`
	Authorities        []string           `json:"authorities"`
	MFA                string             `json:"mfa"`
	AccessTokenSeconds int                `json:"access_token_validity_seconds"`
	IncludeDisplayName bool               `json:"include_display_name"`
	Deployment         clients.Deployment `json:"deployment"`
}

func (c clientConfigRequest) config() clients.Config {
	return clients.Config{
		GrantTypes:         c.GrantTypes,
		Scopes:             c.Scopes,
		RedirectURIs:       c.RedirectURIs,
		Authorities:        c.Authorities,
		MFA:                clients.MFAPolicy(strings.ToLower(c.MFA)),
		AccessTokenTTL:     time.Duration(c.AccessTokenSeconds) * time.Second,
		IncludeDisplayName: c.IncludeDisplayName,
		Deployment:         c.Deployment,
	}
}

type registerClientRequest struct {
	ClientID string `json:"client_id"`
	clientConfigRequest
}

type clientResponse struct {
	ClientID        string             `json:"client_id"`
	BaseClientID    string             `json:"base_client_id"`
	Secret          string             `json:"client_secret,omitempty"`
	Scopes          []string           `json:"scopes"`
	GrantTypes      []string           `json:"grant_types"`
	Authorities     []string           `json:"authorities"`
	MFA             string             `json:"mfa"`
	AccessTokenSecs int                `json:"access_token_validity_seconds,omitempty"`
	Deployment      clients.Deployment `json:"deployment"`
	CreatedAt       time.Time          `json:"created_at"`
	SecretUpdatedAt time.Time          `json:"secret_updated_at"`
	LastAccessed    *time.Time         `json:"last_accessed,omitempty"`
}

func toClient(c *clients.Client, secret string) clientResponse {
	out := clientResponse{
		ClientID:        c.ID,
		BaseClientID:    c.BaseID,
		Secret:          secret,
		Scopes:          c.Config.Scopes,
		GrantTypes:      c.Config.GrantTypes,
		Authorities:     c.Config.Authorities,
		MFA:             string(c.Config.MFA),
		AccessTokenSecs: int(c.Config.AccessTokenTTL / time.Second),
		Deployment:      c.Config.Deployment,
		CreatedAt:       c.CreatedAt,
		SecretUpdatedAt: c.SecretUpdatedAt,
	}
	if !c.LastAccessed.IsZero() {
		t := c.LastAccessed
		out.LastAccessed = &t
	}
	return out
}

func (a *api) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	c, secret, err := a.engine.RegisterClient(r.Context(), req.ClientID, req.config())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClient(c, secret))
}

func (a *api) handleGetClient(w http.ResponseWriter, r *http.Request) {
	c, err := a.engine.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClient(c, ""))
}

func (a *api) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	var req clientConfigRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	n, err := a.engine.UpdateClient(r.Context(), r.PathValue("id"), req.config())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (a *api) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.RemoveClient(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	secret, err := a.engine.RotateClientSecret(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_id": id, "client_secret": secret})
}

func (a *api) handleDuplicateClient(w http.ResponseWriter, r *http.Request) {
	c, secret, err := a.engine.DuplicateClient(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClient(c, secret))
}

/*
====================================
IDENTITY ADMIN
====================================
*/

type identityStatusResponse struct {
	Username       string `json:"username"`
	Source         string `json:"source"`
	DisplayName    string `json:"display_name,omitempty"`
	Enabled        bool   `json:"enabled"`
	Locked         bool   `json:"locked"`
	Administrative bool   `json:"administrative_lock"`
	FailureCount   int    `json:"failure_count"`
}

func (a *api) handleIdentityStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.engine.IdentityStatus(r.Context(), r.PathValue("username"), identity.ParseSource(r.PathValue("source")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identityStatusResponse{
		Username:       st.Identity.Username,
		Source:         string(st.Identity.Source),
		DisplayName:    st.Identity.DisplayName,
		Enabled:        st.Identity.Enabled,
		Locked:         st.Locked,
		Administrative: st.Administrative,
		FailureCount:   st.FailureCount,
	})
}

func (a *api) handleLock(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.LockIdentity(r.Context(), r.PathValue("username")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.UnlockIdentity(r.Context(), r.PathValue("username")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerIdentityRequest struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Mobile      string   `json:"mobile"`
	MFAEnabled  bool     `json:"mfa_enabled"`
	Authorities []string `json:"authorities"`
	Groups      []string `json:"groups"`
}

type identityResponse struct {
	Username       string   `json:"username"`
	Source         string   `json:"source"`
	UserID         string   `json:"user_id"`
	DisplayName    string   `json:"display_name,omitempty"`
	Email          string   `json:"email,omitempty"`
	EmailVerified  bool     `json:"email_verified"`
	Mobile         string   `json:"mobile,omitempty"`
	MobileVerified bool     `json:"mobile_verified"`
	Enabled        bool     `json:"enabled"`
	Authorities    []string `json:"authorities"`
}

func toIdentity(id *identity.Identity) identityResponse {
	return identityResponse{
		Username:       id.Username,
		Source:         string(id.Source),
		UserID:         id.UserID,
		DisplayName:    id.DisplayName,
		Email:          id.Email,
		EmailVerified:  id.EmailVerified,
		Mobile:         id.Mobile,
		MobileVerified: id.MobileVerified,
		Enabled:        id.Enabled,
		Authorities:    id.Authorities,
	}
}

func (a *api) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerIdentityRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	id, err := a.engine.RegisterIdentity(r.Context(), fedauth.Registration{
		Username:    req.Username,
		Password:    req.Password,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Mobile:      req.Mobile,
		MFAEnabled:  req.MFAEnabled,
		Authorities: req.Authorities,
		Groups:      req.Groups,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentity(id))
}

// handleSetEnabled serves enable and disable. The optional source query
// parameter targets a mirrored record.
func (a *api) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var source identity.Source
		if raw := r.URL.Query().Get("source"); raw != "" {
			source = identity.ParseSource(raw)
		}
		if err := a.engine.SetIdentityEnabled(r.Context(), r.PathValue("username"), source, enabled); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type verificationRequest struct {
	Field string `json:"field"`
}

type verificationResponse struct {
	Field       string    `json:"field"`
	Destination string    `json:"destination"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toVerification(v *fedauth.ContactVerification) verificationResponse {
	return verificationResponse{
		Field:       string(v.Field),
		Destination: v.Destination,
		ExpiresAt:   v.ExpiresAt,
	}
}

func (a *api) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	field, ok := identity.ParseContact(req.Field)
	if !ok {
		a.fail(w, r, fedauth.ErrInvalidRequest)
		return
	}
	v, err := a.engine.RequestContactVerification(r.Context(), r.PathValue("username"), field)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerification(v))
}

/*
====================================
ACCOUNT SELF-SERVICE
====================================
*/

type issueMFARequest struct {
	Purpose string `json:"purpose"`
}

func (a *api) handleIssueMFA(w http.ResponseWriter, r *http.Request) {
	var req issueMFARequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, _ := middleware.PrincipalFromContext(r.Context())
	c, err := a.engine.IssueMFA(r.Context(), p.Subject, req.Purpose)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallenge(c))
}

type continuationResponse struct {
	ContinuationToken string `json:"continuation_token"`
	Purpose           string `json:"purpose"`
}

func (a *api) handleValidateMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.ValidateMFA(r.Context(), req.Token, req.Code)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, continuationResponse{ContinuationToken: res.ContinuationToken, Purpose: res.Purpose})
}

type changeContactRequest struct {
	ContinuationToken string  `json:"continuation_token"`
	Email             *string `json:"email,omitempty"`
	SecondaryEmail    *string `json:"secondary_email,omitempty"`
	Mobile            *string `json:"mobile,omitempty"`
}

type changeContactResponse struct {
	Identity      identityResponse       `json:"identity"`
	Verifications []verificationResponse `json:"verifications,omitempty"`
}

func (a *api) handleChangeContact(w http.ResponseWriter, r *http.Request) {
	var req changeContactRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.ChangeContact(r.Context(), req.ContinuationToken, identity.ContactChange{
		Email:          req.Email,
		SecondaryEmail: req.SecondaryEmail,
		Mobile:         req.Mobile,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := changeContactResponse{Identity: toIdentity(res.Identity)}
	for _, v := range res.Verifications {
		out.Verifications = append(out.Verifications, toVerification(v))
	}
	writeJSON(w, http.StatusOK, out)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (a *api) handleVerifyContact(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	field, err := a.engine.VerifyContact(r.Context(), req.Token)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"verified": string(field)})
}

type resetRequest struct {
	Username string `json:"username"`
}

func (a *api) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.engine.RequestPasswordReset(r.Context(), req.Username); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *api) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.engine.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
