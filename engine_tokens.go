package fedauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal"
	"github.com/MrEthical07/fedauth/internal/stores"
	"github.com/MrEthical07/fedauth/jwt"
)

const tokenTypeBearer = "Bearer"

// ValidateAccess verifies an access token's signature and claims. It does
// not consult the session store.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (*Principal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	claims, err := e.jwt.ParseAccess(token)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))
	if err != nil {
		return nil, tokenError(err)
	}
	return principalOf(claims), nil
}

// ValidateAccessStrict is ValidateAccess plus a session check: the token
// must be the session's current access token. Logged-out and rotated
// tokens fail with ErrTokenInvalid.
func (e *Engine) ValidateAccessStrict(ctx context.Context, token string) (*Principal, error) {
	p, err := e.ValidateAccess(ctx, token)
	if err != nil {
		return nil, err
	}
	sess, err := e.sessions.Get(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, stores.ErrSessionNotFound) {
			return nil, ErrTokenInvalid
		}
		if ctx.Err() != nil {
			return nil, e.timeoutErr(ctx)
		}
		return nil, backendErr(err)
	}
	if sess.AccessJTI != p.TokenID {
		return nil, ErrTokenInvalid
	}
	return p, nil
}

// Refresh rotates a session's token pair. Presenting a refresh token that
// has already been rotated revokes the whole session and returns
// ErrRefreshReuse. Locked identities cannot refresh.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.jwt.ParseRefresh(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		err = tokenError(err)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", "", err, nil)
		return nil, err
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, stores.ErrSessionNotFound) {
			e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, "", claims.ClientID, claims.SessionID, ErrTokenInvalid, nil)
			return nil, ErrTokenInvalid
		}
		return nil, backendErr(err)
	}
	if sess.RefreshJTI != claims.ID {
		return nil, e.refreshReuse(ctx, sess)
	}

	st, err := e.ledgerState(ctx, sess.Subject.Username)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.Subject.Username, identity.Source(sess.Subject.Source), sess.ClientID, sess.ID, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	client, err := e.clients.Get(ctx, sess.ClientID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, clients.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, backendErr(err)
	}

	next := *sess
	next.Scopes = append([]string(nil), client.Config.Scopes...)
	next.AccessJTI = uuid.NewString()
	next.RefreshJTI = uuid.NewString()
	next.IssuedAt = e.now().UnixMilli()

	pair, err := e.signPair(&next, client)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Rotate(ctx, claims.ID, &next, e.jwt.RefreshTTL()); err != nil {
		switch {
		case errors.Is(err, stores.ErrRefreshMismatch):
			return nil, e.refreshReuse(ctx, sess)
		case errors.Is(err, stores.ErrSessionNotFound):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrTokenInvalid
		default:
			return nil, backendErr(err)
		}
	}

	e.verifier.Register(next.AccessJTI)
	e.verifier.RevokeOnRefresh(sess.AccessJTI)
	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.Subject.Username, identity.Source(sess.Subject.Source), sess.ClientID, sess.ID, nil, nil)
	return pair, nil
}

// Logout deletes the session behind accessToken and asks the verification
// service to revoke the token. It is idempotent, accepts expired tokens and
// never waits for the verification service.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	claims, err := e.jwt.ParseAccessAllowExpired(accessToken)
	if err != nil {
		return tokenError(err)
	}

	existed, err := e.sessions.Delete(ctx, claims.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return e.timeoutErr(ctx)
		}
		return backendErr(err)
	}
	e.verifier.Revoke(claims.ID)

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, claims.Subject, identity.Source(claims.AuthSource), claims.ClientID, claims.SessionID, nil, func() map[string]string {
		if existed {
			return nil
		}
		return map[string]string{"already_ended": "true"}
	})
	return nil
}

// issueTokens creates a session and signs its first token pair.
func (e *Engine) issueTokens(ctx context.Context, subj stores.Subject, client *clients.Client, passedMFA bool) (*TokenPair, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	sess := &stores.Session{
		ID:         sid,
		Subject:    subj,
		ClientID:   client.ID,
		Scopes:     append([]string(nil), client.Config.Scopes...),
		PassedMFA:  passedMFA,
		AccessJTI:  uuid.NewString(),
		RefreshJTI: uuid.NewString(),
		IssuedAt:   e.now().UnixMilli(),
	}

	pair, err := e.signPair(sess, client)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Save(ctx, sess, e.jwt.RefreshTTL()); err != nil {
		if ctx.Err() != nil {
			return nil, e.timeoutErr(ctx)
		}
		return nil, backendErr(err)
	}

	e.verifier.Register(sess.AccessJTI)
	e.metricInc(MetricSessionCreated)
	return pair, nil
}

func (e *Engine) signPair(sess *stores.Session, client *clients.Client) (*TokenPair, error) {
	access := jwt.AccessClaims{
		UserID:      sess.Subject.UserID,
		AuthSource:  sess.Subject.Source,
		Authorities: sess.Subject.Authorities,
		PassedMFA:   sess.PassedMFA,
		ClientID:    client.ID,
		Scope:       sess.Scopes,
		SessionID:   sess.ID,
	}
	if client.Config.IncludeDisplayName {
		access.Name = sess.Subject.DisplayName
	}
	access.ID = sess.AccessJTI
	access.Subject = sess.Subject.Username

	accessToken, accessExp, err := e.jwt.SignAccess(access, client.Config.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := jwt.RefreshClaims{
		SessionID:     sess.ID,
		AccessTokenID: sess.AccessJTI,
		ClientID:      client.ID,
	}
	refresh.ID = sess.RefreshJTI
	refresh.Subject = sess.Subject.Username

	refreshToken, refreshExp, err := e.jwt.SignRefresh(refresh)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        tokenTypeBearer,
		ExpiresAt:        accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        sess.ID,
	}, nil
}

// refreshReuse revokes a session whose retired refresh token was replayed.
func (e *Engine) refreshReuse(ctx context.Context, sess *stores.Session) error {
	if _, err := e.sessions.Delete(context.WithoutCancel(ctx), sess.ID); err != nil {
		e.logger.Warn("fedauth: session revoke after refresh reuse failed", zap.String("sid", sess.ID), zap.Error(err))
	}
	e.verifier.Revoke(sess.AccessJTI)
	e.metricInc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, sess.Subject.Username, identity.Source(sess.Subject.Source), sess.ClientID, sess.ID, ErrRefreshReuse, nil)
	return ErrRefreshReuse
}

func tokenError(err error) error {
	if errors.Is(err, jwt.ErrExpired) {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}

func principalOf(c *jwt.AccessClaims) *Principal {
	p := &Principal{
		Subject:     c.Subject,
		UserID:      c.UserID,
		Name:        c.Name,
		Source:      identity.Source(c.AuthSource),
		Authorities: c.Authorities,
		PassedMFA:   c.PassedMFA,
		ClientID:    c.ClientID,
		Scopes:      c.Scope,
		SessionID:   c.SessionID,
		TokenID:     c.ID,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}
