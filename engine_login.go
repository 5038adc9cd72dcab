package fedauth

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal"
	"github.com/MrEthical07/fedauth/internal/rate"
	"github.com/MrEthical07/fedauth/internal/stores"
)

// Authenticate checks username/password credentials for a client. An
// identifier shaped like an email address is matched against local
// accounts by email and must name exactly one enabled account.
//
// An unknown username and a wrong password both return
// ErrInvalidCredentials. A locked identity returns ErrAccountLocked before
// the password is checked. A source that could not answer returns an error
// matching ErrSourceUnavailable that names the source. A wrong password
// counts against the shared ledger; the counter is reset only once the
// login is approved.
func (e *Engine) Authenticate(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	byEmail := identity.LooksLikeEmail(strings.TrimSpace(req.Username))
	username := identity.CanonicalUsername(req.Username)
	if byEmail {
		username = identity.CanonicalEmail(req.Username)
	}
	clientID := strings.TrimSpace(req.ClientID)
	if username == "" || req.Password == "" || clientID == "" {
		return nil, ErrInvalidRequest
	}

	client, err := e.loginClient(ctx, clientID)
	if err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, username, "", clientID, "", err, nil)
		return nil, err
	}

	ip := clientIPFromContext(ctx)
	if err := e.rateLimiter.CheckLogin(ctx, ip); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, username, "", clientID, "", ErrRateLimited, nil)
			return nil, ErrRateLimited
		}
		return nil, backendErr(err)
	}

	var id *identity.Identity
	if byEmail {
		id, err = e.resolver.ResolveEmail(ctx, username)
	} else {
		id, err = e.resolver.Resolve(ctx, username, req.SourceHint)
	}
	if err != nil {
		err = e.resolveError(ctx, err, true)
		if errors.Is(err, ErrInvalidCredentials) {
			e.metricInc(MetricLoginFailure)
			e.recordIPFailure(ctx, ip)
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, username, req.SourceHint, clientID, "", err, nil)
		return nil, err
	}

	if err := e.checkUsable(ctx, id); err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, id.Key(), id.Source, clientID, "", err, nil)
		return nil, err
	}

	ok, err := e.verifyPassword(ctx, id, req.Password)
	if err != nil {
		err = e.resolveError(ctx, err, true)
		e.emitAudit(ctx, auditEventLoginFailure, false, id.Key(), id.Source, clientID, "", err, nil)
		return nil, err
	}
	if !ok {
		err := e.passwordFailure(ctx, id)
		e.recordIPFailure(ctx, ip)
		e.emitAudit(ctx, auditEventLoginFailure, false, id.Key(), id.Source, clientID, "", err, nil)
		return nil, err
	}

	return e.proceed(ctx, id, client, false)
}

// AuthenticateFederated signs in a principal already authenticated by the
// corporate directory. A principal mapping to several identities returns
// StatusChooseAccount; the choice is made with ChooseAccount.
func (e *Engine) AuthenticateFederated(ctx context.Context, req FederatedLogin) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email := identity.CanonicalEmail(req.Email)
	clientID := strings.TrimSpace(req.ClientID)
	if email == "" || clientID == "" {
		return nil, ErrInvalidRequest
	}

	client, err := e.loginClient(ctx, clientID)
	if err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, email, identity.SourceDirectory, clientID, "", err, nil)
		return nil, err
	}

	res, err := e.resolver.ResolveFederated(ctx, email)
	if err != nil {
		err = e.resolveError(ctx, err, false)
		e.emitAudit(ctx, auditEventLoginFailure, false, email, identity.SourceDirectory, clientID, "", err, nil)
		return nil, err
	}

	if res.Ambiguous() {
		refs := res.Refs()
		flow := &stores.Flow{
			ClientID:     client.ID,
			ClientIP:     clientIPFromContext(ctx),
			MFASatisfied: req.MFAPassed,
			CreatedAt:    e.now().UnixMilli(),
		}
		for _, r := range refs {
			flow.Candidates = append(flow.Candidates, stores.CandidateRef{Source: string(r.Source), Username: r.Username})
		}
		if err := e.saveFlow(ctx, flow); err != nil {
			return nil, err
		}
		e.metricInc(MetricDisambiguationRequired)
		e.emitAudit(ctx, auditEventDisambiguation, true, email, identity.SourceDirectory, clientID, "", nil, func() map[string]string {
			return map[string]string{"candidates": strconv.Itoa(len(refs))}
		})
		return &LoginResult{Status: StatusChooseAccount, FlowID: flow.ID, Candidates: refs}, nil
	}

	id := res.Identity
	if err := e.checkUsable(ctx, id); err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, id.Key(), id.Source, clientID, "", err, nil)
		return nil, err
	}
	return e.proceed(ctx, id, client, req.MFAPassed)
}

// ChooseAccount completes disambiguation. A choice outside the offered set
// returns ErrCandidateInvalid and leaves the flow open for another choice.
func (e *Engine) ChooseAccount(ctx context.Context, flowID string, choice identity.Candidate) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if flowID == "" || identity.CanonicalUsername(choice.Username) == "" {
		return nil, ErrInvalidRequest
	}

	flow, err := e.flows.Get(ctx, flowID)
	if err != nil {
		return nil, e.flowError(err)
	}
	if _, err := identity.Choose(offeredIdentities(flow.Candidates), choice); err != nil {
		e.emitAudit(ctx, auditEventAccountChosen, false, choice.Username, choice.Source, flow.ClientID, "", ErrCandidateInvalid, nil)
		return nil, ErrCandidateInvalid
	}
	if flow, err = e.flows.Take(ctx, flowID); err != nil {
		return nil, e.flowError(err)
	}

	if clientIPFromContext(ctx) == "" && flow.ClientIP != "" {
		ctx = WithClientIP(ctx, flow.ClientIP)
	}
	client, err := e.loginClient(ctx, flow.ClientID)
	if err != nil {
		return nil, err
	}

	id, err := e.resolver.Resolve(ctx, choice.Username, choice.Source)
	if err != nil {
		err = e.resolveError(ctx, err, false)
		e.emitAudit(ctx, auditEventAccountChosen, false, choice.Username, choice.Source, flow.ClientID, "", err, nil)
		return nil, err
	}
	if id.Source != choice.Source {
		return nil, ErrCandidateInvalid
	}
	if err := e.checkUsable(ctx, id); err != nil {
		e.emitAudit(ctx, auditEventAccountChosen, false, id.Key(), id.Source, flow.ClientID, "", err, nil)
		return nil, err
	}
	e.emitAudit(ctx, auditEventAccountChosen, true, id.Key(), id.Source, flow.ClientID, "", nil, nil)
	return e.proceed(ctx, id, client, flow.MFASatisfied)
}

// ResumeLogin finishes a login whose one-time code was accepted. The
// continuation token is single-use.
func (e *Engine) ResumeLogin(ctx context.Context, continuationToken string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !internal.ValidOpaqueToken(continuationToken) {
		return nil, ErrTokenInvalid
	}

	rec, err := e.challenges.Consume(ctx, continuationToken)
	if err != nil {
		return nil, e.challengeError(ctx, err)
	}
	if rec.Type != stores.ChallengeAccountAction || rec.Purpose != purposeLogin || rec.FlowID == "" {
		return nil, ErrTokenInvalid
	}

	flow, err := e.flows.Take(ctx, rec.FlowID)
	if err != nil {
		if errors.Is(err, stores.ErrFlowNotFound) {
			return nil, ErrTokenExpired
		}
		return nil, backendErr(err)
	}
	if flow.Subject == nil {
		return nil, ErrTokenInvalid
	}

	st, err := e.ledgerState(ctx, flow.Subject.Username)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		e.metricInc(MetricLoginLocked)
		return nil, ErrAccountLocked
	}

	client, err := e.loginClient(ctx, flow.ClientID)
	if err != nil {
		return nil, err
	}
	return e.approve(ctx, *flow.Subject, client, true)
}

// CompleteLoginMFA validates the code for a login challenge and finishes the
// login in one call.
func (e *Engine) CompleteLoginMFA(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	res, err := e.ValidateMFA(ctx, challengeToken, code)
	if err != nil {
		return nil, err
	}
	if res.Purpose != purposeLogin {
		return nil, ErrTokenInvalid
	}
	return e.ResumeLogin(ctx, res.ContinuationToken)
}

// AuthorizeClient admits an existing session to another client. The client
// MFA policy is applied again; a session that already passed MFA is
// approved directly.
func (e *Engine) AuthorizeClient(ctx context.Context, accessToken, clientID string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.jwt.ParseAccess(accessToken)
	if err != nil {
		return nil, tokenError(err)
	}
	if _, err := e.sessions.Get(ctx, claims.SessionID); err != nil {
		if errors.Is(err, stores.ErrSessionNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, backendErr(err)
	}

	client, err := e.loginClient(ctx, strings.TrimSpace(clientID))
	if err != nil {
		return nil, err
	}

	id, err := e.resolver.Resolve(ctx, claims.Subject, identity.Source(claims.AuthSource))
	if err != nil {
		return nil, e.resolveError(ctx, err, false)
	}
	if err := e.checkUsable(ctx, id); err != nil {
		e.emitAudit(ctx, auditEventClientAuthorized, false, id.Key(), id.Source, client.ID, claims.SessionID, err, nil)
		return nil, err
	}

	if claims.PassedMFA || !e.mfaRequired(ctx, id, client) {
		e.emitAudit(ctx, auditEventClientAuthorized, true, id.Key(), id.Source, client.ID, claims.SessionID, nil, nil)
		return e.approve(ctx, subjectOf(id), client, claims.PassedMFA)
	}
	return e.startMFA(ctx, id, client)
}

// proceed applies the MFA decision to a verified identity. A direct approval
// resets the ledger.
func (e *Engine) proceed(ctx context.Context, id *identity.Identity, client *clients.Client, mfaSatisfied bool) (*LoginResult, error) {
	if !mfaSatisfied && e.mfaRequired(ctx, id, client) {
		return e.startMFA(ctx, id, client)
	}
	if err := e.recordSuccess(ctx, id.Key()); err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, id.Key(), id.Source, client.ID, "", err, nil)
		return nil, err
	}
	return e.approve(ctx, subjectOf(id), client, mfaSatisfied)
}

func (e *Engine) approve(ctx context.Context, subj stores.Subject, client *clients.Client, passedMFA bool) (*LoginResult, error) {
	tokens, err := e.issueTokens(ctx, subj, client, passedMFA)
	if err != nil {
		return nil, err
	}
	e.recordLogin(ctx, subj.Username, identity.Source(subj.Source))
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, subj.Username, identity.Source(subj.Source), client.ID, tokens.SessionID, nil, func() map[string]string {
		if passedMFA {
			return map[string]string{"mfa": "true"}
		}
		return nil
	})
	return &LoginResult{Status: StatusApproved, Tokens: tokens}, nil
}

func (e *Engine) startMFA(ctx context.Context, id *identity.Identity, client *clients.Client) (*LoginResult, error) {
	subj := subjectOf(id)
	flow := &stores.Flow{
		ClientID:  client.ID,
		ClientIP:  clientIPFromContext(ctx),
		Subject:   &subj,
		CreatedAt: e.now().UnixMilli(),
	}
	if err := e.saveFlow(ctx, flow); err != nil {
		return nil, err
	}

	ch, err := e.issueChallenge(ctx, id, purposeLogin, flow.ID, client.ID)
	if err != nil {
		if derr := e.flows.Delete(context.WithoutCancel(ctx), flow.ID); derr != nil {
			e.logger.Warn("fedauth: flow cleanup failed", zap.String("flow", flow.ID), zap.Error(derr))
		}
		return nil, err
	}
	return &LoginResult{Status: StatusMFARequired, Challenge: ch, FlowID: flow.ID}, nil
}

func (e *Engine) saveFlow(ctx context.Context, flow *stores.Flow) error {
	id, err := internal.NewOpaqueToken()
	if err != nil {
		return err
	}
	flow.ID = id
	if err := e.flows.Save(ctx, flow, e.config.Session.FlowTTL); err != nil {
		if ctx.Err() != nil {
			return e.timeoutErr(ctx)
		}
		return backendErr(err)
	}
	return nil
}

func (e *Engine) flowError(err error) error {
	if errors.Is(err, stores.ErrFlowNotFound) {
		return ErrTokenInvalid
	}
	return backendErr(err)
}

// passwordFailure counts a wrong password against the ledger.
func (e *Engine) passwordFailure(ctx context.Context, id *identity.Identity) error {
	st, err := e.countFailure(ctx, id.Key())
	if err != nil {
		return err
	}
	e.metricInc(MetricLoginFailure)
	if st.Locked {
		e.metricInc(MetricLoginLocked)
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

func (e *Engine) recordIPFailure(ctx context.Context, ip string) {
	if err := e.rateLimiter.RecordLoginFailure(ctx, ip); err != nil {
		e.logger.Warn("fedauth: ip throttle update failed", zap.String("ip", ip), zap.Error(err))
	}
}

// verifyPassword checks the password with the owning source when it
// verifies credentials itself, otherwise against the stored hash.
func (e *Engine) verifyPassword(ctx context.Context, id *identity.Identity, pw string) (bool, error) {
	if a, ok := e.resolver.Adapter(id.Source); ok {
		if cv, ok := a.(identity.CredentialVerifier); ok {
			return cv.VerifyPassword(ctx, id.Username, pw)
		}
	}
	if id.PasswordHash == "" {
		return false, nil
	}
	ok, err := e.hasher.Verify(pw, id.PasswordHash)
	if err != nil {
		e.logger.Warn("fedauth: stored password hash rejected",
			zap.String("username", id.Key()),
			zap.String("source", string(id.Source)),
			zap.Error(err),
		)
		return false, nil
	}
	if ok {
		e.maybeRehash(ctx, id, pw)
	}
	return ok, nil
}

func (e *Engine) maybeRehash(ctx context.Context, id *identity.Identity, pw string) {
	if !e.config.Password.UpgradeOnLogin || id.Source != identity.SourceLocal {
		return
	}
	setter, ok := e.local.(passwordSetter)
	if !ok {
		return
	}
	stale, err := e.hasher.NeedsRehash(id.PasswordHash)
	if err != nil || !stale {
		return
	}
	hash, err := e.hasher.Hash(pw)
	if err != nil {
		return
	}
	if err := setter.SetPasswordHash(ctx, id.Key(), hash); err != nil {
		e.logger.Warn("fedauth: password rehash failed", zap.String("username", id.Key()), zap.Error(err))
	}
}

// offeredIdentities rebuilds the candidate set a flow offered.
func offeredIdentities(refs []stores.CandidateRef) []*identity.Identity {
	out := make([]*identity.Identity, 0, len(refs))
	for _, r := range refs {
		out = append(out, &identity.Identity{Source: identity.Source(r.Source), Username: r.Username})
	}
	return out
}
