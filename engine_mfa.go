package fedauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal"
	"github.com/MrEthical07/fedauth/internal/rate"
	"github.com/MrEthical07/fedauth/internal/stores"
	"github.com/MrEthical07/fedauth/mfa"
)

// IssueMFA sends a one-time code to username for purpose outside of a
// login, for example before a sensitive account change. The code is
// validated with ValidateMFA; the continuation carries purpose back.
func (e *Engine) IssueMFA(ctx context.Context, username, purpose string) (*MFAChallenge, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	purpose = strings.TrimSpace(purpose)
	if identity.CanonicalUsername(username) == "" || purpose == "" || purpose == purposeLogin {
		return nil, ErrInvalidRequest
	}

	id, err := e.resolver.Resolve(ctx, username, "")
	if err != nil {
		return nil, e.resolveError(ctx, err, false)
	}
	st, err := e.ledgerState(ctx, id.Key())
	if err != nil {
		return nil, err
	}
	if st.Locked {
		e.metricInc(MetricMFALocked)
		return nil, ErrMFALocked
	}
	return e.issueChallenge(ctx, id, purpose, "", "")
}

// ValidateMFA checks a one-time code.
//
// A blank code is a validation error and is not counted. A wrong code
// counts against the same ledger as wrong passwords; reaching the threshold
// discards the challenge and any pending login so the person has to start
// again once unlocked. A correct code consumes the challenge exactly once,
// resets the ledger and returns a single-use continuation token.
func (e *Engine) ValidateMFA(ctx context.Context, token, code string) (*MFAResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrMFACodeRequired
	}
	if !internal.ValidOpaqueToken(token) {
		return nil, ErrTokenInvalid
	}

	rec, err := e.challenges.Get(ctx, token)
	if err != nil {
		return nil, e.challengeError(ctx, err)
	}
	if rec.Type != stores.ChallengeMFA {
		return nil, ErrTokenInvalid
	}
	source := identity.Source(rec.Source)

	st, err := e.ledgerState(ctx, rec.Username)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		e.discardChallenge(ctx, token, rec)
		e.metricInc(MetricMFALocked)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, rec.Username, source, rec.ClientID, "", ErrMFALocked, nil)
		return nil, ErrMFALocked
	}
	if ctx.Err() != nil {
		return nil, e.timeoutErr(ctx)
	}

	if _, err := e.challenges.ConsumeCode(ctx, token, code); err != nil {
		if !errors.Is(err, stores.ErrCodeMismatch) {
			return nil, e.challengeError(ctx, err)
		}
		st, err := e.countFailure(ctx, rec.Username)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFAFailure)
		if st.Locked {
			e.discardChallenge(ctx, token, rec)
			e.metricInc(MetricMFALocked)
			e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, rec.Username, source, rec.ClientID, "", ErrMFALocked, nil)
			return nil, ErrMFALocked
		}
		e.emitAudit(ctx, auditEventMFAFailure, false, rec.Username, source, rec.ClientID, "", ErrMFAInvalid, func() map[string]string {
			return map[string]string{"channel": rec.Channel}
		})
		return nil, ErrMFAInvalid
	}

	if err := e.recordSuccess(ctx, rec.Username); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			e.discardChallenge(ctx, token, rec)
			return nil, ErrMFALocked
		}
		e.logger.Warn("fedauth: ledger reset after mfa failed", zap.String("username", rec.Username), zap.Error(err))
	}

	cont, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	next := &stores.Challenge{
		Type:      stores.ChallengeAccountAction,
		Username:  rec.Username,
		Source:    rec.Source,
		Purpose:   rec.Purpose,
		FlowID:    rec.FlowID,
		ClientID:  rec.ClientID,
		ExpiresAt: e.now().Add(e.config.MFA.ContinuationTTL).UnixMilli(),
	}
	if err := e.challenges.Save(ctx, cont, next); err != nil {
		return nil, backendErr(err)
	}

	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, rec.Username, source, rec.ClientID, "", nil, func() map[string]string {
		return map[string]string{"channel": rec.Channel, "purpose": rec.Purpose}
	})
	return &MFAResult{
		ContinuationToken: cont,
		Purpose:           rec.Purpose,
		FlowID:            rec.FlowID,
		Username:          rec.Username,
		Source:            source,
	}, nil
}

// ResendMFA sends a new code on channel, replacing the previous one. It is
// allowed on an expired challenge and opens a fresh expiry window. The
// stored code is only replaced once the new one was accepted for delivery;
// a failed send leaves the previous code valid. The ledger counter is never
// reset by a resend.
func (e *Engine) ResendMFA(ctx context.Context, token string, channel mfa.Channel) (*MFAChallenge, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ch, err := mfa.ParseChannel(string(channel))
	if err != nil {
		return nil, err
	}
	if !internal.ValidOpaqueToken(token) {
		return nil, ErrTokenInvalid
	}

	rec, err := e.challenges.Get(ctx, token)
	if err != nil && !errors.Is(err, stores.ErrChallengeExpired) {
		return nil, e.challengeError(ctx, err)
	}
	if rec.Type != stores.ChallengeMFA {
		return nil, ErrTokenInvalid
	}
	source := identity.Source(rec.Source)

	st, err := e.ledgerState(ctx, rec.Username)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		e.discardChallenge(ctx, token, rec)
		e.metricInc(MetricMFALocked)
		return nil, ErrMFALocked
	}

	if err := e.rateLimiter.AllowResend(ctx, token); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitAudit(ctx, auditEventMFAResend, false, rec.Username, source, rec.ClientID, "", ErrRateLimited, nil)
			return nil, ErrRateLimited
		}
		return nil, backendErr(err)
	}

	id, err := e.resolver.Resolve(ctx, rec.Username, source)
	if err != nil {
		return nil, e.resolveError(ctx, err, false)
	}
	if !mfa.Verified(id, ch) {
		e.emitAudit(ctx, auditEventMFAResend, false, rec.Username, source, rec.ClientID, "", ErrChannelNotVerified, func() map[string]string {
			return map[string]string{"channel": string(ch)}
		})
		return nil, ErrChannelNotVerified
	}

	code, err := internal.NewCode(e.config.MFA.CodeDigits)
	if err != nil {
		return nil, err
	}
	exp := e.now().Add(e.config.MFA.CodeTTL)
	if err := e.sendCode(ctx, id, ch, code, exp); err != nil {
		e.emitAudit(ctx, auditEventMFANotificationFailed, false, rec.Username, source, rec.ClientID, "", err, nil)
		return nil, err
	}
	if _, err := e.challenges.ReplaceCode(ctx, token, internal.HashCode(code), string(ch), exp); err != nil {
		return nil, e.challengeError(ctx, err)
	}

	e.metricInc(MetricMFAResend)
	e.emitAudit(ctx, auditEventMFAResend, true, rec.Username, source, rec.ClientID, "", nil, func() map[string]string {
		return map[string]string{"channel": string(ch)}
	})
	return challengeView(token, id, ch, exp), nil
}

// CheckMFAToken reports whether token names a live MFA challenge.
func (e *Engine) CheckMFAToken(ctx context.Context, token string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !internal.ValidOpaqueToken(token) {
		return ErrTokenInvalid
	}
	rec, err := e.challenges.Get(ctx, token)
	if err != nil {
		return e.challengeError(ctx, err)
	}
	if rec.Type != stores.ChallengeMFA {
		return ErrTokenInvalid
	}
	return nil
}

// issueChallenge selects a channel, stores the code digest and sends the
// code. A failed send discards the challenge.
func (e *Engine) issueChallenge(ctx context.Context, id *identity.Identity, purpose, flowID, clientID string) (*MFAChallenge, error) {
	ch, err := mfa.SelectChannel(id)
	if err != nil {
		e.emitAudit(ctx, auditEventMFARequired, false, id.Key(), id.Source, clientID, "", ErrNoVerifiedDestination, nil)
		return nil, ErrNoVerifiedDestination
	}

	token, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	code, err := internal.NewCode(e.config.MFA.CodeDigits)
	if err != nil {
		return nil, err
	}
	exp := e.now().Add(e.config.MFA.CodeTTL)

	rec := &stores.Challenge{
		Type:      stores.ChallengeMFA,
		Username:  id.Key(),
		Source:    string(id.Source),
		Purpose:   purpose,
		FlowID:    flowID,
		ClientID:  clientID,
		Channel:   string(ch),
		CodeHash:  internal.HashCode(code),
		ExpiresAt: exp.UnixMilli(),
	}
	if err := e.challenges.Save(ctx, token, rec); err != nil {
		if ctx.Err() != nil {
			return nil, e.timeoutErr(ctx)
		}
		return nil, backendErr(err)
	}

	if err := e.sendCode(ctx, id, ch, code, exp); err != nil {
		if derr := e.challenges.Delete(context.WithoutCancel(ctx), token); derr != nil {
			e.logger.Warn("fedauth: challenge cleanup failed", zap.Error(derr))
		}
		e.emitAudit(ctx, auditEventMFANotificationFailed, false, id.Key(), id.Source, clientID, "", err, nil)
		return nil, err
	}

	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, id.Key(), id.Source, clientID, "", nil, func() map[string]string {
		return map[string]string{"channel": string(ch), "purpose": purpose}
	})
	return challengeView(token, id, ch, exp), nil
}

func (e *Engine) sendCode(ctx context.Context, id *identity.Identity, ch mfa.Channel, code string, exp time.Time) error {
	msg := Message{
		Channel:     ch,
		Destination: mfa.Destination(id, ch),
		TemplateID:  e.template(ch),
		Code:        code,
		Username:    id.Key(),
		ExpiresAt:   exp,
	}
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.metricInc(MetricMFANotificationFailed)
		e.logger.Warn("fedauth: mfa notification failed",
			zap.String("username", id.Key()),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	return nil
}

func (e *Engine) template(ch mfa.Channel) string {
	if id, ok := e.config.MFA.Templates[ch]; ok && id != "" {
		return id
	}
	return mfa.Template(ch)
}

// discardChallenge removes a challenge and the login flow it belongs to.
func (e *Engine) discardChallenge(ctx context.Context, token string, rec *stores.Challenge) {
	ctx = context.WithoutCancel(ctx)
	if err := e.challenges.Delete(ctx, token); err != nil {
		e.logger.Warn("fedauth: challenge discard failed", zap.Error(err))
	}
	if rec.FlowID == "" {
		return
	}
	if err := e.flows.Delete(ctx, rec.FlowID); err != nil {
		e.logger.Warn("fedauth: flow discard failed", zap.String("flow", rec.FlowID), zap.Error(err))
	}
}

func (e *Engine) challengeError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return ErrTokenInvalid
	case errors.Is(err, stores.ErrChallengeExpired):
		return ErrTokenExpired
	case ctx.Err() != nil:
		return e.timeoutErr(ctx)
	case errors.Is(err, stores.ErrBackend):
		return backendErr(err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func challengeView(token string, id *identity.Identity, ch mfa.Channel, exp time.Time) *MFAChallenge {
	view := &MFAChallenge{
		Token:       token,
		Channel:     ch,
		Destination: mfa.Mask(mfa.Destination(id, ch), ch),
		ExpiresAt:   exp,
	}
	for _, alt := range mfa.VerifiedChannels(id) {
		if alt != ch {
			view.Alternatives = append(view.Alternatives, alt)
		}
	}
	return view
}
