package fedauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal"
	"github.com/MrEthical07/fedauth/internal/rate"
	"github.com/MrEthical07/fedauth/internal/stores"
	"github.com/MrEthical07/fedauth/mfa"
	"github.com/MrEthical07/fedauth/password"
)

// PurposeContactChange is the MFA purpose ChangeContact redeems.
const PurposeContactChange = "contact-change"

const templatePasswordReset = "password-reset"

var verificationKinds = map[identity.Contact]struct {
	challenge stores.ChallengeType
	channel   mfa.Channel
	template  string
}{
	identity.ContactEmail:          {stores.ChallengeVerifiedEmail, mfa.ChannelEmail, "verify-email"},
	identity.ContactSecondaryEmail: {stores.ChallengeVerifiedSecondary, mfa.ChannelSecondaryEmail, "verify-secondary-email"},
	identity.ContactMobile:         {stores.ChallengeVerifiedMobile, mfa.ChannelText, "verify-mobile"},
}

/*
====================================
CONTINUATIONS
====================================
*/

// ConsumeContinuation redeems a continuation issued by ValidateMFA for
// purpose. The token is consumed only when its purpose matches; login
// continuations belong to ResumeLogin and are rejected here. An identity
// locked since the code was accepted gets ErrAccountLocked.
func (e *Engine) ConsumeContinuation(ctx context.Context, token, purpose string) (*MFAResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" || purpose == purposeLogin {
		return nil, ErrInvalidRequest
	}

	rec, err := e.takeChallenge(ctx, token, func(c *stores.Challenge) bool {
		return c.Type == stores.ChallengeAccountAction && c.Purpose == purpose
	})
	if err != nil {
		return nil, err
	}
	st, err := e.ledgerState(ctx, rec.Username)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		return nil, ErrAccountLocked
	}
	return &MFAResult{
		Purpose:  rec.Purpose,
		Username: rec.Username,
		Source:   identity.Source(rec.Source),
	}, nil
}

// takeChallenge consumes token when accept approves the stored record. A
// rejected record is left in place.
func (e *Engine) takeChallenge(ctx context.Context, token string, accept func(*stores.Challenge) bool) (*stores.Challenge, error) {
	if !internal.ValidOpaqueToken(token) {
		return nil, ErrTokenInvalid
	}
	rec, err := e.challenges.Get(ctx, token)
	if err != nil {
		return nil, e.challengeError(ctx, err)
	}
	if !accept(rec) {
		return nil, ErrTokenInvalid
	}
	rec, err = e.challenges.Consume(ctx, token)
	if err != nil {
		return nil, e.challengeError(ctx, err)
	}
	return rec, nil
}

/*
====================================
CONTACT DETAILS
====================================
*/

// ChangeContact applies change to the local identity named by a
// PurposeContactChange continuation. A changed value loses its verified
// flag and gets a verification link; a link that cannot be delivered is
// logged and left out of the result.
func (e *Engine) ChangeContact(ctx context.Context, continuationToken string, change identity.ContactChange) (*ContactChangeResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if change.Empty() {
		return nil, fmt.Errorf("%w: no contact field to change", ErrInvalidRequest)
	}
	for _, v := range []*string{change.Email, change.SecondaryEmail} {
		if v != nil && strings.TrimSpace(*v) != "" && !identity.LooksLikeEmail(*v) {
			return nil, fmt.Errorf("%w: malformed email address", ErrInvalidRequest)
		}
	}
	store, err := e.accountStore()
	if err != nil {
		return nil, err
	}

	act, err := e.ConsumeContinuation(ctx, continuationToken, PurposeContactChange)
	if err != nil {
		return nil, err
	}
	if act.Source != identity.SourceLocal {
		return nil, fmt.Errorf("%w: contact details of %s identities are managed by their source", ErrInvalidRequest, act.Source)
	}

	updated, err := store.UpdateContact(ctx, act.Username, change)
	if err != nil {
		return nil, e.accountErr(ctx, err)
	}
	changed := changedContacts(change)
	e.emitAudit(ctx, auditEventContactChanged, true, act.Username, act.Source, "", "", nil, func() map[string]string {
		fields := make([]string, 0, len(changed))
		for _, f := range changed {
			fields = append(fields, string(f))
		}
		return map[string]string{"fields": strings.Join(fields, ",")}
	})

	res := &ContactChangeResult{Identity: updated}
	for _, field := range changed {
		if field.Value(updated) == "" || field.Verified(updated) {
			continue
		}
		v, err := e.sendVerification(ctx, updated, field)
		if err != nil {
			e.logger.Warn("fedauth: contact verification not sent",
				zap.String("username", act.Username),
				zap.String("field", string(field)),
				zap.Error(err),
			)
			continue
		}
		res.Verifications = append(res.Verifications, v)
	}
	updated.PasswordHash = ""
	return res, nil
}

// RequestContactVerification sends a verification link for an unverified
// contact field of a local identity.
func (e *Engine) RequestContactVerification(ctx context.Context, username string, field identity.Contact) (*ContactVerification, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, ok := verificationKinds[field]; !ok {
		return nil, fmt.Errorf("%w: unknown contact field %q", ErrInvalidRequest, field)
	}
	id, err := e.resolver.Resolve(ctx, username, identity.SourceLocal)
	if err != nil {
		return nil, e.resolveError(ctx, err, false)
	}
	switch {
	case field.Value(id) == "":
		return nil, fmt.Errorf("%w: no %s on record", ErrInvalidRequest, field)
	case field.Verified(id):
		return nil, fmt.Errorf("%w: %s already verified", ErrInvalidRequest, field)
	}

	if err := e.rateLimiter.AllowResend(ctx, "verify:"+string(field)+":"+id.Key()); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			return nil, ErrRateLimited
		}
		return nil, backendErr(err)
	}
	return e.sendVerification(ctx, id, field)
}

// VerifyContact redeems a verification link and marks the field verified.
// A link for a value that has since been changed is invalid.
func (e *Engine) VerifyContact(ctx context.Context, token string) (identity.Contact, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	store, err := e.accountStore()
	if err != nil {
		return "", err
	}
	rec, err := e.takeChallenge(ctx, token, func(c *stores.Challenge) bool {
		_, ok := contactOf(c.Type)
		return ok
	})
	if err != nil {
		return "", err
	}
	field, _ := contactOf(rec.Type)

	id, err := e.resolver.Resolve(ctx, rec.Username, identity.SourceLocal)
	if err != nil {
		return "", e.resolveError(ctx, err, false)
	}
	if field.Value(id) != rec.Destination {
		e.emitAudit(ctx, auditEventContactVerified, false, rec.Username, identity.SourceLocal, "", "", ErrTokenInvalid, nil)
		return "", ErrTokenInvalid
	}
	if err := store.MarkVerified(ctx, rec.Username, field); err != nil {
		return "", e.accountErr(ctx, err)
	}
	e.emitAudit(ctx, auditEventContactVerified, true, rec.Username, identity.SourceLocal, "", "", nil, func() map[string]string {
		return map[string]string{"field": string(field)}
	})
	return field, nil
}

func (e *Engine) sendVerification(ctx context.Context, id *identity.Identity, field identity.Contact) (*ContactVerification, error) {
	kind := verificationKinds[field]
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	dest := field.Value(id)
	exp := e.now().Add(e.config.Account.VerificationTTL)
	rec := &stores.Challenge{
		Type:        kind.challenge,
		Username:    id.Key(),
		Source:      string(id.Source),
		Purpose:     string(field),
		Channel:     string(kind.channel),
		Destination: dest,
		ExpiresAt:   exp.UnixMilli(),
	}
	msg := Message{
		Channel:     kind.channel,
		Destination: dest,
		TemplateID:  kind.template,
		Code:        token,
		Username:    id.Key(),
		ExpiresAt:   exp,
	}
	if err := e.deliverLink(ctx, token, rec, msg); err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventContactLinkSent, true, id.Key(), id.Source, "", "", nil, func() map[string]string {
		return map[string]string{"field": string(field)}
	})
	return &ContactVerification{
		Field:       field,
		Destination: mfa.Mask(dest, kind.channel),
		ExpiresAt:   exp,
	}, nil
}

// deliverLink stores rec under token and sends msg. A failed send removes
// the record again.
func (e *Engine) deliverLink(ctx context.Context, token string, rec *stores.Challenge, msg Message) error {
	if err := e.challenges.Save(ctx, token, rec); err != nil {
		if ctx.Err() != nil {
			return e.timeoutErr(ctx)
		}
		return backendErr(err)
	}
	if err := e.notifier.Send(ctx, msg); err != nil {
		if derr := e.challenges.Delete(context.WithoutCancel(ctx), token); derr != nil {
			e.logger.Warn("fedauth: link cleanup failed", zap.Error(derr))
		}
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	return nil
}

func contactOf(t stores.ChallengeType) (identity.Contact, bool) {
	for field, kind := range verificationKinds {
		if kind.challenge == t {
			return field, true
		}
	}
	return "", false
}

func changedContacts(change identity.ContactChange) []identity.Contact {
	var out []identity.Contact
	if change.Email != nil {
		out = append(out, identity.ContactEmail)
	}
	if change.SecondaryEmail != nil {
		out = append(out, identity.ContactSecondaryEmail)
	}
	if change.Mobile != nil {
		out = append(out, identity.ContactMobile)
	}
	return out
}

/*
====================================
PASSWORD RESET
====================================
*/

// RequestPasswordReset sends a reset link to the first verified channel of
// the local identity named by a username or email address. Unknown,
// disabled and unreachable identities get no link and no error so the
// call does not reveal which accounts exist.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) error {
	if err := e.ready(); err != nil {
		return err
	}
	raw := strings.TrimSpace(identifier)
	if raw == "" {
		return ErrInvalidRequest
	}
	byEmail := identity.LooksLikeEmail(raw)
	key := identity.CanonicalUsername(raw)
	if byEmail {
		key = identity.CanonicalEmail(raw)
	}
	if err := e.rateLimiter.AllowResend(ctx, "reset:"+key); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			return ErrRateLimited
		}
		return backendErr(err)
	}

	var id *identity.Identity
	var err error
	if byEmail {
		id, err = e.resolver.ResolveEmail(ctx, key)
	} else {
		id, err = e.resolver.Resolve(ctx, key, identity.SourceLocal)
	}
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			e.emitAudit(ctx, auditEventResetRequested, false, key, identity.SourceLocal, "", "", ErrIdentityNotFound, nil)
			return nil
		}
		return e.resolveError(ctx, err, false)
	}
	if !id.Enabled {
		e.emitAudit(ctx, auditEventResetRequested, false, id.Key(), id.Source, "", "", ErrAccountDisabled, nil)
		return nil
	}
	ch, err := mfa.SelectChannel(id)
	if err != nil {
		e.emitAudit(ctx, auditEventResetRequested, false, id.Key(), id.Source, "", "", ErrNoVerifiedDestination, nil)
		return nil
	}

	token, err := internal.NewOpaqueToken()
	if err != nil {
		return err
	}
	exp := e.now().Add(e.config.Account.ResetTTL)
	rec := &stores.Challenge{
		Type:      stores.ChallengeReset,
		Username:  id.Key(),
		Source:    string(id.Source),
		Channel:   string(ch),
		ExpiresAt: exp.UnixMilli(),
	}
	msg := Message{
		Channel:     ch,
		Destination: mfa.Destination(id, ch),
		TemplateID:  templatePasswordReset,
		Code:        token,
		Username:    id.Key(),
		ExpiresAt:   exp,
	}
	if err := e.deliverLink(ctx, token, rec, msg); err != nil {
		e.emitAudit(ctx, auditEventResetRequested, false, id.Key(), id.Source, "", "", err, nil)
		return err
	}
	e.emitAudit(ctx, auditEventResetRequested, true, id.Key(), id.Source, "", "", nil, func() map[string]string {
		return map[string]string{"channel": string(ch)}
	})
	return nil
}

// ResetPassword redeems a reset link, stores the new password and clears a
// failure-counter lock. An operator lock is kept and refuses the reset
// before the link is consumed.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	setter, ok := e.local.(passwordSetter)
	if !ok {
		return ErrAccountsUnsupported
	}
	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return ErrPasswordTooShort
		}
		return err
	}

	if !internal.ValidOpaqueToken(token) {
		return ErrTokenInvalid
	}
	rec, err := e.challenges.Get(ctx, token)
	if err != nil {
		return e.challengeError(ctx, err)
	}
	if rec.Type != stores.ChallengeReset {
		return ErrTokenInvalid
	}
	st, err := e.ledgerState(ctx, rec.Username)
	if err != nil {
		return err
	}
	if st.Administrative {
		e.emitAudit(ctx, auditEventPasswordReset, false, rec.Username, identity.SourceLocal, "", "", ErrAccountLocked, nil)
		return ErrAccountLocked
	}
	if _, err := e.challenges.Consume(ctx, token); err != nil {
		return e.challengeError(ctx, err)
	}

	if err := setter.SetPasswordHash(ctx, rec.Username, hash); err != nil {
		return e.accountErr(ctx, err)
	}
	if err := e.ledger.Reset(ctx, rec.Username); err != nil {
		e.logger.Warn("fedauth: ledger reset after password reset failed", zap.String("username", rec.Username), zap.Error(err))
	}
	e.emitAudit(ctx, auditEventPasswordReset, true, rec.Username, identity.SourceLocal, "", "", nil, nil)
	return nil
}

/*
====================================
ACCOUNT ADMIN
====================================
*/

// RegisterIdentity creates an enabled local identity. Contact fields start
// unverified; RequestContactVerification sends the links.
func (e *Engine) RegisterIdentity(ctx context.Context, reg Registration) (*identity.Identity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	store, err := e.accountStore()
	if err != nil {
		return nil, err
	}
	username := identity.CanonicalUsername(reg.Username)
	switch {
	case username == "":
		return nil, fmt.Errorf("%w: username is required", ErrInvalidRequest)
	case identity.LooksLikeEmail(username):
		return nil, fmt.Errorf("%w: username must not be an email address", ErrInvalidRequest)
	case strings.TrimSpace(reg.Email) != "" && !identity.LooksLikeEmail(reg.Email):
		return nil, fmt.Errorf("%w: malformed email address", ErrInvalidRequest)
	}
	hash, err := e.hasher.Hash(reg.Password)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return nil, ErrPasswordTooShort
		}
		return nil, err
	}

	id := &identity.Identity{
		Username:     username,
		Source:       identity.SourceLocal,
		UserID:       reg.UserID,
		DisplayName:  strings.TrimSpace(reg.DisplayName),
		Email:        reg.Email,
		Mobile:       reg.Mobile,
		MFAEnabled:   reg.MFAEnabled,
		Enabled:      true,
		Authorities:  append([]string(nil), reg.Authorities...),
		Groups:       append([]string(nil), reg.Groups...),
		PasswordHash: hash,
	}
	if id.UserID == "" {
		id.UserID = uuid.NewString()
	}
	id.Normalize()

	if err := store.Create(ctx, id); err != nil {
		err = e.accountErr(ctx, err)
		e.emitAudit(ctx, auditEventIdentityRegistered, false, username, identity.SourceLocal, "", "", err, nil)
		return nil, err
	}
	e.emitAudit(ctx, auditEventIdentityRegistered, true, username, identity.SourceLocal, "", "", nil, nil)
	out := id.Clone()
	out.PasswordHash = ""
	return out, nil
}

// SetIdentityEnabled enables or disables the stored record of username in
// source. A blank source means the local store. Disabled identities are
// refused at sign-in.
func (e *Engine) SetIdentityEnabled(ctx context.Context, username string, source identity.Source, enabled bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	store, err := e.accountStore()
	if err != nil {
		return err
	}
	if source == "" {
		source = identity.SourceLocal
	}
	key := identity.CanonicalUsername(username)
	if key == "" || !source.Valid() {
		return ErrInvalidRequest
	}
	if err := store.SetEnabled(ctx, key, source, enabled); err != nil {
		return e.accountErr(ctx, err)
	}
	event := auditEventIdentityDisabled
	if enabled {
		event = auditEventIdentityEnabled
	}
	e.emitAudit(ctx, event, true, key, source, "", "", nil, nil)
	return nil
}

func (e *Engine) accountStore() (identity.AccountStore, error) {
	store, ok := e.local.(identity.AccountStore)
	if !ok {
		return nil, ErrAccountsUnsupported
	}
	return store, nil
}

func (e *Engine) accountErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return ErrIdentityNotFound
	case errors.Is(err, identity.ErrExists):
		return ErrIdentityExists
	case ctx.Err() != nil:
		return e.timeoutErr(ctx)
	default:
		return backendErr(err)
	}
}
