package fedauth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrEthical07/fedauth/identity"
)

// contactContinuation passes a contact-change MFA challenge for username.
func contactContinuation(t *testing.T, env *testEnv, username string) string {
	t.Helper()
	ctx := context.Background()
	ch, err := env.engine.IssueMFA(ctx, username, PurposeContactChange)
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	out, err := env.engine.ValidateMFA(ctx, ch.Token, env.notifier.last(t).Code)
	if err != nil {
		t.Fatalf("ValidateMFA failed: %v", err)
	}
	return out.ContinuationToken
}

func strPtr(s string) *string { return &s }

func TestConsumeContinuationOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("CONT_USER"))
	ctx := context.Background()
	token := contactContinuation(t, env, "cont_user")

	if _, err := env.engine.ConsumeContinuation(ctx, token, purposeLogin); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected the login purpose to be refused, got %v", err)
	}
	if _, err := env.engine.ConsumeContinuation(ctx, token, "change-password"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected a purpose mismatch to be refused, got %v", err)
	}

	out, err := env.engine.ConsumeContinuation(ctx, token, PurposeContactChange)
	if err != nil {
		t.Fatalf("ConsumeContinuation failed: %v", err)
	}
	if out.Username != "CONT_USER" || out.Source != identity.SourceLocal || out.Purpose != PurposeContactChange {
		t.Fatalf("unexpected result %+v", out)
	}
	if _, err := env.engine.ConsumeContinuation(ctx, token, PurposeContactChange); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected a redeemed continuation to be refused, got %v", err)
	}
}

func TestConsumeContinuationAfterOperatorLock(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("LATE_LOCK"))
	ctx := context.Background()
	token := contactContinuation(t, env, "late_lock")

	if err := env.engine.LockIdentity(ctx, "late_lock"); err != nil {
		t.Fatalf("LockIdentity failed: %v", err)
	}
	if _, err := env.engine.ConsumeContinuation(ctx, token, PurposeContactChange); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestChangeContactSendsVerificationLink(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("MOVER"))
	ctx := context.Background()
	token := contactContinuation(t, env, "mover")

	res, err := env.engine.ChangeContact(ctx, token, identity.ContactChange{
		Email: strPtr(" New.Address@Example.gov.uk "),
	})
	if err != nil {
		t.Fatalf("ChangeContact failed: %v", err)
	}
	if res.Identity.Email != "new.address@example.gov.uk" || res.Identity.EmailVerified {
		t.Fatalf("expected an unverified new address, got %+v", res.Identity)
	}
	if res.Identity.PasswordHash != "" {
		t.Fatal("expected the password hash to be stripped")
	}
	if len(res.Verifications) != 1 || res.Verifications[0].Field != identity.ContactEmail {
		t.Fatalf("expected one email verification, got %+v", res.Verifications)
	}
	if strings.Contains(res.Verifications[0].Destination, "new.address") {
		t.Fatalf("expected a masked destination, got %q", res.Verifications[0].Destination)
	}

	msg := env.notifier.last(t)
	if msg.TemplateID != "verify-email" || msg.Destination != "new.address@example.gov.uk" {
		t.Fatalf("unexpected notification %+v", msg)
	}

	field, err := env.engine.VerifyContact(ctx, msg.Code)
	if err != nil {
		t.Fatalf("VerifyContact failed: %v", err)
	}
	if field != identity.ContactEmail {
		t.Fatalf("expected the email field, got %s", field)
	}
	stored, _ := env.local.get(identity.SourceLocal, "MOVER")
	if !stored.EmailVerified || stored.Email != "new.address@example.gov.uk" {
		t.Fatalf("expected the new address to be verified, got %+v", stored)
	}
	if _, err := env.engine.VerifyContact(ctx, msg.Code); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected a used link to be refused, got %v", err)
	}
}

func TestChangeContactValidatesBeforeRedeeming(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("CAREFUL"))
	ctx := context.Background()
	token := contactContinuation(t, env, "careful")

	if _, err := env.engine.ChangeContact(ctx, token, identity.ContactChange{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected an empty change to be refused, got %v", err)
	}
	if _, err := env.engine.ChangeContact(ctx, token, identity.ContactChange{Email: strPtr("not-an-email")}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected a malformed address to be refused, got %v", err)
	}

	res, err := env.engine.ChangeContact(ctx, token, identity.ContactChange{Mobile: strPtr("07700 900999")})
	if err != nil {
		t.Fatalf("expected the continuation to survive rejected input, got %v", err)
	}
	if res.Identity.Mobile != "07700 900999" || res.Identity.MobileVerified {
		t.Fatalf("unexpected identity %+v", res.Identity)
	}
	if msg := env.notifier.last(t); msg.TemplateID != "verify-mobile" {
		t.Fatalf("expected a mobile verification, got %+v", msg)
	}
}

func TestChangeContactRequiresContinuation(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("NO_MFA_YET"))
	ctx := context.Background()

	ch, err := env.engine.IssueMFA(ctx, "no_mfa_yet", PurposeContactChange)
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	if _, err := env.engine.ChangeContact(ctx, ch.Token, identity.ContactChange{Email: strPtr("x@example.org")}); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected an unvalidated challenge to be refused, got %v", err)
	}
	stored, _ := env.local.get(identity.SourceLocal, "NO_MFA_YET")
	if stored.Email != "no_mfa_yet@example.gov.uk" {
		t.Fatalf("expected the address to be unchanged, got %q", stored.Email)
	}
}

func TestVerifyContactRefusesStaleLink(t *testing.T) {
	env := newTestEnv(t)
	u := mfaUser("STALE")
	u.MobileVerified = false
	env.addLocalUser(t, u)
	ctx := context.Background()

	v, err := env.engine.RequestContactVerification(ctx, "stale", identity.ContactMobile)
	if err != nil {
		t.Fatalf("RequestContactVerification failed: %v", err)
	}
	if v.Field != identity.ContactMobile || v.Destination == "07700 900321" {
		t.Fatalf("unexpected verification %+v", v)
	}
	link := env.notifier.last(t).Code

	if _, err := env.local.UpdateContact(ctx, "STALE", identity.ContactChange{Mobile: strPtr("07700 900111")}); err != nil {
		t.Fatalf("UpdateContact failed: %v", err)
	}
	if _, err := env.engine.VerifyContact(ctx, link); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected a link for the old number to be refused, got %v", err)
	}
	stored, _ := env.local.get(identity.SourceLocal, "STALE")
	if stored.MobileVerified {
		t.Fatal("expected the new number to stay unverified")
	}
}

func TestRequestContactVerificationAlreadyVerified(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("DONE"))

	_, err := env.engine.RequestContactVerification(context.Background(), "done", identity.ContactEmail)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func resetUser(username string) *identity.Identity {
	return &identity.Identity{
		Username:      username,
		Email:         strings.ToLower(username) + "@example.gov.uk",
		EmailVerified: true,
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, resetUser("FORGETFUL"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.login(t, "forgetful", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}

	if err := env.engine.RequestPasswordReset(ctx, "Forgetful@Example.gov.uk"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	msg := env.notifier.last(t)
	if msg.TemplateID != "password-reset" || msg.Destination != "forgetful@example.gov.uk" || msg.Username != "FORGETFUL" {
		t.Fatalf("unexpected notification %+v", msg)
	}

	if err := env.engine.ResetPassword(ctx, msg.Code, "a-brand-new-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if n := env.failures(t, "forgetful"); n != 0 {
		t.Fatalf("expected the counter to be cleared, got %d", n)
	}
	if _, err := env.login(t, "forgetful", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected the old password to be refused, got %v", err)
	}
	res, err := env.login(t, "forgetful", "a-brand-new-password")
	if err != nil || res.Status != StatusApproved {
		t.Fatalf("expected the new password to sign in, got %+v, %v", res, err)
	}
	if err := env.engine.ResetPassword(ctx, msg.Code, "another-new-password"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected a used link to be refused, got %v", err)
	}
}

func TestPasswordResetUnknownIdentityIsSilent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, "nobody"); err != nil {
		t.Fatalf("expected no error for an unknown username, got %v", err)
	}
	if err := env.engine.RequestPasswordReset(ctx, "nobody@example.gov.uk"); err != nil {
		t.Fatalf("expected no error for an unknown email, got %v", err)
	}
	if n := env.notifier.count(); n != 0 {
		t.Fatalf("expected no notification, got %d", n)
	}
}

func TestPasswordResetShortPasswordKeepsLink(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, resetUser("SHORTY"))
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, "shorty"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	link := env.notifier.last(t).Code

	err := env.engine.ResetPassword(ctx, link, "short")
	if !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("expected a validation error, got %v", KindOf(err))
	}
	if err := env.engine.ResetPassword(ctx, link, "long-enough-password"); err != nil {
		t.Fatalf("expected the link to survive a rejected password, got %v", err)
	}
}

func TestPasswordResetKeepsOperatorLock(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, resetUser("HELD"))
	ctx := context.Background()

	if err := env.engine.RequestPasswordReset(ctx, "held"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	link := env.notifier.last(t).Code
	if err := env.engine.LockIdentity(ctx, "held"); err != nil {
		t.Fatalf("LockIdentity failed: %v", err)
	}

	if err := env.engine.ResetPassword(ctx, link, "a-brand-new-password"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	st, err := env.engine.ledger.State(ctx, "HELD")
	if err != nil {
		t.Fatalf("ledger state: %v", err)
	}
	if !st.Locked || !st.Administrative {
		t.Fatalf("expected the operator lock to remain, got %+v", st)
	}
}

func TestRegisterIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.engine.RegisterIdentity(ctx, Registration{
		Username:    " new_user ",
		Password:    testPassword,
		DisplayName: "New User",
		Email:       "New.User@Example.gov.uk",
		Authorities: []string{"ROLE_LICENCE"},
	})
	if err != nil {
		t.Fatalf("RegisterIdentity failed: %v", err)
	}
	if id.Username != "NEW_USER" || id.Source != identity.SourceLocal || !id.Enabled {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.Email != "new.user@example.gov.uk" || id.EmailVerified {
		t.Fatalf("expected an unverified canonical email, got %+v", id)
	}
	if id.PasswordHash != "" || id.UserID == "" {
		t.Fatalf("expected a generated user id and no hash, got %+v", id)
	}

	res, err := env.login(t, "new_user", testPassword)
	if err != nil || res.Status != StatusApproved {
		t.Fatalf("expected the new account to sign in, got %+v, %v", res, err)
	}

	_, err = env.engine.RegisterIdentity(ctx, Registration{Username: "NEW_USER", Password: testPassword})
	if !errors.Is(err, ErrIdentityExists) {
		t.Fatalf("expected ErrIdentityExists, got %v", err)
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("expected a validation error, got %v", KindOf(err))
	}
	if _, err := env.engine.RegisterIdentity(ctx, Registration{Username: "other", Password: "short"}); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := env.engine.RegisterIdentity(ctx, Registration{Username: "a@b.example", Password: testPassword}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected an email-shaped username to be refused, got %v", err)
	}
}

func TestSetIdentityEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, &identity.Identity{Username: "TOGGLE"})
	ctx := context.Background()

	if err := env.engine.SetIdentityEnabled(ctx, "toggle", "", false); err != nil {
		t.Fatalf("SetIdentityEnabled(false) failed: %v", err)
	}
	if _, err := env.login(t, "toggle", testPassword); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	if err := env.engine.SetIdentityEnabled(ctx, "toggle", identity.SourceLocal, true); err != nil {
		t.Fatalf("SetIdentityEnabled(true) failed: %v", err)
	}
	if res, err := env.login(t, "toggle", testPassword); err != nil || res.Status != StatusApproved {
		t.Fatalf("expected sign-in after re-enabling, got %+v, %v", res, err)
	}

	if err := env.engine.SetIdentityEnabled(ctx, "nobody", "", false); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
	if err := env.engine.SetIdentityEnabled(ctx, "toggle", identity.SourceUnset, false); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected an unset source to be refused, got %v", err)
	}
}
