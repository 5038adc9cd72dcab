package fedauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/mfa"
)

func startMFALogin(t *testing.T, env *testEnv, username string) *LoginResult {
	t.Helper()
	res, err := env.login(t, username, testPassword)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if res.Status != StatusMFARequired || res.Challenge == nil {
		t.Fatalf("expected MFA challenge, got %+v", res)
	}
	return res
}

func TestMFALoginChallengeAndComplete(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("MFA_USER"))
	ctx := context.Background()

	res := startMFALogin(t, env, "mfa_user")
	if res.Tokens != nil {
		t.Fatal("expected no tokens before the code is validated")
	}
	if res.Challenge.Channel != mfa.ChannelEmail {
		t.Fatalf("expected the preferred email channel, got %s", res.Challenge.Channel)
	}
	if strings.Contains(res.Challenge.Destination, "mfa_user@") {
		t.Fatalf("expected a masked destination, got %q", res.Challenge.Destination)
	}
	msg := env.notifier.last(t)
	if msg.Destination != "mfa_user@example.gov.uk" || msg.TemplateID != "mfa-email" || len(msg.Code) != 6 {
		t.Fatalf("unexpected notification %+v", msg)
	}

	if exists := env.rdb.Exists(ctx, "fac:"+res.Challenge.Token).Val(); exists != 1 {
		t.Fatal("expected challenge key to exist")
	}

	done, err := env.engine.CompleteLoginMFA(ctx, res.Challenge.Token, msg.Code)
	if err != nil {
		t.Fatalf("CompleteLoginMFA failed: %v", err)
	}
	if done.Status != StatusApproved || done.Tokens == nil {
		t.Fatalf("expected approval, got %+v", done)
	}
	if exists := env.rdb.Exists(ctx, "fac:"+res.Challenge.Token).Val(); exists != 0 {
		t.Fatal("expected challenge key to be deleted after success")
	}

	p, err := env.engine.ValidateAccess(ctx, done.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if !p.PassedMFA {
		t.Fatal("expected passed_mfa=true after a validated code")
	}
}

func TestMFAThreeWrongCodesLockAccount(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("LOCK_ME"))
	ctx := context.Background()

	res := startMFALogin(t, env, "lock_me")
	bad := wrongCode(env.notifier.last(t).Code)

	for i := 0; i < 2; i++ {
		if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, bad); !errors.Is(err, ErrMFAInvalid) {
			t.Fatalf("attempt %d: expected ErrMFAInvalid, got %v", i+1, err)
		}
	}
	_, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, bad)
	if !errors.Is(err, ErrMFALocked) {
		t.Fatalf("expected ErrMFALocked on the third wrong code, got %v", err)
	}
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatal("expected ErrMFALocked to match ErrAccountLocked")
	}
	if exists := env.rdb.Exists(ctx, "fac:"+res.Challenge.Token).Val(); exists != 0 {
		t.Fatal("expected challenge to be discarded on lock")
	}
	if exists := env.rdb.Exists(ctx, "faf:"+res.FlowID).Val(); exists != 0 {
		t.Fatal("expected pending login to be discarded on lock")
	}

	if _, err := env.login(t, "lock_me", testPassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected the correct password to report locked, got %v", err)
	}
}

func TestMFAMixedFailuresShareCounter(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("MIXED"))
	ctx := context.Background()

	if _, err := env.login(t, "mixed", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	res := startMFALogin(t, env, "mixed")
	if got := env.failures(t, "mixed"); got != 1 {
		t.Fatalf("a password match pending MFA must not reset the counter, got %d", got)
	}

	bad := wrongCode(env.notifier.last(t).Code)
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, bad); !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("expected ErrMFAInvalid, got %v", err)
	}
	if _, err := env.login(t, "mixed", "wrong-password"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected the third mixed failure to lock, got %v", err)
	}
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, bad); !errors.Is(err, ErrMFALocked) {
		t.Fatalf("expected an outstanding challenge to report locked, got %v", err)
	}
}

func TestMFASuccessResetsCounter(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("RESETTER"))
	ctx := context.Background()

	if _, err := env.login(t, "resetter", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	res := startMFALogin(t, env, "resetter")
	code := env.notifier.last(t).Code
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, wrongCode(code)); !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("expected ErrMFAInvalid, got %v", err)
	}
	if got := env.failures(t, "resetter"); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}

	out, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, code)
	if err != nil {
		t.Fatalf("ValidateMFA failed: %v", err)
	}
	if got := env.failures(t, "resetter"); got != 0 {
		t.Fatalf("expected counter reset after a valid code, got %d", got)
	}
	if out.Purpose != purposeLogin || out.Username != "RESETTER" || out.ContinuationToken == "" {
		t.Fatalf("unexpected result %+v", out)
	}

	if _, err := env.engine.ResumeLogin(ctx, out.ContinuationToken); err != nil {
		t.Fatalf("ResumeLogin failed: %v", err)
	}
	if _, err := env.engine.ResumeLogin(ctx, out.ContinuationToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected the continuation to be single-use, got %v", err)
	}
}

func TestMFACodeConsumedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("ONCE"))
	ctx := context.Background()

	res := startMFALogin(t, env, "once")
	code := env.notifier.last(t).Code

	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, code); err != nil {
		t.Fatalf("ValidateMFA failed: %v", err)
	}
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, code); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected a consumed challenge to be invalid, got %v", err)
	}
}

func TestMFAConcurrentValidationConsumesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("RACER"))

	res := startMFALogin(t, env, "racer")
	code := env.notifier.last(t).Code

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := env.engine.ValidateMFA(context.Background(), res.Challenge.Token, code); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful consumption, got %d", wins)
	}
}

func TestMFABlankCodeIsNotCounted(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("BLANK"))

	res := startMFALogin(t, env, "blank")
	if _, err := env.engine.ValidateMFA(context.Background(), res.Challenge.Token, "  "); !errors.Is(err, ErrMFACodeRequired) {
		t.Fatalf("expected ErrMFACodeRequired, got %v", err)
	}
	if got := env.failures(t, "blank"); got != 0 {
		t.Fatalf("expected blank code to be uncounted, got %d", got)
	}
	if KindOf(ErrMFACodeRequired) != KindValidation {
		t.Fatal("expected blank code to be a validation error")
	}
}

func TestMFAExpiredChallengeCanBeResent(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("LATE"))
	ctx := context.Background()

	res := startMFALogin(t, env, "late")
	old := env.notifier.last(t).Code
	env.clock.Advance(env.config.MFA.CodeTTL + time.Second)

	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, old); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if err := env.engine.CheckMFAToken(ctx, res.Challenge.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected CheckMFAToken to report expiry, got %v", err)
	}

	fresh, err := env.engine.ResendMFA(ctx, res.Challenge.Token, mfa.ChannelEmail)
	if err != nil {
		t.Fatalf("ResendMFA failed: %v", err)
	}
	if !fresh.ExpiresAt.After(env.clock.Now()) {
		t.Fatal("expected a fresh expiry window")
	}

	done, err := env.engine.CompleteLoginMFA(ctx, res.Challenge.Token, env.notifier.last(t).Code)
	if err != nil {
		t.Fatalf("CompleteLoginMFA after resend failed: %v", err)
	}
	if done.Status != StatusApproved {
		t.Fatalf("expected approval, got %s", done.Status)
	}
}

func TestMFAResendAlternateChannelReplacesCode(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("SWITCH"))
	ctx := context.Background()

	res := startMFALogin(t, env, "switch")
	old := env.notifier.last(t).Code
	if len(res.Challenge.Alternatives) == 0 {
		t.Fatal("expected alternative channels to be offered")
	}

	view, err := env.engine.ResendMFA(ctx, res.Challenge.Token, mfa.ChannelText)
	if err != nil {
		t.Fatalf("ResendMFA failed: %v", err)
	}
	if view.Channel != mfa.ChannelText || view.Destination != "*******0321" {
		t.Fatalf("unexpected resend view %+v", view)
	}
	msg := env.notifier.last(t)
	if msg.Channel != mfa.ChannelText || msg.TemplateID != "mfa-text" {
		t.Fatalf("unexpected notification %+v", msg)
	}
	if msg.Code == old {
		t.Skip("fresh code collided with the old one")
	}

	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, old); !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("expected the replaced code to be invalid, not expired, got %v", err)
	}
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, msg.Code); err != nil {
		t.Fatalf("expected the new code to validate, got %v", err)
	}
}

func TestMFAResendUnverifiedChannel(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("UNVERIFIED"))

	res := startMFALogin(t, env, "unverified")
	_, err := env.engine.ResendMFA(context.Background(), res.Challenge.Token, mfa.ChannelSecondaryEmail)
	if !errors.Is(err, ErrChannelNotVerified) {
		t.Fatalf("expected ErrChannelNotVerified, got %v", err)
	}
}

func TestMFAResendRateLimited(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *Config) {
		cfg.RateLimit.MaxResends = 1
	}))
	env.addLocalUser(t, mfaUser("CHATTY"))
	ctx := context.Background()

	res := startMFALogin(t, env, "chatty")
	if _, err := env.engine.ResendMFA(ctx, res.Challenge.Token, mfa.ChannelEmail); err != nil {
		t.Fatalf("first resend failed: %v", err)
	}
	if _, err := env.engine.ResendMFA(ctx, res.Challenge.Token, mfa.ChannelEmail); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestMFANoVerifiedDestination(t *testing.T) {
	env := newTestEnv(t)
	u := mfaUser("NOWHERE")
	u.EmailVerified = false
	u.MobileVerified = false
	env.addLocalUser(t, u)

	_, err := env.login(t, "nowhere", testPassword)
	if !errors.Is(err, ErrNoVerifiedDestination) {
		t.Fatalf("expected ErrNoVerifiedDestination, got %v", err)
	}
	if KindOf(err) != KindNoVerifiedDestination {
		t.Fatalf("expected no-destination kind, got %v", KindOf(err))
	}
	if env.notifier.count() != 0 {
		t.Fatal("expected nothing to be sent")
	}
	if got := env.failures(t, "nowhere"); got != 0 {
		t.Fatalf("expected ledger untouched, got %d", got)
	}
}

func TestMFANotificationFailureDiscardsChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("UNREACHABLE"))
	env.notifier.fail = errors.New("gateway down")

	_, err := env.login(t, "unreachable", testPassword)
	if !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("expected ErrNotificationFailed, got %v", err)
	}
	keys := env.mr.Keys()
	for _, k := range keys {
		if strings.HasPrefix(k, "fac:") || strings.HasPrefix(k, "faf:") {
			t.Fatalf("expected no challenge or flow to survive, found %s", k)
		}
	}
}

func TestMFAResendFailureKeepsPreviousCode(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("FLAKY"))
	ctx := context.Background()

	res := startMFALogin(t, env, "flaky")
	old := env.notifier.last(t).Code

	env.notifier.mu.Lock()
	env.notifier.fail = errors.New("gateway down")
	env.notifier.mu.Unlock()
	if _, err := env.engine.ResendMFA(ctx, res.Challenge.Token, mfa.ChannelText); !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("expected ErrNotificationFailed, got %v", err)
	}
	env.notifier.mu.Lock()
	env.notifier.fail = nil
	env.notifier.mu.Unlock()

	if err := env.engine.CheckMFAToken(ctx, res.Challenge.Token); err != nil {
		t.Fatalf("expected the challenge to survive, got %v", err)
	}
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, old); err != nil {
		t.Fatalf("expected the delivered code to stay valid, got %v", err)
	}
	if got := env.failures(t, "flaky"); got != 0 {
		t.Fatalf("expected no counted failures, got %d", got)
	}
}

func TestIssueMFAForAccountAction(t *testing.T) {
	env := newTestEnv(t)
	u := mfaUser("ACTOR")
	u.MFAPreference = identity.PreferText
	env.addLocalUser(t, u)
	ctx := context.Background()

	if _, err := env.engine.IssueMFA(ctx, "actor", purposeLogin); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected the login purpose to be reserved, got %v", err)
	}

	ch, err := env.engine.IssueMFA(ctx, "actor", "change-email")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	if ch.Channel != mfa.ChannelText {
		t.Fatalf("expected the preferred text channel, got %s", ch.Channel)
	}

	out, err := env.engine.ValidateMFA(ctx, ch.Token, env.notifier.last(t).Code)
	if err != nil {
		t.Fatalf("ValidateMFA failed: %v", err)
	}
	if out.Purpose != "change-email" || out.FlowID != "" {
		t.Fatalf("unexpected result %+v", out)
	}
	if _, err := env.engine.ResumeLogin(ctx, out.ContinuationToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected an account-action continuation to be refused for login, got %v", err)
	}
}

func TestMFATemplateOverride(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *Config) {
		cfg.MFA.Templates = map[mfa.Channel]string{mfa.ChannelEmail: "custom-email"}
	}))
	env.addLocalUser(t, mfaUser("TEMPLATED"))

	startMFALogin(t, env, "templated")
	if got := env.notifier.last(t).TemplateID; got != "custom-email" {
		t.Fatalf("expected template override, got %q", got)
	}
}

func TestValidateMFACanceledContext(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalUser(t, mfaUser("CANCELED"))

	res := startMFALogin(t, env, "canceled")
	bad := wrongCode(env.notifier.last(t).Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.engine.ValidateMFA(ctx, res.Challenge.Token, bad); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if got := env.failures(t, "canceled"); got != 0 {
		t.Fatalf("expected ledger untouched, got %d", got)
	}
}
