package fedauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/mfa"
	"github.com/MrEthical07/fedauth/password"
)

var (
	// ErrInvalidRequest reports missing or malformed input. It is never
	// counted against the ledger.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidCredentials is returned for an unknown username or a wrong
	// password. The two are indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned once the failure threshold has been
	// reached or an operator has locked the identity.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned for an administratively disabled
	// identity. It matches ErrAccountLocked.
	ErrAccountDisabled = fmt.Errorf("account disabled: %w", ErrAccountLocked)
	// ErrIdentityNotFound is returned by lookups that are not credential
	// checks, such as federated sign-in and operator actions.
	ErrIdentityNotFound = identity.ErrNotFound
	// ErrIdentityExists is returned when registering a taken local username.
	ErrIdentityExists = identity.ErrExists
	// ErrPasswordTooShort is returned when a new password is below the
	// configured minimum length.
	ErrPasswordTooShort = password.ErrTooShort
	// ErrAccountsUnsupported is returned by account operations when the
	// configured local store cannot write accounts.
	ErrAccountsUnsupported = errors.New("local store does not manage accounts")
	// ErrSourceUnavailable is matched by every error naming an identity
	// source that could not answer. Use [identity.FailedSource] to get the
	// source.
	ErrSourceUnavailable = identity.ErrUnavailable

	// ErrMFACodeRequired reports a blank one-time code.
	ErrMFACodeRequired = errors.New("mfa code required")
	// ErrMFAInvalid reports a wrong one-time code.
	ErrMFAInvalid = errors.New("mfa code incorrect")
	// ErrMFALocked is returned when a wrong code reaches the threshold or
	// the identity is already locked. It matches ErrAccountLocked.
	ErrMFALocked = fmt.Errorf("mfa attempts exhausted: %w", ErrAccountLocked)
	// ErrNoVerifiedDestination is returned when an identity has no verified
	// channel to receive a code.
	ErrNoVerifiedDestination = mfa.ErrNoVerifiedDestination
	// ErrChannelNotVerified is returned when a resend names a channel the
	// identity has not verified.
	ErrChannelNotVerified = errors.New("mfa channel not verified")
	// ErrNotificationFailed is returned when the notifier rejected a code.
	ErrNotificationFailed = errors.New("mfa notification failed")

	// ErrTokenExpired is returned for a challenge, continuation or JWT past
	// its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for unknown, consumed or malformed tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrRefreshReuse is returned when a retired refresh token is replayed.
	// The session is revoked.
	ErrRefreshReuse = fmt.Errorf("refresh token reuse detected: %w", ErrTokenInvalid)
	// ErrCandidateInvalid is returned when a disambiguation choice is not in
	// the offered set.
	ErrCandidateInvalid = identity.ErrCandidateInvalid

	// ErrClientNotFound is returned for an unknown client id.
	ErrClientNotFound = clients.ErrNotFound
	// ErrClientExists is returned when registering a taken client id.
	ErrClientExists = clients.ErrExists
	// ErrInvalidClient is returned for a malformed client configuration.
	ErrInvalidClient = clients.ErrInvalidClient
	// ErrInvalidClientSecret is returned for an unknown client or a wrong
	// secret.
	ErrInvalidClientSecret = clients.ErrInvalidSecret
	// ErrMaxDuplicatesReached is returned when a duplication group is full.
	ErrMaxDuplicatesReached = clients.ErrMaxDuplicatesReached

	// ErrRateLimited is returned when a login or resend throttle window is
	// exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRequestTimeout is returned when the caller's context ended before
	// the outcome was recorded. Nothing is counted.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrBackendUnavailable wraps storage failures.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned by a zero Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// Kind is the coarse classification of an engine error.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindNotFound
	KindUnavailable
	KindInvalidCredentials
	KindLocked
	KindTokenExpired
	KindTokenInvalid
	KindMaxDuplicates
	KindNoVerifiedDestination
	KindRateLimited
	KindTimeout
	KindInternal
)

var kindNames = [...]string{
	KindNone:                  "none",
	KindValidation:            "validation",
	KindNotFound:              "not_found",
	KindUnavailable:           "unavailable",
	KindInvalidCredentials:    "invalid_credentials",
	KindLocked:                "locked",
	KindTokenExpired:          "token_expired",
	KindTokenInvalid:          "token_invalid",
	KindMaxDuplicates:         "max_duplicates",
	KindNoVerifiedDestination: "no_verified_destination",
	KindRateLimited:           "rate_limited",
	KindTimeout:               "timeout",
	KindInternal:              "internal",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// KindOf classifies err. A nil error is KindNone; anything unrecognized is
// KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, ErrAccountLocked):
		return KindLocked
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrMFAInvalid),
		errors.Is(err, ErrInvalidClientSecret):
		return KindInvalidCredentials
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrMFACodeRequired),
		errors.Is(err, ErrChannelNotVerified),
		errors.Is(err, ErrCandidateInvalid),
		errors.Is(err, ErrInvalidClient),
		errors.Is(err, ErrClientExists),
		errors.Is(err, ErrIdentityExists),
		errors.Is(err, ErrPasswordTooShort),
		errors.Is(err, identity.ErrEmptyIdentifier),
		errors.Is(err, mfa.ErrUnknownChannel):
		return KindValidation
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return KindTokenInvalid
	case errors.Is(err, ErrIdentityNotFound),
		errors.Is(err, ErrClientNotFound):
		return KindNotFound
	case errors.Is(err, ErrMaxDuplicatesReached):
		return KindMaxDuplicates
	case errors.Is(err, ErrNoVerifiedDestination):
		return KindNoVerifiedDestination
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrNotificationFailed):
		return KindUnavailable
	default:
		return KindInternal
	}
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
