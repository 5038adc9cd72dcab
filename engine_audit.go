package fedauth

import (
	"context"
	"errors"

	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal/audit"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginRateLimited      = "login_rate_limited"
	auditEventDisambiguation        = "disambiguation_required"
	auditEventAccountChosen         = "account_chosen"
	auditEventClientAuthorized      = "client_authorized"
	auditEventMFARequired           = "mfa_required"
	auditEventMFASuccess            = "mfa_success"
	auditEventMFAFailure            = "mfa_failure"
	auditEventMFAAttemptsExceeded   = "mfa_attempts_exceeded"
	auditEventMFAResend             = "mfa_resend"
	auditEventMFANotificationFailed = "mfa_notification_failed"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshReuseDetected  = "refresh_reuse_detected"
	auditEventLogoutSession         = "logout_session"
	auditEventIdentityLocked        = "identity_locked"
	auditEventIdentityUnlocked      = "identity_unlocked"
	auditEventIdentityRegistered    = "identity_registered"
	auditEventIdentityEnabled       = "identity_enabled"
	auditEventIdentityDisabled      = "identity_disabled"
	auditEventContactChanged        = "contact_changed"
	auditEventContactLinkSent       = "contact_verification_sent"
	auditEventContactVerified       = "contact_verified"
	auditEventResetRequested        = "password_reset_requested"
	auditEventPasswordReset         = "password_reset"
	auditEventClientRegistered      = "client_registered"
	auditEventClientSecretRotated   = "client_secret_rotated"
	auditEventClientDuplicated      = "client_duplicated"
	auditEventClientUpdated         = "client_updated"
	auditEventClientRemoved         = "client_removed"
	auditEventClientAuthFailure     = "client_auth_failure"
)

// criticalAuditEvents are never dropped when the audit buffer is full.
var criticalAuditEvents = []string{
	auditEventMFAAttemptsExceeded,
	auditEventRefreshReuseDetected,
	auditEventIdentityLocked,
	auditEventIdentityDisabled,
	auditEventPasswordReset,
}

// AuditErrorCode is the stable error label written to audit events.
type AuditErrorCode string

const (
	auditErrInvalidRequest        AuditErrorCode = "invalid_request"
	auditErrInvalidCredentials    AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked         AuditErrorCode = "account_locked"
	auditErrAccountDisabled       AuditErrorCode = "account_disabled"
	auditErrSourceUnavailable     AuditErrorCode = "source_unavailable"
	auditErrIdentityNotFound      AuditErrorCode = "identity_not_found"
	auditErrRateLimited           AuditErrorCode = "rate_limited"
	auditErrMFAInvalid            AuditErrorCode = "mfa_invalid"
	auditErrMFAAttemptsExceeded   AuditErrorCode = "mfa_attempts_exceeded"
	auditErrNoVerifiedDestination AuditErrorCode = "no_verified_destination"
	auditErrChannelNotVerified    AuditErrorCode = "channel_not_verified"
	auditErrNotificationFailed    AuditErrorCode = "notification_failed"
	auditErrTokenExpired          AuditErrorCode = "token_expired"
	auditErrInvalidToken          AuditErrorCode = "invalid_token"
	auditErrRefreshReuse          AuditErrorCode = "refresh_reuse"
	auditErrCandidateInvalid      AuditErrorCode = "candidate_invalid"
	auditErrClientNotFound        AuditErrorCode = "client_not_found"
	auditErrDuplicate             AuditErrorCode = "duplicate"
	auditErrMaxDuplicates         AuditErrorCode = "max_duplicates"
	auditErrTimeout               AuditErrorCode = "timeout"
	auditErrUnavailable           AuditErrorCode = "backend_unavailable"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	username string,
	source identity.Source,
	clientID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["request_id"] = rid
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["user_agent"] = ua
	}

	event := audit.Event{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		Username:  username,
		Source:    string(source),
		ClientID:  clientID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}
	if src, ok := identity.FailedSource(err); ok {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		event.Metadata["failed_source"] = string(src)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRequestTimeout):
		return auditErrTimeout
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrMFALocked):
		return auditErrMFAAttemptsExceeded
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidClientSecret):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrMFAInvalid):
		return auditErrMFAInvalid
	case errors.Is(err, ErrSourceUnavailable):
		return auditErrSourceUnavailable
	case errors.Is(err, ErrIdentityNotFound):
		return auditErrIdentityNotFound
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrNoVerifiedDestination):
		return auditErrNoVerifiedDestination
	case errors.Is(err, ErrChannelNotVerified):
		return auditErrChannelNotVerified
	case errors.Is(err, ErrNotificationFailed):
		return auditErrNotificationFailed
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrCandidateInvalid):
		return auditErrCandidateInvalid
	case errors.Is(err, ErrClientNotFound):
		return auditErrClientNotFound
	case errors.Is(err, ErrClientExists),
		errors.Is(err, ErrIdentityExists):
		return auditErrDuplicate
	case errors.Is(err, ErrMaxDuplicatesReached):
		return auditErrMaxDuplicates
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidClient),
		errors.Is(err, ErrMFACodeRequired),
		errors.Is(err, ErrPasswordTooShort):
		return auditErrInvalidRequest
	case errors.Is(err, ErrBackendUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
