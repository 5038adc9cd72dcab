package internaldefs

import (
	"github.com/MrEthical07/fedauth"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   fedauth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   fedauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "fedauth_audit_dropped_total"

// CounterDefs lists every exported counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: fedauth.MetricLoginSuccess, Name: "fedauth_login_success_total", Help: "Logins that ended in issued tokens."},
	{ID: fedauth.MetricLoginFailure, Name: "fedauth_login_failure_total", Help: "Rejected credentials."},
	{ID: fedauth.MetricLoginLocked, Name: "fedauth_login_locked_total", Help: "Attempts refused because the identity is locked."},
	{ID: fedauth.MetricLoginRateLimited, Name: "fedauth_login_rate_limited_total", Help: "Attempts refused by the per-address throttle."},
	{ID: fedauth.MetricSourceUnavailable, Name: "fedauth_source_unavailable_total", Help: "Lookups that failed on an unreachable identity source."},
	{ID: fedauth.MetricMFARequired, Name: "fedauth_mfa_required_total", Help: "One-time-code challenges issued."},
	{ID: fedauth.MetricMFASuccess, Name: "fedauth_mfa_success_total", Help: "One-time codes accepted."},
	{ID: fedauth.MetricMFAFailure, Name: "fedauth_mfa_failure_total", Help: "Wrong one-time codes."},
	{ID: fedauth.MetricMFALocked, Name: "fedauth_mfa_locked_total", Help: "Code attempts that locked or met a locked identity."},
	{ID: fedauth.MetricMFAResend, Name: "fedauth_mfa_resend_total", Help: "Codes reissued on a live challenge."},
	{ID: fedauth.MetricMFANotificationFailed, Name: "fedauth_mfa_notification_failed_total", Help: "Codes the notifier rejected."},
	{ID: fedauth.MetricDisambiguationRequired, Name: "fedauth_disambiguation_required_total", Help: "Federated logins that needed an account choice."},
	{ID: fedauth.MetricRefreshSuccess, Name: "fedauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: fedauth.MetricRefreshFailure, Name: "fedauth_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: fedauth.MetricRefreshReuseDetected, Name: "fedauth_refresh_reuse_detected_total", Help: "Replayed refresh tokens."},
	{ID: fedauth.MetricLogout, Name: "fedauth_logout_total", Help: "Logouts."},
	{ID: fedauth.MetricSessionCreated, Name: "fedauth_session_created_total", Help: "Sessions created."},
	{ID: fedauth.MetricClientRegistered, Name: "fedauth_client_registered_total", Help: "Clients registered."},
	{ID: fedauth.MetricClientSecretRotated, Name: "fedauth_client_secret_rotated_total", Help: "Client secrets rotated."},
	{ID: fedauth.MetricClientDuplicated, Name: "fedauth_client_duplicated_total", Help: "Client duplicates created."},
	{ID: fedauth.MetricClientUpdated, Name: "fedauth_client_updated_total", Help: "Client group configuration updates."},
	{ID: fedauth.MetricClientRemoved, Name: "fedauth_client_removed_total", Help: "Clients removed."},
	{ID: fedauth.MetricClientAuthFailure, Name: "fedauth_client_auth_failure_total", Help: "Rejected client secrets."},
	{ID: fedauth.MetricRequestTimeout, Name: "fedauth_request_timeout_total", Help: "Requests abandoned by the caller before an outcome was recorded."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: fedauth.MetricValidateLatency, Name: "fedauth_validate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBounds are the upper bounds of the latency buckets, in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix spells HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
