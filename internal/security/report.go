package security

import (
	"net/netip"
	"time"
)

type PasswordReport struct {
	Memory      uint32 `json:"memory_kib"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
	SaltLength  uint32 `json:"salt_length"`
	KeyLength   uint32 `json:"key_length"`
}

// Report is a snapshot of the security-relevant settings of a running
// engine. Findings lists combinations an operator should review.
type Report struct {
	SigningAlgorithm   string         `json:"signing_algorithm"`
	KeyID              string         `json:"key_id"`
	RetiredKeys        int            `json:"retired_keys"`
	AccessTTL          time.Duration  `json:"access_ttl"`
	RefreshTTL         time.Duration  `json:"refresh_ttl"`
	LockoutThreshold   int            `json:"lockout_threshold"`
	LockoutDuration    time.Duration  `json:"lockout_duration"`
	CodeDigits         int            `json:"code_digits"`
	CodeTTL            time.Duration  `json:"code_ttl"`
	IPThrottleActive   bool           `json:"ip_throttle_active"`
	ResendLimitActive  bool           `json:"resend_limit_active"`
	ApprovedRanges     int            `json:"approved_ranges"`
	Sources            []string       `json:"sources"`
	MirrorExternal     bool           `json:"mirror_external"`
	VerificationActive bool           `json:"verification_active"`
	AuditActive        bool           `json:"audit_active"`
	Argon2             PasswordReport `json:"argon2"`
	Findings           []string       `json:"findings,omitempty"`
}

type ReportInput struct {
	SigningAlgorithm   string
	KeyID              string
	RetiredKeys        int
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	LockoutThreshold   int
	LockoutDuration    time.Duration
	CodeDigits         int
	CodeTTL            time.Duration
	EnableIPThrottle   bool
	MaxLoginFailures   int
	MaxResends         int
	ApprovedRanges     []netip.Prefix
	Sources            []string
	MirrorExternal     bool
	VerificationActive bool
	AuditEnabled       bool
	Password           PasswordReport
}

const (
	minArgon2Memory = 19 * 1024
	maxRefreshTTL   = 24 * time.Hour
)

func BuildReport(in ReportInput) Report {
	r := Report{
		SigningAlgorithm:   in.SigningAlgorithm,
		KeyID:              in.KeyID,
		RetiredKeys:        in.RetiredKeys,
		AccessTTL:          in.AccessTTL,
		RefreshTTL:         in.RefreshTTL,
		LockoutThreshold:   in.LockoutThreshold,
		LockoutDuration:    in.LockoutDuration,
		CodeDigits:         in.CodeDigits,
		CodeTTL:            in.CodeTTL,
		IPThrottleActive:   in.EnableIPThrottle && in.MaxLoginFailures > 0,
		ResendLimitActive:  in.MaxResends > 0,
		ApprovedRanges:     len(in.ApprovedRanges),
		Sources:            append([]string(nil), in.Sources...),
		MirrorExternal:     in.MirrorExternal,
		VerificationActive: in.VerificationActive,
		AuditActive:        in.AuditEnabled,
		Argon2:             in.Password,
	}

	if in.RefreshTTL > maxRefreshTTL {
		r.Findings = append(r.Findings, "refresh tokens outlive one day")
	}
	if in.LockoutThreshold > 10 {
		r.Findings = append(r.Findings, "lockout threshold above 10 attempts")
	}
	if !r.IPThrottleActive {
		r.Findings = append(r.Findings, "per-address login throttle disabled")
	}
	if in.CodeDigits < 6 {
		r.Findings = append(r.Findings, "one-time codes shorter than 6 digits")
	}
	if in.Password.Memory < minArgon2Memory {
		r.Findings = append(r.Findings, "argon2 memory below 19 MiB")
	}
	for _, p := range in.ApprovedRanges {
		if p.Bits() == 0 {
			r.Findings = append(r.Findings, "approved ranges include every address; untrusted-network MFA never applies")
			break
		}
	}
	if !in.VerificationActive {
		r.Findings = append(r.Findings, "no token verification service; logout cannot revoke issued access tokens")
	}
	return r
}
