package fedauth

import (
	"strings"

	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal/security"
)

// SecurityReport is a read-only snapshot of the engine's security posture,
// returned by [Engine.SecurityReport].
type SecurityReport = security.Report

var reportSources = []identity.Source{
	identity.SourceLocal,
	identity.SourcePrison,
	identity.SourceProbation,
	identity.SourceDirectory,
}

// SecurityReport summarizes the active settings and flags risky ones. It
// never contains key material.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil || e.resolver == nil {
		return SecurityReport{}
	}

	var sources []string
	for _, s := range reportSources {
		if _, ok := e.resolver.Adapter(s); ok {
			sources = append(sources, string(s))
		}
	}

	return security.BuildReport(security.ReportInput{
		SigningAlgorithm:   strings.ToLower(e.config.JWT.SigningMethod),
		KeyID:              e.jwt.KeyID(),
		RetiredKeys:        len(e.config.JWT.VerifyKeys),
		AccessTTL:          e.config.JWT.AccessTTL,
		RefreshTTL:         e.config.JWT.RefreshTTL,
		LockoutThreshold:   e.config.Lockout.Threshold,
		LockoutDuration:    e.config.Lockout.Duration,
		CodeDigits:         e.config.MFA.CodeDigits,
		CodeTTL:            e.config.MFA.CodeTTL,
		EnableIPThrottle:   e.config.RateLimit.EnableIPThrottle,
		MaxLoginFailures:   e.config.RateLimit.MaxLoginFailures,
		MaxResends:         e.config.RateLimit.MaxResends,
		ApprovedRanges:     e.approved,
		Sources:            sources,
		MirrorExternal:     e.config.Resolution.MirrorExternal,
		VerificationActive: e.verifier != nil,
		AuditEnabled:       e.config.Audit.Enabled,
		Password: security.PasswordReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
	})
}
