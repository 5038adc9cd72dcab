package fedauth

import (
	"strings"
	"testing"
)

func TestSecurityReportReflectsPosture(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) {
		c.Network.ApprovedRanges = []string{"10.0.0.0/8"}
	}))

	report := env.engine.SecurityReport()
	if report.SigningAlgorithm != "ed25519" {
		t.Fatalf("expected ed25519 in report, got %s", report.SigningAlgorithm)
	}
	if report.KeyID != "test-key" {
		t.Fatalf("expected the active kid, got %q", report.KeyID)
	}
	if len(report.Sources) != 1 || report.Sources[0] != "auth" {
		t.Fatalf("expected only the local source, got %v", report.Sources)
	}
	if report.ApprovedRanges != 1 {
		t.Fatalf("expected one approved range, got %d", report.ApprovedRanges)
	}
	if report.VerificationActive {
		t.Fatal("expected no verification service")
	}

	found := false
	for _, f := range report.Findings {
		if strings.Contains(f, "argon2") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the test argon2 parameters to be flagged, got %v", report.Findings)
	}
}

func TestSecurityReportNilEngine(t *testing.T) {
	var e *Engine
	if got := e.SecurityReport(); got.SigningAlgorithm != "" || len(got.Findings) != 0 {
		t.Fatalf("expected an empty report, got %+v", got)
	}
}
