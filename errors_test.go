package fedauth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrEthical07/fedauth/identity"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrInvalidRequest, KindValidation},
		{ErrMFACodeRequired, KindValidation},
		{ErrCandidateInvalid, KindValidation},
		{ErrInvalidCredentials, KindInvalidCredentials},
		{ErrMFAInvalid, KindInvalidCredentials},
		{ErrInvalidClientSecret, KindInvalidCredentials},
		{ErrAccountLocked, KindLocked},
		{ErrAccountDisabled, KindLocked},
		{ErrMFALocked, KindLocked},
		{ErrTokenExpired, KindTokenExpired},
		{ErrTokenInvalid, KindTokenInvalid},
		{ErrRefreshReuse, KindTokenInvalid},
		{ErrIdentityNotFound, KindNotFound},
		{ErrClientNotFound, KindNotFound},
		{ErrMaxDuplicatesReached, KindMaxDuplicates},
		{ErrNoVerifiedDestination, KindNoVerifiedDestination},
		{ErrRateLimited, KindRateLimited},
		{identity.Unavailable(identity.SourcePrison, errors.New("502")), KindUnavailable},
		{backendErr(errors.New("redis down")), KindUnavailable},
		{fmt.Errorf("%w: gateway", ErrNotificationFailed), KindUnavailable},
		{ErrRequestTimeout, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindMaxDuplicates.String() != "max_duplicates" {
		t.Fatalf("unexpected name %q", KindMaxDuplicates.String())
	}
	if Kind(200).String() != "unknown" {
		t.Fatal("expected out-of-range kinds to be unknown")
	}
}

func TestSourceErrorNamesSource(t *testing.T) {
	err := identity.Unavailable(identity.SourceProbation, errors.New("timeout"))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatal("expected ErrSourceUnavailable")
	}
	src, ok := identity.FailedSource(err)
	if !ok || src != identity.SourceProbation {
		t.Fatalf("expected delius, got %q", src)
	}
}
