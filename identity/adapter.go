package identity

import (
	"context"
	"strings"
	"time"
)

// Adapter is the lookup contract every identity source implements.
//
// Lookup must return ErrNotFound when the source answered and holds no
// record, and an error wrapping ErrUnavailable when it could not answer.
type Adapter interface {
	Source() Source
	Lookup(ctx context.Context, username string) (*Identity, error)
}

// EmailLookup is implemented by sources that can map an email address to
// the identities registered against it.
type EmailLookup interface {
	LookupByEmail(ctx context.Context, email string) ([]*Identity, error)
}

// CredentialVerifier is implemented by sources that check passwords
// themselves instead of exposing a hash.
type CredentialVerifier interface {
	VerifyPassword(ctx context.Context, username, password string) (bool, error)
}

// LocalStore is the writable account store owned by this service. Its
// Lookup returns only records whose source is SourceLocal; mirrors of other
// sources are written through UpsertMirror.
type LocalStore interface {
	Adapter
	EmailLookup
	UpsertMirror(ctx context.Context, id *Identity) error
	RecordLogin(ctx context.Context, username string, source Source, at time.Time) error
}

// Contact names one verifiable contact field.
type Contact string

const (
	ContactEmail          Contact = "email"
	ContactSecondaryEmail Contact = "secondary_email"
	ContactMobile         Contact = "mobile"
)

// ParseContact maps a case-insensitive field name to a Contact.
func ParseContact(raw string) (Contact, bool) {
	switch c := Contact(strings.ToLower(strings.TrimSpace(raw))); c {
	case ContactEmail, ContactSecondaryEmail, ContactMobile:
		return c, true
	}
	return "", false
}

// Value returns the current value of field on id.
func (c Contact) Value(id *Identity) string {
	switch c {
	case ContactEmail:
		return id.Email
	case ContactSecondaryEmail:
		return id.SecondaryEmail
	case ContactMobile:
		return id.Mobile
	}
	return ""
}

// Verified reports whether field is verified on id.
func (c Contact) Verified(id *Identity) bool {
	switch c {
	case ContactEmail:
		return id.EmailVerified
	case ContactSecondaryEmail:
		return id.SecondaryEmailVerified
	case ContactMobile:
		return id.MobileVerified
	}
	return false
}

// ContactChange updates contact fields of a local identity. Nil fields are
// left alone; a changed value loses its verified flag.
type ContactChange struct {
	Email          *string
	SecondaryEmail *string
	Mobile         *string
}

// Empty reports whether the change touches no field.
func (c ContactChange) Empty() bool {
	return c.Email == nil && c.SecondaryEmail == nil && c.Mobile == nil
}

// AccountStore is implemented by local stores that manage accounts beyond
// lookups: registration, contact changes and deactivation.
type AccountStore interface {
	// Create registers a local identity. A taken username returns ErrExists.
	Create(ctx context.Context, id *Identity) error
	UpdateContact(ctx context.Context, username string, change ContactChange) (*Identity, error)
	MarkVerified(ctx context.Context, username string, field Contact) error
	// SetEnabled flips the administrative flag of a record in any source.
	SetEnabled(ctx context.Context, username string, source Source, enabled bool) error
}

// Candidate references one identity offered during disambiguation.
type Candidate struct {
	Source   Source `json:"source"`
	Username string `json:"username"`
}

// CandidateOf returns the reference for id.
func CandidateOf(id *Identity) Candidate {
	return Candidate{Source: id.Source, Username: CanonicalUsername(id.Username)}
}

// Resolution is the outcome of a federated lookup: exactly one of Identity
// or Candidates is set.
type Resolution struct {
	Identity   *Identity
	Candidates []*Identity
}

// Ambiguous reports whether a choice is required.
func (r *Resolution) Ambiguous() bool {
	return r != nil && r.Identity == nil && len(r.Candidates) > 1
}

// Refs returns the candidate references in offer order.
func (r *Resolution) Refs() []Candidate {
	refs := make([]Candidate, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		refs = append(refs, CandidateOf(c))
	}
	return refs
}

// Choose returns the candidate matching choice. The comparison is
// case-insensitive on the username and exact on the source.
func Choose(candidates []*Identity, choice Candidate) (*Identity, error) {
	want := CanonicalUsername(choice.Username)
	if want == "" {
		return nil, ErrEmptyIdentifier
	}
	for _, c := range candidates {
		if c.Source == choice.Source && CanonicalUsername(c.Username) == want {
			return c, nil
		}
	}
	return nil, ErrCandidateInvalid
}
