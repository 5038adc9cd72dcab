package identity

import (
	"strings"
	"time"
)

// Source identifies the backing system that asserted an identity.
type Source string

const (
	// SourceLocal is the service's own account store.
	SourceLocal Source = "auth"
	// SourcePrison is the prison case-management system.
	SourcePrison Source = "nomis"
	// SourceProbation is the probation case-management system.
	SourceProbation Source = "delius"
	// SourceDirectory is the corporate directory used for federated sign-in.
	SourceDirectory Source = "azuread"
	// SourceUnset marks a record whose origin has not been established.
	SourceUnset Source = "none"
)

// ParseSource maps a case-insensitive source name to a Source. Unknown names
// map to SourceUnset.
func ParseSource(raw string) Source {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceLocal:
		return SourceLocal
	case SourcePrison:
		return SourcePrison
	case SourceProbation:
		return SourceProbation
	case SourceDirectory:
		return SourceDirectory
	default:
		return SourceUnset
	}
}

// Valid reports whether s names a concrete source.
func (s Source) Valid() bool {
	switch s {
	case SourceLocal, SourcePrison, SourceProbation, SourceDirectory:
		return true
	}
	return false
}

// MFAPreference is the channel a person prefers for one-time codes.
type MFAPreference string

const (
	PreferEmail          MFAPreference = "EMAIL"
	PreferText           MFAPreference = "TEXT"
	PreferSecondaryEmail MFAPreference = "SECONDARY_EMAIL"
)

// Identity is the normalized person record shared by every source.
//
// Locked and FailureCount are projections of the lockout ledger; adapters
// leave them zero. Enabled is the administrative flag and is independent of
// the ledger.
type Identity struct {
	Username    string
	Source      Source
	UserID      string
	DisplayName string

	Email                  string
	EmailVerified          bool
	SecondaryEmail         string
	SecondaryEmailVerified bool
	Mobile                 string
	MobileVerified         bool
	MFAPreference          MFAPreference
	MFAEnabled             bool

	Enabled      bool
	Locked       bool
	FailureCount int
	LastLogin    time.Time

	Authorities []string
	Groups      []string

	// PasswordHash is only populated by stores that hold credentials.
	PasswordHash string
}

// Key returns the ledger key for the identity.
func (i *Identity) Key() string {
	return CanonicalUsername(i.Username)
}

// Clone returns a deep copy of i.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Authorities = append([]string(nil), i.Authorities...)
	c.Groups = append([]string(nil), i.Groups...)
	return &c
}

// Normalize canonicalizes the username and email fields in place.
func (i *Identity) Normalize() {
	i.Username = CanonicalUsername(i.Username)
	i.Email = CanonicalEmail(i.Email)
	i.SecondaryEmail = CanonicalEmail(i.SecondaryEmail)
	i.Mobile = strings.TrimSpace(i.Mobile)
	if i.Source == "" {
		i.Source = SourceUnset
	}
	if i.MFAPreference == "" {
		i.MFAPreference = PreferEmail
	}
}

// CanonicalUsername trims and upper-cases a username.
func CanonicalUsername(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// CanonicalEmail trims and lower-cases an email address.
func CanonicalEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// LooksLikeEmail reports whether the identifier should be treated as an
// email address rather than a username.
func LooksLikeEmail(raw string) bool {
	at := strings.IndexByte(raw, '@')
	return at > 0 && at < len(raw)-1
}
