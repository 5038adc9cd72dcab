package fedauth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal/audit"
	"github.com/MrEthical07/fedauth/mfa"
)

// LoginStatus is the outcome of a login step.
type LoginStatus string

const (
	// StatusApproved means tokens were issued.
	StatusApproved LoginStatus = "APPROVED"
	// StatusMFARequired means a one-time code was sent; see LoginResult.Challenge.
	StatusMFARequired LoginStatus = "MFA_REQUIRED"
	// StatusChooseAccount means the principal maps to several identities; see
	// LoginResult.Candidates.
	StatusChooseAccount LoginStatus = "CHOOSE_ACCOUNT"
)

// LoginRequest carries username/password credentials for a client.
type LoginRequest struct {
	Username string
	Password string
	ClientID string
	// SourceHint restricts resolution to one source when set.
	SourceHint identity.Source
}

// FederatedLogin carries a directory principal already authenticated by
// the directory.
type FederatedLogin struct {
	Email    string
	ClientID string
	// MFAPassed is the directory's own MFA assertion.
	MFAPassed bool
}

// TokenPair is the result of an approved login or a refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}

// MFAChallenge is the caller-safe view of an issued challenge. Destination
// is always masked.
type MFAChallenge struct {
	Token        string
	Channel      mfa.Channel
	Destination  string
	ExpiresAt    time.Time
	Alternatives []mfa.Channel
}

// LoginResult reports the outcome of a login step. Exactly one of Tokens,
// Challenge or Candidates is set, matching Status.
type LoginResult struct {
	Status     LoginStatus
	Tokens     *TokenPair
	Challenge  *MFAChallenge
	FlowID     string
	Candidates []identity.Candidate
}

// MFAResult is returned by a successful code validation.
type MFAResult struct {
	ContinuationToken string
	Purpose           string
	FlowID            string
	Username          string
	Source            identity.Source
}

// Principal is the verified view of an access token.
type Principal struct {
	Subject     string
	UserID      string
	Name        string
	Source      identity.Source
	Authorities []string
	PassedMFA   bool
	ClientID    string
	Scopes      []string
	SessionID   string
	TokenID     string
	ExpiresAt   time.Time
}

// IdentityStatus is an operator view of one identity.
type IdentityStatus struct {
	Identity *identity.Identity
	Locked   bool
	// Administrative reports an operator-imposed lock.
	Administrative bool
	FailureCount   int
}

// Message is one one-time code delivery.
type Message struct {
	Channel     mfa.Channel
	Destination string
	TemplateID  string
	Code        string
	Username    string
	ExpiresAt   time.Time
}

// Notifier delivers one-time codes. Send must return an error when the
// message was not accepted for delivery.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f NotifierFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// AuditEvent is one audit record.
type AuditEvent = audit.Event

// AuditSink receives audit records from the async dispatcher.
type AuditSink = audit.Sink

// NewChannelAuditSink returns a sink that forwards events on a buffered
// channel, dropping when it is full.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewZapAuditSink returns a sink that logs each event on logger.
func NewZapAuditSink(logger *zap.Logger) *audit.ZapSink {
	return audit.NewZapSink(logger)
}

// Registration describes a new local account.
type Registration struct {
	Username    string
	Password    string
	UserID      string
	DisplayName string
	Email       string
	Mobile      string
	MFAEnabled  bool
	Authorities []string
	Groups      []string
}

// ContactVerification is the caller-safe view of a sent verification
// link. The token itself only travels through the notifier.
type ContactVerification struct {
	Field       identity.Contact
	Destination string
	ExpiresAt   time.Time
}

// ContactChangeResult is the outcome of ChangeContact.
type ContactChangeResult struct {
	Identity      *identity.Identity
	Verifications []*ContactVerification
}
