package fedauth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal/audit"
	"github.com/MrEthical07/fedauth/internal/rate"
	"github.com/MrEthical07/fedauth/internal/stores"
	"github.com/MrEthical07/fedauth/jwt"
	"github.com/MrEthical07/fedauth/lockout"
	"github.com/MrEthical07/fedauth/password"
	"github.com/MrEthical07/fedauth/verification"
)

const purposeLogin = "login"

// Engine runs sign-in, MFA, token and client lifecycle flows. It is safe
// for concurrent use; all per-identity state lives in the ledger and the
// Redis stores.
type Engine struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	resolver *identity.Resolver
	local    identity.LocalStore
	ledger   lockout.Ledger
	hasher   *password.Hasher
	jwt      *jwt.Manager

	challenges  *stores.ChallengeStore
	flows       *stores.FlowStore
	sessions    *stores.SessionStore
	rateLimiter *rate.Limiter

	clients  *clients.Manager
	notifier Notifier
	verifier *verification.Dispatcher
	audit    *audit.Dispatcher
	metrics  *Metrics

	approved []netip.Prefix
}

// passwordSetter is implemented by local stores that accept rehashed
// credentials.
type passwordSetter interface {
	SetPasswordHash(ctx context.Context, username, hash string) error
}

// Close flushes the audit and verification queues.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
	e.verifier.Close()
}

// AuditDropped returns the number of audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
	}
	return e.metrics.Snapshot()
}

// KeySet publishes the signing key ring as a JWKS.
func (e *Engine) KeySet() jwt.KeySet {
	return e.jwt.KeySet()
}

func (e *Engine) ready() error {
	if e == nil || e.resolver == nil || e.jwt == nil {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) timeoutErr(ctx context.Context) error {
	e.metricInc(MetricRequestTimeout)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return ErrRequestTimeout
}

// resolveError maps a resolver failure. For credential checks an unknown
// identity is reported as invalid credentials.
func (e *Engine) resolveError(ctx context.Context, err error, credentialCheck bool) error {
	switch {
	case ctx.Err() != nil,
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return e.timeoutErr(ctx)
	case errors.Is(err, identity.ErrEmptyIdentifier):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case errors.Is(err, identity.ErrNotFound):
		if credentialCheck {
			return ErrInvalidCredentials
		}
		return ErrIdentityNotFound
	case errors.Is(err, identity.ErrUnavailable):
		e.metricInc(MetricSourceUnavailable)
		return err
	default:
		return backendErr(err)
	}
}

func (e *Engine) ledgerState(ctx context.Context, key string) (lockout.State, error) {
	st, err := e.ledger.State(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return lockout.State{}, e.timeoutErr(ctx)
		}
		return lockout.State{}, backendErr(err)
	}
	return st, nil
}

// countFailure records one counted failure. A request whose context has
// already ended is not counted.
func (e *Engine) countFailure(ctx context.Context, key string) (lockout.State, error) {
	if ctx.Err() != nil {
		return lockout.State{}, e.timeoutErr(ctx)
	}
	st, err := e.ledger.RecordFailure(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return lockout.State{}, e.timeoutErr(ctx)
		}
		return lockout.State{}, backendErr(err)
	}
	return st, nil
}

func (e *Engine) recordSuccess(ctx context.Context, key string) error {
	st, err := e.ledger.RecordSuccess(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return e.timeoutErr(ctx)
		}
		return backendErr(err)
	}
	if st.Locked {
		return ErrAccountLocked
	}
	return nil
}

// checkUsable refuses locked and disabled identities.
func (e *Engine) checkUsable(ctx context.Context, id *identity.Identity) error {
	st, err := e.ledgerState(ctx, id.Key())
	if err != nil {
		return err
	}
	if st.Locked {
		e.metricInc(MetricLoginLocked)
		return ErrAccountLocked
	}
	if !id.Enabled {
		return ErrAccountDisabled
	}
	return nil
}

// mfaRequired applies the identity flag and the client policy.
func (e *Engine) mfaRequired(ctx context.Context, id *identity.Identity, client *clients.Client) bool {
	if id.MFAEnabled {
		return true
	}
	switch client.Config.MFA {
	case clients.MFAAll:
		return true
	case clients.MFAUntrusted:
		return !e.trusted(clientIPFromContext(ctx))
	default:
		return false
	}
}

// trusted reports whether ip is inside an approved range. A missing or
// unparsable address is untrusted.
func (e *Engine) trusted(ip string) bool {
	addr, ok := parseClientIP(ip)
	if !ok {
		return false
	}
	for _, p := range e.approved {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// loginClient loads the client a login is performed for.
func (e *Engine) loginClient(ctx context.Context, clientID string) (*clients.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidRequest)
	}
	c, err := e.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, backendErr(err)
	}
	return c, nil
}

func subjectOf(id *identity.Identity) stores.Subject {
	return stores.Subject{
		Username:    id.Key(),
		Source:      string(id.Source),
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Authorities: append([]string(nil), id.Authorities...),
	}
}

// recordLogin stamps the local record. Failures are logged only.
func (e *Engine) recordLogin(ctx context.Context, username string, source identity.Source) {
	if e.local == nil {
		return
	}
	if err := e.local.RecordLogin(ctx, username, source, e.now()); err != nil && !errors.Is(err, identity.ErrNotFound) {
		e.logger.Warn("fedauth: record login failed",
			zap.String("username", username),
			zap.String("source", string(source)),
			zap.Error(err),
		)
	}
}
