package fedauth

import (
	"context"

	"github.com/MrEthical07/fedauth/identity"
)

// LockIdentity imposes an operator lock. Successful sign-ins never clear
// it; only UnlockIdentity does.
func (e *Engine) LockIdentity(ctx context.Context, username string) error {
	if err := e.ready(); err != nil {
		return err
	}
	key := identity.CanonicalUsername(username)
	if key == "" {
		return ErrInvalidRequest
	}
	if err := e.ledger.Lock(ctx, key); err != nil {
		if ctx.Err() != nil {
			return e.timeoutErr(ctx)
		}
		return backendErr(err)
	}
	e.emitAudit(ctx, auditEventIdentityLocked, true, key, "", "", "", nil, nil)
	return nil
}

// UnlockIdentity clears the ledger entry, whether the lock came from the
// failure counter or an operator.
func (e *Engine) UnlockIdentity(ctx context.Context, username string) error {
	if err := e.ready(); err != nil {
		return err
	}
	key := identity.CanonicalUsername(username)
	if key == "" {
		return ErrInvalidRequest
	}
	if err := e.ledger.Reset(ctx, key); err != nil {
		if ctx.Err() != nil {
			return e.timeoutErr(ctx)
		}
		return backendErr(err)
	}
	e.emitAudit(ctx, auditEventIdentityUnlocked, true, key, "", "", "", nil, nil)
	return nil
}

// IdentityStatus resolves username and projects its ledger entry onto the
// returned identity.
func (e *Engine) IdentityStatus(ctx context.Context, username string, source identity.Source) (*IdentityStatus, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	id, err := e.resolver.Resolve(ctx, username, source)
	if err != nil {
		return nil, e.resolveError(ctx, err, false)
	}
	st, err := e.ledgerState(ctx, id.Key())
	if err != nil {
		return nil, err
	}
	id.PasswordHash = ""
	id.Locked = st.Locked
	id.FailureCount = st.Failures
	return &IdentityStatus{
		Identity:       id,
		Locked:         st.Locked,
		Administrative: st.Administrative,
		FailureCount:   st.Failures,
	}, nil
}
