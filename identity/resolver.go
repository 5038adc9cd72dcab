package identity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultLookupTimeout bounds each adapter call unless overridden.
const DefaultLookupTimeout = 2 * time.Second

// Resolver queries the local store and an ordered list of external
// adapters to find the identity behind an identifier.
type Resolver struct {
	local    LocalStore
	adapters []Adapter
	timeout  time.Duration
	mirror   bool
	logger   *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets the per-adapter lookup budget.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMirroring controls whether identities found in external sources are
// written to the local store on first sight.
func WithMirroring(enabled bool) Option {
	return func(r *Resolver) {
		r.mirror = enabled
	}
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver builds a resolver. Adapters are consulted in the order given.
// local may be nil when the deployment has no account store of its own.
func NewResolver(local LocalStore, adapters []Adapter, opts ...Option) *Resolver {
	r := &Resolver{
		local:    local,
		adapters: append([]Adapter(nil), adapters...),
		timeout:  DefaultLookupTimeout,
		mirror:   true,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adapter returns the adapter registered for source, including the local
// store.
func (r *Resolver) Adapter(source Source) (Adapter, bool) {
	if source == SourceLocal && r.local != nil {
		return r.local, true
	}
	for _, a := range r.adapters {
		if a.Source() == source {
			return a, true
		}
	}
	return nil, false
}

// Resolve finds the identity for a username. An enabled local record wins
// outright; otherwise adapters are tried in priority order. A disabled local
// record is returned only when no external source knows the username.
//
// When no source finds the identity and at least one was unavailable, the
// first unavailable source is reported as a *SourceError.
func (r *Resolver) Resolve(ctx context.Context, username string, hint Source) (*Identity, error) {
	username = CanonicalUsername(username)
	if username == "" {
		return nil, ErrEmptyIdentifier
	}

	var disabled *Identity
	if r.local != nil && (hint == "" || hint == SourceUnset || hint == SourceLocal) {
		id, err := r.lookup(ctx, r.local, username)
		switch {
		case err == nil && id.Enabled:
			return id, nil
		case err == nil:
			disabled = id
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !errors.Is(err, ErrNotFound):
			if hint == SourceLocal {
				return nil, err
			}
			r.logger.Warn("identity: local lookup failed", zap.String("username", username), zap.Error(err))
		}
		if hint == SourceLocal {
			if disabled != nil {
				return disabled, nil
			}
			return nil, ErrNotFound
		}
	}

	var unavailable error
	for _, a := range r.adapters {
		if hint.Valid() && hint != SourceLocal && a.Source() != hint {
			continue
		}
		id, err := r.lookup(ctx, a, username)
		if err == nil {
			r.materialize(ctx, id)
			return id, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		r.logger.Warn("identity: source unavailable",
			zap.String("source", string(a.Source())),
			zap.String("username", username),
			zap.Error(err),
		)
		if unavailable == nil {
			unavailable = err
		}
	}

	if disabled != nil {
		return disabled, nil
	}
	if unavailable != nil {
		return nil, unavailable
	}
	return nil, ErrNotFound
}

// ResolveEmail finds the local account registered against email. Only an
// unambiguous, enabled local record is returned; zero or several matches
// report ErrNotFound. Mirrors are not eligible since they do not carry a
// password owned by this service.
func (r *Resolver) ResolveEmail(ctx context.Context, email string) (*Identity, error) {
	email = CanonicalEmail(email)
	if email == "" {
		return nil, ErrEmptyIdentifier
	}
	if r.local == nil {
		return nil, ErrNotFound
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	found, err := r.local.LookupByEmail(lctx, email)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, r.classify(SourceLocal, err)
	}

	var match *Identity
	for _, id := range found {
		if id == nil {
			continue
		}
		id.Normalize()
		if id.Source != SourceLocal || !id.Enabled {
			continue
		}
		if match != nil {
			return nil, ErrNotFound
		}
		match = id
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// ResolveFederated maps a directory principal's email to every identity
// registered against it. All sources are queried in parallel, each within
// its own timeout. Disabled records are not offered.
func (r *Resolver) ResolveFederated(ctx context.Context, email string) (*Resolution, error) {
	email = CanonicalEmail(email)
	if email == "" {
		return nil, ErrEmptyIdentifier
	}

	var lookups []Adapter
	if r.local != nil {
		lookups = append(lookups, r.local)
	}
	for _, a := range r.adapters {
		if _, ok := a.(EmailLookup); ok {
			lookups = append(lookups, a)
		}
	}

	results := make([][]*Identity, len(lookups))
	errs := make([]error, len(lookups))

	var g errgroup.Group
	for i, a := range lookups {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			found, err := a.(EmailLookup).LookupByEmail(actx, email)
			if err != nil && !errors.Is(err, ErrNotFound) {
				errs[i] = r.classify(a.Source(), err)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	seen := make(map[Candidate]struct{})
	var candidates []*Identity
	var unavailable error
	for i := range lookups {
		if errs[i] != nil {
			r.logger.Warn("identity: federated lookup failed",
				zap.String("source", string(lookups[i].Source())),
				zap.Error(errs[i]),
			)
			if unavailable == nil {
				unavailable = errs[i]
			}
			continue
		}
		for _, id := range results[i] {
			if id == nil || !id.Enabled {
				continue
			}
			id.Normalize()
			ref := CandidateOf(id)
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			candidates = append(candidates, id)
		}
	}

	switch len(candidates) {
	case 0:
		if unavailable != nil {
			return nil, unavailable
		}
		return nil, ErrNotFound
	case 1:
		r.materialize(ctx, candidates[0])
		return &Resolution{Identity: candidates[0]}, nil
	default:
		return &Resolution{Candidates: candidates}, nil
	}
}

func (r *Resolver) lookup(ctx context.Context, a Adapter, username string) (*Identity, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := a.Lookup(actx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, r.classify(a.Source(), err)
	}
	if id == nil {
		return nil, ErrNotFound
	}
	id.Normalize()
	if !id.Source.Valid() {
		id.Source = a.Source()
	}
	return id, nil
}

func (r *Resolver) classify(source Source, err error) error {
	var se *SourceError
	if errors.As(err, &se) && errors.Is(err, ErrUnavailable) {
		return err
	}
	return Unavailable(source, err)
}

func (r *Resolver) materialize(ctx context.Context, id *Identity) {
	if !r.mirror || r.local == nil || id == nil || id.Source == SourceLocal {
		return
	}
	mirror := id.Clone()
	mirror.PasswordHash = ""
	if err := r.local.UpsertMirror(ctx, mirror); err != nil {
		r.logger.Warn("identity: mirror upsert failed",
			zap.String("username", id.Username),
			zap.String("source", string(id.Source)),
			zap.Error(err),
		)
	}
}
