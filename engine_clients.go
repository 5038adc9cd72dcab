package fedauth

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/fedauth/clients"
)

// RegisterClient creates a client and returns its secret. The secret is
// only ever returned here and by RotateClientSecret and DuplicateClient.
func (e *Engine) RegisterClient(ctx context.Context, clientID string, cfg clients.Config) (*clients.Client, string, error) {
	if err := e.ready(); err != nil {
		return nil, "", err
	}
	c, secret, err := e.clients.Register(ctx, clientID, cfg)
	if err != nil {
		err = clientError(err)
		e.emitAudit(ctx, auditEventClientRegistered, false, "", "", clientID, "", err, nil)
		return nil, "", err
	}
	e.metricInc(MetricClientRegistered)
	e.emitAudit(ctx, auditEventClientRegistered, true, "", "", c.ID, "", nil, nil)
	return c, secret, nil
}

// RotateClientSecret replaces one client's secret. Other members of its
// duplication group keep theirs.
func (e *Engine) RotateClientSecret(ctx context.Context, clientID string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	secret, err := e.clients.RotateSecret(ctx, clientID)
	if err != nil {
		err = clientError(err)
		e.emitAudit(ctx, auditEventClientSecretRotated, false, "", "", clientID, "", err, nil)
		return "", err
	}
	e.metricInc(MetricClientSecretRotated)
	e.emitAudit(ctx, auditEventClientSecretRotated, true, "", "", clientID, "", nil, nil)
	return secret, nil
}

// DuplicateClient adds a member to clientID's duplication group with a new
// secret. A full group returns ErrMaxDuplicatesReached.
func (e *Engine) DuplicateClient(ctx context.Context, clientID string) (*clients.Client, string, error) {
	if err := e.ready(); err != nil {
		return nil, "", err
	}
	c, secret, err := e.clients.Duplicate(ctx, clientID)
	if err != nil {
		err = clientError(err)
		e.emitAudit(ctx, auditEventClientDuplicated, false, "", "", clientID, "", err, nil)
		return nil, "", err
	}
	e.metricInc(MetricClientDuplicated)
	e.emitAudit(ctx, auditEventClientDuplicated, true, "", "", c.ID, "", nil, func() map[string]string {
		return map[string]string{"base_client_id": c.BaseID}
	})
	return c, secret, nil
}

// UpdateClient applies cfg to every member of clientID's group and returns
// how many were updated.
func (e *Engine) UpdateClient(ctx context.Context, clientID string, cfg clients.Config) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.clients.Update(ctx, clientID, cfg)
	if err != nil {
		err = clientError(err)
		e.emitAudit(ctx, auditEventClientUpdated, false, "", "", clientID, "", err, nil)
		return 0, err
	}
	e.metricInc(MetricClientUpdated)
	e.emitAudit(ctx, auditEventClientUpdated, true, "", "", clientID, "", nil, func() map[string]string {
		return map[string]string{"members": strconv.Itoa(n)}
	})
	return n, nil
}

// RemoveClient deletes one member of a duplication group.
func (e *Engine) RemoveClient(ctx context.Context, clientID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.clients.Remove(ctx, clientID); err != nil {
		err = clientError(err)
		e.emitAudit(ctx, auditEventClientRemoved, false, "", "", clientID, "", err, nil)
		return err
	}
	e.metricInc(MetricClientRemoved)
	e.emitAudit(ctx, auditEventClientRemoved, true, "", "", clientID, "", nil, nil)
	return nil
}

// AuthenticateClient checks a client secret. An unknown client and a wrong
// secret both return ErrInvalidClientSecret.
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, secret string) (*clients.Client, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, err := e.clients.Authenticate(ctx, clientID, secret)
	if err != nil {
		err = clientError(err)
		e.metricInc(MetricClientAuthFailure)
		e.emitAudit(ctx, auditEventClientAuthFailure, false, "", "", clientID, "", err, nil)
		return nil, err
	}
	return c, nil
}

func (e *Engine) GetClient(ctx context.Context, clientID string) (*clients.Client, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, err := e.clients.Get(ctx, clientID)
	if err != nil {
		return nil, clientError(err)
	}
	return c, nil
}

// ClientGroup lists clientID's duplication group ordered by ordinal.
func (e *Engine) ClientGroup(ctx context.Context, clientID string) ([]*clients.Client, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	group, err := e.clients.Group(ctx, clientID)
	if err != nil {
		return nil, clientError(err)
	}
	return group, nil
}

func clientError(err error) error {
	switch {
	case errors.Is(err, clients.ErrNotFound),
		errors.Is(err, clients.ErrExists),
		errors.Is(err, clients.ErrMaxDuplicatesReached),
		errors.Is(err, clients.ErrInvalidSecret),
		errors.Is(err, clients.ErrInvalidClient):
		return err
	default:
		return backendErr(err)
	}
}
