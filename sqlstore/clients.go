package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/MrEthical07/fedauth/clients"
)

const clientColumns = `client_id, base_client_id, ordinal, secret_hash,
  grant_types, scopes, redirect_uris, authorities, mfa_policy,
  access_token_ttl_seconds, include_display_name, team, hosting, secret_location,
  created_at, secret_updated_at, last_accessed`

type clientRow struct {
	ID                 string   `db:"client_id"`
	BaseID             string   `db:"base_client_id"`
	Ordinal            int      `db:"ordinal"`
	SecretHash         string   `db:"secret_hash"`
	GrantTypes         jsonList `db:"grant_types"`
	Scopes             jsonList `db:"scopes"`
	RedirectURIs       jsonList `db:"redirect_uris"`
	Authorities        jsonList `db:"authorities"`
	MFAPolicy          string   `db:"mfa_policy"`
	AccessTTLSeconds   int64    `db:"access_token_ttl_seconds"`
	IncludeDisplayName bool     `db:"include_display_name"`
	Team               string   `db:"team"`
	Hosting            string   `db:"hosting"`
	SecretLocation     string   `db:"secret_location"`
	CreatedAt          int64    `db:"created_at"`
	SecretUpdatedAt    int64    `db:"secret_updated_at"`
	LastAccessed       int64    `db:"last_accessed"`
}

func (r *clientRow) client() *clients.Client {
	return &clients.Client{
		ID:         r.ID,
		BaseID:     r.BaseID,
		Ordinal:    r.Ordinal,
		SecretHash: r.SecretHash,
		Config: clients.Config{
			GrantTypes:         []string(r.GrantTypes),
			Scopes:             []string(r.Scopes),
			RedirectURIs:       []string(r.RedirectURIs),
			Authorities:        []string(r.Authorities),
			MFA:                clients.MFAPolicy(r.MFAPolicy),
			AccessTokenTTL:     time.Duration(r.AccessTTLSeconds) * time.Second,
			IncludeDisplayName: r.IncludeDisplayName,
			Deployment: clients.Deployment{
				Team:           r.Team,
				Hosting:        r.Hosting,
				SecretLocation: r.SecretLocation,
			},
		},
		CreatedAt:       fromMillis(r.CreatedAt),
		SecretUpdatedAt: fromMillis(r.SecretUpdatedAt),
		LastAccessed:    fromMillis(r.LastAccessed),
	}
}

// ClientStore implements clients.Store over the oauth_clients table.
type ClientStore struct {
	db *sqlx.DB
}

// NewClientStore returns a repository over db.
func NewClientStore(db *sqlx.DB) *ClientStore {
	return &ClientStore{db: db}
}

// Get implements clients.Store.
func (s *ClientStore) Get(ctx context.Context, id string) (*clients.Client, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clients.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return row.client(), nil
}

// Group implements clients.Store.
func (s *ClientStore) Group(ctx context.Context, baseID string) ([]*clients.Client, error) {
	var rows []clientRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+clientColumns+` FROM oauth_clients WHERE base_client_id = ? ORDER BY ordinal`), baseID)
	if err != nil {
		return nil, fmt.Errorf("list client group: %w", err)
	}
	out := make([]*clients.Client, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].client())
	}
	return out, nil
}

// Create implements clients.Store. The group size check and the insert run
// in one transaction; on Postgres the existing members are row-locked, and
// two concurrent inserts of the same next ordinal collide on the primary key.
func (s *ClientStore) Create(ctx context.Context, c *clients.Client, maxMembers int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer tx.Rollback()

	if maxMembers > 0 {
		q := `SELECT client_id FROM oauth_clients WHERE base_client_id = ?`
		if s.db.DriverName() == "postgres" {
			q += ` FOR UPDATE`
		}
		var members []string
		if err := tx.SelectContext(ctx, &members, tx.Rebind(q), c.BaseID); err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		if len(members) >= maxMembers {
			return clients.ErrMaxDuplicatesReached
		}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO oauth_clients (`+clientColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.BaseID, c.Ordinal, c.SecretHash,
		jsonList(c.Config.GrantTypes), jsonList(c.Config.Scopes), jsonList(c.Config.RedirectURIs), jsonList(c.Config.Authorities),
		string(c.Config.MFA), int64(c.Config.AccessTokenTTL/time.Second), c.Config.IncludeDisplayName,
		c.Config.Deployment.Team, c.Config.Deployment.Hosting, c.Config.Deployment.SecretLocation,
		toMillis(c.CreatedAt), toMillis(c.SecretUpdatedAt), toMillis(c.LastAccessed))
	if isUniqueViolation(err) {
		return clients.ErrExists
	}
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// UpdateSecret implements clients.Store.
func (s *ClientStore) UpdateSecret(ctx context.Context, id, secretHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE oauth_clients SET secret_hash = ?, secret_updated_at = ? WHERE client_id = ?`),
		secretHash, toMillis(at), id)
	return wrapClientErr("update client secret", checkAffected(res, err, clients.ErrNotFound))
}

// UpdateGroupConfig implements clients.Store. Every member is updated by a
// single statement.
func (s *ClientStore) UpdateGroupConfig(ctx context.Context, baseID string, cfg clients.Config) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE oauth_clients SET
  grant_types = ?, scopes = ?, redirect_uris = ?, authorities = ?,
  mfa_policy = ?, access_token_ttl_seconds = ?, include_display_name = ?,
  team = ?, hosting = ?, secret_location = ?
WHERE base_client_id = ?`),
		jsonList(cfg.GrantTypes), jsonList(cfg.Scopes), jsonList(cfg.RedirectURIs), jsonList(cfg.Authorities),
		string(cfg.MFA), int64(cfg.AccessTokenTTL/time.Second), cfg.IncludeDisplayName,
		cfg.Deployment.Team, cfg.Deployment.Hosting, cfg.Deployment.SecretLocation,
		baseID)
	if err != nil {
		return 0, fmt.Errorf("update client group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update client group: %w", err)
	}
	if n == 0 {
		return 0, clients.ErrNotFound
	}
	return int(n), nil
}

// Delete implements clients.Store.
func (s *ClientStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_clients WHERE client_id = ?`), id)
	return wrapClientErr("delete client", checkAffected(res, err, clients.ErrNotFound))
}

// TouchLastAccessed implements clients.Store.
func (s *ClientStore) TouchLastAccessed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE oauth_clients SET last_accessed = ? WHERE client_id = ?`), toMillis(at), id)
	return wrapClientErr("touch client", checkAffected(res, err, clients.ErrNotFound))
}

func wrapClientErr(op string, err error) error {
	if err == nil || errors.Is(err, clients.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ clients.Store = (*ClientStore)(nil)
