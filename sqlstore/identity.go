package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/MrEthical07/fedauth/identity"
)

const userColumns = `username, source, user_id, display_name,
  email, email_verified, secondary_email, secondary_email_verified,
  mobile, mobile_verified, mfa_preference, mfa_enabled, enabled,
  authorities, user_groups, password_hash, last_login`

type userRow struct {
	Username               string   `db:"username"`
	Source                 string   `db:"source"`
	UserID                 string   `db:"user_id"`
	DisplayName            string   `db:"display_name"`
	Email                  string   `db:"email"`
	EmailVerified          bool     `db:"email_verified"`
	SecondaryEmail         string   `db:"secondary_email"`
	SecondaryEmailVerified bool     `db:"secondary_email_verified"`
	Mobile                 string   `db:"mobile"`
	MobileVerified         bool     `db:"mobile_verified"`
	MFAPreference          string   `db:"mfa_preference"`
	MFAEnabled             bool     `db:"mfa_enabled"`
	Enabled                bool     `db:"enabled"`
	Authorities            jsonList `db:"authorities"`
	Groups                 jsonList `db:"user_groups"`
	PasswordHash           string   `db:"password_hash"`
	LastLogin              int64    `db:"last_login"`
}

func (r *userRow) identity() *identity.Identity {
	return &identity.Identity{
		Username:               r.Username,
		Source:                 identity.Source(r.Source),
		UserID:                 r.UserID,
		DisplayName:            r.DisplayName,
		Email:                  r.Email,
		EmailVerified:          r.EmailVerified,
		SecondaryEmail:         r.SecondaryEmail,
		SecondaryEmailVerified: r.SecondaryEmailVerified,
		Mobile:                 r.Mobile,
		MobileVerified:         r.MobileVerified,
		MFAPreference:          identity.MFAPreference(r.MFAPreference),
		MFAEnabled:             r.MFAEnabled,
		Enabled:                r.Enabled,
		Authorities:            []string(r.Authorities),
		Groups:                 []string(r.Groups),
		PasswordHash:           r.PasswordHash,
		LastLogin:              fromMillis(r.LastLogin),
	}
}

// ContactUpdate changes contact fields of a local identity.
type ContactUpdate = identity.ContactChange

// IdentityStore is the local account store. It implements
// identity.LocalStore.
type IdentityStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewIdentityStore returns a store over db.
func NewIdentityStore(db *sqlx.DB) *IdentityStore {
	return &IdentityStore{db: db, now: time.Now}
}

// Source implements identity.Adapter.
func (s *IdentityStore) Source() identity.Source { return identity.SourceLocal }

// Lookup implements identity.Adapter. Only records owned by this service
// are returned; mirrors of other sources are not authoritative.
func (s *IdentityStore) Lookup(ctx context.Context, username string) (*identity.Identity, error) {
	return s.Get(ctx, username, identity.SourceLocal)
}

// Get returns the record for username in source.
func (s *IdentityStore) Get(ctx context.Context, username string, source identity.Source) (*identity.Identity, error) {
	q := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE username = ? AND source = ?`)
	var row userRow
	err := s.db.GetContext(ctx, &row, q, identity.CanonicalUsername(username), string(source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return row.identity(), nil
}

// LookupByEmail implements identity.EmailLookup. Mirrors are included so
// sources without an email index can still be offered as candidates.
func (s *IdentityStore) LookupByEmail(ctx context.Context, email string) ([]*identity.Identity, error) {
	q := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ? ORDER BY source, username`)
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, q, identity.CanonicalEmail(email)); err != nil {
		return nil, fmt.Errorf("lookup users by email: %w", err)
	}
	out := make([]*identity.Identity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].identity())
	}
	return out, nil
}

// Create inserts a local identity. The username must be free in the local
// source.
func (s *IdentityStore) Create(ctx context.Context, id *identity.Identity) error {
	rec := id.Clone()
	rec.Normalize()
	rec.Source = identity.SourceLocal
	if rec.Username == "" {
		return identity.ErrEmptyIdentifier
	}
	now := toMillis(s.now())
	q := s.db.Rebind(`INSERT INTO users (` + userColumns + `, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, append(userArgs(rec), now, now)...)
	if isUniqueViolation(err) {
		return identity.ErrExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpsertMirror implements identity.LocalStore. The administrative flag and
// verification state of an existing mirror are refreshed from the source;
// the stored password hash and last-login stamp are kept.
func (s *IdentityStore) UpsertMirror(ctx context.Context, id *identity.Identity) error {
	rec := id.Clone()
	rec.Normalize()
	if rec.Source == identity.SourceLocal {
		return fmt.Errorf("upsert mirror: %q is a local identity", rec.Username)
	}
	rec.PasswordHash = ""
	rec.LastLogin = time.Time{}
	now := toMillis(s.now())
	q := s.db.Rebind(`INSERT INTO users (` + userColumns + `, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (username, source) DO UPDATE SET
  user_id = excluded.user_id,
  display_name = excluded.display_name,
  email = excluded.email,
  email_verified = excluded.email_verified,
  secondary_email = excluded.secondary_email,
  secondary_email_verified = excluded.secondary_email_verified,
  mobile = excluded.mobile,
  mobile_verified = excluded.mobile_verified,
  mfa_preference = excluded.mfa_preference,
  mfa_enabled = excluded.mfa_enabled,
  enabled = excluded.enabled,
  authorities = excluded.authorities,
  user_groups = excluded.user_groups,
  updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, append(userArgs(rec), now, now)...); err != nil {
		return fmt.Errorf("upsert mirror: %w", err)
	}
	return nil
}

// RecordLogin implements identity.LocalStore. A missing row is not an
// error; mirroring may be disabled.
func (s *IdentityStore) RecordLogin(ctx context.Context, username string, source identity.Source, at time.Time) error {
	q := s.db.Rebind(`UPDATE users SET last_login = ?, updated_at = ? WHERE username = ? AND source = ?`)
	if _, err := s.db.ExecContext(ctx, q, toMillis(at), toMillis(s.now()),
		identity.CanonicalUsername(username), string(source)); err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// UpdateContact applies a contact change to a local identity. Any field
// whose value changes loses its verified flag.
func (s *IdentityStore) UpdateContact(ctx context.Context, username string, upd ContactUpdate) (*identity.Identity, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	defer tx.Rollback()

	username = identity.CanonicalUsername(username)
	var row userRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+userColumns+` FROM users WHERE username = ? AND source = ?`),
		username, string(identity.SourceLocal))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}

	apply := func(field *string, verified *bool, next *string, canon func(string) string) {
		if next == nil {
			return
		}
		v := canon(*next)
		if v != *field {
			*field = v
			*verified = false
		}
	}
	apply(&row.Email, &row.EmailVerified, upd.Email, identity.CanonicalEmail)
	apply(&row.SecondaryEmail, &row.SecondaryEmailVerified, upd.SecondaryEmail, identity.CanonicalEmail)
	apply(&row.Mobile, &row.MobileVerified, upd.Mobile, strings.TrimSpace)

	_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET
  email = ?, email_verified = ?,
  secondary_email = ?, secondary_email_verified = ?,
  mobile = ?, mobile_verified = ?,
  updated_at = ?
WHERE username = ? AND source = ?`),
		row.Email, row.EmailVerified,
		row.SecondaryEmail, row.SecondaryEmailVerified,
		row.Mobile, row.MobileVerified,
		toMillis(s.now()), username, string(identity.SourceLocal))
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	return row.identity(), nil
}

// MarkVerified sets the verified flag of one contact field of a local
// identity.
func (s *IdentityStore) MarkVerified(ctx context.Context, username string, field identity.Contact) error {
	var col string
	switch field {
	case identity.ContactEmail:
		col = "email_verified"
	case identity.ContactSecondaryEmail:
		col = "secondary_email_verified"
	case identity.ContactMobile:
		col = "mobile_verified"
	default:
		return fmt.Errorf("mark verified: unknown contact field %q", field)
	}
	return s.updateLocal(ctx, username, `UPDATE users SET `+col+` = ?, updated_at = ? WHERE username = ? AND source = ?`, true)
}

// SetEnabled flips the administrative flag of a record in any source.
func (s *IdentityStore) SetEnabled(ctx context.Context, username string, source identity.Source, enabled bool) error {
	q := s.db.Rebind(`UPDATE users SET enabled = ?, updated_at = ? WHERE username = ? AND source = ?`)
	res, err := s.db.ExecContext(ctx, q, enabled, toMillis(s.now()), identity.CanonicalUsername(username), string(source))
	return checkAffected(res, err, identity.ErrNotFound)
}

// SetPasswordHash replaces the password hash of a local identity.
func (s *IdentityStore) SetPasswordHash(ctx context.Context, username, hash string) error {
	return s.updateLocal(ctx, username, `UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ? AND source = ?`, hash)
}

func (s *IdentityStore) updateLocal(ctx context.Context, username, q string, value any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), value, toMillis(s.now()),
		identity.CanonicalUsername(username), string(identity.SourceLocal))
	return checkAffected(res, err, identity.ErrNotFound)
}

func userArgs(id *identity.Identity) []any {
	return []any{
		id.Username, string(id.Source), id.UserID, id.DisplayName,
		id.Email, id.EmailVerified, id.SecondaryEmail, id.SecondaryEmailVerified,
		id.Mobile, id.MobileVerified, string(id.MFAPreference), id.MFAEnabled, id.Enabled,
		jsonList(id.Authorities), jsonList(id.Groups), id.PasswordHash, toMillis(id.LastLogin),
	}
}

func checkAffected(res sql.Result, err error, missing error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ identity.LocalStore   = (*IdentityStore)(nil)
	_ identity.AccountStore = (*IdentityStore)(nil)
)
