// Package sqlstore holds the relational side of fedauth: the local identity
// store, the SQL failure ledger and the client credential repository.
//
// Queries are written with ? placeholders and rebound for the connected
// driver, so the same code runs on Postgres (lib/pq) and SQLite
// (modernc.org/sqlite). Timestamps are stored as unix milliseconds and list
// columns as JSON text.
package sqlstore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
  username TEXT NOT NULL,
  source TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  email_verified BOOLEAN NOT NULL DEFAULT FALSE,
  secondary_email TEXT NOT NULL DEFAULT '',
  secondary_email_verified BOOLEAN NOT NULL DEFAULT FALSE,
  mobile TEXT NOT NULL DEFAULT '',
  mobile_verified BOOLEAN NOT NULL DEFAULT FALSE,
  mfa_preference TEXT NOT NULL DEFAULT 'EMAIL',
  mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  authorities TEXT NOT NULL DEFAULT '[]',
  user_groups TEXT NOT NULL DEFAULT '[]',
  password_hash TEXT NOT NULL DEFAULT '',
  last_login BIGINT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (username, source)
)`,
	`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
	`CREATE TABLE IF NOT EXISTS user_retries (
  username TEXT PRIMARY KEY,
  retry_count INTEGER NOT NULL DEFAULT 0,
  locked BOOLEAN NOT NULL DEFAULT FALSE,
  admin_locked BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
  client_id TEXT PRIMARY KEY,
  base_client_id TEXT NOT NULL,
  ordinal INTEGER NOT NULL DEFAULT 0,
  secret_hash TEXT NOT NULL,
  grant_types TEXT NOT NULL DEFAULT '[]',
  scopes TEXT NOT NULL DEFAULT '[]',
  redirect_uris TEXT NOT NULL DEFAULT '[]',
  authorities TEXT NOT NULL DEFAULT '[]',
  mfa_policy TEXT NOT NULL DEFAULT 'none',
  access_token_ttl_seconds BIGINT NOT NULL DEFAULT 0,
  include_display_name BOOLEAN NOT NULL DEFAULT FALSE,
  team TEXT NOT NULL DEFAULT '',
  hosting TEXT NOT NULL DEFAULT '',
  secret_location TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  secret_updated_at BIGINT NOT NULL,
  last_accessed BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_clients_base ON oauth_clients(base_client_id)`,
}

// EnsureSchema creates the tables if they do not exist. It is idempotent.
// Production deployments are expected to manage the schema with migrations.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// jsonList stores a string slice as a JSON array in a TEXT column.
type jsonList []string

func (l jsonList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *jsonList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("jsonList: unsupported type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
