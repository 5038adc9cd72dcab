// Package stores provides Redis-backed, short-lived records for the sign-in
// flows: challenge tokens with their one-time codes, pending login flows and
// token sessions.
//
// # Design
//
// Records are versioned JSON values with a TTL. Mutations that depend on the
// current value (code checks, code replacement) use WATCH/MULTI optimistic
// transactions with bounded retry; session rotation is a single Lua script.
// Challenge records outlive their logical expiry by a retention window so an
// expired token can be told apart from one that never existed.
//
// # What this package must NOT do
//
//   - Import fedauth or any identity source package.
//   - Store plaintext one-time codes.
//   - Make authentication decisions; callers interpret the sentinel errors.
package stores
