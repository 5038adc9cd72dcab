// Package rate provides Redis-backed fixed-window throttles for the sign-in
// paths.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - fri: failed logins per client IP
//   - frr: code resends per challenge token
//
// Throttles are independent of the lockout ledger: they never lock an
// account, they only refuse work for the rest of the window.
package rate
