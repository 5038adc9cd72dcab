// Package fedauth is a federated sign-in and token-issuance engine.
//
// It authenticates a principal against one of several identity sources,
// challenges for a one-time code when the person or the client requires
// it, resolves ambiguity when a directory principal maps to several
// accounts, and issues, refreshes and revokes signed session tokens. It
// also fronts the client credential lifecycle (registration, rotation and
// bounded duplication).
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// fedauth is the public surface: [Engine], [Builder], [Config] and the
// request/result value types. Identity sources live behind
// [identity.Adapter], the failure ledger behind [lockout.Ledger] and client
// persistence behind [clients.Store]. Challenge, flow and session records,
// throttles and the audit pipeline live under internal/ and are never
// exported.
//
// # Failure accounting
//
// A single counter per identity is shared by password and one-time-code
// failures. Reaching the threshold locks the identity for every factor
// until a successful sign-in or an operator reset. Expected outcomes are
// returned as sentinel errors; [KindOf] maps any returned error to a coarse
// [Kind] for transport layers.
package fedauth
