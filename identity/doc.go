// Package identity defines the normalized person record, the lookup contract
// implemented by each backing source, and the Resolver that chooses between
// sources.
//
// # Resolution order
//
// The local account store is consulted first and an enabled local record is
// authoritative. External sources follow in the order they were registered
// with [NewResolver], each bounded by its own timeout. A source that times
// out or fails is reported as unavailable ([ErrUnavailable]) rather than as
// not found, and never prevents a later source from answering.
//
// Federated principals are mapped by email with [Resolver.ResolveFederated],
// which may return several candidates. [Choose] validates a caller's choice
// against the candidates originally offered.
package identity
