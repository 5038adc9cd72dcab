// Package internal contains helper utilities that are private to fedauth,
// mainly secure random generation for tokens, codes and secrets.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - rate: Redis-backed fixed-window throttles
//   - security: posture report behind Engine.SecurityReport
//   - stores: Redis persistence for challenges, login flows and sessions
//
// # What this package must NOT do
//
//   - Be imported by any package outside the fedauth module.
package internal
