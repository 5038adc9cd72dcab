// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, zap logger, no-op).
//   - [Dispatcher]: buffered async relay that may drop routine events on a full buffer
//     but always waits for critical ones.
//   - [Event]: structured audit record with timestamp, type, user, source, client, IP, metadata.
//
// This package owns event buffering and sink delivery. It does not decide
// which events to emit; the Engine does.
package audit
