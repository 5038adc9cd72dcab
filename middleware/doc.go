// Package middleware guards HTTP handlers with fedauth access tokens.
//
//   - [RequireJWTOnly] checks signature and claims only.
//   - [RequireStrict] also requires the token to be its session's current
//     access token, so logged-out and rotated tokens are refused.
//   - [RequireScope] and [RequireAuthority] run after a guard and check the
//     validated principal.
//
// Guards read the Authorization header, delegate to the engine, and put the
// resulting principal on the request context. Rejections are plain-text
// bodies with a status derived from [fedauth.KindOf].
package middleware
