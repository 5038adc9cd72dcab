// Package jwt signs and verifies access and refresh tokens with an
// asymmetric key ring.
//
// The active key signs every token and its id is written to the "kid"
// header. Retired public keys stay in the ring so tokens issued before a
// rotation keep verifying until they expire. [Manager.KeySet] publishes the
// ring as a JSON Web Key Set for downstream verifiers.
package jwt
