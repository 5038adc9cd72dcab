package jwt

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// JWK is one entry of a published key set.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
}

// KeySet is a JSON Web Key Set.
type KeySet struct {
	Keys []JWK `json:"keys"`
}

func parsePrivateKey(method SigningMethod, key []byte) (crypto.Signer, error) {
	switch method {
	case MethodRS256:
		k, err := jwt.ParseRSAPrivateKeyFromPEM(key)
		if err != nil {
			return nil, errors.New("invalid rsa private key")
		}
		if k.N.BitLen() < 2048 {
			return nil, errors.New("rsa private key must be at least 2048 bits")
		}
		return k, nil
	case MethodEd25519:
		if len(key) == ed25519.PrivateKeySize {
			return ed25519.PrivateKey(key), nil
		}
		parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
		if err != nil {
			return nil, errors.New("invalid ed25519 private key")
		}
		k, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("invalid ed25519 private key type")
		}
		return k, nil
	default:
		return nil, errors.New("unsupported signing method")
	}
}

func parsePublicKey(method SigningMethod, key []byte) (crypto.PublicKey, error) {
	switch method {
	case MethodRS256:
		k, err := jwt.ParseRSAPublicKeyFromPEM(key)
		if err != nil {
			return nil, errors.New("invalid rsa public key")
		}
		return k, nil
	case MethodEd25519:
		if len(key) == ed25519.PublicKeySize {
			return ed25519.PublicKey(key), nil
		}
		parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
		if err != nil {
			return nil, errors.New("invalid ed25519 public key")
		}
		k, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("invalid ed25519 public key type")
		}
		return k, nil
	default:
		return nil, errors.New("unsupported signing method")
	}
}

// DeriveKeyID returns a stable id for a public key: the base64url of the
// first 8 bytes of the SHA-256 of its PKIX encoding.
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}

func toJWK(kid string, pub crypto.PublicKey) (JWK, bool) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: jwt.SigningMethodRS256.Alg(),
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(k.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
		}, true
	case ed25519.PublicKey:
		return JWK{
			Kty: "OKP",
			Use: "sig",
			Alg: jwt.SigningMethodEdDSA.Alg(),
			Kid: kid,
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(k),
		}, true
	}
	return JWK{}, false
}
