package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	opaqueTokenSize = 32
	sessionIDSize   = 16
	minCodeDigits   = 4
	maxCodeDigits   = 10
)

// NewOpaqueToken returns a random base64url value for challenge tokens,
// continuation tokens and flow ids.
func NewOpaqueToken() (string, error) {
	var raw [opaqueTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidOpaqueToken reports whether s has the shape NewOpaqueToken produces.
func ValidOpaqueToken(s string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(raw) == opaqueTokenSize
}

// NewSessionID returns a compact random session id shared by an
// access/refresh pair.
func NewSessionID() (string, error) {
	var sid [sessionIDSize]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sid[:]), nil
}

// NewCode returns a uniformly random numeric code of the given length.
func NewCode(digits int) (string, error) {
	if digits < minCodeDigits || digits > maxCodeDigits {
		return "", errors.New("invalid code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	code := b.String()
	if len(code) != digits {
		return "", fmt.Errorf("invalid code generation length")
	}
	return code, nil
}

// HashCode returns the hex SHA-256 digest stored in place of a code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CodeMatches compares a submitted code against a stored digest in constant
// time.
func CodeMatches(digest, submitted string) bool {
	got := HashCode(submitted)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(got)) == 1
}
