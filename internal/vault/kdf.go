package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Salt is the fixed salt shared by every derivation. Containers written by
// earlier versions depend on it, so it cannot change without a format bump.
const Salt = "mouse_recorder_salt"

// KeySize is the length of a derived key in bytes.
const KeySize = 32

// Strength selects the PBKDF2 cost tier.
type Strength int

const (
	StrengthBasic  Strength = 1
	StrengthMedium Strength = 2
	StrengthHigh   Strength = 3
)

// Strengths lists every tier from cheapest to most expensive.
var Strengths = []Strength{StrengthBasic, StrengthMedium, StrengthHigh}

// Valid reports whether s is a known tier.
func (s Strength) Valid() bool {
	return s >= StrengthBasic && s <= StrengthHigh
}

// Iterations returns the PBKDF2 iteration count for s, or 0 for an unknown tier.
func (s Strength) Iterations() int {
	switch s {
	case StrengthBasic:
		return 100_000
	case StrengthMedium:
		return 200_000
	case StrengthHigh:
		return 400_000
	}
	return 0
}

// Key is a derived 32-byte symmetric key. The first half signs and the
// second half encrypts, following the Fernet key layout.
type Key [KeySize]byte

// Encode returns the URL-safe base64 form of the key.
func (k Key) Encode() string {
	return base64.URLEncoding.EncodeToString(k[:])
}

// DeriveKey derives the key for password at the given strength.
// The same inputs always produce the same key.
func DeriveKey(password string, strength Strength) (Key, error) {
	if !strength.Valid() {
		return Key{}, fmt.Errorf("unknown strength level %d", strength)
	}
	derived := pbkdf2.Key([]byte(password), []byte(Salt), strength.Iterations(), KeySize, sha256.New)

	var key Key
	copy(key[:], derived)
	return key, nil
}
