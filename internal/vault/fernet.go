package vault

import (
	"fmt"

	"github.com/fernet/fernet-go"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// noTTL disables token age checks; recordings do not expire.
const noTTL = -1

// Seal encrypts plain into a Fernet token (version, timestamp, IV,
// AES-128-CBC ciphertext and HMAC-SHA256).
func Seal(plain []byte, key Key) ([]byte, error) {
	fk := fernet.Key(key)
	token, err := fernet.EncryptAndSign(plain, &fk)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	return token, nil
}

// Open verifies and decrypts a token produced by Seal. It never returns
// plaintext for a token that fails verification.
func Open(token []byte, key Key) ([]byte, error) {
	fk := fernet.Key(key)
	plain := fernet.VerifyAndDecrypt(token, noTTL, []*fernet.Key{&fk})
	if plain == nil {
		return nil, fmt.Errorf("%w: token did not verify", schema.ErrAuthenticationFailed)
	}
	return plain, nil
}
