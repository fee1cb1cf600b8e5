// Package crypto wraps fernet tokens used to keep secrets encrypted while
// they sit in process memory.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

var ErrInvalidToken = errors.New("decrypt: invalid token")

// GenerateKey returns a fresh random fernet key.
func GenerateKey() (*fernet.Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	return &k, nil
}

// DecodeKey parses a base64 encoded fernet key. An empty string yields a
// newly generated key.
func DecodeKey(encoded string) (*fernet.Key, error) {
	if encoded == "" {
		return GenerateKey()
	}
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func Encrypt(key *fernet.Key, plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(key *fernet.Key, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
