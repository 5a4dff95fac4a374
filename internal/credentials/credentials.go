// Package credentials implements the opaque enc:v1: codec between stored
// ciphertext and plaintext exchange credentials used at call time.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// Prefix tags every encrypted credential value.
const Prefix = "enc:v1:"

const keySize = 32
const nonceSize = 24

// ErrPlaintextNotAllowed is returned by DecryptMaybe when RequireEncrypted is
// set and the value is not enc:v1:-tagged.
var ErrPlaintextNotAllowed = errors.New("plaintext credential not allowed; expected enc:v1:* format")

// ErrNoMasterKey is returned when Encrypt/DecryptMaybe need the master key
// but none was configured.
var ErrNoMasterKey = errors.New("encryption requires security.encryption_master_key")

// ErrInvalidToken is returned when a tagged token fails to decrypt.
var ErrInvalidToken = errors.New("invalid encrypted credential token")

// Codec transforms between stored enc:v1: ciphertext and plaintext exchange
// credentials. It is the Go equivalent of original_source's
// CredentialsCodec, using nacl/secretbox (authenticated symmetric
// encryption) in place of Fernet.
type Codec struct {
	key             *[keySize]byte
	RequireEncrypted bool
}

// NewCodec builds a Codec from a master key. masterKey may be empty, in
// which case Encrypt/DecryptMaybe(tagged value) fail with ErrNoMasterKey;
// DecryptMaybe on plaintext still works when requireEncrypted is false.
// A non-empty masterKey must be standard or URL-safe base64 that decodes to
// exactly 32 bytes; any other value makes NewCodec return an error.
func NewCodec(masterKey string, requireEncrypted bool) (*Codec, error) {
	masterKey = strings.TrimSpace(masterKey)
	c := &Codec{RequireEncrypted: requireEncrypted}
	if masterKey == "" {
		return c, nil
	}
	key, err := decodeMasterKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption master key: %w", err)
	}
	c.key = key
	return c, nil
}

func decodeMasterKey(masterKey string) (*[keySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil || len(raw) != keySize {
		raw, err = base64.URLEncoding.DecodeString(masterKey)
	}
	if err != nil || len(raw) != keySize {
		return nil, fmt.Errorf("master key must decode to %d bytes", keySize)
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// DecryptMaybe returns the plaintext for value. If value is nil, it returns
// nil. If value is not enc:v1:-tagged: returns it unchanged when
// RequireEncrypted is false, otherwise returns ErrPlaintextNotAllowed.
func (c *Codec) DecryptMaybe(value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	text := *value
	if !strings.HasPrefix(text, Prefix) {
		if c.RequireEncrypted {
			return nil, ErrPlaintextNotAllowed
		}
		return &text, nil
	}
	if c.key == nil {
		return nil, ErrNoMasterKey
	}
	token, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(text, Prefix))
	if err != nil || len(token) < nonceSize {
		return nil, ErrInvalidToken
	}
	var nonce [nonceSize]byte
	copy(nonce[:], token[:nonceSize])
	plain, ok := secretbox.Open(nil, token[nonceSize:], &nonce, c.key)
	if !ok {
		return nil, ErrInvalidToken
	}
	out := string(plain)
	return &out, nil
}

// Encrypt produces an enc:v1:-tagged ciphertext for value. Returns nil for a
// nil value.
func (c *Codec) Encrypt(value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	if c.key == nil {
		return nil, ErrNoMasterKey
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(*value), &nonce, c.key)
	token := Prefix + base64.URLEncoding.EncodeToString(sealed)
	return &token, nil
}
