package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, keySize))
}

func strptr(s string) *string { return &s }

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCodec(testKey(), true)
	require.NoError(t, err)

	plain := strptr("super-secret-api-key")
	enc, err := c.Encrypt(plain)
	require.NoError(t, err)
	require.Contains(t, *enc, Prefix)

	got, err := c.DecryptMaybe(enc)
	require.NoError(t, err)
	require.Equal(t, *plain, *got)
}

func TestDecryptMaybeNil(t *testing.T) {
	c, err := NewCodec(testKey(), true)
	require.NoError(t, err)
	got, err := c.DecryptMaybe(nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDecryptMaybePlaintextRequireEncrypted(t *testing.T) {
	c, err := NewCodec(testKey(), true)
	require.NoError(t, err)
	_, err = c.DecryptMaybe(strptr("plain-value"))
	require.ErrorIs(t, err, ErrPlaintextNotAllowed)
}

func TestDecryptMaybePlaintextAllowed(t *testing.T) {
	c, err := NewCodec(testKey(), false)
	require.NoError(t, err)
	got, err := c.DecryptMaybe(strptr("plain-value"))
	require.NoError(t, err)
	require.Equal(t, "plain-value", *got)
}

func TestEncryptWithoutMasterKey(t *testing.T) {
	c, err := NewCodec("", true)
	require.NoError(t, err)
	_, err = c.Encrypt(strptr("x"))
	require.ErrorIs(t, err, ErrNoMasterKey)
}

func TestDecryptInvalidToken(t *testing.T) {
	c, err := NewCodec(testKey(), true)
	require.NoError(t, err)
	bad := Prefix + "not-valid-base64-token!!"
	_, err = c.DecryptMaybe(&bad)
	require.Error(t, err)
}
