package restengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
)

// Authorizer signs outgoing REST requests with an exchange's HMAC scheme.
// Generalized from the teacher's KrakenSpotRESTClientAuthorizer: the
// signature is HMAC-SHA512(path + SHA256(nonce + form-encoded body)) with
// a base64-decoded secret, which is the scheme the overwhelming majority of
// ccxt-style REST exchanges share.
type Authorizer struct {
	apiKey string
	secret []byte
}

// NewAuthorizer builds an Authorizer from a plaintext api key and a
// base64-encoded secret.
func NewAuthorizer(apiKey, secret string) (*Authorizer, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("could not base64 decode exchange secret: %w", err)
	}
	return &Authorizer{apiKey: apiKey, secret: decoded}, nil
}

// Sign computes the signature header value for path and form-encoded
// payload (which must include "nonce").
func (a *Authorizer) Sign(path string, payload url.Values) (apiKeyHeader string, signatureHeader string, err error) {
	sha := sha256.New()
	if _, err := sha.Write([]byte(payload.Get("nonce") + payload.Encode())); err != nil {
		return "", "", fmt.Errorf("signature failed: could not hash nonce+payload: %w", err)
	}
	shasum := sha.Sum(nil)

	mac := hmac.New(sha512.New, a.secret)
	if _, err := mac.Write(append([]byte(path), shasum...)); err != nil {
		return "", "", fmt.Errorf("signature failed: could not compute hmac: %w", err)
	}
	macsum := mac.Sum(nil)
	return a.apiKey, base64.StdEncoding.EncodeToString(macsum), nil
}
