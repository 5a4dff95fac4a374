// Package restengine implements the one-shot "ccxt" REST exchange engine:
// a generic HTTP client addressed by exchange id, with request signing and
// retry, adapted from the teacher's spot/rest/krakenapiclient.go plumbing
// and sdk/noncegen's nonce-generator shape.
package restengine

import "time"

// NonceGenerator produces a strictly increasing nonce for exchanges that
// require one on every signed request. Adapted from the teacher's
// sdk/noncegen package (same interface + factory shape, generalized away
// from Kraken).
type NonceGenerator interface {
	GenerateNonce() int64
}

// UnixMillisNonceGenerator returns UNIX millisecond timestamps as nonces.
type UnixMillisNonceGenerator struct{}

// NewUnixMillisNonceGenerator builds a UnixMillisNonceGenerator.
func NewUnixMillisNonceGenerator() *UnixMillisNonceGenerator { return &UnixMillisNonceGenerator{} }

// GenerateNonce returns a UNIX millisecond timestamp.
func (g *UnixMillisNonceGenerator) GenerateNonce() int64 { return time.Now().UnixMilli() }
