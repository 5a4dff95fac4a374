// Package common holds small collaborators shared by the dispatcher,
// executor, and reconciler — the pieces of SPEC_FULL.md's Exchange Adapter
// wiring (credential decrypt + Account → Credentials assembly) that would
// otherwise be duplicated three times.
package common

import (
	"context"
	"fmt"

	"github.com/rspadim/oms-position/internal/credentials"
	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/store"
)

// ExchangeResolver assembles the (exchangeID, Credentials) pair an
// exchange.Adapter call needs, decrypting account_credentials with the
// shared codec.
type ExchangeResolver struct {
	Store store.Store
	Codec *credentials.Codec
}

// NewExchangeResolver builds an ExchangeResolver.
func NewExchangeResolver(s store.Store, codec *credentials.Codec) *ExchangeResolver {
	return &ExchangeResolver{Store: s, Codec: codec}
}

// Resolve loads accountID's exchange id and decrypted credentials.
func (r *ExchangeResolver) Resolve(ctx context.Context, tx store.Tx, accountID int64) (string, exchange.Credentials, error) {
	account, err := r.Store.FetchAccount(ctx, tx, accountID)
	if err != nil {
		return "", exchange.Credentials{}, fmt.Errorf("failed to fetch account %d: %w", accountID, err)
	}
	raw, err := r.Store.FetchAccountCredentials(ctx, tx, accountID)
	if err != nil {
		return "", exchange.Credentials{}, fmt.Errorf("failed to fetch credentials for account %d: %w", accountID, err)
	}
	apiKey, err := r.decrypt(raw.APIKeyEnc)
	if err != nil {
		return "", exchange.Credentials{}, fmt.Errorf("failed to decrypt api key: %w", err)
	}
	secret, err := r.decrypt(raw.SecretEnc)
	if err != nil {
		return "", exchange.Credentials{}, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	passphrase, err := r.decrypt(raw.PassphraseEnc)
	if err != nil {
		return "", exchange.Credentials{}, fmt.Errorf("failed to decrypt passphrase: %w", err)
	}
	creds := exchange.Credentials{
		UseTestnet:  account.IsTestnet,
		APIKey:      apiKey,
		Secret:      secret,
		Passphrase:  passphrase,
		ExtraConfig: account.ExtraConfig,
	}
	return account.ExchangeID, creds, nil
}

// SessionKey builds the session-cache key for an account, per SPEC_FULL.md
// §4.2's "typically account:<id>" guidance.
func SessionKey(accountID int64) string {
	return fmt.Sprintf("account:%d", accountID)
}

func (r *ExchangeResolver) decrypt(enc string) (string, error) {
	if enc == "" {
		return "", nil
	}
	val, err := r.Codec.DecryptMaybe(&enc)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}
