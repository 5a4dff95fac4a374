package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/credentials"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

func TestResolveDecryptsCredentials(t *testing.T) {
	codec, err := credentials.NewCodec("", false)
	require.NoError(t, err)

	ms := new(storetest.MockStore)
	ms.On("FetchAccount", mock.Anything, mock.Anything, int64(1)).Return(&model.Account{
		ID: 1, ExchangeID: "ccxt.binance", IsTestnet: true, ExtraConfig: map[string]any{"base_url": "https://x"},
	}, nil)
	ms.On("FetchAccountCredentials", mock.Anything, mock.Anything, int64(1)).Return(&model.Credentials{
		AccountID: 1, APIKeyEnc: "plain-key", SecretEnc: "plain-secret",
	}, nil)

	r := NewExchangeResolver(ms, codec)
	exchangeID, creds, err := r.Resolve(context.Background(), nil, 1)
	require.NoError(t, err)
	require.Equal(t, "ccxt.binance", exchangeID)
	require.Equal(t, "plain-key", creds.APIKey)
	require.Equal(t, "plain-secret", creds.Secret)
	require.True(t, creds.UseTestnet)
}

func TestSessionKeyFormat(t *testing.T) {
	require.Equal(t, "account:42", SessionKey(42))
}
