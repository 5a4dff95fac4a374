package streamengine

import (
	"context"
	"fmt"

	"github.com/rspadim/oms-position/internal/exchange"
)

// Builder adapts NewClient to the exchange.Builder signature used by the
// ccxtpro engine family. creds.ExtraConfig must carry "ws_url"; a
// "token_url" triggers REST-backed token refresh via tokenFetcherFromREST.
func Builder(defaultCapabilities map[string]any) exchange.Builder {
	return func(ctx context.Context, exchangeName string, creds exchange.Credentials) (exchange.ExchangeClient, error) {
		wsURL, _ := creds.ExtraConfig["ws_url"].(string)
		if wsURL == "" {
			return nil, fmt.Errorf("missing ws_url in extra_config for %s", exchangeName)
		}
		caps := defaultCapabilities
		if override, ok := creds.ExtraConfig["capabilities"].(map[string]any); ok {
			caps = override
		}
		var fetcher TokenFetcher
		if tokenURL, ok := creds.ExtraConfig["token_url"].(string); ok && tokenURL != "" {
			fetcher = tokenFetcherFromREST(tokenURL, creds.APIKey, creds.Secret)
		}
		return NewClient(ctx, wsURL, fetcher, caps, DefaultReconnectOptions)
	}
}
