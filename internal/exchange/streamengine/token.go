package streamengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rspadim/oms-position/internal/exchange/restengine"
)

// tokenFetcherFromREST builds a TokenFetcher that signs a one-shot POST to
// tokenURL with apiKey/secret and expects {"token": "...", "expires": N}
// back, the same flow as the teacher's getWebsocketToken REST call used to
// keep a private websocket session authorized.
func tokenFetcherFromREST(tokenURL, apiKey, secret string) TokenFetcher {
	return func(ctx context.Context) (string, time.Duration, error) {
		authorizer, err := restengine.NewAuthorizer(apiKey, secret)
		if err != nil {
			return "", 0, fmt.Errorf("failed to build token authorizer: %w", err)
		}
		form := url.Values{}
		form.Set("nonce", strconv.FormatInt(time.Now().UnixMilli(), 10))
		apiKeyHeader, sig, err := authorizer.Sign(tokenURL, form)
		if err != nil {
			return "", 0, fmt.Errorf("failed to sign token request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
		if err != nil {
			return "", 0, fmt.Errorf("failed to build token request: %w", err)
		}
		req.Header.Set("API-Key", apiKeyHeader)
		req.Header.Set("API-Sign", sig)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", 0, fmt.Errorf("failed to fetch websocket token: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", 0, fmt.Errorf("websocket token request failed with status %d", resp.StatusCode)
		}
		var out struct {
			Token   string `json:"token"`
			Expires int64  `json:"expires"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", 0, fmt.Errorf("failed to parse websocket token response: %w", err)
		}
		return out.Token, time.Duration(out.Expires) * time.Second, nil
	}
}
