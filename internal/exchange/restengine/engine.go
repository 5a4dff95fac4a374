package restengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rspadim/oms-position/internal/exchange"
)

// Client is the one-shot "ccxt" REST engine's ExchangeClient
// implementation. It is addressed by bare exchange name + base URL and
// authenticates each call with Authorizer, adapted from the request/
// response plumbing in the teacher's krakenapiclient.go
// (forgeAndAuthorizeKrakenAPIRequest / doKrakenAPIRequest), generalized
// away from a single hard-coded exchange.
type Client struct {
	exchangeName string
	baseURL      string
	client       *http.Client
	authorizer   *Authorizer
	nonceGen     NonceGenerator
	capabilities map[string]any
}

// ReadTimeout bounds non-mutating calls (fetch_*). Trade-mutating calls
// (create_order/cancel_order/edit_order) use no client-side timeout beyond
// the caller's context, per spec.md §5's timeout rule.
const ReadTimeout = 30 * time.Second

// NewClient builds a one-shot REST client for exchangeName, signing
// requests with apiKey/secret. baseURL is resolved by the exchange
// registry (not modeled here; callers supply it via extraConfig["base_url"]).
func NewClient(exchangeName, baseURL, apiKey, secret string, capabilities map[string]any) (*Client, error) {
	authorizer, err := NewAuthorizer(apiKey, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorizer for %s: %w", exchangeName, err)
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	return &Client{
		exchangeName: exchangeName,
		baseURL:      baseURL,
		client:       retryClient.StandardClient(),
		authorizer:   authorizer,
		nonceGen:     NewUnixMillisNonceGenerator(),
		capabilities: capabilities,
	}, nil
}

// Builder adapts NewClient to the exchange.Builder signature, resolving
// base URL and capability map from creds.ExtraConfig.
func Builder(defaultCapabilities map[string]any) exchange.Builder {
	return func(ctx context.Context, exchangeName string, creds exchange.Credentials) (exchange.ExchangeClient, error) {
		baseURL, _ := creds.ExtraConfig["base_url"].(string)
		caps := defaultCapabilities
		if override, ok := creds.ExtraConfig["capabilities"].(map[string]any); ok {
			caps = override
		}
		return NewClient(exchangeName, baseURL, creds.APIKey, creds.Secret, caps)
	}
}

func (c *Client) forgeRequest(ctx context.Context, path, httpMethod string, form url.Values) (*http.Request, error) {
	form.Set("nonce", strconv.FormatInt(c.nonceGen.GenerateNonce(), 10))
	reqURL := c.baseURL + path
	body := strings.NewReader(form.Encode())
	req, err := http.NewRequestWithContext(ctx, httpMethod, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to forge request for %s: %w", c.exchangeName, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "oms-position/restengine")
	if !strings.Contains(path, "/public") {
		apiKeyHeader, sig, err := c.authorizer.Sign(path, form)
		if err != nil {
			return nil, fmt.Errorf("failed to authorize request for %s: %w", c.exchangeName, err)
		}
		req.Header.Set("API-Key", apiKeyHeader)
		req.Header.Set("API-Sign", sig)
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, path, httpMethod string, form url.Values) (map[string]any, error) {
	req, err := c.forgeRequest(ctx, path, httpMethod, form)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to process request for %s: %w", c.exchangeName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error status %d from %s", resp.StatusCode, c.exchangeName)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", c.exchangeName, err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response from %s: %w", c.exchangeName, err)
	}
	return out, nil
}

// Call reflectively dispatches to a named REST endpoint. Since this engine
// has no compiled SDK to reflect over, the method name is the endpoint
// path. When the client has a non-empty capability map, methods missing
// from it fail with exchange.ErrUnsupportedMethod; with an empty map every
// method is forwarded.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	form := url.Values{}
	for k, v := range kwargs {
		form.Set(k, fmt.Sprintf("%v", v))
	}
	if _, ok := c.capabilities[method]; !ok && len(c.capabilities) > 0 {
		return nil, fmt.Errorf("%s on %s: %w", method, c.exchangeName, exchange.ErrUnsupportedMethod)
	}
	return c.doRequest(ctx, method, http.MethodPost, form)
}

// Has reports capability support, treating true and "emulated" both as
// supported, per spec.md §4.2.
func (c *Client) Has(capability string) (bool, error) {
	v, ok := c.capabilities[capability]
	if !ok {
		return false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return t == "emulated" || t == "true", nil
	default:
		return false, nil
	}
}

func (c *Client) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	form := url.Values{}
	form.Set("symbol", req.Symbol)
	form.Set("side", req.Side)
	form.Set("type", req.Type)
	form.Set("amount", req.Amount)
	if req.Price != nil {
		form.Set("price", *req.Price)
	}
	for k, v := range req.Params {
		form.Set(k, fmt.Sprintf("%v", v))
	}
	resp, err := c.doRequest(ctx, "/order/create", http.MethodPost, form)
	if err != nil {
		return nil, fmt.Errorf("failed to create order on %s: %w", c.exchangeName, err)
	}
	return parseOrderResult(resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	form := url.Values{}
	form.Set("id", exchangeOrderID)
	form.Set("symbol", symbol)
	_, err := c.doRequest(ctx, "/order/cancel", http.MethodPost, form)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s on %s: %w", exchangeOrderID, c.exchangeName, err)
	}
	return nil
}

func (c *Client) EditOrderIfSupported(ctx context.Context, exchangeOrderID string, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	supported, err := c.Has("editOrder")
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, nil
	}
	form := url.Values{}
	form.Set("id", exchangeOrderID)
	form.Set("symbol", req.Symbol)
	form.Set("amount", req.Amount)
	if req.Price != nil {
		form.Set("price", *req.Price)
	}
	resp, err := c.doRequest(ctx, "/order/edit", http.MethodPost, form)
	if err != nil {
		return nil, fmt.Errorf("failed to edit order %s on %s: %w", exchangeOrderID, c.exchangeName, err)
	}
	return parseOrderResult(resp), nil
}

func (c *Client) FetchMyTrades(ctx context.Context, symbol *string, sinceMs int64, limit int) ([]exchange.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()
	form := url.Values{}
	if symbol != nil {
		form.Set("symbol", *symbol)
	}
	form.Set("since", strconv.FormatInt(sinceMs, 10))
	form.Set("limit", strconv.Itoa(limit))
	resp, err := c.doRequest(ctx, "/trades/my", http.MethodPost, form)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch my trades on %s: %w", c.exchangeName, err)
	}
	return parseTrades(resp), nil
}

func (c *Client) LoadMarkets(ctx context.Context) error {
	_, err := c.doRequest(ctx, "/public/markets", http.MethodPost, url.Values{})
	if err != nil {
		return fmt.Errorf("failed to load markets on %s: %w", c.exchangeName, err)
	}
	return nil
}

// Close is a no-op for the one-shot REST engine: nothing is cached.
func (c *Client) Close() error { return nil }

func parseOrderResult(resp map[string]any) *exchange.OrderResult {
	get := func(k string) string {
		if v, ok := resp[k]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}
	raw, _ := resp["result"].(map[string]any)
	return &exchange.OrderResult{
		ExchangeOrderID: get("id"),
		ClientOrderID:   get("clientOrderId"),
		Status:          get("status"),
		Raw:             raw,
	}
}

func parseTrades(resp map[string]any) []exchange.Trade {
	list, _ := resp["trades"].([]any)
	out := make([]exchange.Trade, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		get := func(k string) string {
			if v, ok := m[k]; ok {
				return fmt.Sprintf("%v", v)
			}
			return ""
		}
		out = append(out, exchange.Trade{
			ExchangeTradeID: get("id"),
			ExchangeOrderID: get("order"),
			ClientOrderID:   get("clientOrderId"),
			Symbol:          get("symbol"),
			Side:            get("side"),
			Amount:          get("amount"),
			Price:           get("price"),
			Raw:             m,
		})
	}
	return out
}
