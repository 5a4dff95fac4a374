// Package streamengine implements the persistent "ccxtpro" exchange engine:
// a single long-lived websocket connection per session, with automatic
// reconnect and exponential backoff. It adapts the shape of the teacher's
// wscengine.WebsocketEngine usage in
// sdk/spot/websocket/kraken_spot_private_websocket_client.go (reader
// routines, AutoReconnectRetryDelayBaseSeconds/MaxExponent, cached auth
// token with expiry) directly onto gorilla/websocket, since the upstream
// gowse engine is built around one process-wide engine instance rather
// than the many independent per-account sessions the OMS session cache
// manages (see DESIGN.md).
package streamengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rspadim/oms-position/internal/exchange"
)

// ReconnectOptions mirrors the teacher's AutoReconnect* engine options.
type ReconnectOptions struct {
	BaseDelay   time.Duration
	MaxExponent uint
	MaxAttempts int
}

// DefaultReconnectOptions matches the teacher's NewDefaultEngineWithPrivateWebsocketClient defaults.
var DefaultReconnectOptions = ReconnectOptions{
	BaseDelay:   5 * time.Second,
	MaxExponent: 3,
	MaxAttempts: 10,
}

// TokenFetcher refreshes an exchange auth token used to open or maintain a
// private websocket session, mirroring the teacher's getWebsocketToken flow.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// Client is a persistent websocket-backed ExchangeClient. It is never
// built one-shot: the session cache owns its lifecycle and calls Close
// when it evicts or discards the session (idle-TTL expiry, fingerprint
// mismatch, a failed call, or cache shutdown).
type Client struct {
	url          string
	dialer       *websocket.Dialer
	reconnect    ReconnectOptions
	tokenFetcher TokenFetcher
	capabilities map[string]any

	connMu sync.Mutex
	conn   *websocket.Conn
	closed bool

	tokenMu        sync.Mutex
	token          string
	tokenExpiresAt time.Time

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
	nextID    int64
}

// NewClient dials wsURL and starts the background reader loop. tokenFetcher
// may be nil for exchanges whose private channels don't require a session
// token.
func NewClient(ctx context.Context, wsURL string, tokenFetcher TokenFetcher, capabilities map[string]any, opts ReconnectOptions) (*Client, error) {
	c := &Client{
		url:          wsURL,
		dialer:       websocket.DefaultDialer,
		reconnect:    opts,
		tokenFetcher: tokenFetcher,
		capabilities: capabilities,
		pending:      make(map[string]chan json.RawMessage),
	}
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to open websocket session to %s: %w", wsURL, err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// reconnectWithBackoff follows the teacher's exponential scheme: delay =
// BaseDelay * 2^min(attempt, MaxExponent).
func (c *Client) reconnectWithBackoff(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.reconnect.MaxAttempts; attempt++ {
		exp := attempt
		if uint(exp) > c.reconnect.MaxExponent {
			exp = int(c.reconnect.MaxExponent)
		}
		delay := c.reconnect.BaseDelay * time.Duration(1<<uint(exp))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := c.connect(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts: %w", c.reconnect.MaxAttempts, lastErr)
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		closed := c.closed
		c.connMu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			if err := c.reconnectWithBackoff(context.Background()); err != nil {
				return
			}
			continue
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			continue
		}
		c.dispatch(data)
	}
}

type rpcEnvelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (c *Client) dispatch(data []byte) {
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- data
}

func (c *Client) call(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	c.pendingMu.Lock()
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()
	payload["id"] = id

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket session is not connected")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal websocket payload: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("failed to write websocket message: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-ch:
		return data, nil
	}
}

// refreshedToken returns the cached auth token, refreshing it when it has
// expired, mirroring the teacher's token-cache critical section in
// kraken_spot_websocket_client.go.
func (c *Client) refreshedToken(ctx context.Context) (string, error) {
	if c.tokenFetcher == nil {
		return "", nil
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token == "" || time.Now().After(c.tokenExpiresAt) {
		token, expiresIn, err := c.tokenFetcher(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to refresh websocket token: %w", err)
		}
		c.token = token
		c.tokenExpiresAt = time.Now().Add(expiresIn - 5*time.Second)
	}
	return c.token, nil
}

// Call sends a reflective JSON-RPC style method call over the persistent
// connection and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	if _, ok := c.capabilities[method]; !ok && len(c.capabilities) > 0 {
		return nil, fmt.Errorf("%s: %w", method, exchange.ErrUnsupportedMethod)
	}
	token, err := c.refreshedToken(ctx)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"method": method, "params": kwargs, "args": args}
	if token != "" {
		payload["token"] = token
	}
	data, err := c.call(ctx, payload)
	if err != nil {
		return nil, err
	}
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse websocket response for %s: %w", method, err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("websocket call %s failed: %s", method, env.Error)
	}
	if len(env.Result) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return nil, fmt.Errorf("failed to parse websocket result for %s: %w", method, err)
	}
	return out, nil
}

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
	kwargs := map[string]any{
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"amount": req.Amount,
	}
	if req.Price != nil {
		kwargs["price"] = *req.Price
	}
	res, err := c.Call(ctx, "createOrder", nil, kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to create order over websocket session: %w", err)
	}
	return parseStreamedOrderResult(res), nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	_, err := c.Call(ctx, "cancelOrder", nil, map[string]any{"id": exchangeOrderID, "symbol": symbol})
	if err != nil {
		return fmt.Errorf("failed to cancel order %s over websocket session: %w", exchangeOrderID, err)
	}
	return nil
}

func (c *Client) EditOrderIfSupported(ctx context.Context, exchangeOrderID string, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	supported, err := c.Has("editOrder")
	if err != nil || !supported {
		return nil, err
	}
	kwargs := map[string]any{"id": exchangeOrderID, "symbol": req.Symbol, "amount": req.Amount}
	if req.Price != nil {
		kwargs["price"] = *req.Price
	}
	res, err := c.Call(ctx, "editOrder", nil, kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to edit order %s over websocket session: %w", exchangeOrderID, err)
	}
	return parseStreamedOrderResult(res), nil
}

func (c *Client) FetchMyTrades(ctx context.Context, symbol *string, sinceMs int64, limit int) ([]exchange.Trade, error) {
	kwargs := map[string]any{"since": sinceMs, "limit": limit}
	if symbol != nil {
		kwargs["symbol"] = *symbol
	}
	res, err := c.Call(ctx, "fetchMyTrades", nil, kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch my trades over websocket session: %w", err)
	}
	return parseStreamedTrades(res), nil
}

func (c *Client) LoadMarkets(ctx context.Context) error {
	_, err := c.Call(ctx, "loadMarkets", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to load markets over websocket session: %w", err)
	}
	return nil
}

// Close terminates the underlying websocket connection. Called by the
// session cache only on eviction/discard, never after a single operation.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func parseStreamedOrderResult(res any) *exchange.OrderResult {
	m, _ := res.(map[string]any)
	get := func(k string) string {
		if v, ok := m[k]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}
	return &exchange.OrderResult{
		ExchangeOrderID: get("id"),
		ClientOrderID:   get("clientOrderId"),
		Status:          get("status"),
		Raw:             m,
	}
}

func parseStreamedTrades(res any) []exchange.Trade {
	list, _ := res.([]any)
	out := make([]exchange.Trade, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, exchange.Trade{
			ExchangeTradeID: fmt.Sprintf("%v", m["id"]),
			ExchangeOrderID: fmt.Sprintf("%v", m["order"]),
			Symbol:          fmt.Sprintf("%v", m["symbol"]),
			Side:            fmt.Sprintf("%v", m["side"]),
			Amount:          fmt.Sprintf("%v", m["amount"]),
			Price:           fmt.Sprintf("%v", m["price"]),
			Raw:             m,
		})
	}
	return out
}
