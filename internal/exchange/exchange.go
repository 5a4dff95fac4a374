// Package exchange implements the Exchange Adapter (SPEC_FULL.md §4.2): a
// uniform abstraction over two exchange engines, "ccxt" (one-shot REST) and
// "ccxtpro" (persistent streaming), with a credential-fingerprinted session
// cache. Grounded on original_source/apps/api/app/ccxt_adapter.py.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Engine names the two supported exchange engine families.
type Engine string

const (
	EngineCcxt    Engine = "ccxt"
	EngineCcxtPro Engine = "ccxtpro"
)

// ErrUnsupportedEngine is returned when an exchange id carries neither a
// ccxt. nor a ccxtpro. prefix (nor is a bare legacy id).
var ErrUnsupportedEngine = errors.New("unsupported_engine")

// ErrEngineUnavailable is returned when the resolved engine has no
// registered Builder.
var ErrEngineUnavailable = errors.New("engine_unavailable")

// ErrUnsupportedMethod is returned by ExecuteMethod when the underlying SDK
// exposes no such method.
var ErrUnsupportedMethod = errors.New("unsupported ccxt method")

// ParseExchangeID splits a canonical exchange id into its engine family and
// bare exchange name. A bare legacy id (no dot) defaults to ccxt, per
// SPEC_FULL.md §4.2 / spec.md §6. The engine-prefix defaulting happens
// here, at the adapter boundary the dispatcher calls into — never inside a
// single engine's own resolution logic.
func ParseExchangeID(exchangeID string) (Engine, string, error) {
	if !strings.Contains(exchangeID, ".") {
		return EngineCcxt, exchangeID, nil
	}
	parts := strings.SplitN(exchangeID, ".", 2)
	switch Engine(parts[0]) {
	case EngineCcxt:
		return EngineCcxt, parts[1], nil
	case EngineCcxtPro:
		return EngineCcxtPro, parts[1], nil
	default:
		return "", "", fmt.Errorf("exchange id %q: %w", exchangeID, ErrUnsupportedEngine)
	}
}

// Credentials are the plaintext credentials used to authenticate a session,
// already decrypted via internal/credentials.Codec.
type Credentials struct {
	UseTestnet  bool
	APIKey      string
	Secret      string
	Passphrase  string
	ExtraConfig map[string]any
}

// CreateOrderRequest is the normalized input to ExchangeClient.CreateOrder.
type CreateOrderRequest struct {
	Symbol   string
	Side     string // "buy" | "sell"
	Type     string // "market" | "limit"
	Amount   string // decimal string
	Price    *string
	Params   map[string]any
}

// OrderResult is the normalized exchange response to an order mutation.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          string
	FilledQty       *string
	AvgPrice        *string
	Raw             map[string]any
}

// Trade is a normalized fill as reported by fetch_my_trades, before the
// reconciler's own NormalizedTrade validation pass.
type Trade struct {
	ExchangeTradeID string
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            string
	Amount          string
	Price           string
	FeeCost         string
	FeeCurrency     string
	TimestampMs     int64
	Raw             map[string]any
}

// ExchangeClient is the concrete method set the OMS actually uses against
// an exchange SDK, per SPEC_FULL.md §9 / spec.md design notes: a typed
// subset plus a string-dispatched Call for arbitrary forwarding. Both the
// REST and the streaming engine implement this same interface.
type ExchangeClient interface {
	// Call reflectively forwards to a named SDK method; fails with
	// ErrUnsupportedMethod if the method does not exist on this client.
	Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
	// Has reports whether the underlying SDK declares capability cap,
	// treating true and "emulated" both as supported.
	Has(capability string) (bool, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error
	EditOrderIfSupported(ctx context.Context, exchangeOrderID string, req CreateOrderRequest) (*OrderResult, error)
	FetchMyTrades(ctx context.Context, symbol *string, sinceMs int64, limit int) ([]Trade, error)
	LoadMarkets(ctx context.Context) error
	Close() error
}

// Builder constructs a fresh ExchangeClient for one session, given the bare
// exchange name and credentials. REST builders return one-shot clients;
// streaming builders return persistent clients managed by the session
// cache.
type Builder func(ctx context.Context, exchangeName string, creds Credentials) (ExchangeClient, error)

// EditOrReplaceOrder implements SPEC_FULL.md §4.2's edit_or_replace_order:
// edit in place when the exchange supports editOrder, else cancel and
// recreate.
func EditOrReplaceOrder(ctx context.Context, client ExchangeClient, exchangeOrderID string, req CreateOrderRequest) (*OrderResult, bool, error) {
	supportsEdit, err := client.Has("editOrder")
	if err != nil {
		return nil, false, fmt.Errorf("failed to probe editOrder capability: %w", err)
	}
	if supportsEdit {
		res, err := client.EditOrderIfSupported(ctx, exchangeOrderID, req)
		if err != nil {
			return nil, false, fmt.Errorf("failed to edit order %s: %w", exchangeOrderID, err)
		}
		if res != nil {
			return res, true, nil
		}
	}
	if err := client.CancelOrder(ctx, exchangeOrderID, req.Symbol); err != nil {
		return nil, false, fmt.Errorf("failed to cancel order %s before replace: %w", exchangeOrderID, err)
	}
	res, err := client.CreateOrder(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create replacement order: %w", err)
	}
	return res, false, nil
}
