package exchange

import (
	"context"
	"fmt"
)

// Adapter is the Exchange Adapter of SPEC_FULL.md §4.2: it resolves a
// canonical exchange id to an engine + builder, runs operations through
// the session cache (persistent sessions only for ccxtpro), and exposes
// both the typed helpers and the reflective Call/Has capability probe.
type Adapter struct {
	builders map[Engine]Builder
	sessions *SessionCache
}

// NewAdapter builds an Adapter with one Builder per engine family and a
// shared session cache. Every client a builder produces is wrapped with
// OpenTelemetry instrumentation, so tracing is transparent to callers.
func NewAdapter(restBuilder, streamBuilder Builder, sessionTTLSeconds int) *Adapter {
	return &Adapter{
		builders: map[Engine]Builder{
			EngineCcxt:    instrumentBuilder(restBuilder),
			EngineCcxtPro: instrumentBuilder(streamBuilder),
		},
		sessions: NewSessionCache(secondsToDuration(sessionTTLSeconds)),
	}
}

// instrumentBuilder wraps every client a Builder produces in
// InstrumentationDecorator. A nil builder passes through unchanged so
// engines left unconfigured still fail with ErrEngineUnavailable rather
// than a nil-pointer panic.
func instrumentBuilder(build Builder) Builder {
	if build == nil {
		return nil
	}
	return func(ctx context.Context, name string, creds Credentials) (ExchangeClient, error) {
		client, err := build(ctx, name, creds)
		if err != nil {
			return nil, err
		}
		return DecorateExchangeClient(client, nil), nil
	}
}

func secondsToDuration(seconds int) Duration {
	return Duration(seconds) * 1_000_000_000
}

// run resolves exchangeID to an engine+builder and executes fn against an
// ExchangeClient, going through the session cache only when
// ShouldUsePersistentSession holds; otherwise it builds a one-shot client,
// runs fn, and closes it unconditionally.
func (a *Adapter) run(ctx context.Context, exchangeID string, creds Credentials, sessionKey string, fn func(ExchangeClient) error) error {
	engine, name, err := ParseExchangeID(exchangeID)
	if err != nil {
		return err
	}
	build, ok := a.builders[engine]
	if !ok || build == nil {
		return fmt.Errorf("engine %s: %w", engine, ErrEngineUnavailable)
	}
	if !ShouldUsePersistentSession(exchangeID, sessionKey) {
		client, err := build(ctx, name, creds)
		if err != nil {
			return fmt.Errorf("failed to build one-shot session for %s: %w", exchangeID, err)
		}
		defer client.Close()
		return fn(client)
	}
	return a.sessions.WithSession(ctx, exchangeID, sessionKey, creds, build, name, fn)
}

// ExecuteMethod reflectively invokes method by name, per spec.md §4.2.
func (a *Adapter) ExecuteMethod(ctx context.Context, exchangeID string, creds Credentials, sessionKey, method string, args []any, kwargs map[string]any) (any, error) {
	var result any
	err := a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		r, err := c.Call(ctx, method, args, kwargs)
		result = r
		return err
	})
	return result, err
}

// ExecuteUnifiedWithCapability checks exchange.has[cap] for any of the
// listed capabilities before invoking method, per spec.md §4.2.
func (a *Adapter) ExecuteUnifiedWithCapability(ctx context.Context, exchangeID string, creds Credentials, sessionKey, method string, capabilities []string, args []any, kwargs map[string]any) (any, error) {
	var result any
	err := a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		supported := false
		for _, cap := range capabilities {
			ok, err := c.Has(cap)
			if err != nil {
				return err
			}
			if ok {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("capability not supported by %s: %v", exchangeID, capabilities)
		}
		r, err := c.Call(ctx, method, args, kwargs)
		result = r
		return err
	})
	return result, err
}

// CreateOrder places an order on the given account's exchange.
func (a *Adapter) CreateOrder(ctx context.Context, exchangeID string, creds Credentials, sessionKey string, req CreateOrderRequest) (*OrderResult, error) {
	var result *OrderResult
	err := a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		r, err := c.CreateOrder(ctx, req)
		result = r
		return err
	})
	return result, err
}

// CancelOrder cancels an existing exchange order.
func (a *Adapter) CancelOrder(ctx context.Context, exchangeID string, creds Credentials, sessionKey, exchangeOrderID, symbol string) error {
	return a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		return c.CancelOrder(ctx, exchangeOrderID, symbol)
	})
}

// EditOrderIfSupported returns the edit result, or nil if the exchange
// lacks editOrder; it calls LoadMarkets first, per spec.md §4.2.
func (a *Adapter) EditOrderIfSupported(ctx context.Context, exchangeID string, creds Credentials, sessionKey, exchangeOrderID string, req CreateOrderRequest) (*OrderResult, error) {
	var result *OrderResult
	err := a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		if err := c.LoadMarkets(ctx); err != nil {
			return fmt.Errorf("failed to load markets before edit: %w", err)
		}
		supported, err := c.Has("editOrder")
		if err != nil {
			return err
		}
		if !supported {
			return nil
		}
		r, err := c.EditOrderIfSupported(ctx, exchangeOrderID, req)
		result = r
		return err
	})
	return result, err
}

// EditOrReplaceOrder edits in place if supported, otherwise cancels and
// creates, per spec.md §4.2.
func (a *Adapter) EditOrReplaceOrder(ctx context.Context, exchangeID string, creds Credentials, sessionKey, exchangeOrderID string, req CreateOrderRequest) (result *OrderResult, edited bool, err error) {
	err = a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		r, wasEdit, e := EditOrReplaceOrder(ctx, c, exchangeOrderID, req)
		result, edited = r, wasEdit
		return e
	})
	return result, edited, err
}

// FetchMyTrades fetches trades for the account since sinceMs.
func (a *Adapter) FetchMyTrades(ctx context.Context, exchangeID string, creds Credentials, sessionKey string, symbol *string, sinceMs int64, limit int) ([]Trade, error) {
	var trades []Trade
	err := a.run(ctx, exchangeID, creds, sessionKey, func(c ExchangeClient) error {
		t, err := c.FetchMyTrades(ctx, symbol, sinceMs, limit)
		trades = t
		return err
	})
	return trades, err
}

// Shutdown closes every cached persistent session.
func (a *Adapter) Shutdown() {
	a.sessions.CloseAll()
}

// SessionCount exposes the live persistent session count for the
// dispatcher's status operation.
func (a *Adapter) SessionCount() int {
	return a.sessions.Count()
}
