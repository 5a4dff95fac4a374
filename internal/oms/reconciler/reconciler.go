// Package reconciler implements the per-account trade reconciliation loop
// of SPEC_FULL.md §4.6: it fetches recent exchange trades since a
// monotonic cursor, deduplicates them, and projects each into the local
// position/deal ledger according to the account's position_mode. Grounded
// on original_source/apps/api/worker_position.py's
// _reconcile_account_once/_project_trade_to_position in full.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/common"
	"github.com/rspadim/oms-position/internal/oms/dispatcher"
	"github.com/rspadim/oms-position/internal/oms/events"
	"github.com/rspadim/oms-position/internal/store"
)

// DefaultLookback sets the floor window of a reconciliation pass, per
// _reconcile_account_once's floor_since: a pass fetches from the earlier of
// the cursor and now minus the lookback, so a cursor older than the floor
// takes the fetch further back.
const DefaultLookback = 24 * time.Hour

// DefaultFetchLimit is the page size passed to fetch_my_trades.
const DefaultFetchLimit = 200

// cursorEntity is the reconciliation_cursor row name this package owns.
const cursorEntity = model.ReconciliationEntityTrades

// Reconciler runs one account's reconciliation pass at a time, satisfying
// dispatcher.Reconciler.
type Reconciler struct {
	store    store.Store
	adapter  *exchange.Adapter
	resolver *common.ExchangeResolver
	bus      *events.Bus
	log      *logrus.Entry

	lookback  time.Duration
	fetchLimit int
}

// New builds a Reconciler. lookback <= 0 defaults to DefaultLookback;
// fetchLimit <= 0 defaults to DefaultFetchLimit.
func New(s store.Store, adapter *exchange.Adapter, resolver *common.ExchangeResolver, bus *events.Bus, log *logrus.Entry, lookback time.Duration, fetchLimit int) *Reconciler {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	return &Reconciler{store: s, adapter: adapter, resolver: resolver, bus: bus, log: log, lookback: lookback, fetchLimit: fetchLimit}
}

// normalizedTrade is a validated, uniform view of one exchange.Trade,
// mirroring worker_position.py's _safe_trade.
type normalizedTrade struct {
	ExchangeTradeID string
	ExchangeOrderID *string
	ClientOrderID   *string
	Symbol          string
	Side            model.OrderSide
	Qty             decimal.Decimal
	Price           decimal.Decimal
	FeeCost         decimal.Decimal
	FeeCurrency     *string
	TimestampMs     int64
	Raw             map[string]any
}

func normalizeTrades(trades []exchange.Trade) []normalizedTrade {
	out := make([]normalizedTrade, 0, len(trades))
	for _, t := range trades {
		side := model.OrderSide(t.Side)
		if t.Symbol == "" || (side != model.OrderSideBuy && side != model.OrderSideSell) {
			continue
		}
		qty, err := decimal.NewFromString(t.Amount)
		if err != nil || qty.IsZero() {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		fee := decimal.Zero
		if t.FeeCost != "" {
			if f, err := decimal.NewFromString(t.FeeCost); err == nil {
				fee = f
			}
		}
		nt := normalizedTrade{
			ExchangeTradeID: t.ExchangeTradeID, Symbol: t.Symbol, Side: side,
			Qty: qty, Price: price, FeeCost: fee, TimestampMs: t.TimestampMs, Raw: t.Raw,
		}
		if t.ExchangeOrderID != "" {
			id := t.ExchangeOrderID
			nt.ExchangeOrderID = &id
		}
		if t.ClientOrderID != "" {
			id := t.ClientOrderID
			nt.ClientOrderID = &id
		}
		if t.FeeCurrency != "" {
			c := t.FeeCurrency
			nt.FeeCurrency = &c
		}
		if nt.ExchangeOrderID == nil && nt.ClientOrderID == nil && nt.ExchangeTradeID != "" {
			// Deterministic fallback key when the exchange omits both ids,
			// per _project_trade_to_position's `ext-trade:<id>` synthesis.
			synthetic := fmt.Sprintf("ext-trade:%s", nt.ExchangeTradeID)
			nt.ClientOrderID = &synthetic
		}
		out = append(out, nt)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimestampMs != out[j].TimestampMs {
			return out[i].TimestampMs < out[j].TimestampMs
		}
		return out[i].ExchangeTradeID < out[j].ExchangeTradeID
	})
	return out
}

// ReconcileAccount runs one reconciliation pass for accountID, satisfying
// dispatcher.Reconciler.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID int64) (*dispatcher.ReconcileSummary, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconciliation transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	account, err := r.store.FetchAccount(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account %d: %w", accountID, err)
	}
	exchangeID, creds, err := r.resolver.Resolve(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve exchange credentials for account %d: %w", accountID, err)
	}
	sessionKey := common.SessionKey(accountID)

	floorSince := time.Now().Add(-r.lookback).UnixMilli()
	if floorSince < 0 {
		floorSince = 0
	}
	cursor, err := r.store.FetchReconciliationCursor(ctx, tx, accountID, cursorEntity)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reconciliation cursor for account %d: %w", accountID, err)
	}
	since := floorSince
	cursorSince := int64(0)
	if cursor != nil {
		if v, err := strconv.ParseInt(cursor.CursorValue, 10, 64); err == nil {
			cursorSince = v
			if v < floorSince {
				since = v
			}
		}
	}

	trades, err := r.adapter.FetchMyTrades(ctx, exchangeID, creds, sessionKey, nil, since, r.fetchLimit)
	if err != nil {
		trades = r.fetchMyTradesPerSymbol(ctx, tx, accountID, exchangeID, creds, sessionKey, since)
	}

	normalized := normalizeTrades(trades)
	maxTs := int64(0)
	for _, nt := range normalized {
		fingerprint := nt.ExchangeTradeID
		if fingerprint == "" {
			fingerprint = fmt.Sprintf("%s:%d", nt.Symbol, nt.TimestampMs)
		}
		payload, err := marshalTrade(nt)
		if err != nil {
			return nil, err
		}
		if _, err := r.store.InsertCcxtTradeRaw(ctx, tx, accountID, fingerprint, payload); err != nil {
			return nil, fmt.Errorf("failed to archive raw trade for account %d: %w", accountID, err)
		}
		if err := r.projectTrade(ctx, tx, account, nt, "external", false); err != nil {
			return nil, fmt.Errorf("failed to project trade %s for account %d: %w", nt.ExchangeTradeID, accountID, err)
		}
		if nt.TimestampMs > maxTs {
			maxTs = nt.TimestampMs
		}
	}

	cursorOut := ""
	if maxTs > 0 && maxTs+1 > cursorSince {
		cursorOut = strconv.FormatInt(maxTs+1, 10)
		if err := r.store.UpdateReconciliationCursor(ctx, tx, accountID, cursorEntity, cursorOut); err != nil {
			return nil, fmt.Errorf("failed to advance reconciliation cursor for account %d: %w", accountID, err)
		}
	}

	if err := r.bus.Publish(ctx, tx, accountID, model.EventNamespacePosition, "reconciliation_tick", map[string]any{
		"lookback_seconds": int(r.lookback.Seconds()), "trades_count": len(normalized), "cursor": cursorOut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation pass for account %d: %w", accountID, err)
	}
	committed = true

	if r.log != nil {
		r.log.WithFields(logrus.Fields{"account_id": accountID, "trades": len(normalized)}).Info("reconciliation pass complete")
	}
	return &dispatcher.ReconcileSummary{AccountID: accountID, TradesProcessed: len(normalized), CursorValue: cursorOut}, nil
}

// fetchMyTradesPerSymbol retries fetch_my_trades one recently-traded symbol
// at a time, swallowing per-symbol failures, matching
// _reconcile_account_once's fallback when the unscoped call is rejected.
func (r *Reconciler) fetchMyTradesPerSymbol(ctx context.Context, tx store.Tx, accountID int64, exchangeID string, creds exchange.Credentials, sessionKey string, since int64) []exchange.Trade {
	symbols, err := r.store.ListRecentSymbolsForAccount(ctx, tx, accountID, 20)
	if err != nil {
		return nil
	}
	var all []exchange.Trade
	for _, symbol := range symbols {
		sym := symbol
		chunk, err := r.adapter.FetchMyTrades(ctx, exchangeID, creds, sessionKey, &sym, since, r.fetchLimit)
		if err != nil {
			continue
		}
		all = append(all, chunk...)
	}
	return all
}

func marshalTrade(nt normalizedTrade) ([]byte, error) {
	raw := nt.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw trade payload: %w", err)
	}
	return payload, nil
}
