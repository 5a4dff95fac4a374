package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
)

// projectTrade folds one normalized trade into the position/deal ledger,
// mirroring _project_trade_to_position branch by branch: dedup by
// exchange trade id, resolve (or synthesize) the order it belongs to,
// then route to the isolated-external / hedge / netting projection by the
// account's position_mode, finally recording the deal and a domain event.
func (r *Reconciler) projectTrade(ctx context.Context, tx store.Tx, account *model.Account, nt normalizedTrade, reason string, reconciled bool) error {
	if nt.ExchangeTradeID != "" {
		exists, err := r.store.DealExistsByExchangeTradeID(ctx, tx, account.ID, nt.ExchangeTradeID)
		if err != nil {
			return fmt.Errorf("failed to check deal existence for trade %s: %w", nt.ExchangeTradeID, err)
		}
		if exists {
			return nil
		}
	}

	linkedOrder, err := r.store.FetchOrderLink(ctx, tx, account.ID, nt.ExchangeOrderID, nt.ClientOrderID)
	if err != nil {
		return fmt.Errorf("failed to resolve order link: %w", err)
	}
	if linkedOrder == nil {
		linkedOrder, err = r.store.GetOrCreateExternalUnmatchedOrder(
			ctx, tx, account.ID, nt.Symbol, nt.Side, nt.ExchangeOrderID, nt.ClientOrderID, nt.Qty.String(), nt.Price.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to get-or-create external unmatched order: %w", err)
		}
	}

	var strategyID int64
	var orderID *int64
	var orderStopLoss, orderStopGain *decimal.Decimal
	var orderComment *string
	isolatedExternal := false
	if linkedOrder != nil {
		strategyID = linkedOrder.StrategyID
		id := linkedOrder.ID
		orderID = &id
		orderStopLoss, orderStopGain = linkedOrder.StopLoss, linkedOrder.StopGain
		orderComment = linkedOrder.Comment
		isolatedExternal = strategyID == 0 && linkedOrder.Reason == "external"
	}

	var positionID int64
	switch {
	case isolatedExternal:
		positionID, err = r.projectIsolatedExternal(ctx, tx, account.ID, linkedOrder, nt, orderStopLoss, orderStopGain, orderComment)
	case account.PositionMode == model.PositionModeHedge:
		positionID, err = r.projectHedge(ctx, tx, account.ID, linkedOrder, nt, strategyID, reason, orderStopLoss, orderStopGain, orderComment)
	case account.PositionMode == model.PositionModeStrategyNetting:
		positionID, err = r.projectNetting(ctx, tx, account.ID, nt, strategyID, reason, orderStopLoss, orderStopGain, orderComment, true)
	default:
		positionID, err = r.projectNetting(ctx, tx, account.ID, nt, strategyID, reason, orderStopLoss, orderStopGain, orderComment, false)
	}
	if err != nil {
		return err
	}

	if orderID != nil && (linkedOrder.PositionID == nil || *linkedOrder.PositionID != positionID) {
		if err := r.store.UpdateOrderPositionLink(ctx, tx, *orderID, positionID); err != nil {
			return fmt.Errorf("failed to link order %d to position %d: %w", *orderID, positionID, err)
		}
	}

	fee := nt.FeeCost
	_ = orderComment // carried on the linked order, not duplicated onto the deal row.
	deal := &model.Deal{
		AccountID: account.ID, OrderID: orderID, PositionID: positionID, Symbol: nt.Symbol, Side: nt.Side,
		Qty: nt.Qty, Price: nt.Price, Fee: &fee, FeeCurrency: nt.FeeCurrency, Pnl: decimal.Zero,
		StrategyID: strategyID, Reason: reason, Reconciled: reconciled,
		ExchangeTradeID: strPtrOrNil(nt.ExchangeTradeID), CreatedAt: time.Now(),
	}
	if _, err := r.store.InsertPositionDeal(ctx, tx, deal); err != nil {
		return fmt.Errorf("failed to insert deal for trade %s: %w", nt.ExchangeTradeID, err)
	}

	return r.bus.Publish(ctx, tx, account.ID, model.EventNamespacePosition, "deal_created", map[string]any{
		"exchange_trade_id": nt.ExchangeTradeID, "position_id": positionID, "symbol": nt.Symbol,
		"side": string(nt.Side), "strategy_id": strategyID,
	})
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// projectIsolatedExternal handles a fill on an order that is itself
// reason='external' and strategy-less: it gets its own isolated position,
// never merged with a strategy's position even if the symbol matches.
func (r *Reconciler) projectIsolatedExternal(ctx context.Context, tx store.Tx, accountID int64, linkedOrder *model.Order, nt normalizedTrade, stopLoss, stopGain *decimal.Decimal, comment *string) (int64, error) {
	if linkedOrder.PositionID == nil {
		return r.openPosition(ctx, tx, accountID, 0, nt.Symbol, nt.Side, nt.Qty, nt.Price, stopLoss, stopGain, comment, "external")
	}
	explicit, err := r.store.FetchOpenPosition(ctx, tx, *linkedOrder.PositionID)
	if err != nil && err != store.ErrPositionNotFound {
		return 0, err
	}
	if explicit == nil || explicit.Symbol != nt.Symbol {
		return r.openPosition(ctx, tx, accountID, 0, nt.Symbol, nt.Side, nt.Qty, nt.Price, stopLoss, stopGain, comment, "external")
	}
	return r.foldIntoPosition(ctx, tx, accountID, explicit, nt, 0, "external", stopLoss, stopGain, comment)
}

// projectHedge implements hedge mode: one open position per
// (account, symbol, side). A fill whose order links to an open position of
// the same symbol is folded into that position (an opposite-side fill
// larger than its qty reverses into a brand new position_id); any other
// fill accumulates into, or opens, the open position on its own side.
func (r *Reconciler) projectHedge(ctx context.Context, tx store.Tx, accountID int64, linkedOrder *model.Order, nt normalizedTrade, strategyID int64, reason string, stopLoss, stopGain *decimal.Decimal, comment *string) (int64, error) {
	var explicit *model.Position
	if linkedOrder != nil && linkedOrder.PositionID != nil {
		p, err := r.store.FetchOpenPosition(ctx, tx, *linkedOrder.PositionID)
		if err != nil && err != store.ErrPositionNotFound {
			return 0, err
		}
		if p != nil && p.Symbol == nt.Symbol && p.Reason != "external" {
			explicit = p
		}
	}
	if explicit != nil {
		return r.foldIntoPosition(ctx, tx, accountID, explicit, nt, strategyID, reason, stopLoss, stopGain, comment)
	}

	existing, err := r.store.FetchOpenPositionForSymbol(ctx, tx, accountID, nt.Symbol, nt.Side)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.Reason == "external" {
		existing = nil
	}
	if existing == nil {
		return r.openPosition(ctx, tx, accountID, strategyID, nt.Symbol, nt.Side, nt.Qty, nt.Price, stopLoss, stopGain, comment, reason)
	}
	newQty := existing.Qty.Add(nt.Qty)
	if newQty.Sign() <= 0 {
		if err := r.store.ClosePosition(ctx, tx, existing.ID, time.Now()); err != nil {
			return 0, err
		}
		return existing.ID, nil
	}
	newAvg := weightedAverage(existing.Qty, existing.AvgPrice, nt.Qty, nt.Price, newQty)
	if err := r.store.UpdatePositionOpenQtyPrice(ctx, tx, existing.ID, newQty.String(), newAvg.String()); err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// projectNetting implements both netting and strategy_netting modes: one
// net position per (account, symbol) or (account, symbol, strategy),
// side flips via reversal into a new position_id.
func (r *Reconciler) projectNetting(ctx context.Context, tx store.Tx, accountID int64, nt normalizedTrade, strategyID int64, reason string, stopLoss, stopGain *decimal.Decimal, comment *string, perStrategy bool) (int64, error) {
	var existing *model.Position
	var err error
	if perStrategy {
		existing, err = r.store.FetchOpenNetPositionBySymbolStrategy(ctx, tx, accountID, nt.Symbol, strategyID)
	} else {
		existing, err = r.store.FetchOpenNetPositionBySymbol(ctx, tx, accountID, nt.Symbol)
	}
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.Reason == "external" {
		existing = nil
	}
	if existing == nil {
		return r.openPosition(ctx, tx, accountID, strategyID, nt.Symbol, nt.Side, nt.Qty, nt.Price, stopLoss, stopGain, comment, reason)
	}
	return r.foldIntoPosition(ctx, tx, accountID, existing, nt, strategyID, reason, stopLoss, stopGain, comment)
}

// foldIntoPosition applies one fill against an already-resolved open
// position: same side accumulates a weighted average, opposite side
// reduces, and an opposite-side fill larger than the open qty closes the
// position and opens a fresh one on the new side for the residual qty.
func (r *Reconciler) foldIntoPosition(ctx context.Context, tx store.Tx, accountID int64, pos *model.Position, nt normalizedTrade, strategyID int64, reason string, stopLoss, stopGain *decimal.Decimal, comment *string) (int64, error) {
	if pos.Side == nt.Side {
		newQty := pos.Qty.Add(nt.Qty)
		if newQty.Sign() <= 0 {
			return pos.ID, r.store.ClosePosition(ctx, tx, pos.ID, time.Now())
		}
		newAvg := weightedAverage(pos.Qty, pos.AvgPrice, nt.Qty, nt.Price, newQty)
		return pos.ID, r.store.UpdatePositionOpenQtyPrice(ctx, tx, pos.ID, newQty.String(), newAvg.String())
	}

	switch {
	case pos.Qty.GreaterThan(nt.Qty):
		remain := pos.Qty.Sub(nt.Qty)
		return pos.ID, r.store.UpdatePositionOpenQtyPrice(ctx, tx, pos.ID, remain.String(), pos.AvgPrice.String())
	case pos.Qty.Equal(nt.Qty):
		return pos.ID, r.store.ClosePosition(ctx, tx, pos.ID, time.Now())
	default:
		reverseQty := nt.Qty.Sub(pos.Qty)
		if err := r.store.ClosePosition(ctx, tx, pos.ID, time.Now()); err != nil {
			return 0, err
		}
		return r.openPosition(ctx, tx, accountID, strategyID, nt.Symbol, nt.Side, reverseQty, nt.Price, stopLoss, stopGain, comment, reason)
	}
}

func (r *Reconciler) openPosition(ctx context.Context, tx store.Tx, accountID, strategyID int64, symbol string, side model.OrderSide, qty, price decimal.Decimal, stopLoss, stopGain *decimal.Decimal, comment *string, reason string) (int64, error) {
	p := &model.Position{
		AccountID: accountID, StrategyID: strategyID, Symbol: symbol, Side: side, Qty: qty, AvgPrice: price,
		State: model.PositionStateOpen, StopLoss: stopLoss, StopGain: stopGain, Reason: reason, OpenedAt: time.Now(),
	}
	_ = comment // comment has no dedicated Position field; carried on the linked order instead.
	return r.store.CreatePositionOpen(ctx, tx, p)
}

// weightedAverage implements §4.5.1's merge formula, reused here for
// same-side trade accumulation: new_avg = (q_s*avg_s + q_t*avg_t) / new_qty.
func weightedAverage(oldQty, oldAvg, addQty, addPrice, newQty decimal.Decimal) decimal.Decimal {
	return oldQty.Mul(oldAvg).Add(addQty.Mul(addPrice)).Div(newQty)
}
