// Package executor implements the Command Executor (SPEC_FULL.md §4.5):
// it runs one PositionCommand per call inside a single transaction,
// translating it into exchange adapter calls and order/position/deal
// mutations. Grounded on
// original_source/apps/api/app/command_executor.py's execute_command_by_id.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/common"
	"github.com/rspadim/oms-position/internal/oms/events"
	"github.com/rspadim/oms-position/internal/oms/intake"
	"github.com/rspadim/oms-position/internal/store"
)

// PermanentCommandError marks a command as non-retryable: the queue worker
// must mark_queue_dead rather than reschedule, per spec.md §4.5/§4.8.
type PermanentCommandError struct {
	Reason string
}

func (e *PermanentCommandError) Error() string { return e.Reason }

func permanent(format string, args ...any) error {
	return &PermanentCommandError{Reason: fmt.Sprintf(format, args...)}
}

// Executor runs commands against the store and the exchange adapter.
type Executor struct {
	store    store.Store
	adapter  *exchange.Adapter
	resolver *common.ExchangeResolver
	bus      *events.Bus
}

// New builds an Executor. Every event it emits goes through bus so
// ws_pull_events sees executor-originated events the same way it sees
// reconciler-originated ones.
func New(s store.Store, adapter *exchange.Adapter, resolver *common.ExchangeResolver, bus *events.Bus) *Executor {
	return &Executor{store: s, adapter: adapter, resolver: resolver, bus: bus}
}

// Execute runs commandID for accountID inside one transaction. A
// *PermanentCommandError return means the caller (the queue worker) must
// not retry; any other error means the caller should reschedule with
// backoff. Once the command is loaded and its credentials resolved, a
// failure either way leaves the command in a terminal `failed` state for
// this attempt and releases any close-lock it held before Execute returns;
// an error before that point rolls the transaction back and leaves the
// command untouched.
func (ex *Executor) Execute(ctx context.Context, commandID, accountID int64) error {
	tx, err := ex.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin executor transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	cmd, err := ex.store.FetchCommandByID(ctx, tx, commandID)
	if err != nil {
		return fmt.Errorf("failed to fetch command %d: %w", commandID, err)
	}
	if cmd.AccountID != accountID {
		return fmt.Errorf("command %d belongs to account %d, not %d", commandID, cmd.AccountID, accountID)
	}

	exchangeID, creds, err := ex.resolver.Resolve(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("failed to resolve exchange credentials: %w", err)
	}
	sessionKey := common.SessionKey(accountID)

	var orderID *int64
	var closePositionID *int64

	runErr := ex.dispatch(ctx, tx, cmd, exchangeID, creds, sessionKey, &orderID, &closePositionID)
	if runErr == nil {
		if err := ex.store.MarkCommandCompleted(ctx, tx, commandID); err != nil {
			return fmt.Errorf("failed to mark command completed: %w", err)
		}
		if closePositionID != nil {
			if err := ex.store.ReleaseClosePositionLock(ctx, tx, *closePositionID); err != nil {
				return fmt.Errorf("failed to release close-position lock: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit executed command: %w", err)
		}
		committed = true
		return nil
	}

	if err := ex.store.MarkCommandFailed(ctx, tx, commandID); err != nil {
		return fmt.Errorf("failed to mark command failed: %w", err)
	}
	if _, isPermanent := runErr.(*PermanentCommandError); isPermanent && orderID != nil {
		if err := ex.store.MarkOrderRejected(ctx, tx, *orderID, runErr.Error()); err != nil {
			return fmt.Errorf("failed to mark order rejected: %w", err)
		}
	}
	if closePositionID != nil {
		if err := ex.store.ReopenPositionIfCloseRequested(ctx, tx, *closePositionID); err != nil {
			return fmt.Errorf("failed to reopen position after failed close: %w", err)
		}
		if err := ex.store.ReleaseClosePositionLock(ctx, tx, *closePositionID); err != nil {
			return fmt.Errorf("failed to release close-position lock: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failed command state: %w", err)
	}
	committed = true
	return runErr
}

func (ex *Executor) dispatch(ctx context.Context, tx store.Tx, cmd *model.PositionCommand, exchangeID string, creds exchange.Credentials, sessionKey string, orderID, closePositionID **int64) error {
	switch cmd.CommandType {
	case model.CommandSendOrder:
		return ex.sendOrder(ctx, tx, cmd, exchangeID, creds, sessionKey, orderID)
	case model.CommandCancelOrder, model.CommandCancelAllOrders:
		return ex.cancelOrders(ctx, tx, cmd, exchangeID, creds, sessionKey)
	case model.CommandChangeOrder:
		return ex.changeOrder(ctx, tx, cmd, exchangeID, creds, sessionKey)
	case model.CommandClosePosition:
		return ex.closePosition(ctx, tx, cmd, closePositionID)
	case model.CommandCloseBy:
		return ex.closeBy(ctx, tx, cmd)
	case model.CommandMergePositions:
		return ex.mergePositions(ctx, tx, cmd)
	default:
		return permanent("unsupported command_type: %s", cmd.CommandType)
	}
}

func (ex *Executor) sendOrder(ctx context.Context, tx store.Tx, cmd *model.PositionCommand, exchangeID string, creds exchange.Credentials, sessionKey string, orderIDOut **int64) error {
	var payload intake.SendOrderPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return permanent("invalid send_order payload: %v", err)
	}
	order, err := ex.store.FetchOrderForCommandSend(ctx, tx, cmd.ID)
	if err != nil || order == nil {
		return permanent("missing local order for send_order")
	}
	*orderIDOut = &order.ID

	params := map[string]any{}
	for k, v := range payload.Params {
		params[k] = v
	}
	if payload.PostOnly != nil && *payload.PostOnly {
		params["postOnly"] = true
	}
	if payload.TimeInForce != nil && *payload.TimeInForce != "" {
		params["timeInForce"] = *payload.TimeInForce
	}
	if payload.TriggerPrice != nil {
		params["triggerPrice"] = *payload.TriggerPrice
	}
	if payload.StopPrice != nil {
		params["stopPrice"] = *payload.StopPrice
	}
	if payload.TakeProfitPrice != nil {
		params["takeProfitPrice"] = *payload.TakeProfitPrice
	}
	if payload.TrailingAmount != nil {
		params["trailingAmount"] = *payload.TrailingAmount
	}
	if payload.TrailingPercent != nil {
		params["trailingPercent"] = *payload.TrailingPercent
	}
	if payload.ReduceOnly {
		params["reduceOnly"] = true
	}
	clientOrderID := fmt.Sprintf("%d", order.ID)
	if order.ClientOrderID != nil && *order.ClientOrderID != "" {
		clientOrderID = *order.ClientOrderID
	}
	params["clientOrderId"] = clientOrderID

	var priceStr *string
	if order.Price != nil {
		s := order.Price.String()
		priceStr = &s
	}
	req := exchange.CreateOrderRequest{
		Symbol: order.Symbol, Side: string(order.Side), Type: string(order.OrderType),
		Amount: order.Qty.String(), Price: priceStr, Params: params,
	}

	result, err := ex.adapter.CreateOrder(ctx, exchangeID, creds, sessionKey, req)
	if err != nil {
		// A generic exchange/network failure is transient, per
		// original_source's bare `except Exception` around create_order:
		// it is NOT a PermanentCommandError, so the queue retries it.
		return fmt.Errorf("create_order failed: %w", err)
	}

	if err := ex.store.MarkOrderSubmittedExchangeWithValues(ctx, tx, order.ID, result.ExchangeOrderID, result.FilledQty, result.AvgPrice); err != nil {
		return fmt.Errorf("failed to mark order submitted: %w", err)
	}
	if err := insertRaw(ctx, ex.store, tx, order.AccountID, result.ExchangeOrderID, result.Raw); err != nil {
		return err
	}
	return emitEvent(ctx, ex.bus, tx, order.AccountID, "order_submitted", map[string]any{
		"command_id": cmd.ID, "order_id": order.ID, "exchange_order_id": result.ExchangeOrderID,
	})
}

func (ex *Executor) cancelOrders(ctx context.Context, tx store.Tx, cmd *model.PositionCommand, exchangeID string, creds exchange.Credentials, sessionKey string) error {
	var orderIDs []int64
	if cmd.CommandType == model.CommandCancelOrder {
		var payload intake.CancelOrderPayload
		if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
			return permanent("invalid cancel_order payload: %v", err)
		}
		orderIDs = dedupInt64(appendNonNil(payload.OrderIDs, payload.OrderID))
		if len(orderIDs) == 0 {
			return permanent("payload.order_id/order_ids is required for cancel_order")
		}
	} else {
		var payload intake.CancelAllOrdersPayload
		if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
			return permanent("invalid cancel_all_orders payload: %v", err)
		}
		rows, err := ex.store.ListCancelableOrders(ctx, tx, cmd.AccountID, payload.ResolvedStrategyIDs())
		if err != nil {
			return fmt.Errorf("failed to list cancelable orders: %w", err)
		}
		for _, o := range rows {
			orderIDs = append(orderIDs, o.ID)
		}
		if len(orderIDs) == 0 {
			return permanent("no open orders to cancel")
		}
	}

	var canceled, skipped []int64
	for _, orderID := range orderIDs {
		order, err := ex.store.FetchOrderByID(ctx, tx, orderID)
		if err != nil || order == nil || order.ExchangeOrderID == nil || *order.ExchangeOrderID == "" {
			skipped = append(skipped, orderID)
			continue
		}
		if err := ex.adapter.CancelOrder(ctx, exchangeID, creds, sessionKey, *order.ExchangeOrderID, order.Symbol); err != nil {
			skipped = append(skipped, orderID)
			continue
		}
		if err := ex.store.MarkOrderCanceled(ctx, tx, orderID); err != nil {
			return fmt.Errorf("failed to mark order %d canceled: %w", orderID, err)
		}
		if err := insertRaw(ctx, ex.store, tx, order.AccountID, *order.ExchangeOrderID, nil); err != nil {
			return err
		}
		if err := emitEvent(ctx, ex.bus, tx, order.AccountID, "order_canceled", map[string]any{
			"command_id": cmd.ID, "order_id": orderID,
		}); err != nil {
			return err
		}
		canceled = append(canceled, orderID)
	}
	if len(canceled) == 0 {
		return permanent("no orders canceled")
	}
	return emitEvent(ctx, ex.bus, tx, cmd.AccountID, "orders_canceled_batch", map[string]any{
		"command_id": cmd.ID, "command_type": string(cmd.CommandType),
		"canceled_order_ids": canceled, "skipped_order_ids": skipped,
	})
}

func (ex *Executor) changeOrder(ctx context.Context, tx store.Tx, cmd *model.PositionCommand, exchangeID string, creds exchange.Credentials, sessionKey string) error {
	var payload intake.ChangeOrderPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return permanent("invalid change_order payload: %v", err)
	}
	order, err := ex.store.FetchOrderByID(ctx, tx, payload.OrderID)
	if err != nil || order == nil {
		return permanent("order not found")
	}
	if order.ExchangeOrderID == nil || *order.ExchangeOrderID == "" {
		return permanent("order has no exchange_order_id to change")
	}
	newPrice := order.Price
	if payload.NewPrice != nil {
		p, err := decimal.NewFromString(*payload.NewPrice)
		if err != nil {
			return permanent("new_price must be a decimal string")
		}
		newPrice = &p
	}
	newQty := order.Qty
	if payload.NewQty != nil {
		q, err := decimal.NewFromString(*payload.NewQty)
		if err != nil {
			return permanent("new_qty must be a decimal string")
		}
		newQty = q
	}
	clientOrderID := fmt.Sprintf("%d", order.ID)
	if order.ClientOrderID != nil && *order.ClientOrderID != "" {
		clientOrderID = *order.ClientOrderID
	}
	var priceStr *string
	if newPrice != nil {
		s := newPrice.String()
		priceStr = &s
	}
	req := exchange.CreateOrderRequest{
		Symbol: order.Symbol, Side: string(order.Side), Type: string(order.OrderType),
		Amount: newQty.String(), Price: priceStr, Params: map[string]any{"clientOrderId": clientOrderID},
	}

	edited, err := ex.adapter.EditOrderIfSupported(ctx, exchangeID, creds, sessionKey, *order.ExchangeOrderID, req)
	if err != nil {
		return fmt.Errorf("edit_order_if_supported failed: %w", err)
	}
	if edited != nil {
		if err := ex.store.MarkOrderSubmittedExchangeWithValues(ctx, tx, order.ID, *order.ExchangeOrderID, edited.FilledQty, edited.AvgPrice); err != nil {
			return fmt.Errorf("failed to update edited order: %w", err)
		}
		if err := insertRaw(ctx, ex.store, tx, order.AccountID, *order.ExchangeOrderID, edited.Raw); err != nil {
			return err
		}
		return emitEvent(ctx, ex.bus, tx, order.AccountID, "order_changed", map[string]any{
			"command_id": cmd.ID, "order_id": order.ID,
		})
	}

	// Cancel-and-replace path: the exchange has no editOrder support.
	if err := ex.adapter.CancelOrder(ctx, exchangeID, creds, sessionKey, *order.ExchangeOrderID, order.Symbol); err != nil {
		return fmt.Errorf("failed to cancel order before replace: %w", err)
	}
	if err := ex.store.MarkOrderCanceledEditPending(ctx, tx, order.ID); err != nil {
		return fmt.Errorf("failed to mark order canceled-edit-pending: %w", err)
	}
	if err := emitEvent(ctx, ex.bus, tx, order.AccountID, "order_change_replace_pending", map[string]any{
		"command_id": cmd.ID, "order_id": order.ID,
	}); err != nil {
		return err
	}

	created, err := ex.adapter.CreateOrder(ctx, exchangeID, creds, sessionKey, req)
	if err != nil {
		if emitErr := emitEvent(ctx, ex.bus, tx, order.AccountID, "order_change_replace_failed", map[string]any{
			"command_id": cmd.ID, "order_id": order.ID,
		}); emitErr != nil {
			return emitErr
		}
		return permanent("change_order_replace_create_failed")
	}

	orphan, err := ex.store.FindExternalOrphanOrderForReplace(ctx, tx, order.AccountID, &created.ExchangeOrderID, order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("failed to probe for orphan order: %w", err)
	}
	if orphan == nil {
		if err := ex.store.MarkOrderSubmittedExchangeWithValues(ctx, tx, order.ID, created.ExchangeOrderID, created.FilledQty, created.AvgPrice); err != nil {
			return fmt.Errorf("failed to update replaced order: %w", err)
		}
		return emitEvent(ctx, ex.bus, tx, order.AccountID, "order_changed", map[string]any{
			"command_id": cmd.ID, "order_id": order.ID,
		})
	}

	// Consolidation: the reconciler already adopted the new exchange order
	// as an external unmatched ("orphan") order before this transaction saw
	// it. Fold it into the originating order's identity.
	if err := ex.store.MarkOrderConsolidatedToOrphan(ctx, tx, order.ID, orphan.ID); err != nil {
		return fmt.Errorf("failed to mark order consolidated: %w", err)
	}
	if err := ex.store.AdoptExternalOrphanOrder(ctx, tx, orphan.ID, order.StrategyID, order.Reason, order.Comment); err != nil {
		return fmt.Errorf("failed to adopt orphan order: %w", err)
	}
	keptPositionID := order.PositionID
	if orphan.PositionID != nil && keptPositionID != nil && *orphan.PositionID != *keptPositionID {
		if err := ex.mergePositionPair(ctx, tx, *orphan.PositionID, *keptPositionID, "keep", nil, nil); err != nil {
			return fmt.Errorf("failed to merge orphan position: %w", err)
		}
		if err := ex.store.UpdateOrderPositionLink(ctx, tx, orphan.ID, *keptPositionID); err != nil {
			return fmt.Errorf("failed to relink orphan order: %w", err)
		}
	}
	return emitEvent(ctx, ex.bus, tx, order.AccountID, "order_change_replace_consolidated", map[string]any{
		"command_id": cmd.ID, "order_id": order.ID, "orphan_order_id": orphan.ID,
	})
}

func (ex *Executor) closePosition(ctx context.Context, tx store.Tx, cmd *model.PositionCommand, closePositionIDOut **int64) error {
	var payload intake.ClosePositionPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return permanent("invalid close_position payload: %v", err)
	}
	*closePositionIDOut = &payload.PositionID
	pos, err := ex.store.FetchOpenPosition(ctx, tx, payload.PositionID)
	if err != nil || pos == nil {
		return permanent("close_position target must be an open position")
	}
	if err := ex.store.InsertPositionDeal(ctx, tx, &model.Deal{
		AccountID: pos.AccountID, PositionID: pos.ID, Symbol: pos.Symbol, Side: pos.Side.Opposite(),
		Qty: pos.Qty, Price: pos.AvgPrice, Pnl: decimal.Zero, StrategyID: payload.StrategyID, Reason: "close_position",
	}); err != nil {
		return fmt.Errorf("failed to insert close deal: %w", err)
	}
	if err := ex.store.ClosePosition(ctx, tx, pos.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return emitEvent(ctx, ex.bus, tx, pos.AccountID, "position_closed", map[string]any{
		"command_id": cmd.ID, "position_id": pos.ID,
	})
}

func (ex *Executor) closeBy(ctx context.Context, tx store.Tx, cmd *model.PositionCommand) error {
	var payload intake.CloseByPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return permanent("invalid close_by payload: %v", err)
	}
	posA, errA := ex.store.FetchOpenPosition(ctx, tx, payload.PositionIDA)
	posB, errB := ex.store.FetchOpenPosition(ctx, tx, payload.PositionIDB)
	if errA != nil || errB != nil || posA == nil || posB == nil {
		return permanent("close_by positions must exist and be open")
	}
	if posA.Symbol != posB.Symbol {
		return permanent("close_by positions must have same symbol")
	}
	if posA.Side == posB.Side {
		return permanent("close_by positions must be opposite sides")
	}
	closeQty := decimal.Min(posA.Qty, posB.Qty)
	if payload.Qty != nil {
		capQty, err := decimal.NewFromString(*payload.Qty)
		if err != nil {
			return permanent("close_by qty must be a decimal string")
		}
		if capQty.LessThan(closeQty) {
			closeQty = capQty
		}
	}
	if closeQty.LessThanOrEqual(decimal.Zero) {
		return permanent("close_by quantity is zero")
	}
	if err := ex.closeByLeg(ctx, tx, posA, closeQty, payload.StrategyID); err != nil {
		return err
	}
	if err := ex.closeByLeg(ctx, tx, posB, closeQty, payload.StrategyID); err != nil {
		return err
	}
	return emitEvent(ctx, ex.bus, tx, posA.AccountID, "close_by_executed", map[string]any{
		"command_id": cmd.ID, "position_id_a": posA.ID, "position_id_b": posB.ID, "qty": closeQty.String(),
	})
}

func (ex *Executor) closeByLeg(ctx context.Context, tx store.Tx, pos *model.Position, closeQty decimal.Decimal, strategyID int64) error {
	if err := ex.store.InsertPositionDeal(ctx, tx, &model.Deal{
		AccountID: pos.AccountID, PositionID: pos.ID, Symbol: pos.Symbol, Side: pos.Side.Opposite(),
		Qty: closeQty, Price: pos.AvgPrice, Pnl: decimal.Zero, StrategyID: strategyID, Reason: "close_by_internal",
	}); err != nil {
		return fmt.Errorf("failed to insert close_by deal: %w", err)
	}
	remaining := pos.Qty.Sub(closeQty)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return ex.store.ClosePosition(ctx, tx, pos.ID, time.Now())
	}
	return ex.store.UpdatePositionOpenQtyPrice(ctx, tx, pos.ID, remaining.String(), pos.AvgPrice.String())
}

func (ex *Executor) mergePositions(ctx context.Context, tx store.Tx, cmd *model.PositionCommand) error {
	var payload intake.MergePositionsPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return permanent("invalid merge_positions payload: %v", err)
	}
	if payload.SourcePositionID == payload.TargetPositionID {
		return permanent("merge_positions requires different source/target ids")
	}
	stopMode := payload.StopMode
	if stopMode == "" {
		stopMode = "keep"
	}
	return ex.mergePositionPair(ctx, tx, payload.SourcePositionID, payload.TargetPositionID, stopMode, payload.OmsStopLoss, payload.OmsStopGain)
}

// mergePositionPair implements the §4.5.1 merge algorithm: new_qty =
// q_s+q_t; new_avg weighted by qty; reassign orders/deals; close source.
func (ex *Executor) mergePositionPair(ctx context.Context, tx store.Tx, sourceID, targetID int64, stopMode string, stopLoss, stopGain *string) error {
	source, errS := ex.store.FetchOpenPosition(ctx, tx, sourceID)
	target, errT := ex.store.FetchOpenPosition(ctx, tx, targetID)
	if errS != nil || errT != nil || source == nil || target == nil {
		return permanent("merge_positions positions must exist and be open")
	}
	if source.Symbol != target.Symbol {
		return permanent("merge_positions requires same symbol")
	}
	if source.Side != target.Side {
		return permanent("merge_positions requires same side")
	}
	if source.Qty.LessThanOrEqual(decimal.Zero) || target.Qty.LessThanOrEqual(decimal.Zero) {
		return permanent("merge_positions requires positive qty in both positions")
	}

	newQty := source.Qty.Add(target.Qty)
	newAvg := source.Qty.Mul(source.AvgPrice).Add(target.Qty.Mul(target.AvgPrice)).Div(newQty)
	if err := ex.store.UpdatePositionOpenQtyPrice(ctx, tx, target.ID, newQty.String(), newAvg.String()); err != nil {
		return fmt.Errorf("failed to update merged target: %w", err)
	}
	if _, err := ex.store.ReassignOpenOrdersPosition(ctx, tx, source.ID, target.ID); err != nil {
		return fmt.Errorf("failed to reassign orders: %w", err)
	}
	if _, err := ex.store.ReassignDealsPosition(ctx, tx, source.ID, target.ID); err != nil {
		return fmt.Errorf("failed to reassign deals: %w", err)
	}
	if err := ex.store.ClosePositionMerged(ctx, tx, source.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to close merged source: %w", err)
	}

	switch stopMode {
	case "clear":
		if err := ex.store.UpdatePositionTargetsComment(ctx, tx, target.ID, nil, nil); err != nil {
			return fmt.Errorf("failed to clear merge targets: %w", err)
		}
	case "set":
		if err := ex.store.UpdatePositionTargetsComment(ctx, tx, target.ID, stopLoss, stopGain); err != nil {
			return fmt.Errorf("failed to set merge targets: %w", err)
		}
	case "keep":
		// Leave target's existing stop_loss/stop_gain untouched.
	default:
		return permanent("merge_positions stop_mode invalid")
	}
	return emitEvent(ctx, ex.bus, tx, target.AccountID, "positions_merged", map[string]any{
		"source_position_id": source.ID, "target_position_id": target.ID,
	})
}

func insertRaw(ctx context.Context, s store.Store, tx store.Tx, accountID int64, fingerprint string, raw map[string]any) error {
	if fingerprint == "" {
		return nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal raw order payload: %w", err)
	}
	if _, err := s.InsertCcxtOrderRaw(ctx, tx, accountID, fingerprint, payload); err != nil {
		return fmt.Errorf("failed to insert raw order payload: %w", err)
	}
	return nil
}

func emitEvent(ctx context.Context, bus *events.Bus, tx store.Tx, accountID int64, eventType string, payload map[string]any) error {
	if err := bus.Publish(ctx, tx, accountID, model.EventNamespacePosition, eventType, payload); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", eventType, err)
	}
	return nil
}

func appendNonNil(ids []int64, extra *int64) []int64 {
	if extra != nil {
		ids = append(ids, *extra)
	}
	return ids
}

func dedupInt64(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
