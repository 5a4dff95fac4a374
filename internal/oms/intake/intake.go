// Package intake implements the Command Intake & Validator (SPEC_FULL.md
// §4.3): it authorizes, validates, and persists a batch of CommandInput
// items, pre-creating a PENDING_SUBMIT order for send_order and acquiring a
// close-lock for close_position, then enqueues each onto the durable
// command queue. Grounded on original_source/apps/api/app/positions.py's
// submit_commands flow.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rspadim/oms-position/internal/auth"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
)

// RPCError is the {code, message?} envelope of spec.md §6/§7.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func errCode(code string) *RPCError { return &RPCError{Code: code} }

func errMsg(code, message string) *RPCError { return &RPCError{Code: code, Message: message} }

// CommandInput is one item of an oms_commands_batch request, per spec.md §6.
type CommandInput struct {
	AccountID int64              `json:"account_id"`
	Command   model.CommandType  `json:"command"`
	Payload   json.RawMessage    `json:"payload"`
	RequestID *string            `json:"request_id"`
}

// CommandResult is the per-item outcome of ProcessBatch, per spec.md §4.3.
type CommandResult struct {
	Index     int       `json:"index"`
	OK        bool      `json:"ok"`
	CommandID *int64    `json:"command_id,omitempty"`
	OrderID   *int64    `json:"order_id,omitempty"`
	Error     *RPCError `json:"error,omitempty"`
}

// WorkerResolver resolves the dispatcher pool_id an account's commands
// should be enqueued onto, mirroring the dispatcher's own worker pinning
// (SPEC_FULL.md §4.4) so intake and dispatcher agree on placement without
// intake owning the pinning cache itself.
type WorkerResolver interface {
	ResolveWorker(ctx context.Context, accountID int64, engine string) (poolID int, err error)
}

// Intake validates and persists command batches.
type Intake struct {
	store        store.Store
	validate     *validator.Validate
	workers      WorkerResolver
	closeLockTTL time.Duration
}

// New builds an Intake. closeLockTTL is the TTL applied to close_position
// locks (config's close_lock_ttl_seconds).
func New(s store.Store, workers WorkerResolver, closeLockTTL time.Duration) *Intake {
	return &Intake{store: s, validate: validator.New(), workers: workers, closeLockTTL: closeLockTTL}
}

// ProcessBatch authorizes, validates, and persists every item in inputs for
// the caller identified by authCtx. Errors are always captured per-item;
// ProcessBatch itself never fails the whole batch, per spec.md §4.3/§7.
func (in *Intake) ProcessBatch(ctx context.Context, authCtx *auth.Context, inputs []CommandInput) []CommandResult {
	results := make([]CommandResult, len(inputs))
	for i, item := range inputs {
		results[i] = in.processOne(ctx, authCtx, i, item)
	}
	return results
}

func (in *Intake) processOne(ctx context.Context, authCtx *auth.Context, index int, item CommandInput) CommandResult {
	result := CommandResult{Index: index}
	tx, err := in.store.BeginTx(ctx)
	if err != nil {
		result.Error = errMsg("internal_error", err.Error())
		return result
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	account, rpcErr := in.resolveActiveAccount(ctx, tx, item.AccountID)
	if rpcErr != nil {
		result.Error = rpcErr
		return result
	}

	wantTrade := true
	if err := auth.RequireAccountPermission(ctx, in.store, tx, authCtx.APIKeyID, item.AccountID, wantTrade); err != nil {
		result.Error = authError(err)
		return result
	}
	if authCtx.IsAdmin() {
		result.Error = errCode("admin_read_only")
		return result
	}

	var orderID *int64
	switch item.Command {
	case model.CommandSendOrder:
		var payload SendOrderPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		if err := auth.RequireStrategyPermission(ctx, in.store, tx, authCtx, payload.StrategyID, wantTrade); err != nil {
			result.Error = authError(err)
			return result
		}
		stampReason(authCtx, &payload.Reason)
		id, rpcErr := in.intakeSendOrder(ctx, tx, item.AccountID, account, &payload, item.RequestID)
		if rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		orderID = &id

	case model.CommandCancelOrder:
		var payload CancelOrderPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		if len(payload.orderIDs()) == 0 {
			result.Error = errMsg("validation_error", "order_id or order_ids required")
			return result
		}

	case model.CommandCancelAllOrders:
		var payload CancelAllOrdersPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}

	case model.CommandChangeOrder:
		var payload ChangeOrderPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		if payload.NewPrice == nil && payload.NewQty == nil {
			result.Error = errMsg("validation_error", "new_price or new_qty required")
			return result
		}
		strategyID, err := in.store.FetchOrderStrategyID(ctx, tx, payload.OrderID)
		if err != nil {
			result.Error = errMsg("order_not_found", err.Error())
			return result
		}
		if err := auth.RequireStrategyPermission(ctx, in.store, tx, authCtx, strategyID, wantTrade); err != nil {
			result.Error = authError(err)
			return result
		}

	case model.CommandClosePosition:
		var payload ClosePositionPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		if err := auth.RequireStrategyPermission(ctx, in.store, tx, authCtx, payload.StrategyID, wantTrade); err != nil {
			result.Error = authError(err)
			return result
		}
		if err := in.store.AcquireClosePositionLock(ctx, tx, item.AccountID, payload.PositionID, item.RequestID, in.closeLockTTL); err != nil {
			if err == store.ErrCloseLockHeld {
				result.Error = errCode("close_lock_held")
			} else {
				result.Error = errMsg("internal_error", err.Error())
			}
			return result
		}

	case model.CommandCloseBy:
		var payload CloseByPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		if err := auth.RequireStrategyPermission(ctx, in.store, tx, authCtx, payload.StrategyID, wantTrade); err != nil {
			result.Error = authError(err)
			return result
		}

	case model.CommandMergePositions:
		var payload MergePositionsPayload
		if rpcErr := in.decodeAndValidate(item.Payload, &payload); rpcErr != nil {
			result.Error = rpcErr
			return result
		}
		sourceStrategy, err := in.store.FetchPositionStrategyID(ctx, tx, payload.SourcePositionID)
		if err != nil {
			result.Error = errMsg("position_not_found", err.Error())
			return result
		}
		if err := auth.RequireStrategyPermission(ctx, in.store, tx, authCtx, sourceStrategy, wantTrade); err != nil {
			result.Error = authError(err)
			return result
		}

	default:
		result.Error = errMsg("unsupported_op", string(item.Command))
		return result
	}

	cmd := &model.PositionCommand{
		AccountID:   item.AccountID,
		CommandType: item.Command,
		RequestID:   item.RequestID,
		PayloadJSON: item.Payload,
		Status:      model.CommandStatusAccepted,
	}
	commandID, err := in.store.InsertPositionCommand(ctx, tx, cmd)
	if err != nil {
		result.Error = errMsg("internal_error", err.Error())
		return result
	}
	poolID := 0
	if in.workers != nil {
		resolved, err := in.workers.ResolveWorker(ctx, item.AccountID, account.DispatcherEngine)
		if err != nil {
			result.Error = errMsg("internal_error", err.Error())
			return result
		}
		poolID = resolved
	}
	if _, err := in.store.EnqueueCommand(ctx, tx, item.AccountID, poolID, commandID); err != nil {
		result.Error = errMsg("internal_error", err.Error())
		return result
	}

	if err := tx.Commit(); err != nil {
		result.Error = errMsg("internal_error", err.Error())
		return result
	}
	committed = true

	result.OK = true
	result.CommandID = &commandID
	result.OrderID = orderID
	return result
}

func (in *Intake) resolveActiveAccount(ctx context.Context, tx store.Tx, accountID int64) (*model.Account, *RPCError) {
	account, err := in.store.FetchAccount(ctx, tx, accountID)
	if err != nil {
		if err == store.ErrAccountNotFound {
			return nil, errCode("account_not_found")
		}
		return nil, errMsg("internal_error", err.Error())
	}
	if account.Status != model.AccountStatusActive {
		return nil, errCode("account_not_found")
	}
	return account, nil
}

func (in *Intake) decodeAndValidate(raw json.RawMessage, dst any) *RPCError {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errMsg("validation_error", err.Error())
	}
	if err := in.validate.Struct(dst); err != nil {
		return errMsg("validation_error", err.Error())
	}
	return nil
}

// intakeSendOrder validates risk flags, binds to an existing open position
// when requested, and pre-creates the PENDING_SUBMIT order row per spec.md
// §4.3 step 2.
func (in *Intake) intakeSendOrder(ctx context.Context, tx store.Tx, accountID int64, account *model.Account, payload *SendOrderPayload, requestID *string) (int64, *RPCError) {
	qty, err := decimal.NewFromString(payload.Qty)
	if err != nil {
		return 0, errMsg("validation_error", "qty must be a decimal string")
	}
	var price *decimal.Decimal
	if payload.Price != nil {
		p, err := decimal.NewFromString(*payload.Price)
		if err != nil {
			return 0, errMsg("validation_error", "price must be a decimal string")
		}
		price = &p
	}

	var boundPositionID *int64
	if payload.PositionID > 0 {
		pos, err := in.store.FetchOpenPosition(ctx, tx, payload.PositionID)
		if err != nil || pos == nil || !pos.IsOpen() || pos.Symbol != payload.Symbol {
			return 0, errMsg("validation_error", "position_id must reference an open position for the same symbol")
		}
		boundPositionID = &payload.PositionID
	} else if !payload.ReduceOnly {
		if !in.newPositionsAllowed(ctx, tx, accountID, account, payload.StrategyID) {
			return 0, errMsg("validation_error", "new positions disabled for this account/strategy")
		}
	}

	order := &model.Order{
		AccountID:     accountID,
		StrategyID:    payload.StrategyID,
		PositionID:    boundPositionID,
		Symbol:        payload.Symbol,
		Side:          payload.orderSide(),
		OrderType:     model.OrderType(payload.OrderType),
		Qty:           qty,
		Price:         price,
		FilledQty:     decimal.Zero,
		Status:        model.OrderStatusPendingSubmit,
		ClientOrderID: payload.ClientOrderID,
		Reason:        derefOr(payload.Reason, ""),
		Comment:       payload.Comment,
	}
	if payload.StopPrice != nil {
		sl, err := decimal.NewFromString(*payload.StopPrice)
		if err == nil {
			order.StopLoss = &sl
		}
	}
	if payload.TakeProfitPrice != nil {
		tp, err := decimal.NewFromString(*payload.TakeProfitPrice)
		if err == nil {
			order.StopGain = &tp
		}
	}

	orderID, err := in.store.InsertPositionOrderPendingSubmit(ctx, tx, order)
	if err != nil {
		return 0, errMsg("internal_error", fmt.Sprintf("failed to insert pending order: %v", err))
	}
	return orderID, nil
}

// newPositionsAllowed implements the account_risk_state.allow_new_positions
// check of spec.md §4.3 step 2. Only the account-level flag is consulted:
// strategyID is not used, and the strategy flag that
// risk_set_strategy_allow_new_positions sets does not block new positions
// here.
func (in *Intake) newPositionsAllowed(ctx context.Context, tx store.Tx, accountID int64, account *model.Account, strategyID int64) bool {
	return account.AllowNewPositions
}

func stampReason(authCtx *auth.Context, reason **string) {
	if *reason != nil && **reason != "" {
		return
	}
	if authCtx.IsAdmin() {
		return
	}
	defaultReason := authCtx.Role.DefaultReason()
	*reason = &defaultReason
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func authError(err error) *RPCError {
	switch err {
	case auth.ErrPermissionDenied:
		return errCode("permission_denied")
	case auth.ErrStrategyPermissionDenied:
		return errCode("strategy_permission_denied")
	case auth.ErrAdminReadOnly:
		return errCode("admin_read_only")
	case auth.ErrAdminRequired:
		return errCode("admin_required")
	default:
		return errMsg("internal_error", err.Error())
	}
}
