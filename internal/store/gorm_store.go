package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rspadim/oms-position/internal/model"
)

// GormStore is the gorm/MySQL-backed Store implementation. It is grounded
// on original_source/apps/api/app/repository_mysql.py's SQL shapes,
// adapted to gorm's session/transaction API; the two MySQL extensions gorm
// cannot express portably (FOR UPDATE SKIP LOCKED, INSERT ... ON DUPLICATE
// KEY UPDATE) are issued as raw SQL via db.Exec/db.Raw.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-opened *gorm.DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type gormTx struct {
	tx        *gorm.DB
	committed bool
}

func (t *gormTx) Commit() error {
	if t.committed {
		return nil
	}
	t.committed = true
	return t.tx.Commit().Error
}

func (t *gormTx) Rollback() error {
	if t.committed {
		return nil
	}
	return t.tx.Rollback().Error
}

// BeginTx opens a new transaction.
func (s *GormStore) BeginTx(ctx context.Context) (Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &gormTx{tx: tx}, nil
}

func dbOf(tx Tx) *gorm.DB {
	return tx.(*gormTx).tx
}

// --- CommandStore ---

func (s *GormStore) InsertPositionCommand(ctx context.Context, tx Tx, cmd *model.PositionCommand) (int64, error) {
	row := positionCommandRow{
		AccountID:   cmd.AccountID,
		CommandType: string(cmd.CommandType),
		RequestID:   cmd.RequestID,
		PayloadJSON: cmd.PayloadJSON,
		Status:      string(model.CommandStatusAccepted),
	}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to insert position command: %w", err)
	}
	return row.ID, nil
}

func (s *GormStore) EnqueueCommand(ctx context.Context, tx Tx, accountID int64, poolID int, commandID int64) (int64, error) {
	row := queueItemRow{
		AccountID:   accountID,
		PoolID:      poolID,
		CommandID:   commandID,
		Status:      string(model.QueueStatusQueued),
		AvailableAt: time.Now().UTC(),
	}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to enqueue command %d: %w", commandID, err)
	}
	return row.ID, nil
}

// ClaimNextQueueItem uses SELECT ... FOR UPDATE SKIP LOCKED so many queue
// workers can scan the same pool without blocking on each other, mirroring
// repository_mysql.py's claim_next_queue_item.
func (s *GormStore) ClaimNextQueueItem(ctx context.Context, poolID int, workerID string) (*model.QueueItem, error) {
	var result *model.QueueItem
	err := s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		var row queueItemRow
		err := txdb.Raw(`
			SELECT id, account_id, pool_id, command_id, status, attempts, available_at, locked_by, locked_at
			FROM command_queue
			WHERE pool_id = ? AND status = ? AND available_at <= ?
			ORDER BY available_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, poolID, string(model.QueueStatusQueued), time.Now().UTC()).Scan(&row).Error
		if err != nil {
			return fmt.Errorf("failed to select next queue item: %w", err)
		}
		if row.ID == 0 {
			return ErrNoQueueItemAvailable
		}
		now := time.Now().UTC()
		res := txdb.Exec(`
			UPDATE command_queue
			SET status = ?, attempts = attempts + 1, locked_by = ?, locked_at = ?
			WHERE id = ?
		`, string(model.QueueStatusProcessing), workerID, now, row.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to claim queue item %d: %w", row.ID, res.Error)
		}
		result = &model.QueueItem{
			ID:          row.ID,
			AccountID:   row.AccountID,
			PoolID:      row.PoolID,
			CommandID:   row.CommandID,
			Status:      model.QueueStatusProcessing,
			Attempts:    row.Attempts + 1,
			AvailableAt: row.AvailableAt,
			LockedBy:    &workerID,
			LockedAt:    &now,
		}
		return nil
	})
	if errors.Is(err, ErrNoQueueItemAvailable) {
		return nil, ErrNoQueueItemAvailable
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *GormStore) MarkQueueDone(ctx context.Context, tx Tx, queueID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE command_queue SET status = ? WHERE id = ?`, string(model.QueueStatusDone), queueID,
	).Error
}

func (s *GormStore) MarkQueueFailed(ctx context.Context, tx Tx, queueID int64, delay time.Duration) error {
	availableAt := time.Now().UTC().Add(delay)
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE command_queue SET status = ?, available_at = ? WHERE id = ?`,
		string(model.QueueStatusQueued), availableAt, queueID,
	).Error
}

func (s *GormStore) MarkQueueDead(ctx context.Context, tx Tx, queueID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE command_queue SET status = ? WHERE id = ?`, string(model.QueueStatusFailed), queueID,
	).Error
}

func (s *GormStore) MarkCommandCompleted(ctx context.Context, tx Tx, commandID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_commands SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.CommandStatusCompleted), time.Now().UTC(), commandID,
	).Error
}

func (s *GormStore) MarkCommandFailed(ctx context.Context, tx Tx, commandID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_commands SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.CommandStatusFailed), time.Now().UTC(), commandID,
	).Error
}

func (s *GormStore) FetchCommandByID(ctx context.Context, tx Tx, commandID int64) (*model.PositionCommand, error) {
	var row positionCommandRow
	err := dbOf(tx).WithContext(ctx).Where("id = ?", commandID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("command %d: %w", commandID, ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch command %d: %w", commandID, err)
	}
	return &model.PositionCommand{
		ID: row.ID, AccountID: row.AccountID, CommandType: model.CommandType(row.CommandType),
		RequestID: row.RequestID, PayloadJSON: row.PayloadJSON, Status: model.CommandStatus(row.Status),
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

// --- OrderStore ---

func (s *GormStore) InsertPositionOrderPendingSubmit(ctx context.Context, tx Tx, o *model.Order) (int64, error) {
	row := orderFromModel(o)
	row.Status = string(model.OrderStatusPendingSubmit)
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to insert pending order: %w", err)
	}
	return row.ID, nil
}

func (s *GormStore) FetchOrderByID(ctx context.Context, tx Tx, orderID int64) (*model.Order, error) {
	var row orderRow
	err := dbOf(tx).WithContext(ctx).Where("id = ?", orderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	return orderToModel(&row), nil
}

func (s *GormStore) FetchOrderForCommandSend(ctx context.Context, tx Tx, commandID int64) (*model.Order, error) {
	var row orderRow
	err := dbOf(tx).WithContext(ctx).Where("command_id = ?", commandID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order for command %d: %w", commandID, err)
	}
	return orderToModel(&row), nil
}

func (s *GormStore) MarkOrderSubmittedExchange(ctx context.Context, tx Tx, orderID int64, exchangeOrderID string) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET status = ?, exchange_order_id = ? WHERE id = ?`,
		string(model.OrderStatusSubmitted), exchangeOrderID, orderID,
	).Error
}

func (s *GormStore) MarkOrderSubmittedExchangeWithValues(ctx context.Context, tx Tx, orderID int64, exchangeOrderID string, filledQty, avgFillPrice *string) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET status = ?, exchange_order_id = ?, filled_qty = COALESCE(?, filled_qty), avg_fill_price = COALESCE(?, avg_fill_price) WHERE id = ?`,
		string(model.OrderStatusSubmitted), exchangeOrderID, filledQty, avgFillPrice, orderID,
	).Error
}

func (s *GormStore) MarkOrderRejected(ctx context.Context, tx Tx, orderID int64, reason string) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET status = ?, closed_at = ? WHERE id = ?`,
		string(model.OrderStatusRejected), time.Now().UTC(), orderID,
	).Error
}

func (s *GormStore) MarkOrderCanceled(ctx context.Context, tx Tx, orderID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET status = ?, closed_at = ? WHERE id = ?`,
		string(model.OrderStatusCanceled), time.Now().UTC(), orderID,
	).Error
}

func (s *GormStore) MarkOrderCanceledEditPending(ctx context.Context, tx Tx, orderID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET status = ? WHERE id = ?`,
		string(model.OrderStatusCanceledEditPending), orderID,
	).Error
}

func (s *GormStore) MarkOrderConsolidatedToOrphan(ctx context.Context, tx Tx, orderID int64, orphanOrderID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET edit_replace_state = 'consolidated', consolidated_into_order_id = ?, closed_at = ? WHERE id = ?`,
		orphanOrderID, time.Now().UTC(), orderID,
	).Error
}

func (s *GormStore) ListCancelableOrders(ctx context.Context, tx Tx, accountID int64, strategyIDs []int64) ([]*model.Order, error) {
	q := dbOf(tx).WithContext(ctx).Where(
		"account_id = ? AND status IN ?", accountID,
		[]string{string(model.OrderStatusSubmitted), string(model.OrderStatusPartiallyFilled)},
	)
	if len(strategyIDs) > 0 {
		q = q.Where("strategy_id IN ?", strategyIDs)
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list cancelable orders for account %d: %w", accountID, err)
	}
	out := make([]*model.Order, 0, len(rows))
	for i := range rows {
		out = append(out, orderToModel(&rows[i]))
	}
	return out, nil
}

func (s *GormStore) FindExternalOrphanOrderForReplace(ctx context.Context, tx Tx, accountID int64, exchangeOrderID, clientOrderID *string) (*model.Order, error) {
	q := dbOf(tx).WithContext(ctx).Where("account_id = ? AND reason = 'external'", accountID)
	if exchangeOrderID != nil {
		q = q.Where("exchange_order_id = ?", *exchangeOrderID)
	} else if clientOrderID != nil {
		q = q.Where("client_order_id = ?", *clientOrderID)
	} else {
		return nil, nil
	}
	var row orderRow
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find orphan order for account %d: %w", accountID, err)
	}
	return orderToModel(&row), nil
}

func (s *GormStore) AdoptExternalOrphanOrder(ctx context.Context, tx Tx, orphanOrderID int64, strategyID int64, reason string, comment *string) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET strategy_id = ?, reason = ?, comment = ? WHERE id = ?`,
		strategyID, reason, comment, orphanOrderID,
	).Error
}

func (s *GormStore) reassignOrders(ctx context.Context, tx Tx, fromPositionID, toPositionID int64) (int64, error) {
	res := dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET position_id = ? WHERE position_id = ?`, toPositionID, fromPositionID,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reassign orders from position %d to %d: %w", fromPositionID, toPositionID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) UpdateOrderPositionLink(ctx context.Context, tx Tx, orderID int64, positionID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_orders SET position_id = ? WHERE id = ?`, positionID, orderID,
	).Error
}

func (s *GormStore) FetchOrderLink(ctx context.Context, tx Tx, accountID int64, exchangeOrderID, clientOrderID *string) (*model.Order, error) {
	if exchangeOrderID == nil && clientOrderID == nil {
		return nil, nil
	}
	q := dbOf(tx).WithContext(ctx).Where("account_id = ?", accountID)
	if exchangeOrderID != nil {
		q = q.Where("exchange_order_id = ?", *exchangeOrderID)
	} else {
		q = q.Where("client_order_id = ?", *clientOrderID)
	}
	var row orderRow
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order link for account %d: %w", accountID, err)
	}
	return orderToModel(&row), nil
}

func (s *GormStore) GetOrCreateExternalUnmatchedOrder(ctx context.Context, tx Tx, accountID int64, symbol string, side model.OrderSide, exchangeOrderID, clientOrderID *string, qty, price string) (*model.Order, error) {
	q := dbOf(tx).WithContext(ctx).Where("account_id = ? AND reason = 'external'", accountID)
	if exchangeOrderID != nil {
		q = q.Where("exchange_order_id = ?", *exchangeOrderID)
	} else if clientOrderID != nil {
		q = q.Where("client_order_id = ?", *clientOrderID)
	} else {
		return nil, fmt.Errorf("cannot create external unmatched order for account %d without an exchange or client order id", accountID)
	}
	var row orderRow
	err := q.First(&row).Error
	if err == nil {
		return orderToModel(&row), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up external unmatched order for account %d: %w", accountID, err)
	}

	row = orderRow{
		AccountID: accountID, StrategyID: 0, Symbol: symbol, Side: string(side), OrderType: string(model.OrderTypeMarket),
		Qty: qty, FilledQty: qty, AvgFillPrice: &price, Status: string(model.OrderStatusFilled),
		ClientOrderID: clientOrderID, ExchangeOrderID: exchangeOrderID, Reason: "external", CreatedAt: time.Now(),
	}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to create external unmatched order for account %d: %w", accountID, err)
	}
	return orderToModel(&row), nil
}

func (s *GormStore) ListRecentSymbolsForAccount(ctx context.Context, tx Tx, accountID int64, limit int) ([]string, error) {
	var symbols []string
	err := dbOf(tx).WithContext(ctx).Model(&orderRow{}).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Distinct("symbol").
		Limit(limit).
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent symbols for account %d: %w", accountID, err)
	}
	return symbols, nil
}

// openOrderStatuses are the non-terminal order statuses oms_query's
// orders_open sub-query selects.
var openOrderStatuses = []string{
	string(model.OrderStatusPendingSubmit), string(model.OrderStatusSubmitted),
	string(model.OrderStatusPartiallyFilled), string(model.OrderStatusCanceledEditPending),
}

func (s *GormStore) ListOrders(ctx context.Context, tx Tx, accountID int64, strategyID *int64, openOnly bool, dateFrom, dateTo *time.Time, limit int) ([]*model.Order, error) {
	q := dbOf(tx).WithContext(ctx).Where("account_id = ?", accountID)
	if strategyID != nil {
		q = q.Where("strategy_id = ?", *strategyID)
	}
	if openOnly {
		q = q.Where("status IN ?", openOrderStatuses).Order("created_at DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
	} else {
		if dateFrom != nil {
			q = q.Where("created_at >= ?", *dateFrom)
		}
		if dateTo != nil {
			q = q.Where("created_at <= ?", *dateTo)
		}
		q = q.Order("created_at DESC")
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders for account %d: %w", accountID, err)
	}
	out := make([]*model.Order, 0, len(rows))
	for i := range rows {
		out = append(out, orderToModel(&rows[i]))
	}
	return out, nil
}

// --- PositionStore ---

func (s *GormStore) FetchOpenPosition(ctx context.Context, tx Tx, positionID int64) (*model.Position, error) {
	var row positionRow
	err := dbOf(tx).WithContext(ctx).Where("id = ? AND state = ?", positionID, string(model.PositionStateOpen)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open position %d: %w", positionID, err)
	}
	return positionToModel(&row), nil
}

func (s *GormStore) FetchOpenPositionForSymbol(ctx context.Context, tx Tx, accountID int64, symbol string, side model.OrderSide) (*model.Position, error) {
	var row positionRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id = ? AND symbol = ? AND side = ? AND state = ?", accountID, symbol, string(side), string(model.PositionStateOpen),
	).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open position for %s/%s: %w", symbol, side, err)
	}
	return positionToModel(&row), nil
}

func (s *GormStore) FetchOpenNetPositionBySymbol(ctx context.Context, tx Tx, accountID int64, symbol string) (*model.Position, error) {
	var row positionRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id = ? AND symbol = ? AND state = ?", accountID, symbol, string(model.PositionStateOpen),
	).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open net position for %s: %w", symbol, err)
	}
	return positionToModel(&row), nil
}

func (s *GormStore) FetchOpenNetPositionBySymbolStrategy(ctx context.Context, tx Tx, accountID int64, symbol string, strategyID int64) (*model.Position, error) {
	var row positionRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id = ? AND symbol = ? AND strategy_id = ? AND state = ?", accountID, symbol, strategyID, string(model.PositionStateOpen),
	).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open net position for %s/strategy %d: %w", symbol, strategyID, err)
	}
	return positionToModel(&row), nil
}

func (s *GormStore) CreatePositionOpen(ctx context.Context, tx Tx, p *model.Position) (int64, error) {
	row := positionFromModel(p)
	row.State = string(model.PositionStateOpen)
	if row.OpenedAt.IsZero() {
		row.OpenedAt = time.Now().UTC()
	}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to create open position: %w", err)
	}
	return row.ID, nil
}

func (s *GormStore) UpdatePositionOpenQtyPrice(ctx context.Context, tx Tx, positionID int64, qty, avgPrice string) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_positions SET qty = ?, avg_price = ? WHERE id = ?`, qty, avgPrice, positionID,
	).Error
}

func (s *GormStore) ClosePosition(ctx context.Context, tx Tx, positionID int64, closedAt time.Time) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_positions SET state = ?, qty = '0', closed_at = ? WHERE id = ?`,
		string(model.PositionStateClosed), closedAt, positionID,
	).Error
}

func (s *GormStore) ClosePositionMerged(ctx context.Context, tx Tx, sourcePositionID int64, closedAt time.Time) error {
	return s.ClosePosition(ctx, tx, sourcePositionID, closedAt)
}

func (s *GormStore) ReassignOpenOrdersPosition(ctx context.Context, tx Tx, fromPositionID, toPositionID int64) (int64, error) {
	return s.reassignOrders(ctx, tx, fromPositionID, toPositionID)
}

func (s *GormStore) ReassignDealsPosition(ctx context.Context, tx Tx, fromPositionID, toPositionID int64) (int64, error) {
	res := dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_deals SET position_id = ? WHERE position_id = ?`, toPositionID, fromPositionID,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reassign deals from position %d to %d: %w", fromPositionID, toPositionID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) UpdatePositionTargetsComment(ctx context.Context, tx Tx, positionID int64, stopLoss, stopGain *string) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_positions SET stop_loss = ?, stop_gain = ? WHERE id = ?`, stopLoss, stopGain, positionID,
	).Error
}

func (s *GormStore) ReopenPositionIfCloseRequested(ctx context.Context, tx Tx, positionID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE position_positions SET state = ?, closed_at = NULL WHERE id = ? AND state = ?`,
		string(model.PositionStateOpen), positionID, string(model.PositionStateClosed),
	).Error
}

func (s *GormStore) ListPositions(ctx context.Context, tx Tx, accountID int64, strategyID *int64, openOnly bool, dateFrom, dateTo *time.Time, limit int) ([]*model.Position, error) {
	q := dbOf(tx).WithContext(ctx).Where("account_id = ?", accountID)
	if strategyID != nil {
		q = q.Where("strategy_id = ?", *strategyID)
	}
	if openOnly {
		q = q.Where("state = ?", string(model.PositionStateOpen)).Order("opened_at DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
	} else {
		if dateFrom != nil {
			q = q.Where("opened_at >= ?", *dateFrom)
		}
		if dateTo != nil {
			q = q.Where("opened_at <= ?", *dateTo)
		}
		q = q.Order("opened_at DESC")
	}
	var rows []positionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list positions for account %d: %w", accountID, err)
	}
	out := make([]*model.Position, 0, len(rows))
	for i := range rows {
		out = append(out, positionToModel(&rows[i]))
	}
	return out, nil
}

// --- DealStore ---

func (s *GormStore) InsertPositionDeal(ctx context.Context, tx Tx, d *model.Deal) (int64, error) {
	row := dealFromModel(d)
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to insert deal for position %d: %w", d.PositionID, err)
	}
	return row.ID, nil
}

func (s *GormStore) DealExistsByExchangeTradeID(ctx context.Context, tx Tx, accountID int64, exchangeTradeID string) (bool, error) {
	var count int64
	err := dbOf(tx).WithContext(ctx).Model(&dealRow{}).Where(
		"account_id = ? AND exchange_trade_id = ?", accountID, exchangeTradeID,
	).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check deal existence for trade %s: %w", exchangeTradeID, err)
	}
	return count > 0, nil
}

func (s *GormStore) ListDeals(ctx context.Context, tx Tx, accountID int64, strategyID *int64, dateFrom, dateTo *time.Time) ([]*model.Deal, error) {
	q := dbOf(tx).WithContext(ctx).Where("account_id = ?", accountID)
	if strategyID != nil {
		q = q.Where("strategy_id = ?", *strategyID)
	}
	if dateFrom != nil {
		q = q.Where("created_at >= ?", *dateFrom)
	}
	if dateTo != nil {
		q = q.Where("created_at <= ?", *dateTo)
	}
	var rows []dealRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list deals for account %d: %w", accountID, err)
	}
	out := make([]*model.Deal, 0, len(rows))
	for i := range rows {
		out = append(out, dealToModel(&rows[i]))
	}
	return out, nil
}

// --- CloseLockStore ---

func (s *GormStore) CleanupExpiredCloseLocks(ctx context.Context, tx Tx) (int64, error) {
	res := dbOf(tx).WithContext(ctx).Exec(`DELETE FROM position_close_locks WHERE expires_at < ?`, time.Now().UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cleanup expired close locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AcquireClosePositionLock inserts a lock row, returning ErrCloseLockHeld on
// unique conflict (another live lock for the same position_id), mirroring
// repository_mysql.py's insert-or-catch-unique-violation pattern.
func (s *GormStore) AcquireClosePositionLock(ctx context.Context, tx Tx, accountID, positionID int64, requestID *string, ttl time.Duration) error {
	db := dbOf(tx).WithContext(ctx)
	now := time.Now().UTC()
	if err := db.Exec(`DELETE FROM position_close_locks WHERE position_id = ? AND expires_at < ?`, positionID, now).Error; err != nil {
		return fmt.Errorf("failed to sweep expired close lock for position %d: %w", positionID, err)
	}
	row := closeLockRow{AccountID: accountID, PositionID: positionID, RequestID: requestID, ExpiresAt: now.Add(ttl)}
	err := db.Create(&row).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCloseLockHeld
		}
		return fmt.Errorf("failed to acquire close lock for position %d: %w", positionID, err)
	}
	return nil
}

func (s *GormStore) ReleaseClosePositionLock(ctx context.Context, tx Tx, positionID int64) error {
	return dbOf(tx).WithContext(ctx).Exec(`DELETE FROM position_close_locks WHERE position_id = ?`, positionID).Error
}

// --- ReconciliationStore ---

func (s *GormStore) FetchReconciliationCursor(ctx context.Context, tx Tx, accountID int64, entity string) (*model.ReconciliationCursor, error) {
	var row reconciliationCursorRow
	err := dbOf(tx).WithContext(ctx).Where("account_id = ? AND entity = ?", accountID, entity).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reconciliation cursor for account %d: %w", accountID, err)
	}
	return &model.ReconciliationCursor{AccountID: row.AccountID, Entity: row.Entity, CursorValue: row.CursorValue, UpdatedAt: row.UpdatedAt}, nil
}

// UpdateReconciliationCursor upserts via INSERT ... ON DUPLICATE KEY UPDATE,
// guarded by a GREATEST() comparison so the cursor can never move backwards
// even under concurrent advancement.
func (s *GormStore) UpdateReconciliationCursor(ctx context.Context, tx Tx, accountID int64, entity string, cursorValue string) error {
	err := dbOf(tx).WithContext(ctx).Exec(`
		INSERT INTO reconciliation_cursor (account_id, entity, cursor_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			cursor_value = CASE WHEN CAST(VALUES(cursor_value) AS DECIMAL(38,0)) > CAST(cursor_value AS DECIMAL(38,0))
				THEN VALUES(cursor_value) ELSE cursor_value END,
			updated_at = VALUES(updated_at)
	`, accountID, entity, cursorValue, time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to update reconciliation cursor for account %d: %w", accountID, err)
	}
	return nil
}

// --- EventStore ---

func (s *GormStore) InsertEvent(ctx context.Context, tx Tx, accountID int64, namespace model.EventNamespace, eventType string, payload []byte) (int64, error) {
	row := eventOutboxRow{AccountID: accountID, Namespace: string(namespace), EventType: eventType, PayloadJSON: payload, CreatedAt: time.Now().UTC()}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to insert event %s for account %d: %w", eventType, accountID, err)
	}
	return row.ID, nil
}

func (s *GormStore) InsertCcxtOrderRaw(ctx context.Context, tx Tx, accountID int64, fingerprint string, payload []byte) (bool, error) {
	res := dbOf(tx).WithContext(ctx).Exec(
		`INSERT IGNORE INTO ccxt_orders_raw (account_id, fingerprint_hash, payload_json, created_at) VALUES (?, ?, ?, ?)`,
		accountID, fingerprint, payload, time.Now().UTC(),
	)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert raw ccxt order for account %d: %w", accountID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) InsertCcxtTradeRaw(ctx context.Context, tx Tx, accountID int64, fingerprint string, payload []byte) (bool, error) {
	res := dbOf(tx).WithContext(ctx).Exec(
		`INSERT IGNORE INTO ccxt_trades_raw (account_id, fingerprint_hash, payload_json, created_at) VALUES (?, ?, ?, ?)`,
		accountID, fingerprint, payload, time.Now().UTC(),
	)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert raw ccxt trade for account %d: %w", accountID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func ccxtOrderRawToModel(r *ccxtOrderRawRow) *model.RawCcxtOrder {
	return &model.RawCcxtOrder{AccountID: r.AccountID, FingerprintHash: r.FingerprintHash, PayloadJSON: r.PayloadJSON, CreatedAt: r.CreatedAt}
}

func ccxtTradeRawToModel(r *ccxtTradeRawRow) *model.RawCcxtTrade {
	return &model.RawCcxtTrade{AccountID: r.AccountID, FingerprintHash: r.FingerprintHash, PayloadJSON: r.PayloadJSON, CreatedAt: r.CreatedAt}
}

func (s *GormStore) ListCcxtOrdersRaw(ctx context.Context, tx Tx, accountID int64, dateFrom, dateTo time.Time) ([]*model.RawCcxtOrder, error) {
	var rows []ccxtOrderRawRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id = ? AND created_at BETWEEN ? AND ?", accountID, dateFrom, dateTo,
	).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list raw ccxt orders for account %d: %w", accountID, err)
	}
	out := make([]*model.RawCcxtOrder, 0, len(rows))
	for i := range rows {
		out = append(out, ccxtOrderRawToModel(&rows[i]))
	}
	return out, nil
}

func (s *GormStore) ListCcxtTradesRaw(ctx context.Context, tx Tx, accountID int64, dateFrom, dateTo time.Time) ([]*model.RawCcxtTrade, error) {
	var rows []ccxtTradeRawRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id = ? AND created_at BETWEEN ? AND ?", accountID, dateFrom, dateTo,
	).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list raw ccxt trades for account %d: %w", accountID, err)
	}
	out := make([]*model.RawCcxtTrade, 0, len(rows))
	for i := range rows {
		out = append(out, ccxtTradeRawToModel(&rows[i]))
	}
	return out, nil
}

func (s *GormStore) CountCcxtOrdersRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time) (int64, error) {
	var count int64
	err := dbOf(tx).WithContext(ctx).Model(&ccxtOrderRawRow{}).Where(
		"account_id IN ? AND created_at BETWEEN ? AND ?", accountIDs, dateFrom, dateTo,
	).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count raw ccxt orders: %w", err)
	}
	return count, nil
}

func (s *GormStore) ListCcxtOrdersRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time, limit, offset int) ([]*model.RawCcxtOrder, error) {
	var rows []ccxtOrderRawRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id IN ? AND created_at BETWEEN ? AND ?", accountIDs, dateFrom, dateTo,
	).Order("created_at").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list raw ccxt orders: %w", err)
	}
	out := make([]*model.RawCcxtOrder, 0, len(rows))
	for i := range rows {
		out = append(out, ccxtOrderRawToModel(&rows[i]))
	}
	return out, nil
}

func (s *GormStore) CountCcxtTradesRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time) (int64, error) {
	var count int64
	err := dbOf(tx).WithContext(ctx).Model(&ccxtTradeRawRow{}).Where(
		"account_id IN ? AND created_at BETWEEN ? AND ?", accountIDs, dateFrom, dateTo,
	).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count raw ccxt trades: %w", err)
	}
	return count, nil
}

func (s *GormStore) ListCcxtTradesRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time, limit, offset int) ([]*model.RawCcxtTrade, error) {
	var rows []ccxtTradeRawRow
	err := dbOf(tx).WithContext(ctx).Where(
		"account_id IN ? AND created_at BETWEEN ? AND ?", accountIDs, dateFrom, dateTo,
	).Order("created_at").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list raw ccxt trades: %w", err)
	}
	out := make([]*model.RawCcxtTrade, 0, len(rows))
	for i := range rows {
		out = append(out, ccxtTradeRawToModel(&rows[i]))
	}
	return out, nil
}

// --- AuthStore ---

func (s *GormStore) FetchAPIKeyAccountPermissions(ctx context.Context, tx Tx, apiKeyID int64, accountID int64) (*AccountPermission, error) {
	var row apiKeyAccountPermissionRow
	err := dbOf(tx).WithContext(ctx).Where("api_key_id = ? AND account_id = ?", apiKeyID, accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch api key permissions: %w", err)
	}
	return &AccountPermission{CanRead: row.CanRead, CanTrade: row.CanTrade, CanRiskManage: row.CanRiskManage}, nil
}

func (s *GormStore) APIKeyStrategyAllowed(ctx context.Context, tx Tx, apiKeyID int64, strategyID int64, wantTrade bool) (bool, error) {
	var row apiKeyStrategyPermissionRow
	err := dbOf(tx).WithContext(ctx).Where("api_key_id = ? AND strategy_id = ?", apiKeyID, strategyID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Absence of a per-strategy row means no strategy-level restriction
		// beyond the account-level permission already checked.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch strategy permission: %w", err)
	}
	if wantTrade {
		return row.CanTrade, nil
	}
	return true, nil
}

func (s *GormStore) FetchOrderAccountID(ctx context.Context, tx Tx, orderID int64) (int64, error) {
	var row orderRow
	err := dbOf(tx).WithContext(ctx).Select("account_id").Where("id = ?", orderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrOrderNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch order account id for %d: %w", orderID, err)
	}
	return row.AccountID, nil
}

func (s *GormStore) FetchPositionAccountID(ctx context.Context, tx Tx, positionID int64) (int64, error) {
	var row positionRow
	err := dbOf(tx).WithContext(ctx).Select("account_id").Where("id = ?", positionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrPositionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position account id for %d: %w", positionID, err)
	}
	return row.AccountID, nil
}

func (s *GormStore) FetchPositionStrategyID(ctx context.Context, tx Tx, positionID int64) (int64, error) {
	var row positionRow
	err := dbOf(tx).WithContext(ctx).Select("strategy_id").Where("id = ?", positionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrPositionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position strategy id for %d: %w", positionID, err)
	}
	return row.StrategyID, nil
}

func (s *GormStore) FetchOrderStrategyID(ctx context.Context, tx Tx, orderID int64) (int64, error) {
	var row orderRow
	err := dbOf(tx).WithContext(ctx).Select("strategy_id").Where("id = ?", orderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrOrderNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch order strategy id for %d: %w", orderID, err)
	}
	return row.StrategyID, nil
}

func (s *GormStore) FetchAccountDispatcherWorkerHint(ctx context.Context, tx Tx, accountID int64, engine string) (*int, error) {
	var row accountRow
	err := dbOf(tx).WithContext(ctx).Select("dispatcher_worker_hint", "dispatcher_engine").Where("id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dispatcher hint for account %d: %w", accountID, err)
	}
	if row.DispatcherEngine != engine {
		return nil, nil
	}
	return row.DispatcherWorkerHint, nil
}

func (s *GormStore) SetAccountDispatcherWorkerHint(ctx context.Context, tx Tx, accountID int64, engine string, workerID int) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE accounts SET dispatcher_engine = ?, dispatcher_worker_hint = ? WHERE id = ?`, engine, workerID, accountID,
	).Error
}

func (s *GormStore) FetchAccount(ctx context.Context, tx Tx, accountID int64) (*model.Account, error) {
	var row accountRow
	err := dbOf(tx).WithContext(ctx).Where("id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account %d: %w", accountID, err)
	}
	a := &model.Account{
		ID: row.ID, ExchangeID: row.ExchangeID, PositionMode: model.PositionMode(row.PositionMode),
		Status: model.AccountStatus(row.Status), IsTestnet: row.IsTestnet,
		DispatcherEngine: row.DispatcherEngine, DispatcherWorkerHint: row.DispatcherWorkerHint,
		AllowNewPositions: row.AllowNewPositions, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if len(row.ExtraConfigJSON) > 0 {
		_ = json.Unmarshal(row.ExtraConfigJSON, &a.ExtraConfig)
	}
	return a, nil
}

func (s *GormStore) ListAccounts(ctx context.Context, tx Tx) ([]*model.Account, error) {
	var rows []accountRow
	if err := dbOf(tx).WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out := make([]*model.Account, 0, len(rows))
	for _, row := range rows {
		a := &model.Account{
			ID: row.ID, ExchangeID: row.ExchangeID, PositionMode: model.PositionMode(row.PositionMode),
			Status: model.AccountStatus(row.Status), IsTestnet: row.IsTestnet,
			DispatcherEngine: row.DispatcherEngine, DispatcherWorkerHint: row.DispatcherWorkerHint,
			AllowNewPositions: row.AllowNewPositions, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
		}
		if len(row.ExtraConfigJSON) > 0 {
			_ = json.Unmarshal(row.ExtraConfigJSON, &a.ExtraConfig)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormStore) SetAccountAllowNewPositions(ctx context.Context, tx Tx, accountID int64, allow bool) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE accounts SET allow_new_positions = ? WHERE id = ?`, allow, accountID,
	).Error
}

func (s *GormStore) SetAccountStatus(ctx context.Context, tx Tx, accountID int64, status model.AccountStatus) error {
	return dbOf(tx).WithContext(ctx).Exec(
		`UPDATE accounts SET status = ? WHERE id = ?`, string(status), accountID,
	).Error
}

func (s *GormStore) FetchAccountCredentials(ctx context.Context, tx Tx, accountID int64) (*model.Credentials, error) {
	var row accountCredentialsRow
	err := dbOf(tx).WithContext(ctx).Where("account_id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credentials for account %d: %w", accountID, err)
	}
	return &model.Credentials{
		AccountID: row.AccountID, APIKeyEnc: row.APIKeyEnc, SecretEnc: row.SecretEnc, PassphraseEnc: row.PassphraseEnc,
	}, nil
}

// ResolveAPIKeyHash mirrors original_source/apps/api/app/auth.py's
// validate_api_key: an active user_api_keys row joined to its active user,
// falling back to an active, unexpired auth_tokens row joined through its
// api key and user.
func (s *GormStore) ResolveAPIKeyHash(ctx context.Context, tx Tx, keyHash string) (*APIKeyIdentity, error) {
	db := dbOf(tx).WithContext(ctx)
	var identity APIKeyIdentity
	row := db.Raw(`
		SELECT k.id, k.user_id, u.role
		FROM user_api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.api_key_hash = ? AND k.status = 'active' AND u.status = 'active'
		LIMIT 1`, keyHash).Row()
	if err := row.Scan(&identity.APIKeyID, &identity.UserID, &identity.Role); err == nil {
		return &identity, nil
	}
	row = db.Raw(`
		SELECT t.api_key_id, t.user_id, u.role
		FROM auth_tokens t
		JOIN users u ON u.id = t.user_id
		JOIN user_api_keys k ON k.id = t.api_key_id
		WHERE t.token_hash = ?
		  AND t.status = 'active'
		  AND (t.expires_at IS NULL OR t.expires_at > NOW())
		  AND u.status = 'active'
		  AND k.status = 'active'
		LIMIT 1`, keyHash).Row()
	if err := row.Scan(&identity.APIKeyID, &identity.UserID, &identity.Role); err == nil {
		return &identity, nil
	}
	return nil, nil
}

func (s *GormStore) FetchUserByUsername(ctx context.Context, tx Tx, username string) (*model.User, error) {
	var row userRow
	err := dbOf(tx).WithContext(ctx).Where("username = ?", username).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %q: %w", username, err)
	}
	return userFromRow(row), nil
}

func (s *GormStore) FetchUserByID(ctx context.Context, tx Tx, userID int64) (*model.User, error) {
	var row userRow
	err := dbOf(tx).WithContext(ctx).First(&row, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", userID, err)
	}
	return userFromRow(row), nil
}

func userFromRow(row userRow) *model.User {
	return &model.User{
		ID: row.ID, Username: row.Username, Role: row.Role, Status: row.Status,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func (s *GormStore) FetchUserPasswordHash(ctx context.Context, tx Tx, userID int64) (string, error) {
	var row userRow
	err := dbOf(tx).WithContext(ctx).Select("password_hash").First(&row, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch password hash for user %d: %w", userID, err)
	}
	return row.PasswordHash, nil
}

func (s *GormStore) SetUserPasswordHash(ctx context.Context, tx Tx, userID int64, hash string) error {
	err := dbOf(tx).WithContext(ctx).Model(&userRow{}).Where("id = ?", userID).Update("password_hash", hash).Error
	if err != nil {
		return fmt.Errorf("failed to set password hash for user %d: %w", userID, err)
	}
	return nil
}

func (s *GormStore) UpdateUsername(ctx context.Context, tx Tx, userID int64, username string) error {
	err := dbOf(tx).WithContext(ctx).Model(&userRow{}).Where("id = ?", userID).Update("username", username).Error
	if err != nil {
		return fmt.Errorf("failed to update username for user %d: %w", userID, err)
	}
	return nil
}

func (s *GormStore) ListActiveAPIKeysForUser(ctx context.Context, tx Tx, userID int64) ([]int64, error) {
	var ids []int64
	err := dbOf(tx).WithContext(ctx).Model(&userAPIKeyRow{}).
		Where("user_id = ? AND status = 'active'", userID).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active api keys for user %d: %w", userID, err)
	}
	return ids, nil
}

func (s *GormStore) CreateAuthToken(ctx context.Context, tx Tx, userID, apiKeyID int64, tokenHash string, expiresAt time.Time) error {
	row := authTokenRow{UserID: userID, APIKeyID: apiKeyID, TokenHash: tokenHash, Status: "active", ExpiresAt: &expiresAt}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create auth token for user %d: %w", userID, err)
	}
	return nil
}

func (s *GormStore) ListDistinctExchangeIDs(ctx context.Context, tx Tx) ([]string, error) {
	var ids []string
	err := dbOf(tx).WithContext(ctx).Model(&accountRow{}).Distinct("exchange_id").Order("exchange_id").Pluck("exchange_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct exchange ids: %w", err)
	}
	return ids, nil
}

func (s *GormStore) ListAPIKeysForUser(ctx context.Context, tx Tx, userID int64) ([]*UserAPIKeySummary, error) {
	var rows []userAPIKeyRow
	err := dbOf(tx).WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys for user %d: %w", userID, err)
	}
	out := make([]*UserAPIKeySummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, &UserAPIKeySummary{ID: row.ID, Label: row.Label, Status: row.Status, CreatedAt: row.CreatedAt})
	}
	return out, nil
}

func (s *GormStore) CreateAPIKey(ctx context.Context, tx Tx, userID int64, apiKeyHash, label string) (int64, error) {
	row := userAPIKeyRow{UserID: userID, APIKeyHash: apiKeyHash, Status: "active", Label: label, CreatedAt: time.Now().UTC()}
	if err := dbOf(tx).WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to create api key for user %d: %w", userID, err)
	}
	return row.ID, nil
}

func (s *GormStore) FetchAPIKeyOwner(ctx context.Context, tx Tx, apiKeyID int64) (int64, error) {
	var row userAPIKeyRow
	err := dbOf(tx).WithContext(ctx).Select("user_id").First(&row, apiKeyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrAPIKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch owner of api key %d: %w", apiKeyID, err)
	}
	return row.UserID, nil
}

func (s *GormStore) SetAPIKeyStatus(ctx context.Context, tx Tx, apiKeyID int64, status string) (int64, error) {
	res := dbOf(tx).WithContext(ctx).Model(&userAPIKeyRow{}).Where("id = ?", apiKeyID).Update("status", status)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to set status for api key %d: %w", apiKeyID, res.Error)
	}
	return res.RowsAffected, nil
}

// --- StrategyStore ---

func (s *GormStore) FetchStrategy(ctx context.Context, tx Tx, strategyID int64) (*model.Strategy, error) {
	var row strategyRow
	err := dbOf(tx).WithContext(ctx).First(&row, strategyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch strategy %d: %w", strategyID, err)
	}
	return strategyToModel(&row), nil
}

func (s *GormStore) SetStrategyAllowNewPositions(ctx context.Context, tx Tx, strategyID int64, allow bool) (int64, error) {
	res := dbOf(tx).WithContext(ctx).Model(&strategyRow{}).Where("id = ?", strategyID).Update("allow_new_positions", allow)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to set allow_new_positions for strategy %d: %w", strategyID, res.Error)
	}
	return res.RowsAffected, nil
}

// isUniqueViolation reports whether err is a MySQL duplicate-key error
// (error 1062). Kept narrow and MySQL-specific on purpose: the store
// package is gorm+mysql only, per SPEC_FULL.md's domain stack.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var msg string
	if me, ok := err.(interface{ Number() uint16 }); ok {
		return me.Number() == 1062
	}
	msg = err.Error()
	return contains(msg, "Duplicate entry") || contains(msg, "1062")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
