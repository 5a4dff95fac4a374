// Package storetest provides a testify/mock-based fake of store.Store for
// use by executor/reconciler/intake/dispatcher/queue unit tests, in the
// teacher's mock-an-interface style (mock_kraken_spot_rest_client_authorizer.go).
package storetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
)

// FakeTx is a no-op store.Tx used by MockStore.
type FakeTx struct{ mock.Mock }

func (t *FakeTx) Commit() error   { return nil }
func (t *FakeTx) Rollback() error { return nil }

// MockStore is a testify/mock implementation of store.Store.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) BeginTx(ctx context.Context) (store.Tx, error) {
	args := m.Called(ctx)
	tx, _ := args.Get(0).(store.Tx)
	return tx, args.Error(1)
}

func (m *MockStore) InsertPositionCommand(ctx context.Context, tx store.Tx, cmd *model.PositionCommand) (int64, error) {
	args := m.Called(ctx, tx, cmd)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnqueueCommand(ctx context.Context, tx store.Tx, accountID int64, poolID int, commandID int64) (int64, error) {
	args := m.Called(ctx, tx, accountID, poolID, commandID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ClaimNextQueueItem(ctx context.Context, poolID int, workerID string) (*model.QueueItem, error) {
	args := m.Called(ctx, poolID, workerID)
	qi, _ := args.Get(0).(*model.QueueItem)
	return qi, args.Error(1)
}

func (m *MockStore) MarkQueueDone(ctx context.Context, tx store.Tx, queueID int64) error {
	return m.Called(ctx, tx, queueID).Error(0)
}

func (m *MockStore) MarkQueueFailed(ctx context.Context, tx store.Tx, queueID int64, delay time.Duration) error {
	return m.Called(ctx, tx, queueID, delay).Error(0)
}

func (m *MockStore) MarkQueueDead(ctx context.Context, tx store.Tx, queueID int64) error {
	return m.Called(ctx, tx, queueID).Error(0)
}

func (m *MockStore) MarkCommandCompleted(ctx context.Context, tx store.Tx, commandID int64) error {
	return m.Called(ctx, tx, commandID).Error(0)
}

func (m *MockStore) MarkCommandFailed(ctx context.Context, tx store.Tx, commandID int64) error {
	return m.Called(ctx, tx, commandID).Error(0)
}

func (m *MockStore) FetchCommandByID(ctx context.Context, tx store.Tx, commandID int64) (*model.PositionCommand, error) {
	args := m.Called(ctx, tx, commandID)
	c, _ := args.Get(0).(*model.PositionCommand)
	return c, args.Error(1)
}

func (m *MockStore) InsertPositionOrderPendingSubmit(ctx context.Context, tx store.Tx, o *model.Order) (int64, error) {
	args := m.Called(ctx, tx, o)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchOrderByID(ctx context.Context, tx store.Tx, orderID int64) (*model.Order, error) {
	args := m.Called(ctx, tx, orderID)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) FetchOrderForCommandSend(ctx context.Context, tx store.Tx, commandID int64) (*model.Order, error) {
	args := m.Called(ctx, tx, commandID)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) MarkOrderSubmittedExchange(ctx context.Context, tx store.Tx, orderID int64, exchangeOrderID string) error {
	return m.Called(ctx, tx, orderID, exchangeOrderID).Error(0)
}

func (m *MockStore) MarkOrderSubmittedExchangeWithValues(ctx context.Context, tx store.Tx, orderID int64, exchangeOrderID string, filledQty, avgFillPrice *string) error {
	return m.Called(ctx, tx, orderID, exchangeOrderID, filledQty, avgFillPrice).Error(0)
}

func (m *MockStore) MarkOrderRejected(ctx context.Context, tx store.Tx, orderID int64, reason string) error {
	return m.Called(ctx, tx, orderID, reason).Error(0)
}

func (m *MockStore) MarkOrderCanceled(ctx context.Context, tx store.Tx, orderID int64) error {
	return m.Called(ctx, tx, orderID).Error(0)
}

func (m *MockStore) MarkOrderCanceledEditPending(ctx context.Context, tx store.Tx, orderID int64) error {
	return m.Called(ctx, tx, orderID).Error(0)
}

func (m *MockStore) MarkOrderConsolidatedToOrphan(ctx context.Context, tx store.Tx, orderID int64, orphanOrderID int64) error {
	return m.Called(ctx, tx, orderID, orphanOrderID).Error(0)
}

func (m *MockStore) ListCancelableOrders(ctx context.Context, tx store.Tx, accountID int64, strategyIDs []int64) ([]*model.Order, error) {
	args := m.Called(ctx, tx, accountID, strategyIDs)
	o, _ := args.Get(0).([]*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) FindExternalOrphanOrderForReplace(ctx context.Context, tx store.Tx, accountID int64, exchangeOrderID, clientOrderID *string) (*model.Order, error) {
	args := m.Called(ctx, tx, accountID, exchangeOrderID, clientOrderID)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) AdoptExternalOrphanOrder(ctx context.Context, tx store.Tx, orphanOrderID int64, strategyID int64, reason string, comment *string) error {
	return m.Called(ctx, tx, orphanOrderID, strategyID, reason, comment).Error(0)
}

func (m *MockStore) UpdateOrderPositionLink(ctx context.Context, tx store.Tx, orderID int64, positionID int64) error {
	return m.Called(ctx, tx, orderID, positionID).Error(0)
}

func (m *MockStore) FetchOrderLink(ctx context.Context, tx store.Tx, accountID int64, exchangeOrderID, clientOrderID *string) (*model.Order, error) {
	args := m.Called(ctx, tx, accountID, exchangeOrderID, clientOrderID)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) GetOrCreateExternalUnmatchedOrder(ctx context.Context, tx store.Tx, accountID int64, symbol string, side model.OrderSide, exchangeOrderID, clientOrderID *string, qty, price string) (*model.Order, error) {
	args := m.Called(ctx, tx, accountID, symbol, side, exchangeOrderID, clientOrderID, qty, price)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) ListRecentSymbolsForAccount(ctx context.Context, tx store.Tx, accountID int64, limit int) ([]string, error) {
	args := m.Called(ctx, tx, accountID, limit)
	s, _ := args.Get(0).([]string)
	return s, args.Error(1)
}

func (m *MockStore) ListOrders(ctx context.Context, tx store.Tx, accountID int64, strategyID *int64, openOnly bool, dateFrom, dateTo *time.Time, limit int) ([]*model.Order, error) {
	args := m.Called(ctx, tx, accountID, strategyID, openOnly, dateFrom, dateTo, limit)
	o, _ := args.Get(0).([]*model.Order)
	return o, args.Error(1)
}

func (m *MockStore) FetchOpenPosition(ctx context.Context, tx store.Tx, positionID int64) (*model.Position, error) {
	args := m.Called(ctx, tx, positionID)
	p, _ := args.Get(0).(*model.Position)
	return p, args.Error(1)
}

func (m *MockStore) FetchOpenPositionForSymbol(ctx context.Context, tx store.Tx, accountID int64, symbol string, side model.OrderSide) (*model.Position, error) {
	args := m.Called(ctx, tx, accountID, symbol, side)
	p, _ := args.Get(0).(*model.Position)
	return p, args.Error(1)
}

func (m *MockStore) FetchOpenNetPositionBySymbol(ctx context.Context, tx store.Tx, accountID int64, symbol string) (*model.Position, error) {
	args := m.Called(ctx, tx, accountID, symbol)
	p, _ := args.Get(0).(*model.Position)
	return p, args.Error(1)
}

func (m *MockStore) FetchOpenNetPositionBySymbolStrategy(ctx context.Context, tx store.Tx, accountID int64, symbol string, strategyID int64) (*model.Position, error) {
	args := m.Called(ctx, tx, accountID, symbol, strategyID)
	p, _ := args.Get(0).(*model.Position)
	return p, args.Error(1)
}

func (m *MockStore) CreatePositionOpen(ctx context.Context, tx store.Tx, p *model.Position) (int64, error) {
	args := m.Called(ctx, tx, p)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) UpdatePositionOpenQtyPrice(ctx context.Context, tx store.Tx, positionID int64, qty, avgPrice string) error {
	return m.Called(ctx, tx, positionID, qty, avgPrice).Error(0)
}

func (m *MockStore) ClosePosition(ctx context.Context, tx store.Tx, positionID int64, closedAt time.Time) error {
	return m.Called(ctx, tx, positionID, closedAt).Error(0)
}

func (m *MockStore) ClosePositionMerged(ctx context.Context, tx store.Tx, sourcePositionID int64, closedAt time.Time) error {
	return m.Called(ctx, tx, sourcePositionID, closedAt).Error(0)
}

func (m *MockStore) ReassignOpenOrdersPosition(ctx context.Context, tx store.Tx, fromPositionID, toPositionID int64) (int64, error) {
	args := m.Called(ctx, tx, fromPositionID, toPositionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ReassignDealsPosition(ctx context.Context, tx store.Tx, fromPositionID, toPositionID int64) (int64, error) {
	args := m.Called(ctx, tx, fromPositionID, toPositionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) UpdatePositionTargetsComment(ctx context.Context, tx store.Tx, positionID int64, stopLoss, stopGain *string) error {
	return m.Called(ctx, tx, positionID, stopLoss, stopGain).Error(0)
}

func (m *MockStore) ReopenPositionIfCloseRequested(ctx context.Context, tx store.Tx, positionID int64) error {
	return m.Called(ctx, tx, positionID).Error(0)
}

func (m *MockStore) ListPositions(ctx context.Context, tx store.Tx, accountID int64, strategyID *int64, openOnly bool, dateFrom, dateTo *time.Time, limit int) ([]*model.Position, error) {
	args := m.Called(ctx, tx, accountID, strategyID, openOnly, dateFrom, dateTo, limit)
	p, _ := args.Get(0).([]*model.Position)
	return p, args.Error(1)
}

func (m *MockStore) InsertPositionDeal(ctx context.Context, tx store.Tx, d *model.Deal) (int64, error) {
	args := m.Called(ctx, tx, d)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DealExistsByExchangeTradeID(ctx context.Context, tx store.Tx, accountID int64, exchangeTradeID string) (bool, error) {
	args := m.Called(ctx, tx, accountID, exchangeTradeID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ListDeals(ctx context.Context, tx store.Tx, accountID int64, strategyID *int64, dateFrom, dateTo *time.Time) ([]*model.Deal, error) {
	args := m.Called(ctx, tx, accountID, strategyID, dateFrom, dateTo)
	d, _ := args.Get(0).([]*model.Deal)
	return d, args.Error(1)
}

func (m *MockStore) CleanupExpiredCloseLocks(ctx context.Context, tx store.Tx) (int64, error) {
	args := m.Called(ctx, tx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) AcquireClosePositionLock(ctx context.Context, tx store.Tx, accountID, positionID int64, requestID *string, ttl time.Duration) error {
	return m.Called(ctx, tx, accountID, positionID, requestID, ttl).Error(0)
}

func (m *MockStore) ReleaseClosePositionLock(ctx context.Context, tx store.Tx, positionID int64) error {
	return m.Called(ctx, tx, positionID).Error(0)
}

func (m *MockStore) FetchReconciliationCursor(ctx context.Context, tx store.Tx, accountID int64, entity string) (*model.ReconciliationCursor, error) {
	args := m.Called(ctx, tx, accountID, entity)
	c, _ := args.Get(0).(*model.ReconciliationCursor)
	return c, args.Error(1)
}

func (m *MockStore) UpdateReconciliationCursor(ctx context.Context, tx store.Tx, accountID int64, entity string, cursorValue string) error {
	return m.Called(ctx, tx, accountID, entity, cursorValue).Error(0)
}

func (m *MockStore) InsertEvent(ctx context.Context, tx store.Tx, accountID int64, namespace model.EventNamespace, eventType string, payload []byte) (int64, error) {
	args := m.Called(ctx, tx, accountID, namespace, eventType, payload)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) InsertCcxtOrderRaw(ctx context.Context, tx store.Tx, accountID int64, fingerprint string, payload []byte) (bool, error) {
	args := m.Called(ctx, tx, accountID, fingerprint, payload)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) InsertCcxtTradeRaw(ctx context.Context, tx store.Tx, accountID int64, fingerprint string, payload []byte) (bool, error) {
	args := m.Called(ctx, tx, accountID, fingerprint, payload)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ListCcxtOrdersRaw(ctx context.Context, tx store.Tx, accountID int64, dateFrom, dateTo time.Time) ([]*model.RawCcxtOrder, error) {
	args := m.Called(ctx, tx, accountID, dateFrom, dateTo)
	o, _ := args.Get(0).([]*model.RawCcxtOrder)
	return o, args.Error(1)
}

func (m *MockStore) ListCcxtTradesRaw(ctx context.Context, tx store.Tx, accountID int64, dateFrom, dateTo time.Time) ([]*model.RawCcxtTrade, error) {
	args := m.Called(ctx, tx, accountID, dateFrom, dateTo)
	t, _ := args.Get(0).([]*model.RawCcxtTrade)
	return t, args.Error(1)
}

func (m *MockStore) CountCcxtOrdersRawMulti(ctx context.Context, tx store.Tx, accountIDs []int64, dateFrom, dateTo time.Time) (int64, error) {
	args := m.Called(ctx, tx, accountIDs, dateFrom, dateTo)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListCcxtOrdersRawMulti(ctx context.Context, tx store.Tx, accountIDs []int64, dateFrom, dateTo time.Time, limit, offset int) ([]*model.RawCcxtOrder, error) {
	args := m.Called(ctx, tx, accountIDs, dateFrom, dateTo, limit, offset)
	o, _ := args.Get(0).([]*model.RawCcxtOrder)
	return o, args.Error(1)
}

func (m *MockStore) CountCcxtTradesRawMulti(ctx context.Context, tx store.Tx, accountIDs []int64, dateFrom, dateTo time.Time) (int64, error) {
	args := m.Called(ctx, tx, accountIDs, dateFrom, dateTo)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListCcxtTradesRawMulti(ctx context.Context, tx store.Tx, accountIDs []int64, dateFrom, dateTo time.Time, limit, offset int) ([]*model.RawCcxtTrade, error) {
	args := m.Called(ctx, tx, accountIDs, dateFrom, dateTo, limit, offset)
	t, _ := args.Get(0).([]*model.RawCcxtTrade)
	return t, args.Error(1)
}

func (m *MockStore) FetchAPIKeyAccountPermissions(ctx context.Context, tx store.Tx, apiKeyID int64, accountID int64) (*store.AccountPermission, error) {
	args := m.Called(ctx, tx, apiKeyID, accountID)
	p, _ := args.Get(0).(*store.AccountPermission)
	return p, args.Error(1)
}

func (m *MockStore) APIKeyStrategyAllowed(ctx context.Context, tx store.Tx, apiKeyID int64, strategyID int64, wantTrade bool) (bool, error) {
	args := m.Called(ctx, tx, apiKeyID, strategyID, wantTrade)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) FetchOrderAccountID(ctx context.Context, tx store.Tx, orderID int64) (int64, error) {
	args := m.Called(ctx, tx, orderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchPositionAccountID(ctx context.Context, tx store.Tx, positionID int64) (int64, error) {
	args := m.Called(ctx, tx, positionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchPositionStrategyID(ctx context.Context, tx store.Tx, positionID int64) (int64, error) {
	args := m.Called(ctx, tx, positionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchOrderStrategyID(ctx context.Context, tx store.Tx, orderID int64) (int64, error) {
	args := m.Called(ctx, tx, orderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchAccountDispatcherWorkerHint(ctx context.Context, tx store.Tx, accountID int64, engine string) (*int, error) {
	args := m.Called(ctx, tx, accountID, engine)
	h, _ := args.Get(0).(*int)
	return h, args.Error(1)
}

func (m *MockStore) SetAccountDispatcherWorkerHint(ctx context.Context, tx store.Tx, accountID int64, engine string, workerID int) error {
	return m.Called(ctx, tx, accountID, engine, workerID).Error(0)
}

func (m *MockStore) FetchAccount(ctx context.Context, tx store.Tx, accountID int64) (*model.Account, error) {
	args := m.Called(ctx, tx, accountID)
	a, _ := args.Get(0).(*model.Account)
	return a, args.Error(1)
}

func (m *MockStore) ListAccounts(ctx context.Context, tx store.Tx) ([]*model.Account, error) {
	args := m.Called(ctx, tx)
	accounts, _ := args.Get(0).([]*model.Account)
	return accounts, args.Error(1)
}

func (m *MockStore) SetAccountAllowNewPositions(ctx context.Context, tx store.Tx, accountID int64, allow bool) error {
	return m.Called(ctx, tx, accountID, allow).Error(0)
}

func (m *MockStore) SetAccountStatus(ctx context.Context, tx store.Tx, accountID int64, status model.AccountStatus) error {
	return m.Called(ctx, tx, accountID, status).Error(0)
}

func (m *MockStore) ResolveAPIKeyHash(ctx context.Context, tx store.Tx, keyHash string) (*store.APIKeyIdentity, error) {
	args := m.Called(ctx, tx, keyHash)
	id, _ := args.Get(0).(*store.APIKeyIdentity)
	return id, args.Error(1)
}

func (m *MockStore) FetchAccountCredentials(ctx context.Context, tx store.Tx, accountID int64) (*model.Credentials, error) {
	args := m.Called(ctx, tx, accountID)
	c, _ := args.Get(0).(*model.Credentials)
	return c, args.Error(1)
}

func (m *MockStore) FetchUserByUsername(ctx context.Context, tx store.Tx, username string) (*model.User, error) {
	args := m.Called(ctx, tx, username)
	u, _ := args.Get(0).(*model.User)
	return u, args.Error(1)
}

func (m *MockStore) FetchUserByID(ctx context.Context, tx store.Tx, userID int64) (*model.User, error) {
	args := m.Called(ctx, tx, userID)
	u, _ := args.Get(0).(*model.User)
	return u, args.Error(1)
}

func (m *MockStore) FetchUserPasswordHash(ctx context.Context, tx store.Tx, userID int64) (string, error) {
	args := m.Called(ctx, tx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockStore) SetUserPasswordHash(ctx context.Context, tx store.Tx, userID int64, hash string) error {
	args := m.Called(ctx, tx, userID, hash)
	return args.Error(0)
}

func (m *MockStore) UpdateUsername(ctx context.Context, tx store.Tx, userID int64, username string) error {
	args := m.Called(ctx, tx, userID, username)
	return args.Error(0)
}

func (m *MockStore) ListActiveAPIKeysForUser(ctx context.Context, tx store.Tx, userID int64) ([]int64, error) {
	args := m.Called(ctx, tx, userID)
	ids, _ := args.Get(0).([]int64)
	return ids, args.Error(1)
}

func (m *MockStore) CreateAuthToken(ctx context.Context, tx store.Tx, userID, apiKeyID int64, tokenHash string, expiresAt time.Time) error {
	args := m.Called(ctx, tx, userID, apiKeyID, tokenHash, expiresAt)
	return args.Error(0)
}

func (m *MockStore) ListDistinctExchangeIDs(ctx context.Context, tx store.Tx) ([]string, error) {
	args := m.Called(ctx, tx)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *MockStore) ListAPIKeysForUser(ctx context.Context, tx store.Tx, userID int64) ([]*store.UserAPIKeySummary, error) {
	args := m.Called(ctx, tx, userID)
	keys, _ := args.Get(0).([]*store.UserAPIKeySummary)
	return keys, args.Error(1)
}

func (m *MockStore) CreateAPIKey(ctx context.Context, tx store.Tx, userID int64, apiKeyHash, label string) (int64, error) {
	args := m.Called(ctx, tx, userID, apiKeyHash, label)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchAPIKeyOwner(ctx context.Context, tx store.Tx, apiKeyID int64) (int64, error) {
	args := m.Called(ctx, tx, apiKeyID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) SetAPIKeyStatus(ctx context.Context, tx store.Tx, apiKeyID int64, status string) (int64, error) {
	args := m.Called(ctx, tx, apiKeyID, status)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FetchStrategy(ctx context.Context, tx store.Tx, strategyID int64) (*model.Strategy, error) {
	args := m.Called(ctx, tx, strategyID)
	st, _ := args.Get(0).(*model.Strategy)
	return st, args.Error(1)
}

func (m *MockStore) SetStrategyAllowNewPositions(ctx context.Context, tx store.Tx, strategyID int64, allow bool) (int64, error) {
	args := m.Called(ctx, tx, strategyID, allow)
	return args.Get(0).(int64), args.Error(1)
}
