package intake

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/auth"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

type staticResolver struct{ poolID int }

func (r staticResolver) ResolveWorker(ctx context.Context, accountID int64, engine string) (int, error) {
	return r.poolID, nil
}

func activeAccount() *model.Account {
	return &model.Account{ID: 1, Status: model.AccountStatusActive, AllowNewPositions: true, DispatcherEngine: "ccxt"}
}

func callerCtx() *auth.Context {
	return &auth.Context{APIKeyID: 9, UserID: 1, Role: auth.RoleTrader}
}

func TestProcessBatchSendOrderHappyPath(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchAccount", mock.Anything, mock.Anything, mock.Anything).Return(activeAccount(), nil)
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&store.AccountPermission{CanRead: true, CanTrade: true}, nil)
	ms.On("APIKeyStrategyAllowed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	ms.On("InsertPositionOrderPendingSubmit", mock.Anything, mock.Anything, mock.Anything).Return(int64(500), nil)
	ms.On("InsertPositionCommand", mock.Anything, mock.Anything, mock.Anything).Return(int64(100), nil)
	ms.On("EnqueueCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)

	in := New(ms, staticResolver{poolID: 2}, 30*time.Second)
	payload, _ := json.Marshal(SendOrderPayload{
		Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Qty: "0.001", StrategyID: 7,
	})
	results := in.ProcessBatch(context.Background(), callerCtx(), []CommandInput{
		{AccountID: 1, Command: model.CommandSendOrder, Payload: payload},
	})

	require.Len(t, results, 1)
	require.True(t, results[0].OK)
	require.NotNil(t, results[0].CommandID)
	require.Equal(t, int64(100), *results[0].CommandID)
	require.NotNil(t, results[0].OrderID)
	require.Equal(t, int64(500), *results[0].OrderID)
}

func TestProcessBatchAdminTradeIsReadOnly(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchAccount", mock.Anything, mock.Anything, mock.Anything).Return(activeAccount(), nil)
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&store.AccountPermission{CanRead: true, CanTrade: true}, nil)

	in := New(ms, staticResolver{}, 30*time.Second)
	payload, _ := json.Marshal(SendOrderPayload{Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Qty: "0.001"})
	admin := &auth.Context{APIKeyID: 9, Role: auth.RoleAdmin}
	results := in.ProcessBatch(context.Background(), admin, []CommandInput{
		{AccountID: 1, Command: model.CommandSendOrder, Payload: payload},
	})

	require.False(t, results[0].OK)
	require.Equal(t, "admin_read_only", results[0].Error.Code)
}

func TestProcessBatchCancelOrderRequiresOrderIDs(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchAccount", mock.Anything, mock.Anything, mock.Anything).Return(activeAccount(), nil)
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&store.AccountPermission{CanRead: true, CanTrade: true}, nil)

	in := New(ms, staticResolver{}, 30*time.Second)
	payload, _ := json.Marshal(CancelOrderPayload{})
	results := in.ProcessBatch(context.Background(), callerCtx(), []CommandInput{
		{AccountID: 1, Command: model.CommandCancelOrder, Payload: payload},
	})

	require.False(t, results[0].OK)
	require.Equal(t, "validation_error", results[0].Error.Code)
}

func TestProcessBatchClosePositionLockHeld(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchAccount", mock.Anything, mock.Anything, mock.Anything).Return(activeAccount(), nil)
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&store.AccountPermission{CanRead: true, CanTrade: true}, nil)
	ms.On("APIKeyStrategyAllowed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	ms.On("AcquireClosePositionLock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(store.ErrCloseLockHeld)

	in := New(ms, staticResolver{}, 30*time.Second)
	payload, _ := json.Marshal(ClosePositionPayload{PositionID: 42, OrderType: "market", StrategyID: 7})
	results := in.ProcessBatch(context.Background(), callerCtx(), []CommandInput{
		{AccountID: 1, Command: model.CommandClosePosition, Payload: payload},
	})

	require.False(t, results[0].OK)
	require.Equal(t, "close_lock_held", results[0].Error.Code)
}
