package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/credentials"
	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/common"
	"github.com/rspadim/oms-position/internal/oms/events"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

func newTestBus(ms *storetest.MockStore) *events.Bus {
	ms.On("InsertEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(int64(1), nil).Maybe()
	return events.NewBus(ms, 0)
}

// fakeClient implements exchange.ExchangeClient for executor tests.
type fakeClient struct {
	createOrderErr error
	createResult   *exchange.OrderResult
	cancelErr      error
	editResult     *exchange.OrderResult
	editErr        error
}

func (f *fakeClient) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return nil, exchange.ErrUnsupportedMethod
}
func (f *fakeClient) Has(capability string) (bool, error) { return false, nil }
func (f *fakeClient) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	if f.createOrderErr != nil {
		return nil, f.createOrderErr
	}
	return f.createResult, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	return f.cancelErr
}
func (f *fakeClient) EditOrderIfSupported(ctx context.Context, exchangeOrderID string, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	return f.editResult, f.editErr
}
func (f *fakeClient) FetchMyTrades(ctx context.Context, symbol *string, sinceMs int64, limit int) ([]exchange.Trade, error) {
	return nil, nil
}
func (f *fakeClient) LoadMarkets(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                          { return nil }

func newTestAdapter(client *fakeClient) *exchange.Adapter {
	builder := func(ctx context.Context, name string, creds exchange.Credentials) (exchange.ExchangeClient, error) {
		return client, nil
	}
	return exchange.NewAdapter(builder, builder, 60)
}

func newResolver(ms *storetest.MockStore) *common.ExchangeResolver {
	codec, _ := credentials.NewCodec("", false)
	return common.NewExchangeResolver(ms, codec)
}

func stubAccountAndCreds(ms *storetest.MockStore, accountID int64) {
	ms.On("FetchAccount", mock.Anything, mock.Anything, accountID).Return(&model.Account{
		ID: accountID, ExchangeID: "ccxt.binance", IsTestnet: true,
	}, nil)
	ms.On("FetchAccountCredentials", mock.Anything, mock.Anything, accountID).Return(&model.Credentials{
		AccountID: accountID, APIKeyEnc: "key", SecretEnc: "secret",
	}, nil)
}

func TestExecuteSendOrderSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 1)

	cmd := &model.PositionCommand{ID: 10, AccountID: 1, CommandType: model.CommandSendOrder, PayloadJSON: mustJSON(t, map[string]any{
		"symbol": "BTC/USDT", "side": "buy", "order_type": "market", "qty": "0.1",
	})}
	ms.On("FetchCommandByID", mock.Anything, mock.Anything, int64(10)).Return(cmd, nil)

	price := decimal.NewFromFloat(50000)
	order := &model.Order{ID: 99, AccountID: 1, Symbol: "BTC/USDT", Side: model.OrderSideBuy, OrderType: model.OrderTypeMarket, Qty: decimal.NewFromFloat(0.1), Price: &price}
	ms.On("FetchOrderForCommandSend", mock.Anything, mock.Anything, int64(10)).Return(order, nil)

	filled := "0.1"
	avg := "50000"
	ms.On("MarkOrderSubmittedExchangeWithValues", mock.Anything, mock.Anything, int64(99), "EXCH-1", &filled, &avg).Return(nil)
	ms.On("InsertCcxtOrderRaw", mock.Anything, mock.Anything, int64(1), "EXCH-1", mock.Anything).Return(true, nil)
	ms.On("InsertEvent", mock.Anything, mock.Anything, int64(1), model.EventNamespacePosition, "order_submitted", mock.Anything).Return(int64(1), nil)
	ms.On("MarkCommandCompleted", mock.Anything, mock.Anything, int64(10)).Return(nil)

	client := &fakeClient{createResult: &exchange.OrderResult{ExchangeOrderID: "EXCH-1", FilledQty: &filled, AvgPrice: &avg}}
	ex := New(ms, newTestAdapter(client), newResolver(ms), newTestBus(ms))

	err := ex.Execute(context.Background(), 10, 1)
	require.NoError(t, err)
	ms.AssertCalled(t, "MarkCommandCompleted", mock.Anything, mock.Anything, int64(10))
}

func TestExecuteSendOrderCreateFailureIsTransient(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 1)

	cmd := &model.PositionCommand{ID: 11, AccountID: 1, CommandType: model.CommandSendOrder, PayloadJSON: mustJSON(t, map[string]any{
		"symbol": "BTC/USDT", "side": "buy", "order_type": "market", "qty": "0.1",
	})}
	ms.On("FetchCommandByID", mock.Anything, mock.Anything, int64(11)).Return(cmd, nil)
	order := &model.Order{ID: 100, AccountID: 1, Symbol: "BTC/USDT", Side: model.OrderSideBuy, OrderType: model.OrderTypeMarket, Qty: decimal.NewFromFloat(0.1)}
	ms.On("FetchOrderForCommandSend", mock.Anything, mock.Anything, int64(11)).Return(order, nil)
	ms.On("MarkCommandFailed", mock.Anything, mock.Anything, int64(11)).Return(nil)

	client := &fakeClient{createOrderErr: errors.New("connection reset")}
	ex := New(ms, newTestAdapter(client), newResolver(ms), newTestBus(ms))

	err := ex.Execute(context.Background(), 11, 1)
	require.Error(t, err)
	var perm *PermanentCommandError
	require.False(t, errors.As(err, &perm), "create_order failures must not become PermanentCommandError")
	ms.AssertNotCalled(t, "MarkOrderRejected", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteCancelAllOrdersAllFailedIsPermanent(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 2)

	cmd := &model.PositionCommand{ID: 20, AccountID: 2, CommandType: model.CommandCancelAllOrders, PayloadJSON: mustJSON(t, map[string]any{})}
	ms.On("FetchCommandByID", mock.Anything, mock.Anything, int64(20)).Return(cmd, nil)

	exchOrderID := "E-1"
	open := &model.Order{ID: 1, AccountID: 2, ExchangeOrderID: &exchOrderID, Symbol: "ETH/USDT"}
	ms.On("ListCancelableOrders", mock.Anything, mock.Anything, int64(2), ([]int64)(nil)).Return([]*model.Order{open}, nil)
	ms.On("FetchOrderByID", mock.Anything, mock.Anything, int64(1)).Return(open, nil)
	ms.On("MarkCommandFailed", mock.Anything, mock.Anything, int64(20)).Return(nil)

	client := &fakeClient{cancelErr: errors.New("already closed")}
	ex := New(ms, newTestAdapter(client), newResolver(ms), newTestBus(ms))

	err := ex.Execute(context.Background(), 20, 2)
	require.Error(t, err)
	var perm *PermanentCommandError
	require.True(t, errors.As(err, &perm))
}

func TestExecuteCancelAllOrdersMergesStrategyIDsCsv(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 2)

	cmd := &model.PositionCommand{ID: 21, AccountID: 2, CommandType: model.CommandCancelAllOrders, PayloadJSON: mustJSON(t, map[string]any{
		"strategy_ids":     []int64{1},
		"strategy_ids_csv": "2, 3,,4",
	})}
	ms.On("FetchCommandByID", mock.Anything, mock.Anything, int64(21)).Return(cmd, nil)
	ms.On("ListCancelableOrders", mock.Anything, mock.Anything, int64(2), []int64{1, 2, 3, 4}).Return([]*model.Order{}, nil)
	ms.On("MarkCommandFailed", mock.Anything, mock.Anything, int64(21)).Return(nil)

	client := &fakeClient{}
	ex := New(ms, newTestAdapter(client), newResolver(ms), newTestBus(ms))

	err := ex.Execute(context.Background(), 21, 2)
	require.Error(t, err)
	ms.AssertCalled(t, "ListCancelableOrders", mock.Anything, mock.Anything, int64(2), []int64{1, 2, 3, 4})
}

func TestExecuteMergePositionsWeightedAverage(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 3)

	cmd := &model.PositionCommand{ID: 30, AccountID: 3, CommandType: model.CommandMergePositions, PayloadJSON: mustJSON(t, map[string]any{
		"source_position_id": 1, "target_position_id": 2,
	})}
	ms.On("FetchCommandByID", mock.Anything, mock.Anything, int64(30)).Return(cmd, nil)

	source := &model.Position{ID: 1, AccountID: 3, Symbol: "BTC/USDT", Side: model.OrderSideBuy, Qty: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(100), State: model.PositionStateOpen}
	target := &model.Position{ID: 2, AccountID: 3, Symbol: "BTC/USDT", Side: model.OrderSideBuy, Qty: decimal.NewFromInt(3), AvgPrice: decimal.NewFromInt(200), State: model.PositionStateOpen}
	ms.On("FetchOpenPosition", mock.Anything, mock.Anything, int64(1)).Return(source, nil)
	ms.On("FetchOpenPosition", mock.Anything, mock.Anything, int64(2)).Return(target, nil)

	ms.On("UpdatePositionOpenQtyPrice", mock.Anything, mock.Anything, int64(2), mock.Anything, mock.Anything).Return(nil)
	ms.On("ReassignOpenOrdersPosition", mock.Anything, mock.Anything, int64(1), int64(2)).Return(int64(0), nil)
	ms.On("ReassignDealsPosition", mock.Anything, mock.Anything, int64(1), int64(2)).Return(int64(0), nil)
	ms.On("ClosePositionMerged", mock.Anything, mock.Anything, int64(1), mock.Anything).Return(nil)
	ms.On("InsertEvent", mock.Anything, mock.Anything, int64(3), model.EventNamespacePosition, "positions_merged", mock.Anything).Return(int64(1), nil)
	ms.On("MarkCommandCompleted", mock.Anything, mock.Anything, int64(30)).Return(nil)

	ex := New(ms, newTestAdapter(&fakeClient{}), newResolver(ms), newTestBus(ms))
	err := ex.Execute(context.Background(), 30, 3)
	require.NoError(t, err)
}

func TestExecuteClosePositionFailureReopensAndReleasesLock(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 4)

	cmd := &model.PositionCommand{ID: 40, AccountID: 4, CommandType: model.CommandClosePosition, PayloadJSON: mustJSON(t, map[string]any{
		"position_id": 5, "order_type": "market",
	})}
	ms.On("FetchCommandByID", mock.Anything, mock.Anything, int64(40)).Return(cmd, nil)
	ms.On("FetchOpenPosition", mock.Anything, mock.Anything, int64(5)).Return(nil, errors.New("not found"))
	ms.On("MarkCommandFailed", mock.Anything, mock.Anything, int64(40)).Return(nil)
	ms.On("ReopenPositionIfCloseRequested", mock.Anything, mock.Anything, int64(5)).Return(nil)
	ms.On("ReleaseClosePositionLock", mock.Anything, mock.Anything, int64(5)).Return(nil)

	ex := New(ms, newTestAdapter(&fakeClient{}), newResolver(ms), newTestBus(ms))
	err := ex.Execute(context.Background(), 40, 4)
	require.Error(t, err)
	var perm *PermanentCommandError
	require.True(t, errors.As(err, &perm))
	ms.AssertCalled(t, "ReopenPositionIfCloseRequested", mock.Anything, mock.Anything, int64(5))
	ms.AssertCalled(t, "ReleaseClosePositionLock", mock.Anything, mock.Anything, int64(5))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
