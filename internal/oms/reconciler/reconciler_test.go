package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/credentials"
	"github.com/rspadim/oms-position/internal/exchange"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/common"
	"github.com/rspadim/oms-position/internal/oms/events"
	"github.com/rspadim/oms-position/internal/store"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

func newTestBus(ms *storetest.MockStore) *events.Bus {
	ms.On("InsertEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(int64(1), nil).Maybe()
	return events.NewBus(ms, 0)
}

func newResolver(ms *storetest.MockStore) *common.ExchangeResolver {
	codec, _ := credentials.NewCodec("", false)
	return common.NewExchangeResolver(ms, codec)
}

type fakeTradesClient struct {
	trades []exchange.Trade
	err    error
}

func (f *fakeTradesClient) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return nil, exchange.ErrUnsupportedMethod
}
func (f *fakeTradesClient) Has(capability string) (bool, error) { return false, nil }
func (f *fakeTradesClient) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	return nil, nil
}
func (f *fakeTradesClient) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	return nil
}
func (f *fakeTradesClient) EditOrderIfSupported(ctx context.Context, exchangeOrderID string, req exchange.CreateOrderRequest) (*exchange.OrderResult, error) {
	return nil, nil
}
func (f *fakeTradesClient) FetchMyTrades(ctx context.Context, symbol *string, sinceMs int64, limit int) ([]exchange.Trade, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.trades, nil
}
func (f *fakeTradesClient) LoadMarkets(ctx context.Context) error { return nil }
func (f *fakeTradesClient) Close() error                          { return nil }

func newTestAdapter(client *fakeTradesClient) *exchange.Adapter {
	builder := func(ctx context.Context, name string, creds exchange.Credentials) (exchange.ExchangeClient, error) {
		return client, nil
	}
	return exchange.NewAdapter(builder, builder, 60)
}

func stubAccountAndCreds(ms *storetest.MockStore, accountID int64, mode model.PositionMode) *model.Account {
	acc := &model.Account{ID: accountID, ExchangeID: "ccxt.binance", PositionMode: mode, IsTestnet: true}
	ms.On("FetchAccount", mock.Anything, mock.Anything, accountID).Return(acc, nil)
	ms.On("FetchAccountCredentials", mock.Anything, mock.Anything, accountID).Return(&model.Credentials{
		AccountID: accountID, APIKeyEnc: "key", SecretEnc: "secret",
	}, nil)
	return acc
}

func newReconciler(ms *storetest.MockStore, client *fakeTradesClient) *Reconciler {
	return New(ms, newTestAdapter(client), newResolver(ms), newTestBus(ms), nil, time.Hour, 200)
}

func TestReconcileAccountNettingOppositeSideReverses(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 1, model.PositionModeNetting)
	ms.On("FetchReconciliationCursor", mock.Anything, mock.Anything, int64(1), cursorEntity).Return(nil, nil)

	trade := exchange.Trade{
		ExchangeTradeID: "t1", ExchangeOrderID: "o1", Symbol: "BTC/USDT", Side: "sell",
		Amount: "1.5", Price: "50000", TimestampMs: 1000,
	}
	client := &fakeTradesClient{trades: []exchange.Trade{trade}}
	ms.On("InsertCcxtTradeRaw", mock.Anything, mock.Anything, int64(1), "t1", mock.Anything).Return(true, nil)

	ms.On("DealExistsByExchangeTradeID", mock.Anything, mock.Anything, int64(1), "t1").Return(false, nil)
	eo := "o1"
	ms.On("FetchOrderLink", mock.Anything, mock.Anything, int64(1), &eo, (*string)(nil)).Return(nil, nil)
	order := &model.Order{ID: 5, AccountID: 1, StrategyID: 7, Symbol: "BTC/USDT", Side: model.OrderSideSell, Reason: "external"}
	ms.On("GetOrCreateExternalUnmatchedOrder", mock.Anything, mock.Anything, int64(1), "BTC/USDT", model.OrderSideSell, &eo, (*string)(nil), "1.5", "50000").Return(order, nil)

	existing := &model.Position{ID: 42, AccountID: 1, Symbol: "BTC/USDT", Side: model.OrderSideBuy, Qty: decimal.NewFromFloat(1), AvgPrice: decimal.NewFromFloat(49000), State: model.PositionStateOpen}
	ms.On("FetchOpenNetPositionBySymbol", mock.Anything, mock.Anything, int64(1), "BTC/USDT").Return(existing, nil)
	ms.On("ClosePosition", mock.Anything, mock.Anything, int64(42), mock.Anything).Return(nil)
	ms.On("CreatePositionOpen", mock.Anything, mock.Anything, mock.Anything).Return(int64(43), nil)
	ms.On("UpdateOrderPositionLink", mock.Anything, mock.Anything, int64(5), int64(43)).Return(nil)
	ms.On("InsertPositionDeal", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	ms.On("UpdateReconciliationCursor", mock.Anything, mock.Anything, int64(1), cursorEntity, "1001").Return(nil)

	r := newReconciler(ms, client)
	summary, err := r.ReconcileAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TradesProcessed)
	require.Equal(t, "1001", summary.CursorValue)
	ms.AssertCalled(t, "CreatePositionOpen", mock.Anything, mock.Anything, mock.Anything)
	ms.AssertCalled(t, "ClosePosition", mock.Anything, mock.Anything, int64(42), mock.Anything)
}

func TestReconcileAccountHedgeSameSideMerges(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 2, model.PositionModeHedge)
	ms.On("FetchReconciliationCursor", mock.Anything, mock.Anything, int64(2), cursorEntity).Return(nil, nil)

	trade := exchange.Trade{
		ExchangeTradeID: "t2", ExchangeOrderID: "o2", Symbol: "ETH/USDT", Side: "buy",
		Amount: "1.0", Price: "3000", TimestampMs: 2000,
	}
	client := &fakeTradesClient{trades: []exchange.Trade{trade}}
	ms.On("InsertCcxtTradeRaw", mock.Anything, mock.Anything, int64(2), "t2", mock.Anything).Return(true, nil)
	ms.On("DealExistsByExchangeTradeID", mock.Anything, mock.Anything, int64(2), "t2").Return(false, nil)

	eo := "o2"
	order := &model.Order{ID: 8, AccountID: 2, StrategyID: 3, Symbol: "ETH/USDT", Side: model.OrderSideBuy, Reason: "strategy"}
	ms.On("FetchOrderLink", mock.Anything, mock.Anything, int64(2), &eo, (*string)(nil)).Return(order, nil)

	existing := &model.Position{ID: 70, AccountID: 2, Symbol: "ETH/USDT", Side: model.OrderSideBuy, Qty: decimal.NewFromFloat(2), AvgPrice: decimal.NewFromFloat(2900), State: model.PositionStateOpen}
	ms.On("FetchOpenPositionForSymbol", mock.Anything, mock.Anything, int64(2), "ETH/USDT", model.OrderSideBuy).Return(existing, nil)
	ms.On("UpdatePositionOpenQtyPrice", mock.Anything, mock.Anything, int64(70), "3", mock.AnythingOfType("string")).Return(nil)
	ms.On("UpdateOrderPositionLink", mock.Anything, mock.Anything, int64(8), int64(70)).Return(nil)
	ms.On("InsertPositionDeal", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	ms.On("UpdateReconciliationCursor", mock.Anything, mock.Anything, int64(2), cursorEntity, "2001").Return(nil)

	r := newReconciler(ms, client)
	summary, err := r.ReconcileAccount(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TradesProcessed)
	ms.AssertCalled(t, "UpdatePositionOpenQtyPrice", mock.Anything, mock.Anything, int64(70), "3", mock.AnythingOfType("string"))
}

func TestReconcileAccountIsolatedExternalCreatesOwnPosition(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 3, model.PositionModeHedge)
	ms.On("FetchReconciliationCursor", mock.Anything, mock.Anything, int64(3), cursorEntity).Return(nil, nil)

	trade := exchange.Trade{
		ExchangeTradeID: "t3", ExchangeOrderID: "o3", Symbol: "SOL/USDT", Side: "buy",
		Amount: "10", Price: "150", TimestampMs: 3000,
	}
	client := &fakeTradesClient{trades: []exchange.Trade{trade}}
	ms.On("InsertCcxtTradeRaw", mock.Anything, mock.Anything, int64(3), "t3", mock.Anything).Return(true, nil)
	ms.On("DealExistsByExchangeTradeID", mock.Anything, mock.Anything, int64(3), "t3").Return(false, nil)

	eo := "o3"
	order := &model.Order{ID: 9, AccountID: 3, StrategyID: 0, Symbol: "SOL/USDT", Side: model.OrderSideBuy, Reason: "external"}
	ms.On("FetchOrderLink", mock.Anything, mock.Anything, int64(3), &eo, (*string)(nil)).Return(order, nil)
	ms.On("CreatePositionOpen", mock.Anything, mock.Anything, mock.Anything).Return(int64(55), nil)
	ms.On("UpdateOrderPositionLink", mock.Anything, mock.Anything, int64(9), int64(55)).Return(nil)
	ms.On("InsertPositionDeal", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	ms.On("UpdateReconciliationCursor", mock.Anything, mock.Anything, int64(3), cursorEntity, "3001").Return(nil)

	r := newReconciler(ms, client)
	summary, err := r.ReconcileAccount(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TradesProcessed)
	ms.AssertCalled(t, "CreatePositionOpen", mock.Anything, mock.Anything, mock.Anything)
	ms.AssertNotCalled(t, "FetchOpenPositionForSymbol", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileAccountFallsBackToPerSymbolFetch(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 4, model.PositionModeNetting)
	ms.On("FetchReconciliationCursor", mock.Anything, mock.Anything, int64(4), cursorEntity).Return(nil, nil)
	ms.On("ListRecentSymbolsForAccount", mock.Anything, mock.Anything, int64(4), 20).Return([]string{"BTC/USDT"}, nil)

	client := &fakeTradesClient{err: store.ErrPositionNotFound}
	r := newReconciler(ms, client)

	summary, err := r.ReconcileAccount(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, 0, summary.TradesProcessed)
	ms.AssertCalled(t, "ListRecentSymbolsForAccount", mock.Anything, mock.Anything, int64(4), 20)
}

func TestReconcileAccountCursorNeverRegressesOnEmptyBatch(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	stubAccountAndCreds(ms, 5, model.PositionModeNetting)
	cursor := &model.ReconciliationCursor{AccountID: 5, Entity: cursorEntity, CursorValue: "5000"}
	ms.On("FetchReconciliationCursor", mock.Anything, mock.Anything, int64(5), cursorEntity).Return(cursor, nil)

	client := &fakeTradesClient{trades: nil}
	r := newReconciler(ms, client)

	summary, err := r.ReconcileAccount(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 0, summary.TradesProcessed)
	require.Equal(t, "", summary.CursorValue)
	ms.AssertNotCalled(t, "UpdateReconciliationCursor", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
