package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/auth"
	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

const testAPIKey = "test-raw-key"

func newTestServer(t *testing.T, ms *storetest.MockStore, role string) *Server {
	t.Helper()
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("ResolveAPIKeyHash", mock.Anything, mock.Anything, auth.HashAPIKey(testAPIKey)).
		Return(&store.APIKeyIdentity{APIKeyID: 1, UserID: 1, Role: role}, nil)

	pool := NewPool(ms, testLog(), []string{"ccxt"}, 2)
	authn := auth.NewAuthenticator(ms)
	return NewServer(ms, pool, nil, nil, nil, authn, nil, nil, testLog())
}

func TestDispatchMissingAPIKey(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	resp := srv.dispatch(context.Background(), &Request{Op: "status"})
	require.False(t, resp.OK)
	require.Equal(t, "missing_api_key", resp.Error.Code)
}

func TestDispatchStatusAndAuthCheck(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")

	resp := srv.dispatch(context.Background(), &Request{Op: "status", APIKey: testAPIKey})
	require.True(t, resp.OK)
	require.IsType(t, []Status{}, resp.Result)

	resp = srv.dispatch(context.Background(), &Request{Op: "auth_check", APIKey: testAPIKey})
	require.True(t, resp.OK)
}

func TestDispatchMissingAccountIDForAccountRequiredOp(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	resp := srv.dispatch(context.Background(), &Request{Op: "ws_tail_id", APIKey: testAPIKey})
	require.False(t, resp.OK)
	require.Equal(t, "missing_account_id", resp.Error.Code)
}

func TestDispatchUnsupportedOp(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	resp := srv.dispatch(context.Background(), &Request{Op: "admin_create_user", APIKey: testAPIKey})
	require.False(t, resp.OK)
	require.Equal(t, "unsupported_op", resp.Error.Code)
}

func TestAccountsListRequiresAdmin(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	resp := srv.dispatch(context.Background(), &Request{Op: "accounts_list", AccountID: 1, APIKey: testAPIKey})
	require.False(t, resp.OK)
	require.Equal(t, "admin_required", resp.Error.Code)
}

func TestAccountsListSuccessForAdmin(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "admin")
	accounts := []*model.Account{{ID: 1}, {ID: 2}}
	ms.On("ListAccounts", mock.Anything, mock.Anything).Return(accounts, nil)

	resp := srv.dispatch(context.Background(), &Request{Op: "accounts_list", AccountID: 1, APIKey: testAPIKey})
	require.True(t, resp.OK)
	require.Equal(t, accounts, resp.Result)
}

func TestRiskSetAllowNewPositionsRequiresAllowField(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "admin")
	resp := srv.dispatch(context.Background(), &Request{Op: "risk_set_allow_new_positions", AccountID: 5, APIKey: testAPIKey})
	require.False(t, resp.OK)
	require.Equal(t, "validation_error", resp.Error.Code)
}

func TestRiskSetAllowNewPositionsSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "admin")
	allow := false
	ms.On("SetAccountAllowNewPositions", mock.Anything, mock.Anything, int64(5), false).Return(nil)

	resp := srv.dispatch(context.Background(), &Request{Op: "risk_set_allow_new_positions", AccountID: 5, APIKey: testAPIKey, Allow: &allow})
	require.True(t, resp.OK)
	ms.AssertCalled(t, "SetAccountAllowNewPositions", mock.Anything, mock.Anything, int64(5), false)
}

func TestWsPullEventsRequiresAccountRead(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, int64(1), int64(5)).
		Return((*store.AccountPermission)(nil), nil)

	resp := srv.dispatch(context.Background(), &Request{Op: "ws_pull_events", AccountID: 5, APIKey: testAPIKey})
	require.False(t, resp.OK)
	require.Equal(t, "permission_denied", resp.Error.Code)
}

func TestOmsQueryOrdersOpen(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, int64(1), int64(5)).
		Return(&store.AccountPermission{CanRead: true}, nil)
	orders := []*model.Order{{ID: 1, AccountID: 5}}
	ms.On("ListOrders", mock.Anything, mock.Anything, int64(5), (*int64)(nil), true, (*time.Time)(nil), (*time.Time)(nil), 500).
		Return(orders, nil)

	query := "orders_open"
	resp := srv.dispatch(context.Background(), &Request{Op: "oms_query", AccountID: 5, APIKey: testAPIKey, Query: &query})
	require.True(t, resp.OK)
	require.Equal(t, orders, resp.Result)
}

func TestOmsQueryUnsupportedQuery(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, int64(1), int64(5)).
		Return(&store.AccountPermission{CanRead: true}, nil)

	query := "bogus"
	resp := srv.dispatch(context.Background(), &Request{Op: "oms_query", AccountID: 5, APIKey: testAPIKey, Query: &query})
	require.False(t, resp.OK)
	require.Equal(t, "unsupported_query", resp.Error.Code)
}

func TestCcxtRawQueryRequiresDateRange(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	query := "orders_raw"
	resp := srv.dispatch(context.Background(), &Request{Op: "ccxt_raw_query", AccountID: 5, APIKey: testAPIKey, Query: &query})
	require.False(t, resp.OK)
	require.Equal(t, "validation_error", resp.Error.Code)
}

func TestCcxtRawQueryMultiRequiresAccountIDs(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	query := "orders_raw"
	dateFrom, dateTo := "2026-01-01", "2026-02-01"
	resp := srv.dispatch(context.Background(), &Request{
		Op: "ccxt_raw_query_multi", APIKey: testAPIKey, Query: &query, DateFrom: &dateFrom, DateTo: &dateTo,
	})
	require.False(t, resp.OK)
	require.Equal(t, "validation_error", resp.Error.Code)
}

func TestAuthorizeAccountSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAccount", mock.Anything, mock.Anything, int64(5)).
		Return(&model.Account{ID: 5, ExchangeID: "ccxt.binance"}, nil)
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, int64(1), int64(5)).
		Return(&store.AccountPermission{CanRead: true}, nil)

	resp := srv.dispatch(context.Background(), &Request{Op: "authorize_account", AccountID: 5, APIKey: testAPIKey})
	require.True(t, resp.OK)
	require.Equal(t, map[string]any{"account_id": int64(5), "exchange_id": "ccxt.binance"}, resp.Result)
}

func TestMetaCcxtExchanges(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("ListDistinctExchangeIDs", mock.Anything, mock.Anything).Return([]string{"ccxt.binance", "ccxt.kraken"}, nil)

	resp := srv.dispatch(context.Background(), &Request{Op: "meta_ccxt_exchanges", APIKey: testAPIKey})
	require.True(t, resp.OK)
	require.Equal(t, []string{"ccxt.binance", "ccxt.kraken"}, resp.Result)
}

func TestRiskSetStrategyAllowNewPositionsRequiresComment(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	strategyID := int64(9)
	resp := srv.dispatch(context.Background(), &Request{
		Op: "risk_set_strategy_allow_new_positions", AccountID: 5, APIKey: testAPIKey, StrategyID: &strategyID,
	})
	require.False(t, resp.OK)
	require.Equal(t, "validation_error", resp.Error.Code)
}

func TestRiskSetStrategyAllowNewPositionsSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAPIKeyAccountPermissions", mock.Anything, mock.Anything, int64(1), int64(5)).
		Return(&store.AccountPermission{CanRiskManage: true}, nil)
	ms.On("SetStrategyAllowNewPositions", mock.Anything, mock.Anything, int64(9), false).Return(int64(1), nil)
	ms.On("InsertEvent", mock.Anything, mock.Anything, int64(5), model.EventNamespaceRisk, "strategy_allow_new_positions_changed", mock.Anything).
		Return(int64(1), nil)

	strategyID := int64(9)
	allow := false
	comment := "risk limit breached"
	resp := srv.dispatch(context.Background(), &Request{
		Op: "risk_set_strategy_allow_new_positions", AccountID: 5, APIKey: testAPIKey,
		StrategyID: &strategyID, Allow: &allow, Comment: &comment,
	})
	require.True(t, resp.OK)
	ms.AssertCalled(t, "SetStrategyAllowNewPositions", mock.Anything, mock.Anything, int64(9), false)
}

func TestUserAPIKeysList(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	keys := []*store.UserAPIKeySummary{{ID: 1, Label: "main", Status: "active"}}
	ms.On("ListAPIKeysForUser", mock.Anything, mock.Anything, int64(1)).Return(keys, nil)

	resp := srv.dispatch(context.Background(), &Request{Op: "user_api_keys_list", APIKey: testAPIKey})
	require.True(t, resp.OK)
	require.Equal(t, keys, resp.Result)
}

func TestUserAPIKeyUpdateNotFound(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAPIKeyOwner", mock.Anything, mock.Anything, int64(42)).Return(int64(0), store.ErrAPIKeyNotFound)

	apiKeyID := int64(42)
	status := "disabled"
	resp := srv.dispatch(context.Background(), &Request{
		Op: "user_api_key_update", APIKey: testAPIKey, APIKeyID: &apiKeyID, Status: &status,
	})
	require.False(t, resp.OK)
	require.Equal(t, "not_found", resp.Error.Code)
}

func TestUserAPIKeyUpdateDeniedForOtherUsersKey(t *testing.T) {
	ms := new(storetest.MockStore)
	srv := newTestServer(t, ms, "trader")
	ms.On("FetchAPIKeyOwner", mock.Anything, mock.Anything, int64(42)).Return(int64(99), nil)

	apiKeyID := int64(42)
	status := "disabled"
	resp := srv.dispatch(context.Background(), &Request{
		Op: "user_api_key_update", APIKey: testAPIKey, APIKeyID: &apiKeyID, Status: &status,
	})
	require.False(t, resp.OK)
	require.Equal(t, "permission_denied", resp.Error.Code)
}
