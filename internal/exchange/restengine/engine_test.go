package restengine

import (
	"context"
	"net/http"
	"testing"

	"github.com/gbdevw/gosette"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/rspadim/oms-position/internal/exchange"
)

const (
	testAPIKey    = "API_KEY"
	testSecretB64 = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
)

// EngineTestSuite exercises Client against an in-process HTTP fixture
// server, in the same shape as the teacher's KrakenSpotRESTClientTestSuite.
type EngineTestSuite struct {
	suite.Suite
	srv    *gosette.HTTPTestServer
	client *Client
}

func TestEngineTestSuite(t *testing.T) {
	tstsrv := gosette.NewHTTPTestServer(nil)
	tstsrv.Start()
	defer tstsrv.Close()
	client, err := NewClient("kraken", tstsrv.GetBaseURL(), testAPIKey, testSecretB64, map[string]any{
		"editOrder": true,
	})
	if err != nil {
		panic(err)
	}
	suite.Run(t, &EngineTestSuite{srv: tstsrv, client: client})
}

func (s *EngineTestSuite) BeforeTest(suiteName, testName string) {
	s.srv.Clear()
}

func (s *EngineTestSuite) TestCreateOrderParsesJSONResponse() {
	s.srv.PushPredefinedServerResponse(&gosette.PredefinedServerResponse{
		Status:  http.StatusOK,
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    []byte(`{"id":"OU22CG-KLAF2-FWUDD7","status":"open"}`),
	})
	price := "37500"
	result, err := s.client.CreateOrder(context.Background(), exchangeOrderRequest("XBTUSD", price))
	require.NoError(s.T(), err)
	require.Equal(s.T(), "OU22CG-KLAF2-FWUDD7", result.ExchangeOrderID)
	require.Equal(s.T(), "open", result.Status)
}

func (s *EngineTestSuite) TestCreateOrderErrorStatus() {
	s.srv.PushPredefinedServerResponse(&gosette.PredefinedServerResponse{
		Status: http.StatusInternalServerError,
		Body:   []byte(`{"error":"boom"}`),
	})
	price := "37500"
	_, err := s.client.CreateOrder(context.Background(), exchangeOrderRequest("XBTUSD", price))
	require.Error(s.T(), err)
}

func (s *EngineTestSuite) TestHasTreatsEmulatedAsSupported() {
	c, err := NewClient("kraken", s.srv.GetBaseURL(), testAPIKey, testSecretB64, map[string]any{
		"fetchMyTrades": "emulated",
	})
	require.NoError(s.T(), err)
	ok, err := c.Has("fetchMyTrades")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
}

func (s *EngineTestSuite) TestHasUnknownCapabilityIsFalse() {
	ok, err := s.client.Has("withdraw")
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func exchangeOrderRequest(symbol, price string) exchange.CreateOrderRequest {
	return exchange.CreateOrderRequest{
		Symbol: symbol,
		Side:   "buy",
		Type:   "limit",
		Amount: "1.25",
		Price:  &price,
	}
}
