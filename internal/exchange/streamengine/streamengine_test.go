package streamengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/exchange"
)

// echoCreateOrderServer upgrades the connection and replies to any
// "createOrder" call with a canned order acknowledgement, mirroring just
// enough of an exchange's private websocket API to exercise Client.
func echoCreateOrderServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			require.NoError(t, json.Unmarshal(data, &req))
			resp := map[string]any{
				"id": req["id"],
				"result": map[string]any{
					"id":     "WS-ORDER-1",
					"status": "open",
				},
			}
			body, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientCreateOrderOverWebsocket(t *testing.T) {
	srv := echoCreateOrderServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, wsURL(srv.URL), nil, map[string]any{"createOrder": true}, DefaultReconnectOptions)
	require.NoError(t, err)
	defer client.Close()

	price := "100"
	result, err := client.CreateOrder(ctx, exchange.CreateOrderRequest{
		Symbol: "BTC/USDT",
		Side:   "buy",
		Type:   "limit",
		Amount: "1",
		Price:  &price,
	})
	require.NoError(t, err)
	require.Equal(t, "WS-ORDER-1", result.ExchangeOrderID)
	require.Equal(t, "open", result.Status)
}

func TestClientHasUnknownCapability(t *testing.T) {
	srv := echoCreateOrderServer(t)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, wsURL(srv.URL), nil, map[string]any{"createOrder": true}, DefaultReconnectOptions)
	require.NoError(t, err)
	defer client.Close()

	ok, err := client.Has("withdraw")
	require.NoError(t, err)
	require.False(t, ok)
}
