package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
	"github.com/p2p60/exchange/internal/storage/memory"
)

func TestOrderFeedBroadcastsOnConnect(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateOrder(ctx, &models.Order{
			UserID:        "u1",
			Side:          models.SideSell,
			BaseCurrency:  "USDT",
			QuoteCurrency: "VES",
			Price:         decimal.NewFromInt(36),
			Amount:        decimal.NewFromInt(100),
			MinLimit:      decimal.NewFromInt(10),
			MaxLimit:      decimal.NewFromInt(100),
			Status:        models.OrderActive,
		})
	}))

	feed := NewOrderFeed(store, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(feed.Handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Orders []models.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Len(t, msg.Orders, 1)
	assert.Equal(t, models.SideSell, msg.Orders[0].Side)
}
