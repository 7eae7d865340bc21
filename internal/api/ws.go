package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// OrderFeed broadcasts the active order list to websocket clients.
type OrderFeed struct {
	store storage.Store
	log   *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewOrderFeed creates an order feed.
func NewOrderFeed(store storage.Store, log *zap.Logger) *OrderFeed {
	return &OrderFeed{
		store:   store,
		log:     log,
		clients: make(map[*wsClient]bool),
	}
}

// Handler upgrades the connection and registers the client.
func (f *OrderFeed) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	f.mu.Lock()
	f.clients[client] = true
	f.mu.Unlock()

	f.broadcast(r.Context())

	// Drain until disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.mu.Lock()
			delete(f.clients, client)
			f.mu.Unlock()
			return
		}
	}
}

// Run broadcasts the active order list every interval until ctx is done.
func (f *OrderFeed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.broadcast(ctx)
		}
	}
}

func (f *OrderFeed) broadcast(ctx context.Context) {
	orders, err := f.store.ListActiveOrders(ctx, storage.OrderFilter{})
	if err != nil {
		f.log.Warn("failed to load active orders", zap.Error(err))
		return
	}
	data, err := json.Marshal(map[string]interface{}{"orders": orders})
	if err != nil {
		f.log.Error("failed to marshal order feed", zap.Error(err))
		return
	}

	f.mu.RLock()
	stale := make([]*wsClient, 0)
	for client := range f.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			stale = append(stale, client)
		}
	}
	f.mu.RUnlock()

	if len(stale) > 0 {
		f.mu.Lock()
		for _, client := range stale {
			delete(f.clients, client)
		}
		f.mu.Unlock()
	}
}
