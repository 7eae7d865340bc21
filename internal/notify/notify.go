// Package notify delivers trade state change events to a configured
// webhook endpoint. Delivery happens after the unit of work committed and
// never feeds back into it; failures are logged and dropped.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/escrow"
	"github.com/p2p60/exchange/internal/models"
)

type payload struct {
	EventID    string       `json:"event_id"`
	Type       string       `json:"type"`
	Trade      models.Trade `json:"trade"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Webhook posts trade events as JSON to one endpoint.
type Webhook struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

// NewWebhook creates a notifier. An empty endpoint disables delivery.
func NewWebhook(endpoint string, log *zap.Logger) *Webhook {
	return &Webhook{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
	}
}

// PublishTrade implements escrow.Publisher.
func (w *Webhook) PublishTrade(ev escrow.TradeEvent) {
	if w.endpoint == "" {
		return
	}
	go w.deliver(ev)
}

func (w *Webhook) deliver(ev escrow.TradeEvent) {
	body, err := json.Marshal(payload{
		EventID:    uuid.NewString(),
		Type:       ev.Type,
		Trade:      ev.Trade,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		w.log.Error("failed to marshal trade event", zap.Error(err))
		return
	}

	resp, err := w.client.Post(w.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		w.log.Warn("webhook delivery failed",
			zap.String("type", ev.Type),
			zap.String("trade_id", ev.Trade.ID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warn("webhook endpoint rejected event",
			zap.String("type", ev.Type),
			zap.Int("status", resp.StatusCode))
	}
}
