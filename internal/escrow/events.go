package escrow

import (
	"time"

	"github.com/p2p60/exchange/internal/models"
)

// Trade event types, one per state transition.
const (
	EventTradeLocked         = "trade.locked"
	EventTradeBuyerConfirmed = "trade.buyer_confirmed"
	EventTradeReleased       = "trade.released"
	EventTradeDispute        = "trade.dispute"
)

// TradeEvent describes one committed trade state change.
type TradeEvent struct {
	Type       string       `json:"type"`
	Trade      models.Trade `json:"trade"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Publisher consumes trade events after the unit of work committed.
// Implementations must not fail the trade flow; delivery is best effort.
type Publisher interface {
	PublishTrade(ev TradeEvent)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishTrade(TradeEvent) {}
