// Package rates polls a quote provider and exposes the latest prices as an
// immutable snapshot. Consumers get the snapshot by value; the settlement
// path never reads it.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

var coins = map[string]string{
	"bitcoin":  "BTC",
	"ethereum": "ETH",
	"tether":   "USDT",
	"usd-coin": "USDC",
}

// Snapshot is one read-only view of the market quotes.
type Snapshot struct {
	Quotes    map[string]float64 `json:"quotes"` // symbol -> USD price
	FetchedAt time.Time          `json:"fetched_at"`
}

// Service refreshes the snapshot periodically.
type Service struct {
	providerURL string
	refresh     time.Duration
	client      *http.Client
	log         *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewService creates a poller against the given provider URL.
func NewService(providerURL string, refresh time.Duration, log *zap.Logger) *Service {
	return &Service{
		providerURL: providerURL,
		refresh:     refresh,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

// Current returns the latest snapshot. The zero snapshot (no quotes) means
// no fetch has succeeded yet.
func (s *Service) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start refreshes the snapshot until ctx is done. A failed fetch keeps the
// previous snapshot.
func (s *Service) Start(ctx context.Context) {
	s.poll(ctx)
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Service) poll(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		s.log.Warn("rate fetch failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context) (Snapshot, error) {
	ids := ""
	for id := range coins {
		if ids != "" {
			ids += ","
		}
		ids += id
	}
	q := url.Values{}
	q.Set("ids", ids)
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.providerURL+"?"+q.Encode(), nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("rate provider returned %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Quotes: make(map[string]float64, len(coins)), FetchedAt: time.Now().UTC()}
	for id, symbol := range coins {
		if quote, ok := payload[id]; ok {
			snap.Quotes[symbol] = quote.USD
		}
	}
	return snap, nil
}
