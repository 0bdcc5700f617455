package service

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the last observed price of a trading pair.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// priceBook keeps the latest quote per trading pair.
type priceBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func newPriceBook() *priceBook {
	return &priceBook{quotes: make(map[string]Quote)}
}

func (b *priceBook) record(pair string, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.quotes[pair]; ok && at.Before(prev.At) {
		return
	}
	b.quotes[pair] = Quote{Price: price, At: at}
}

func (b *priceBook) get(pair string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[pair]
	return q, ok
}

func (b *priceBook) snapshot() map[string]Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Quote, len(b.quotes))
	for pair, q := range b.quotes {
		out[pair] = q
	}
	return out
}
