package types

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceSource supplies the reference price used to value and simulate orders
type PriceSource interface {
	ReferencePrice(symbol string) (decimal.Decimal, bool)
}

// StaticPrices is a concurrency-safe symbol -> price map
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPrices creates a price map seeded with the given prices
func NewStaticPrices(seed map[string]decimal.Decimal) *StaticPrices {
	p := &StaticPrices{prices: make(map[string]decimal.Decimal, len(seed))}
	for symbol, price := range seed {
		p.prices[normalize(symbol)] = price
	}
	return p
}

// Set updates the reference price for a symbol
func (p *StaticPrices) Set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[normalize(symbol)] = price
}

// ReferencePrice implements PriceSource
func (p *StaticPrices) ReferencePrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[normalize(symbol)]
	if !ok || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
