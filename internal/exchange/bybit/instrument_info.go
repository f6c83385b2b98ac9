package bybit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StatusTrading is the instrument status that accepts orders
const StatusTrading = "Trading"

// InstrumentInfo represents the trading rules Bybit publishes for an instrument
type InstrumentInfo struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	BaseCoin    string `json:"baseCoin"`
	QuoteCoin   string `json:"quoteCoin"`
	PriceFilter struct {
		MinPrice string `json:"minPrice"`
		MaxPrice string `json:"maxPrice"`
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		MinNotionalValue string `json:"minNotionalValue"` // Derivatives
		MinOrderAmt      string `json:"minOrderAmt"`      // Spot
		MaxOrderQty      string `json:"maxOrderQty"`
		MaxMktOrderQty   string `json:"maxMktOrderQty"`
		MinOrderQty      string `json:"minOrderQty"`
		QtyStep          string `json:"qtyStep"`
		BasePrecision    string `json:"basePrecision"` // Spot quantity step
	} `json:"lotSizeFilter"`
}

// Rules is InstrumentInfo parsed into decimals. A zero field means the venue sets no limit.
type Rules struct {
	Symbol       string
	Trading      bool
	MinQty       decimal.Decimal
	MaxQty       decimal.Decimal
	MaxMarketQty decimal.Decimal
	QtyStep      decimal.Decimal
	MinNotional  decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
	TickSize     decimal.Decimal
}

// Rules parses the string filters
func (ii *InstrumentInfo) Rules() Rules {
	lot := ii.LotSizeFilter
	r := Rules{
		Symbol:       ii.Symbol,
		Trading:      ii.Status == "" || ii.Status == StatusTrading,
		MinQty:       parseDecimal(lot.MinOrderQty),
		MaxQty:       parseDecimal(lot.MaxOrderQty),
		MaxMarketQty: parseDecimal(lot.MaxMktOrderQty),
		QtyStep:      parseDecimal(lot.QtyStep),
		MinNotional:  parseDecimal(lot.MinNotionalValue),
		MinPrice:     parseDecimal(ii.PriceFilter.MinPrice),
		MaxPrice:     parseDecimal(ii.PriceFilter.MaxPrice),
		TickSize:     parseDecimal(ii.PriceFilter.TickSize),
	}
	if r.QtyStep.IsZero() {
		r.QtyStep = parseDecimal(lot.BasePrecision)
	}
	if r.MinNotional.IsZero() {
		r.MinNotional = parseDecimal(lot.MinOrderAmt)
	}
	return r
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseInstrumentInfoResponse parses the instrument info API response
func parseInstrumentInfoResponse(response interface{}, targetSymbol string) (*InstrumentInfo, error) {
	var instrumentResult struct {
		Category string           `json:"category"`
		List     []InstrumentInfo `json:"list"`
	}
	if err := decodeResult(response, &instrumentResult); err != nil {
		return nil, fmt.Errorf("failed to parse instrument info: %w", err)
	}

	for i := range instrumentResult.List {
		if instrumentResult.List[i].Symbol == targetSymbol {
			info := instrumentResult.List[i]
			return &info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, targetSymbol)
}

type cachedInstrument struct {
	info      *InstrumentInfo
	fetchedAt time.Time
}

// InstrumentManager caches instrument rules per symbol
type InstrumentManager struct {
	fetch          func(ctx context.Context, symbol string) (*InstrumentInfo, error)
	instruments    map[string]cachedInstrument
	mutex          sync.RWMutex
	updateInterval time.Duration
	now            func() time.Time
}

// NewInstrumentManager creates a cache in front of fetch
func NewInstrumentManager(fetch func(ctx context.Context, symbol string) (*InstrumentInfo, error), ttl time.Duration) *InstrumentManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &InstrumentManager{
		fetch:          fetch,
		instruments:    make(map[string]cachedInstrument),
		updateInterval: ttl,
		now:            time.Now,
	}
}

// GetInstrumentInfo retrieves and caches instrument information
func (im *InstrumentManager) GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	im.mutex.RLock()
	cached, exists := im.instruments[symbol]
	im.mutex.RUnlock()
	if exists && im.now().Sub(cached.fetchedAt) < im.updateInterval {
		return cached.info, nil
	}

	info, err := im.fetch(ctx, symbol)
	if err != nil {
		return nil, err
	}

	im.mutex.Lock()
	im.instruments[symbol] = cachedInstrument{info: info, fetchedAt: im.now()}
	im.mutex.Unlock()
	return info, nil
}

// RefreshInstruments clears the cache
func (im *InstrumentManager) RefreshInstruments() {
	im.mutex.Lock()
	defer im.mutex.Unlock()
	im.instruments = make(map[string]cachedInstrument)
}

// IsInstrumentCached checks if an instrument is cached
func (im *InstrumentManager) IsInstrumentCached(symbol string) bool {
	im.mutex.RLock()
	defer im.mutex.RUnlock()
	_, exists := im.instruments[symbol]
	return exists
}
