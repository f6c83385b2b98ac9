package bybit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// Rejection codes returned in types.VenueValidation.Code
const (
	CodeSymbolNotFound       = "symbol_not_found"
	CodeInstrumentNotTrading = "instrument_not_trading"
	CodeQtyBelowMinimum      = "qty_below_minimum"
	CodeQtyAboveMaximum      = "qty_above_maximum"
	CodeQtyStepMismatch      = "qty_step_mismatch"
	CodePriceOutOfRange      = "price_out_of_range"
	CodePriceTickMismatch    = "price_tick_mismatch"
	CodeNotionalBelowMinimum = "notional_below_minimum"
)

// MarketData is the read-only venue surface the validator needs
type MarketData interface {
	FetchInstrument(ctx context.Context, symbol string) (*InstrumentInfo, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ValidateOnlyOptions tunes caching and retries
type ValidateOnlyOptions struct {
	InstrumentTTL time.Duration
	Retry         RetryConfig
}

// ValidateOnlyClient checks orders against the venue's published trading rules and
// current price. It never submits anything.
type ValidateOnlyClient struct {
	market      MarketData
	instruments *InstrumentManager
	retry       RetryConfig
	log         *zap.Logger
}

// NewValidateOnlyClient wraps market with an instrument cache and retries
func NewValidateOnlyClient(market MarketData, opts ValidateOnlyOptions, log *zap.Logger) *ValidateOnlyClient {
	v := &ValidateOnlyClient{
		market: market,
		retry:  opts.Retry,
		log:    logger.OrNop(log).With(zap.String("component", "bybit_validator")),
	}
	v.instruments = NewInstrumentManager(v.fetchInstrument, opts.InstrumentTTL)
	return v
}

// NewTestnetValidator builds a validator backed by the Bybit testnet or demo API
func NewTestnetValidator(cfg Config, opts ValidateOnlyOptions, log *zap.Logger) (*ValidateOnlyClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewValidateOnlyClient(client, opts, log), nil
}

// Name identifies the venue in results and metrics
func (v *ValidateOnlyClient) Name() string {
	return "bybit"
}

func (v *ValidateOnlyClient) fetchInstrument(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	var info *InstrumentInfo
	err := Retry(ctx, v.retry, "fetch instrument "+symbol, func(ctx context.Context) error {
		var err error
		info, err = v.market.FetchInstrument(ctx, symbol)
		return err
	})
	return info, err
}

func (v *ValidateOnlyClient) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := Retry(ctx, v.retry, "fetch ticker "+symbol, func(ctx context.Context) error {
		var err error
		price, err = v.market.LastPrice(ctx, symbol)
		return err
	})
	return price, err
}

// ValidateOrder checks order against the venue rules. A rule breach is a rejected
// validation with a nil error; the error return is reserved for venue failures.
func (v *ValidateOnlyClient) ValidateOrder(ctx context.Context, order types.Order) (types.VenueValidation, error) {
	info, err := v.instruments.GetInstrumentInfo(ctx, order.Symbol)
	if errors.Is(err, ErrInstrumentNotFound) {
		return reject(CodeSymbolNotFound, "venue does not list %s", order.Symbol), nil
	}
	if err != nil {
		return types.VenueValidation{}, err
	}
	rules := info.Rules()

	var price decimal.Decimal
	if order.Type == types.OrderTypeLimit && order.LimitPrice.Valid {
		price = order.LimitPrice.Decimal
	} else {
		price, err = v.lastPrice(ctx, order.Symbol)
		if err != nil {
			return types.VenueValidation{}, err
		}
	}

	result := CheckRules(rules, order, price)
	if !result.Accepted {
		v.log.Info("venue rejected order",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("symbol", order.Symbol),
			zap.String("reason", result.Code))
	}
	return result, nil
}

// CheckRules applies the instrument rules to an order valued at price
func CheckRules(rules Rules, order types.Order, price decimal.Decimal) types.VenueValidation {
	qty := order.Quantity

	if !rules.Trading {
		return reject(CodeInstrumentNotTrading, "%s is not trading", rules.Symbol)
	}
	if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		return reject(CodeQtyBelowMinimum, "quantity %s is below minimum %s", qty, rules.MinQty)
	}
	maxQty := rules.MaxQty
	if order.Type == types.OrderTypeMarket && rules.MaxMarketQty.IsPositive() {
		maxQty = rules.MaxMarketQty
	}
	if maxQty.IsPositive() && qty.GreaterThan(maxQty) {
		return reject(CodeQtyAboveMaximum, "quantity %s is above maximum %s", qty, maxQty)
	}
	if rules.QtyStep.IsPositive() && !qty.Mod(rules.QtyStep).IsZero() {
		return reject(CodeQtyStepMismatch, "quantity %s is not aligned with step size %s", qty, rules.QtyStep)
	}

	if order.Type == types.OrderTypeLimit {
		if rules.MinPrice.IsPositive() && price.LessThan(rules.MinPrice) ||
			rules.MaxPrice.IsPositive() && price.GreaterThan(rules.MaxPrice) {
			return reject(CodePriceOutOfRange, "price %s outside [%s, %s]", price, rules.MinPrice, rules.MaxPrice)
		}
		if rules.TickSize.IsPositive() && !price.Mod(rules.TickSize).IsZero() {
			return reject(CodePriceTickMismatch, "price %s is not aligned with tick size %s", price, rules.TickSize)
		}
	}

	notional := qty.Mul(price)
	if rules.MinNotional.IsPositive() && notional.LessThan(rules.MinNotional) {
		return reject(CodeNotionalBelowMinimum, "notional %s is below minimum %s", notional, rules.MinNotional)
	}

	return types.VenueValidation{Accepted: true, ReferencePrice: price}
}

func reject(code, format string, args ...interface{}) types.VenueValidation {
	return types.VenueValidation{Code: code, Reason: fmt.Sprintf(format, args...), ReferencePrice: decimal.Zero}
}
