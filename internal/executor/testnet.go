package executor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// ErrValidateOnlyRequired is returned when a testnet executor is built without validate-only
var ErrValidateOnlyRequired = errors.New("testnet executor requires validate_only=true")

// MetaVenue names the venue that validated a testnet order
const MetaVenue = "venue"

// ValidationClient checks an order against a venue without placing it
type ValidationClient interface {
	ValidateOrder(ctx context.Context, order types.Order) (types.VenueValidation, error)
	Name() string
}

// TestnetOptions configures the testnet dry-run executor
type TestnetOptions struct {
	ValidateOnly bool                        `yaml:"validate_only"`
	Breaker      safety.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TestnetExecutor asks a venue to validate orders. It cannot place them.
type TestnetExecutor struct {
	client  ValidationClient
	breaker *safety.CircuitBreaker
	log     *zap.Logger
}

// NewTestnetExecutor creates a validate-only testnet executor
func NewTestnetExecutor(client ValidationClient, opts TestnetOptions, log *zap.Logger) (*TestnetExecutor, error) {
	if !opts.ValidateOnly {
		return nil, ErrValidateOnlyRequired
	}
	if client == nil {
		return nil, errors.New("testnet executor requires a validation client")
	}
	log = logger.OrNop(log).With(zap.String("component", "testnet_executor"), zap.String("venue", client.Name()))
	breaker := safety.NewCircuitBreaker(client.Name()+"_validate", opts.Breaker)
	breaker.SetStateChangeCallback(func(from, to safety.CircuitBreakerState) {
		log.Warn("venue circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	return &TestnetExecutor{client: client, breaker: breaker, log: log}, nil
}

// Kind implements Executor
func (t *TestnetExecutor) Kind() Kind { return KindTestnet }

func (t *TestnetExecutor) sealed() {}

// Breaker exposes the venue circuit breaker for status reporting
func (t *TestnetExecutor) Breaker() *safety.CircuitBreaker { return t.breaker }

// ExecuteOrder implements Executor
func (t *TestnetExecutor) ExecuteOrder(ctx context.Context, order types.Order) (types.OrderExecutionResult, error) {
	var verdict types.VenueValidation
	err := t.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		verdict, err = t.client.ValidateOrder(ctx, order)
		return err
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.OrderExecutionResult{}, ctxErr
		}
		code := CodeVenueUnavailable
		if errors.Is(err, safety.ErrCircuitOpen) {
			code = CodeVenueCircuitOpen
		}
		t.log.Warn("venue validation failed",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("symbol", order.Symbol),
			zap.String("reason", code),
			zap.Error(err))
		res := types.NewRejectedResult(order, types.ModeTestnetDryRun, code, err.Error())
		return withMeta(res, types.MetaExecutor, string(KindTestnet), MetaVenue, t.client.Name()), nil
	}

	if !verdict.Accepted {
		res := types.NewRejectedResult(order, types.ModeTestnetDryRun, verdict.Code, verdict.Reason)
		return withMeta(res, types.MetaExecutor, string(KindTestnet), MetaVenue, t.client.Name()), nil
	}

	return types.OrderExecutionResult{
		ClientOrderID:  order.ClientOrderID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Status:         types.StatusValidated,
		FillPrice:      verdict.ReferencePrice,
		FilledQuantity: decimal.Zero,
		Fees:           decimal.Zero,
		Metadata: map[string]string{
			types.MetaMode:     types.ModeTestnetDryRun,
			types.MetaExecutor: string(KindTestnet),
			MetaVenue:          t.client.Name(),
		},
	}, nil
}
