package executor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// PaperExecutor fills orders against a reference price with no external effect.
// Identical inputs produce identical results.
type PaperExecutor struct {
	prices types.PriceSource
	model  FillModel
}

// NewPaperExecutor creates a paper executor
func NewPaperExecutor(prices types.PriceSource, model FillModel) *PaperExecutor {
	return &PaperExecutor{prices: prices, model: model}
}

// Kind implements Executor
func (p *PaperExecutor) Kind() Kind { return KindPaper }

func (p *PaperExecutor) sealed() {}

// ExecuteOrder implements Executor
func (p *PaperExecutor) ExecuteOrder(ctx context.Context, order types.Order) (types.OrderExecutionResult, error) {
	return p.simulate(ctx, order, types.ModePaper, string(KindPaper))
}

func (p *PaperExecutor) simulate(ctx context.Context, order types.Order, mode, executor string) (types.OrderExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderExecutionResult{}, err
	}

	ref, ok := p.reference(order.Symbol)
	if !ok {
		res := types.NewRejectedResult(order, mode, CodeNoReferencePrice,
			fmt.Sprintf("no reference price for %s", order.Symbol))
		return withMeta(res, types.MetaExecutor, executor), nil
	}

	fill, code := p.model.Price(order, ref)
	if code != "" {
		res := types.NewRejectedResult(order, mode, code,
			fmt.Sprintf("limit %s not marketable at %s", order.LimitPrice.Decimal, ref))
		return withMeta(res, types.MetaExecutor, executor), nil
	}

	return types.OrderExecutionResult{
		ClientOrderID:  order.ClientOrderID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Status:         types.StatusFilled,
		FillPrice:      fill.Price,
		FilledQuantity: order.Quantity,
		Fees:           fill.Fees,
		Metadata: map[string]string{
			types.MetaMode:     mode,
			types.MetaExecutor: executor,
		},
	}, nil
}

func (p *PaperExecutor) reference(symbol string) (decimal.Decimal, bool) {
	if p.prices == nil {
		return decimal.Zero, false
	}
	ref, ok := p.prices.ReferencePrice(symbol)
	if !ok || !ref.IsPositive() {
		return decimal.Zero, false
	}
	return ref, true
}
