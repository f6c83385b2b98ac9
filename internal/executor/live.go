package executor

import (
	"context"

	"github.com/ducminhle1904/trade-guard/internal/environment"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// LiveExecutor is the placeholder for real order placement. Every call is refused.
type LiveExecutor struct{}

// NewLiveExecutor creates the live executor
func NewLiveExecutor() *LiveExecutor { return &LiveExecutor{} }

// Kind implements Executor
func (l *LiveExecutor) Kind() Kind { return KindLive }

func (l *LiveExecutor) sealed() {}

// ExecuteOrder always returns safety.ErrLiveNotImplemented with a blocked result
func (l *LiveExecutor) ExecuteOrder(_ context.Context, order types.Order) (types.OrderExecutionResult, error) {
	err := &safety.BlockedError{
		Kind:   safety.ErrLiveNotImplemented,
		Reason: "live order placement is not available in this build",
		Mode:   environment.EffectiveLive,
	}
	res := types.NewBlockedResult(order, types.ModeLive, err.Code(), err.Error())
	return withMeta(res, types.MetaExecutor, string(KindLive)), err
}
