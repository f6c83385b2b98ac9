package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ducminhle1904/trade-guard/internal/environment"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// Kind names an executor variant
type Kind string

const (
	KindPaper   Kind = "paper"
	KindShadow  Kind = "shadow"
	KindTestnet Kind = "testnet"
	KindLive    Kind = "live"
)

// Reason codes written to rejected results
const (
	CodeNoReferencePrice   = "no_reference_price"
	CodeLimitNotMarketable = "limit_not_marketable"
	CodeVenueUnavailable   = "venue_unavailable"
	CodeVenueCircuitOpen   = "venue_circuit_open"
)

// ErrNoRoute is returned by ForMode for modes that must never reach an executor
var ErrNoRoute = errors.New("no executor for effective mode")

// Executor turns one order into one result. The set of implementations is closed:
// PaperExecutor, ShadowExecutor, TestnetExecutor and LiveExecutor.
//
// A returned error means the order could not be evaluated at all (context expiry,
// refused live execution); business outcomes are reported through the result status.
type Executor interface {
	ExecuteOrder(ctx context.Context, order types.Order) (types.OrderExecutionResult, error)
	Kind() Kind
	sealed()
}

// Set holds the configured variants. Unused variants may be nil.
type Set struct {
	Paper   *PaperExecutor
	Shadow  *ShadowExecutor
	Testnet *TestnetExecutor
	Live    *LiveExecutor
}

// ForMode picks the executor for an effective mode
func ForMode(effective environment.EffectiveMode, set Set) (Executor, error) {
	// Typed nil pointers must not escape as non-nil interfaces.
	var missing bool
	var ex Executor
	switch effective {
	case environment.EffectivePaper:
		ex, missing = set.Paper, set.Paper == nil
	case environment.EffectiveShadow:
		ex, missing = set.Shadow, set.Shadow == nil
	case environment.EffectiveTestnetDryRun:
		ex, missing = set.Testnet, set.Testnet == nil
	case environment.EffectiveLive:
		ex, missing = set.Live, set.Live == nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, effective)
	}
	if missing {
		return nil, fmt.Errorf("%w: %s executor not configured", ErrNoRoute, effective)
	}
	return ex, nil
}

func withMeta(res types.OrderExecutionResult, kv ...string) types.OrderExecutionResult {
	if res.Metadata == nil {
		res.Metadata = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		res.Metadata[kv[i]] = kv[i+1]
	}
	return res
}
