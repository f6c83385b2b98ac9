package executor

import (
	"context"
	"sync"
	"time"

	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// ShadowRecord is one entry of the shadow order log
type ShadowRecord struct {
	RecordedAt time.Time                  `json:"recorded_at"`
	Order      types.Order                `json:"order"`
	Result     types.OrderExecutionResult `json:"result"`
}

// ShadowExecutor simulates like PaperExecutor and keeps an append-only log of every
// order it saw, for side-by-side review against a live signal stream.
type ShadowExecutor struct {
	paper *PaperExecutor
	mu    sync.Mutex
	log   []ShadowRecord
	now   func() time.Time
}

// NewShadowExecutor creates a shadow executor
func NewShadowExecutor(prices types.PriceSource, model FillModel) *ShadowExecutor {
	return &ShadowExecutor{
		paper: NewPaperExecutor(prices, model),
		now:   time.Now,
	}
}

// WithClock overrides the clock used to stamp log records
func (s *ShadowExecutor) WithClock(now func() time.Time) *ShadowExecutor {
	s.now = now
	return s
}

// Kind implements Executor
func (s *ShadowExecutor) Kind() Kind { return KindShadow }

func (s *ShadowExecutor) sealed() {}

// ExecuteOrder implements Executor
func (s *ShadowExecutor) ExecuteOrder(ctx context.Context, order types.Order) (types.OrderExecutionResult, error) {
	res, err := s.paper.simulate(ctx, order, types.ModeShadowRun, string(KindShadow))
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	s.log = append(s.log, ShadowRecord{RecordedAt: s.now().UTC(), Order: order, Result: res})
	s.mu.Unlock()
	return res, nil
}

// Log returns a copy of the shadow order log
func (s *ShadowExecutor) Log() []ShadowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ShadowRecord, len(s.log))
	copy(out, s.log)
	return out
}

// Len returns the number of logged orders
func (s *ShadowExecutor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}
