package invariants

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
)

// CheckMode controls how often invariants are evaluated
type CheckMode string

const (
	ModeAlways   CheckMode = "always"    // after every state-mutating step
	ModeStartEnd CheckMode = "start_end" // only at run boundaries
	ModeNever    CheckMode = "never"
)

// ParseCheckMode converts a configuration string, defaulting to start_end
func ParseCheckMode(s string) (CheckMode, error) {
	switch CheckMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStartEnd:
		return ModeStartEnd, nil
	case ModeAlways:
		return ModeAlways, nil
	case ModeNever:
		return ModeNever, nil
	default:
		return "", fmt.Errorf("unknown invariant check mode %q", s)
	}
}

// Point is where in a run a check is requested
type Point string

const (
	PointStart Point = "start"
	PointStep  Point = "step"
	PointEnd   Point = "end"
)

// Built-in invariant names
const (
	EquityNonNegative   = "equity_non_negative"
	PositionsNotNull    = "positions_not_null"
	PositionsUnique     = "positions_unique"
	TimestampsMonotonic = "timestamps_monotonic"
	CashNonNegative     = "cash_non_negative"
	LeverageWithinLimit = "leverage_within_limit"
)

// Position is one open position as seen by the checker
type Position struct {
	Symbol    string
	Quantity  decimal.Decimal
	MarkPrice decimal.Decimal
}

// Notional returns |quantity x mark price|
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice).Abs()
}

// State is the simulation or execution state the invariants are evaluated against
type State struct {
	Equity     decimal.Decimal
	Cash       decimal.Decimal
	Positions  []*Position
	Timestamps []time.Time
}

// GrossNotional sums position notionals, skipping nil entries
func (s State) GrossNotional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		if p != nil {
			total = total.Add(p.Notional())
		}
	}
	return total
}

// Invariant is a named predicate plus the text shown when it fails
type Invariant struct {
	Name    string
	Check   func(State) bool
	Message string
	Hint    string
}

// ViolationError is raised on the first failing invariant
type ViolationError struct {
	Name    string
	Message string
	Hint    string
	Context map[string]string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s (hint: %s)", e.Name, e.Message, e.Hint)
}

// Category implements errors.Categorized
func (e *ViolationError) Category() guarderrors.ErrorCategory {
	return guarderrors.ErrorCategoryInvariant
}

// Config configures a Checker
type Config struct {
	Mode        CheckMode `yaml:"mode"`
	MaxLeverage float64   `yaml:"max_leverage"` // Aggregate notional limit as a multiple of equity, default 1
}

// Checker holds the registered invariants. It carries no state besides the registry.
type Checker struct {
	mu          sync.RWMutex
	mode        CheckMode
	maxLeverage decimal.Decimal
	invariants  []Invariant
}

// NewChecker creates a checker with the built-in invariants registered
func NewChecker(cfg Config) *Checker {
	if cfg.Mode == "" {
		cfg.Mode = ModeStartEnd
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = 1
	}
	c := &Checker{
		mode:        cfg.Mode,
		maxLeverage: decimal.NewFromFloat(cfg.MaxLeverage),
	}
	c.invariants = c.builtins()
	return c
}

func (c *Checker) builtins() []Invariant {
	return []Invariant{
		{
			Name:    EquityNonNegative,
			Check:   func(s State) bool { return !s.Equity.IsNegative() },
			Message: "equity is negative",
			Hint:    "check fill prices, fees and realized PnL bookkeeping",
		},
		{
			Name: PositionsNotNull,
			Check: func(s State) bool {
				for _, p := range s.Positions {
					if p == nil {
						return false
					}
				}
				return true
			},
			Message: "position list contains a nil entry",
			Hint:    "positions must be removed, not nilled, when closed",
		},
		{
			Name: PositionsUnique,
			Check: func(s State) bool {
				seen := make(map[string]struct{}, len(s.Positions))
				for _, p := range s.Positions {
					if p == nil {
						continue
					}
					if _, dup := seen[p.Symbol]; dup {
						return false
					}
					seen[p.Symbol] = struct{}{}
				}
				return true
			},
			Message: "position list contains a duplicate symbol",
			Hint:    "fills for an existing symbol must update the existing position",
		},
		{
			Name: TimestampsMonotonic,
			Check: func(s State) bool {
				for i := 1; i < len(s.Timestamps); i++ {
					if !s.Timestamps[i].After(s.Timestamps[i-1]) {
						return false
					}
				}
				return true
			},
			Message: "timestamps are not strictly increasing",
			Hint:    "replay input out of order or a clock moved backwards",
		},
		{
			Name:    CashNonNegative,
			Check:   func(s State) bool { return !s.Cash.IsNegative() },
			Message: "cash balance is negative",
			Hint:    "an order was filled without enough cash; tighten risk limits",
		},
		{
			Name: LeverageWithinLimit,
			Check: func(s State) bool {
				return s.GrossNotional().LessThanOrEqual(s.Equity.Mul(c.maxLeverage))
			},
			Message: fmt.Sprintf("aggregate position notional exceeds %s x equity", c.maxLeverage),
			Hint:    "reduce exposure or raise max_leverage deliberately",
		},
	}
}

// Mode returns the configured check mode
func (c *Checker) Mode() CheckMode {
	return c.mode
}

// Register adds a custom invariant. Names must be unique.
func (c *Checker) Register(inv Invariant) error {
	if inv.Name == "" || inv.Check == nil {
		return fmt.Errorf("invariant needs a name and a check function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.invariants {
		if existing.Name == inv.Name {
			return fmt.Errorf("invariant %s already registered", inv.Name)
		}
	}
	c.invariants = append(c.invariants, inv)
	return nil
}

// Remove unregisters an invariant by name, built-in or custom
func (c *Checker) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, inv := range c.invariants {
		if inv.Name == name {
			c.invariants = append(c.invariants[:i:i], c.invariants[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists registered invariants in evaluation order
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.invariants))
	for i, inv := range c.invariants {
		names[i] = inv.Name
	}
	return names
}

// CheckAll evaluates every invariant and stops at the first failure
func (c *Checker) CheckAll(s State) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inv := range c.invariants {
		if !inv.Check(s) {
			return &ViolationError{
				Name:    inv.Name,
				Message: inv.Message,
				Hint:    inv.Hint,
				Context: snapshot(s),
			}
		}
	}
	return nil
}

// ShouldCheck reports whether the mode requires a check at point
func (c *Checker) ShouldCheck(point Point) bool {
	switch c.mode {
	case ModeAlways:
		return true
	case ModeStartEnd:
		return point == PointStart || point == PointEnd
	default:
		return false
	}
}

// CheckAt runs CheckAll when the mode requires a check at point
func (c *Checker) CheckAt(point Point, s State) error {
	if c == nil || !c.ShouldCheck(point) {
		return nil
	}
	return c.CheckAll(s)
}

func snapshot(s State) map[string]string {
	ctx := map[string]string{
		"equity":         s.Equity.String(),
		"cash":           s.Cash.String(),
		"positions":      fmt.Sprintf("%d", len(s.Positions)),
		"gross_notional": s.GrossNotional().String(),
	}
	if n := len(s.Timestamps); n > 0 {
		ctx["last_timestamp"] = s.Timestamps[n-1].UTC().Format(time.RFC3339Nano)
	}
	return ctx
}
