package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/trade-guard/internal/invariants"
	"github.com/ducminhle1904/trade-guard/internal/state"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// timestampWindow bounds how many fill timestamps are kept for the monotonic check
const timestampWindow = 64

// Position is one open position. Quantity is signed: negative means short.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// Notional returns |quantity x mark price|
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice).Abs()
}

// Snapshot is a read-only copy of the ledger at one instant
type Snapshot struct {
	StartingCash     decimal.Decimal `json:"starting_cash"`
	Cash             decimal.Decimal `json:"cash"`
	Equity           decimal.Decimal `json:"equity"`
	Positions        []Position      `json:"positions"` // Sorted by symbol
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	Day              string          `json:"day"`
	TakenAt          time.Time       `json:"taken_at"`
}

// Exposure returns the notional held in symbol
func (s Snapshot) Exposure(symbol string) decimal.Decimal {
	if p, ok := s.Position(symbol); ok {
		return p.Notional()
	}
	return decimal.Zero
}

// Position returns the open position in symbol
func (s Snapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// GrossExposure sums the notional of every position
func (s Snapshot) GrossExposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.Notional())
	}
	return total
}

// OpenPositions counts positions with a non-zero quantity
func (s Snapshot) OpenPositions() int {
	return len(s.Positions)
}

// HasPosition reports whether symbol has an open position
func (s Snapshot) HasPosition(symbol string) bool {
	_, ok := s.Position(symbol)
	return ok
}

// DailyLoss is the day's realized loss as a positive amount, zero when the day is up
func (s Snapshot) DailyLoss() decimal.Decimal {
	if s.RealizedPnLToday.IsNegative() {
		return s.RealizedPnLToday.Neg()
	}
	return decimal.Zero
}

type book struct {
	cash          decimal.Decimal
	positions     map[string]Position
	realizedToday decimal.Decimal
	day           string
	timestamps    []time.Time
}

func (b book) clone() book {
	next := b
	next.positions = make(map[string]Position, len(b.positions))
	for k, v := range b.positions {
		next.positions[k] = v
	}
	next.timestamps = append([]time.Time(nil), b.timestamps...)
	return next
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (b *book) roll(at time.Time) {
	if key := dayKey(at); key != b.day {
		b.day = key
		b.realizedToday = decimal.Zero
	}
}

// Ledger is the single-writer aggregate for cash, positions and the day's realized
// PnL. Every session sharing an account must share one Ledger.
type Ledger struct {
	mu           sync.Mutex
	startingCash decimal.Decimal
	book         book
	checker      *invariants.Checker
	now          func() time.Time
}

// NewLedger creates a ledger holding startingCash and no positions
func NewLedger(startingCash decimal.Decimal, checker *invariants.Checker) *Ledger {
	now := func() time.Time { return time.Now().UTC() }
	return &Ledger{
		startingCash: startingCash,
		book: book{
			cash:      startingCash,
			positions: make(map[string]Position),
			day:       dayKey(now()),
		},
		checker: checker,
		now:     now,
	}
}

// WithClock overrides the time source used for day boundaries
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	if l.book.realizedToday.IsZero() {
		l.book.day = dayKey(now())
	}
	return l
}

// ApplyFill books a filled result. The next state is built on a copy and committed
// only if the invariants hold; on violation the ledger is left untouched.
func (l *Ledger) ApplyFill(result types.OrderExecutionResult, at time.Time) error {
	if !result.IsFilled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(result, at)
}

// BookFill applies a filled result stamped with now. When now does not advance past
// the last booked fill, as with a fixed replay clock or a coarse wall clock, the stamp
// is moved to one nanosecond after it. It returns the stamp used.
func (l *Ledger) BookFill(result types.OrderExecutionResult, now time.Time) (time.Time, error) {
	if !result.IsFilled() {
		return now, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	at := now
	if n := len(l.book.timestamps); n > 0 {
		if last := l.book.timestamps[n-1]; !at.After(last) {
			at = last.Add(time.Nanosecond)
		}
	}
	return at, l.applyLocked(result, at)
}

func (l *Ledger) applyLocked(result types.OrderExecutionResult, at time.Time) error {
	next := l.book.clone()
	next.roll(at)

	qty := result.FilledQuantity
	if result.Side == types.SideSell {
		qty = qty.Neg()
	}
	price := result.FillPrice

	next.cash = next.cash.Sub(qty.Mul(price)).Sub(result.Fees)
	next.realizedToday = next.realizedToday.Sub(result.Fees)

	pos, ok := next.positions[result.Symbol]
	if !ok {
		pos = Position{Symbol: result.Symbol, Quantity: decimal.Zero, AvgPrice: decimal.Zero}
	}
	newQty := pos.Quantity.Add(qty)

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == qty.Sign():
		// Opening or adding: weighted average entry
		cost := pos.Quantity.Abs().Mul(pos.AvgPrice).Add(qty.Abs().Mul(price))
		pos.AvgPrice = cost.Div(newQty.Abs())
	default:
		closed := decimal.Min(qty.Abs(), pos.Quantity.Abs())
		pnl := price.Sub(pos.AvgPrice).Mul(closed)
		if pos.Quantity.IsNegative() {
			pnl = pnl.Neg()
		}
		next.realizedToday = next.realizedToday.Add(pnl)
		if !newQty.IsZero() && newQty.Sign() != pos.Quantity.Sign() {
			pos.AvgPrice = price
		}
	}
	pos.Quantity = newQty
	pos.MarkPrice = price

	if newQty.IsZero() {
		delete(next.positions, result.Symbol)
	} else {
		next.positions[result.Symbol] = pos
	}

	next.timestamps = append(next.timestamps, at)
	if len(next.timestamps) > timestampWindow {
		next.timestamps = next.timestamps[len(next.timestamps)-timestampWindow:]
	}

	if err := l.checker.CheckAt(invariants.PointStep, invariantState(next)); err != nil {
		return err
	}
	l.book = next
	return nil
}

// RecordRealizedPnL injects realized PnL reported by the external run registry
func (l *Ledger) RecordRealizedPnL(amount decimal.Decimal, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.book.roll(at)
	l.book.realizedToday = l.book.realizedToday.Add(amount)
}

// MarkToMarket refreshes position marks from prices; symbols without a price keep their mark
func (l *Ledger) MarkToMarket(prices types.PriceSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for symbol, pos := range l.book.positions {
		if price, ok := prices.ReferencePrice(symbol); ok {
			pos.MarkPrice = price
			l.book.positions[symbol] = pos
		}
	}
}

// Snapshot returns a copy of the current state. A stale day reports zero realized PnL.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snap := Snapshot{
		StartingCash:     l.startingCash,
		Cash:             l.book.cash,
		RealizedPnLToday: l.book.realizedToday,
		Day:              l.book.day,
		TakenAt:          now,
	}
	if today := dayKey(now); today != l.book.day {
		snap.Day = today
		snap.RealizedPnLToday = decimal.Zero
	}

	snap.Positions = sortedPositions(l.book.positions)
	snap.Equity = equity(l.book)
	return snap
}

// InvariantState returns the state the invariant checker sees
func (l *Ledger) InvariantState() invariants.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return invariantState(l.book)
}

// CheckInvariants runs the checker at point against the committed state
func (l *Ledger) CheckInvariants(point invariants.Point) error {
	return l.checker.CheckAt(point, l.InvariantState())
}

func sortedPositions(m map[string]Position) []Position {
	out := make([]Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func equity(b book) decimal.Decimal {
	total := b.cash
	for _, p := range b.positions {
		total = total.Add(p.Quantity.Mul(p.MarkPrice))
	}
	return total
}

func invariantState(b book) invariants.State {
	positions := sortedPositions(b.positions)
	ptrs := make([]*invariants.Position, len(positions))
	for i, p := range positions {
		ptrs[i] = &invariants.Position{Symbol: p.Symbol, Quantity: p.Quantity, MarkPrice: p.MarkPrice}
	}
	return invariants.State{
		Equity:     equity(b),
		Cash:       b.cash,
		Positions:  ptrs,
		Timestamps: append([]time.Time(nil), b.timestamps...),
	}
}

type ledgerFile struct {
	StartingCash     decimal.Decimal `json:"starting_cash"`
	Cash             decimal.Decimal `json:"cash"`
	Positions        []Position      `json:"positions"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	Day              string          `json:"day"`
	LastFillAt       *time.Time      `json:"last_fill_at,omitempty"`
	SavedAt          time.Time       `json:"saved_at"`
}

// SaveSnapshot persists the ledger atomically, keeping a backup of the previous file
func (l *Ledger) SaveSnapshot(path string) error {
	l.mu.Lock()
	file := ledgerFile{
		StartingCash:     l.startingCash,
		Cash:             l.book.cash,
		Positions:        sortedPositions(l.book.positions),
		RealizedPnLToday: l.book.realizedToday,
		Day:              l.book.day,
		SavedAt:          l.now(),
	}
	if n := len(l.book.timestamps); n > 0 {
		last := l.book.timestamps[n-1]
		file.LastFillAt = &last
	}
	l.mu.Unlock()

	if err := state.BackupFile(path); err != nil {
		return fmt.Errorf("failed to back up ledger snapshot: %w", err)
	}
	return state.WriteJSONAtomic(path, file)
}

// LoadLedger restores a ledger saved with SaveSnapshot. found is false when path does not exist.
func LoadLedger(path string, checker *invariants.Checker) (ledger *Ledger, found bool, err error) {
	var file ledgerFile
	found, err = state.ReadJSON(path, &file)
	if err != nil || !found {
		return nil, found, err
	}

	l := NewLedger(file.StartingCash, checker)
	l.book.cash = file.Cash
	l.book.realizedToday = file.RealizedPnLToday
	l.book.day = file.Day
	for _, p := range file.Positions {
		if _, dup := l.book.positions[p.Symbol]; dup {
			return nil, true, fmt.Errorf("ledger snapshot %s lists %s twice", path, p.Symbol)
		}
		l.book.positions[p.Symbol] = p
	}
	if file.LastFillAt != nil {
		l.book.timestamps = []time.Time{*file.LastFillAt}
	}
	if checker != nil {
		if err := checker.CheckAll(invariantState(l.book)); err != nil {
			return nil, true, fmt.Errorf("ledger snapshot %s is inconsistent: %w", path, err)
		}
	}
	return l, true, nil
}
