// Package types defines the venue-agnostic data model shared by every
// component of the market-making engine: exchange snapshots, order and trade
// records, the quote decision produced each tick, and the engine's own
// runtime state. All monetary and quantity fields use decimal.Decimal to
// avoid floating-point drift across repeated place/cancel/requote cycles.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus mirrors the venue's lifecycle state for a resting order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// EngineMode is the Strategy Engine's state machine state.
type EngineMode string

const (
	ModeIdle    EngineMode = "idle"
	ModeRunning EngineMode = "running"
	ModeHalted  EngineMode = "halted"
)

// InventorySideMode records which side, if any, is currently suppressed by
// the inventory hysteresis (§4.6).
type InventorySideMode string

const (
	SideModeNone     InventorySideMode = "none"
	SideModeOnlyBuy  InventorySideMode = "only_buy"
	SideModeOnlySell InventorySideMode = "only_sell"
)

// MarketSnapshot is the venue's top-of-book and liquidity-signal read for a
// symbol at a point in time. DepthScore and TradeIntensity are venue-
// normalized scalars in [0.2, 3.5] that feed the Adaptive Controller.
type MarketSnapshot struct {
	Symbol         string
	BestBid        decimal.Decimal
	BestAsk        decimal.Decimal
	Mid            decimal.Decimal
	DepthScore     float64
	TradeIntensity float64
	Timestamp      time.Time
}

// Valid reports whether bid <= mid <= ask, when all three are positive.
func (m MarketSnapshot) Valid() bool {
	if m.BestBid.IsPositive() && m.Mid.IsPositive() && m.BestAsk.IsPositive() {
		return m.BestBid.LessThanOrEqual(m.Mid) && m.Mid.LessThanOrEqual(m.BestAsk)
	}
	return true
}

// AccountFunds is the venue's margin-account balance read. Source traces
// which venue fields were combined to derive Equity, for audit when a venue
// only reports a subset of {equity, free, used} directly.
type AccountFunds struct {
	Equity decimal.Decimal
	Free   decimal.Decimal
	Used   decimal.Decimal
	Source string
}

// PositionSnapshot is the venue's current signed position for a symbol.
// BasePosition is positive for long, negative for short.
type PositionSnapshot struct {
	Symbol       string
	BasePosition decimal.Decimal
	Notional     decimal.Decimal
}

// OrderSnapshot is a resting or just-submitted order as reported by the
// venue.
type OrderSnapshot struct {
	OrderID   string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

// Valid reports the minimal structural invariants §3 requires of any
// OrderSnapshot before it may be reconciled against.
func (o OrderSnapshot) Valid() bool {
	return o.OrderID != "" && o.Side.Valid() && o.Price.IsPositive() && o.Size.IsPositive()
}

// TradeSnapshot is an executed fill. Fee is signed: negative is a maker
// rebate, positive is a cost.
type TradeSnapshot struct {
	TradeID   string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	CreatedAt time.Time
}

// QuoteDecision is the AS model's output for one tick: the two-sided quote
// the reconciler should drive the live book toward.
type QuoteDecision struct {
	BidPrice          decimal.Decimal
	AskPrice          decimal.Decimal
	QuoteSizeBase     decimal.Decimal
	QuoteSizeNotional decimal.Decimal
	SpreadBps         decimal.Decimal
	Gamma             float64
	ReservationPrice  decimal.Decimal
}

// Valid checks the invariants spec §3/§8 require of any produced decision.
func (q QuoteDecision) Valid(minSpreadBps, maxSpreadBps decimal.Decimal) bool {
	if !q.BidPrice.LessThan(q.AskPrice) {
		return false
	}
	if !q.BidPrice.IsPositive() || !q.AskPrice.IsPositive() {
		return false
	}
	return q.SpreadBps.GreaterThanOrEqual(minSpreadBps) && q.SpreadBps.LessThanOrEqual(maxSpreadBps)
}

// InstrumentConstraints are the venue's order-submission quantization rules
// for a symbol. Fetched lazily and cached for the adapter's lifetime;
// absence is a fatal per-order error, never a silent default.
type InstrumentConstraints struct {
	Symbol       string
	MinSize      decimal.Decimal
	SizeStep     decimal.Decimal
	TickSize     decimal.Decimal
	BaseDecimals int32
}

// EngineState is the Strategy Engine's single-writer mutable state, owned
// exclusively by the loop task between start and stop/halt.
type EngineState struct {
	Mode                EngineMode
	KillReason          string
	LastError           string
	ExchangeConnected   bool
	ConsecutiveFailures int
	InitialEquity       *decimal.Decimal
	DayStartEquity      *decimal.Decimal
	EquityDay           string // YYYY-MM-DD, UTC
	PeakEquity          *decimal.Decimal
	InventorySideMode   InventorySideMode
	LastHeartbeatAt     *time.Time
	EngineStartedAt     *time.Time
}

// NormalizeSymbol applies the venue-boundary symbol rules from §6: uppercase
// base/quote, canonicalize a trailing -PERP/_PERP/_Perp suffix to "_Perp".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range []string{"-PERP", "_PERP"} {
		if strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix) + "_Perp"
		}
	}
	return s
}

// SymbolsEqual compares two symbols case-insensitively after normalization.
func SymbolsEqual(a, b string) bool {
	return strings.EqualFold(NormalizeSymbol(a), NormalizeSymbol(b))
}

// ErrDust signals that a flatten attempt found the residual position smaller
// than the venue's minimum closable size. It is informational, not a
// failure: the Shutdown Flattener treats it as a terminal success.
type ErrDust struct {
	Symbol       string
	MinCloseSize decimal.Decimal
}

func (e *ErrDust) Error() string {
	return fmt.Sprintf("dust position on %s: below min close size %s", e.Symbol, e.MinCloseSize.String())
}

// ErrMissingConstraints signals that InstrumentConstraints were never
// fetched/cached for a symbol. Per §7 this is a fatal per-order error — no
// silent default size/tick may be substituted.
type ErrMissingConstraints struct {
	Symbol string
}

func (e *ErrMissingConstraints) Error() string {
	return fmt.Sprintf("missing instrument constraints for %s", e.Symbol)
}
