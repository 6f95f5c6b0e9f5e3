// Package quote implements the Avellaneda-Stoikov reservation-price and
// half-spread model (§4.2). Compute is a pure function: given the current
// market and inventory state plus the tuned model parameters, it returns a
// two-sided quote. It carries no state of its own — the Adaptive Controller
// supplies sigma, and the caller supplies everything else fresh each tick.
//
// Internals operate on float64, matching the teacher strategy package's own
// computeQuotes; callers convert to and from decimal.Decimal at the
// component boundary (QuoteDecision).
package quote

import "math"

// sigmaRef is the reference volatility gamma scales against (§4.2 step 1).
const sigmaRef = 0.003

// Inputs are the AS model's tuning and state parameters for one evaluation.
type Inputs struct {
	Mid                float64
	Sigma              float64
	InventoryBase      float64
	MaxInventoryBase   float64
	BaseGamma          float64
	GammaMin           float64
	GammaMax           float64
	LiquidityK         float64
	HorizonSec         float64
	MinSpreadBps       float64
	MaxSpreadBps       float64
	QuoteSizeNotional  float64
}

// Result is the AS model's output for one tick.
type Result struct {
	BidPrice         float64
	AskPrice         float64
	QuoteSizeBase    float64
	SpreadBps        float64
	Gamma            float64
	ReservationPrice float64
}

// Compute evaluates the seven steps of §4.2 in order.
func Compute(in Inputs) Result {
	// 1. risk aversion scales up with realized volatility relative to a
	// fixed reference, capped at 4x base, then clamped to configured bounds.
	gammaRaw := in.BaseGamma * (1 + math.Min(3, in.Sigma/math.Max(1e-9, sigmaRef)))
	gamma := clamp(gammaRaw, in.GammaMin, in.GammaMax)

	// 2. inventory ratio in [-1, 1], zero when there is no cap configured.
	var inventoryRatio float64
	if in.MaxInventoryBase > 0 {
		inventoryRatio = clamp(in.InventoryBase/in.MaxInventoryBase, -1, 1)
	}

	// 3. reservation price shifts away from mid in the direction that
	// encourages offsetting fills when inventory is skewed.
	reservationShift := inventoryRatio * gamma * in.Sigma * in.Sigma * math.Max(1, in.HorizonSec)
	reservationPrice := in.Mid * (1 - reservationShift)

	// 4-5. optimal half-spread, converted to bps and clamped to the
	// configured floor/ceiling.
	rawHalfSpread := (gamma*in.Sigma*in.Sigma*in.HorizonSec)/2 + (1/gamma)*math.Log(1+gamma/math.Max(1e-6, in.LiquidityK))
	rawSpreadBps := math.Max(0.1, rawHalfSpread*2*10000)
	spreadBps := clamp(rawSpreadBps, in.MinSpreadBps, in.MaxSpreadBps)

	// 6. bid/ask around the reservation price, with a price floor so a
	// degenerate reservation price never produces a non-positive quote.
	spreadAbs := reservationPrice * spreadBps / 10000
	bid := math.Max(0.0001, reservationPrice-spreadAbs/2)
	ask := math.Max(bid+0.0001, reservationPrice+spreadAbs/2)

	// 7. base-denominated size from the target notional.
	quoteSizeBase := in.QuoteSizeNotional / math.Max(in.Mid, 1e-9)

	return Result{
		BidPrice:         bid,
		AskPrice:         ask,
		QuoteSizeBase:    quoteSizeBase,
		SpreadBps:        spreadBps,
		Gamma:            gamma,
		ReservationPrice: reservationPrice,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
