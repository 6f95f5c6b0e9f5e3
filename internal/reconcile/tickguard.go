package reconcile

import "github.com/shopspring/decimal"

var minTick = decimal.NewFromFloat(0.0001)

// PostOnlyTickGuard rounds a candidate bid/ask pair onto the venue's
// inferred price tick, guaranteeing bid < ask by at least one tick
// afterward (§4.3). The tick itself is inferred from the finer of the best
// bid/ask's decimal precision, floored at 0.0001.
func PostOnlyTickGuard(bestBid, bestAsk, bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	tick := inferredTick(bestBid, bestAsk)

	if bid.GreaterThan(ask.Sub(tick)) {
		bid = ask.Sub(tick)
	}
	if ask.LessThan(bid.Add(tick)) {
		ask = bid.Add(tick)
	}

	bid = roundDownToTick(bid, tick)
	ask = roundUpToTick(ask, tick)

	if !bid.LessThan(ask) {
		ask = bid.Add(tick)
	}
	return bid, ask
}

func inferredTick(bestBid, bestAsk decimal.Decimal) decimal.Decimal {
	decimals := decimalPlaces(bestBid)
	if d := decimalPlaces(bestAsk); d > decimals {
		decimals = d
	}
	tick := decimal.New(1, -int32(decimals))
	if tick.LessThan(minTick) {
		return minTick
	}
	return tick
}

func decimalPlaces(d decimal.Decimal) int {
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

func roundDownToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	return v.DivRound(tick, 16).Floor().Mul(tick)
}

func roundUpToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	return v.DivRound(tick, 16).Ceil().Mul(tick)
}
