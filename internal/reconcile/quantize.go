package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// QuantizeSize floors a raw order size to the nearest multiple of the
// instrument's size step, then bumps it up to the least multiple of the
// step at or above min_size if the floored value fell short (§4.3). A
// non-positive result is a fatal per-order error, never silently
// substituted. Constraints with a zero size step are treated as missing.
func QuantizeSize(raw decimal.Decimal, c types.InstrumentConstraints) (decimal.Decimal, error) {
	if c.SizeStep.IsZero() {
		return decimal.Zero, &types.ErrMissingConstraints{Symbol: c.Symbol}
	}

	quantized := floorToStep(raw, c.SizeStep)
	if quantized.LessThan(c.MinSize) {
		quantized = ceilToStep(c.MinSize, c.SizeStep)
	}
	if !quantized.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantized size non-positive for %s: raw=%s", c.Symbol, raw.String())
	}
	return quantized, nil
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.DivRound(step, 16).Floor().Mul(step)
}

func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.DivRound(step, 16).Ceil().Mul(step)
}
