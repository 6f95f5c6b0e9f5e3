// Package reconcile diffs a target QuoteDecision against the venue's live
// resting orders and decides, per side, whether to place, replace, or
// cancel (§4.3). It also implements the post-only tick guard, the
// submission-time size quantization against InstrumentConstraints, and the
// purely-numeric client order id recipe.
package reconcile

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// Kind is the action a reconciler decision calls for on one side.
type Kind string

const (
	Place   Kind = "place"
	Replace Kind = "replace"
	Cancel  Kind = "cancel"
)

// Action is one per-side reconciler decision.
type Action struct {
	Kind            Kind
	Side            types.Side
	Reason          string
	Price           decimal.Decimal
	Size            decimal.Decimal
	ExistingOrderID string
}

// Config holds the reconciler's tunables, read fresh from RuntimeConfig each
// tick (durations in seconds, thresholds as plain ratios/bps).
type Config struct {
	OrderTTLSec                 float64
	RequoteThresholdBps         float64
	RequoteSizeThresholdRatio   float64
	MinOrderAgeBeforeRequoteSec float64
}

// Reconcile computes the per-side place/replace/cancel actions for the
// current tick. liveOrders may contain stale or non-open entries; only the
// most recently created open order per side is considered "live".
// desiredSides reports, per side, whether the inventory hysteresis (§4.6)
// currently allows quoting that side.
func Reconcile(now time.Time, liveOrders []types.OrderSnapshot, decision types.QuoteDecision, desiredSides map[types.Side]bool, cfg Config) []Action {
	latest := latestPerSide(liveOrders)

	var actions []Action
	for _, side := range []types.Side{types.Buy, types.Sell} {
		want := desiredSides[side]
		order, has := latest[side]

		newPrice := decision.BidPrice
		if side == types.Sell {
			newPrice = decision.AskPrice
		}
		newSize := decision.QuoteSizeBase

		if !has {
			if want {
				actions = append(actions, Action{
					Kind:   Place,
					Side:   side,
					Reason: fmt.Sprintf("missing-side-%s", side),
					Price:  newPrice,
					Size:   newSize,
				})
			}
			continue
		}

		if !want {
			actions = append(actions, Action{
				Kind:            Cancel,
				Side:            side,
				Reason:          fmt.Sprintf("inventory-exit-%s", side),
				ExistingOrderID: order.OrderID,
			})
			continue
		}

		if action, replace := requoteDecision(now, order, newPrice, newSize, side, cfg); replace {
			actions = append(actions, action)
		}
	}
	return actions
}

func requoteDecision(now time.Time, order types.OrderSnapshot, newPrice, newSize decimal.Decimal, side types.Side, cfg Config) (Action, bool) {
	age := now.Sub(order.CreatedAt).Seconds()
	ttlExpired := age > cfg.OrderTTLSec

	oldPrice, _ := order.Price.Float64()
	newPriceF, _ := newPrice.Float64()
	priceDevBps := math.Abs(newPriceF-oldPrice) / oldPrice * 10000
	priceDev := priceDevBps > cfg.RequoteThresholdBps

	oldSize, _ := order.Size.Float64()
	newSizeF, _ := newSize.Float64()
	denom := math.Max(math.Abs(newSizeF), math.Max(math.Abs(oldSize), 1e-9))
	sizeDevRatio := math.Abs(newSizeF-oldSize) / denom
	sizeDev := sizeDevRatio > cfg.RequoteSizeThresholdRatio

	shouldReplace := ttlExpired || ((priceDev || sizeDev) && age >= cfg.MinOrderAgeBeforeRequoteSec)
	if !shouldReplace {
		return Action{}, false
	}

	reason := "ttl-expired"
	if !ttlExpired {
		if priceDev {
			reason = fmt.Sprintf("price-deviation-%s", side)
		} else {
			reason = fmt.Sprintf("size-deviation-%s", side)
		}
	}

	return Action{
		Kind:            Replace,
		Side:            side,
		Reason:          reason,
		Price:           newPrice,
		Size:            newSize,
		ExistingOrderID: order.OrderID,
	}, true
}

// latestPerSide returns, for each side, the most recently created open
// order — "at most one latest per side" per §4.3.
func latestPerSide(orders []types.OrderSnapshot) map[types.Side]types.OrderSnapshot {
	latest := make(map[types.Side]types.OrderSnapshot, 2)
	for _, o := range orders {
		if o.Status != types.OrderOpen {
			continue
		}
		cur, ok := latest[o.Side]
		if !ok || o.CreatedAt.After(cur.CreatedAt) {
			latest[o.Side] = o
		}
	}
	return latest
}
