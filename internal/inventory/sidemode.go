// Package inventory implements the single-sided quoting hysteresis that
// suppresses one side of the book while the position is pinned against its
// cap, then re-enables both sides once exposure has unwound below the
// recovery threshold (§4.6).
package inventory

import (
	"math"
	"sync"

	"perp-mm/pkg/types"
)

// ReasonInventoryLimit is the diagnostic reason the engine attaches to a
// tick event when the side-mode is anything other than none.
const ReasonInventoryLimit = "inventory-limit"

// SideGuard tracks the current inventory side-mode across ticks. Thread-safe
// via RWMutex, matching the position tracker it is adapted from.
type SideGuard struct {
	mu   sync.RWMutex
	mode types.InventorySideMode
}

// NewSideGuard starts in the unsuppressed mode.
func NewSideGuard() *SideGuard {
	return &SideGuard{mode: types.SideModeNone}
}

// Update recomputes the side-mode from the current inventory reading.
// usage = |inventory_notional| / max(capacity, epsilon); trigger and recover
// are the configured thresholds, with recover clamped to never exceed
// trigger. inventoryBase's sign identifies the direction to suppress.
func (g *SideGuard) Update(inventoryBase, inventoryNotional, capacity, trigger, recover float64) types.InventorySideMode {
	g.mu.Lock()
	defer g.mu.Unlock()

	if recover > trigger {
		recover = trigger
	}

	usage := math.Abs(inventoryNotional) / math.Max(capacity, 1e-9)

	switch g.mode {
	case types.SideModeOnlySell:
		if inventoryBase < 0 {
			g.mode = types.SideModeOnlyBuy
		}
	case types.SideModeOnlyBuy:
		if inventoryBase > 0 {
			g.mode = types.SideModeOnlySell
		}
	}

	if g.mode != types.SideModeNone && usage <= recover {
		g.mode = types.SideModeNone
	} else if g.mode == types.SideModeNone && usage >= trigger {
		if inventoryBase > 0 {
			g.mode = types.SideModeOnlySell
		} else if inventoryBase < 0 {
			g.mode = types.SideModeOnlyBuy
		}
	}

	return g.mode
}

// Mode returns the current side-mode without recomputing it.
func (g *SideGuard) Mode() types.InventorySideMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// Reset clears the side-mode back to none, used on engine restart.
func (g *SideGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = types.SideModeNone
}

// DesiredSides reports which sides the reconciler should quote under the
// current mode. Both sides are always present in the map; a blocked side
// maps to false, so callers look a side up rather than range over the map.
func DesiredSides(mode types.InventorySideMode) map[types.Side]bool {
	switch mode {
	case types.SideModeOnlyBuy:
		return map[types.Side]bool{types.Buy: true, types.Sell: false}
	case types.SideModeOnlySell:
		return map[types.Side]bool{types.Buy: false, types.Sell: true}
	default:
		return map[types.Side]bool{types.Buy: true, types.Sell: true}
	}
}
