// Package risk evaluates the Strategy Engine's circuit-breaker conditions:
// runaway consecutive failures, drawdown against the running equity peak,
// and volatility blowing through its z-score threshold. A single Guard is
// owned by the engine loop and consulted once per tick; a trip is terminal
// for the tick and drives the engine into halted mode.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
)

// Config holds the Risk Guard's tunables, read from RuntimeConfig.
type Config struct {
	MaxConsecutiveFailures int
	DrawdownKillPct        float64
	VolatilityKillZScore   float64
}

// Guard tracks the running equity peak and evaluates trip conditions each
// tick. Safe for concurrent use, though the engine's single-writer loop is
// its only expected caller.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	peakEquity   float64
	havePeak     bool
	lastDrawdown float64
}

// NewGuard builds a Guard bound to cfg, logging trips under the "risk"
// component.
func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
	}
}

// SetConfig swaps the guard's tunables without resetting the tracked peak.
func (g *Guard) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Reset clears the tracked equity peak, used when the engine starts a new
// run.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.havePeak = false
	g.peakEquity = 0
	g.lastDrawdown = 0
}

// observePeak updates the monotonic equity peak and returns the current
// drawdown percentage. Never negative; zero until a peak has been observed.
func (g *Guard) observePeak(equity float64) float64 {
	if !g.havePeak || equity > g.peakEquity {
		g.peakEquity = equity
		g.havePeak = true
	}
	if g.peakEquity <= 0 {
		return 0
	}
	drawdown := (g.peakEquity - equity) / g.peakEquity * 100
	if drawdown < 0 {
		drawdown = 0
	}
	g.lastDrawdown = drawdown
	return drawdown
}

// DrawdownPct returns the most recently computed drawdown without mutating
// the tracked peak.
func (g *Guard) DrawdownPct() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastDrawdown
}

// PeakEquity reports the running equity peak, and whether one has been
// observed yet.
func (g *Guard) PeakEquity() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peakEquity, g.havePeak
}

// Evaluate updates the equity peak from equity, then checks the trip
// conditions in fixed tie-break order: consecutive failures, drawdown,
// volatility z-score. The first match wins and is returned with a
// human-readable reason; later conditions are not evaluated once one trips.
func (g *Guard) Evaluate(consecutiveFailures int, equity float64, sigmaZScore float64) (triggered bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	drawdown := g.observePeak(equity)

	if g.cfg.MaxConsecutiveFailures > 0 && consecutiveFailures >= g.cfg.MaxConsecutiveFailures {
		reason = fmt.Sprintf("consecutive_failures %d >= max_consecutive_failures %d", consecutiveFailures, g.cfg.MaxConsecutiveFailures)
		g.logger.Warn("risk guard tripped", "reason", reason)
		return true, reason
	}

	if g.cfg.DrawdownKillPct > 0 && drawdown >= g.cfg.DrawdownKillPct {
		reason = fmt.Sprintf("drawdown_pct %.2f >= drawdown_kill_pct %.2f", drawdown, g.cfg.DrawdownKillPct)
		g.logger.Warn("risk guard tripped", "reason", reason)
		return true, reason
	}

	absZ := sigmaZScore
	if absZ < 0 {
		absZ = -absZ
	}
	if g.cfg.VolatilityKillZScore > 0 && absZ >= g.cfg.VolatilityKillZScore {
		reason = fmt.Sprintf("|sigma_zscore| %.2f >= volatility_kill_zscore %.2f", absZ, g.cfg.VolatilityKillZScore)
		g.logger.Warn("risk guard tripped", "reason", reason)
		return true, reason
	}

	return false, ""
}
