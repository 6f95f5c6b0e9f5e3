// Package adaptive maintains the rolling volatility, depth, and intensity
// signals that the AS Quote Model and the per-tick sizing math read every
// cycle. It owns four bounded ring buffers (log-returns, depth scores, trade
// intensities, sigma history) and is exclusively written by the Strategy
// Engine's single loop task.
package adaptive

import "math"

const (
	ewmaLambda          = 0.94
	sigmaFloor          = 1e-6
	minReturnsForSigma  = 4
	minSigmaHistoryForZ = 20
	bufferCapacity      = 2048
)

// Controller is the Adaptive Controller of §4.1. The zero value is not
// usable; construct with New.
type Controller struct {
	returns      *ringBuffer
	depths       *ringBuffer
	intensities  *ringBuffer
	sigmaHistory *ringBuffer

	lastMid float64

	intervalSec    float64
	sigmaWindowSec float64
	fallbackSigma  float64
}

// New creates a controller with a default 1-tick interval, a 60s sigma
// window, and the given fallback sigma (used until enough returns have
// accumulated, and as the reference for quote-size scaling).
func New(fallbackSigma float64) *Controller {
	if fallbackSigma <= 0 {
		fallbackSigma = 0.001
	}
	return &Controller{
		returns:        newRingBuffer(bufferCapacity),
		depths:         newRingBuffer(bufferCapacity),
		intensities:    newRingBuffer(bufferCapacity),
		sigmaHistory:   newRingBuffer(bufferCapacity),
		intervalSec:    1.0,
		sigmaWindowSec: 60.0,
		fallbackSigma:  fallbackSigma,
	}
}

// SetWindows retunes the sigma lookback window and the tick interval it is
// measured against. Called once per loop tick from the freshly re-read
// RuntimeConfig (§4.5 step 1); zero or negative values are ignored so a
// transient bad read never resets the controller's tuning.
func (c *Controller) SetWindows(intervalSec, sigmaWindowSec float64) {
	if intervalSec > 0 {
		c.intervalSec = intervalSec
	}
	if sigmaWindowSec > 0 {
		c.sigmaWindowSec = sigmaWindowSec
	}
}

// SetSigmaBaseline updates the fallback sigma used when too few returns have
// accumulated and as the quote-size-factor reference.
func (c *Controller) SetSigmaBaseline(fallback float64) {
	if fallback > 0 {
		c.fallbackSigma = fallback
	}
}

// Update appends a new market observation and recomputes sigma and its
// z-score, per §4.1's `update(mid, depth, intensity) -> (sigma, z)`.
func (c *Controller) Update(mid, depth, intensity float64) (sigma, z float64) {
	if c.lastMid > 0 && mid > 0 {
		c.returns.push(math.Log(mid / c.lastMid))
	}
	if mid > 0 {
		c.lastMid = mid
	}
	c.depths.push(depth)
	c.intensities.push(intensity)

	sigma = c.CurrentSigma()
	c.sigmaHistory.push(sigma)
	z = c.SigmaZScore()
	return sigma, z
}

// windowN is N = round(sigma_window_sec / max(interval, 0.05)), clamped to
// [10, 600].
func (c *Controller) windowN() int {
	n := int(math.Round(c.sigmaWindowSec / math.Max(c.intervalSec, 0.05)))
	return clampInt(n, 10, 600)
}

// CurrentSigma is an EWMA of squared log-returns over the most recent N
// entries (recurrence v_t = λ·v_{t-1} + (1-λ)·r_t², seeded with r_0²,
// λ=0.94), returning √v floored at 1e-6. Fewer than 4 returns falls back to
// the configured baseline sigma.
func (c *Controller) CurrentSigma() float64 {
	n := c.windowN()
	rets := c.returns.last(n)
	if len(rets) < minReturnsForSigma {
		return c.fallbackSigma
	}

	v := rets[0] * rets[0]
	for _, r := range rets[1:] {
		v = ewmaLambda*v + (1-ewmaLambda)*r*r
	}
	s := math.Sqrt(v)
	if s < sigmaFloor {
		s = sigmaFloor
	}
	return s
}

// SigmaZScore standardizes the most recent sigma against the mean and
// std-dev of the last M = clamp(3N, 20, 2000) sigma-history entries. Returns
// 0 when fewer than 20 entries exist or the spread is numerically
// degenerate.
func (c *Controller) SigmaZScore() float64 {
	n := c.windowN()
	m := clampInt(3*n, 20, 2000)
	hist := c.sigmaHistory.last(m)
	if len(hist) < minSigmaHistoryForZ {
		return 0
	}

	mean := meanOf(hist)
	sd := stddevOf(hist, mean)
	if sd < 1e-12 {
		return 0
	}
	current := hist[len(hist)-1]
	return (current - mean) / sd
}

// DepthFactor widens/narrows quotes based on how current top-of-book depth
// compares to its recent average: clamp(1.2 - 0.35·(cur/avg - 1), 0.7, 1.8).
func (c *Controller) DepthFactor() float64 {
	return ratioFactor(c.depths, 1.2, 0.35, 0.7, 1.8)
}

// IntensityFactor is the analogous adjustment for recent trade intensity:
// clamp(1.15 - 0.25·(cur/avg - 1), 0.7, 1.6).
func (c *Controller) IntensityFactor() float64 {
	return ratioFactor(c.intensities, 1.15, 0.25, 0.7, 1.6)
}

func ratioFactor(buf *ringBuffer, base, coeff, lo, hi float64) float64 {
	n := buf.len()
	if n == 0 {
		return clampF(base, lo, hi)
	}
	all := buf.last(n)
	cur := all[len(all)-1]
	avg := meanOf(all)
	if avg == 0 {
		return clampF(base, lo, hi)
	}
	return clampF(base-coeff*(cur/avg-1), lo, hi)
}

// QuoteSizeFactor scales down order size as sigma rises above the fallback
// baseline: clamp(1/√(sigma/fallback), 0.2, 1.0) when sigma exceeds the
// baseline, else 1.0 (no reduction).
func (c *Controller) QuoteSizeFactor() float64 {
	sigma := c.CurrentSigma()
	if c.fallbackSigma <= 0 || sigma <= c.fallbackSigma {
		return 1.0
	}
	return clampF(1.0/math.Sqrt(sigma/c.fallbackSigma), 0.2, 1.0)
}
