package adaptive

import (
	"math"
	"testing"
)

func TestCurrentSigmaFallsBackWithFewReturns(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	c.Update(100, 1.0, 1.0)
	c.Update(100.1, 1.0, 1.0)
	sigma := c.CurrentSigma()
	if sigma != 0.001 {
		t.Errorf("expected fallback sigma 0.001 with <4 returns, got %v", sigma)
	}
}

func TestCurrentSigmaConvergesWithEnoughReturns(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	mid := 100.0
	for i := 0; i < 50; i++ {
		mid *= 1.001
		c.Update(mid, 1.0, 1.0)
	}
	sigma := c.CurrentSigma()
	if sigma <= 0 || math.IsNaN(sigma) {
		t.Fatalf("expected a positive finite sigma, got %v", sigma)
	}
}

func TestSigmaZScoreRequiresHistory(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	mid := 100.0
	for i := 0; i < 5; i++ {
		mid *= 1.001
		_, z := c.Update(mid, 1.0, 1.0)
		if z != 0 {
			t.Errorf("expected 0 z-score with <20 sigma-history entries, got %v", z)
		}
	}
}

func TestDepthFactorRange(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	for i := 0; i < 20; i++ {
		c.Update(100, 2.0, 1.0)
	}
	c.Update(100, 0.2, 1.0) // thin depth relative to average -> widens
	f := c.DepthFactor()
	if f < 0.7 || f > 1.8 {
		t.Errorf("DepthFactor() = %v, want in [0.7, 1.8]", f)
	}
}

func TestIntensityFactorRange(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	for i := 0; i < 20; i++ {
		c.Update(100, 1.0, 1.0)
	}
	c.Update(100, 1.0, 3.5) // intensity spike relative to average -> narrows
	f := c.IntensityFactor()
	if f < 0.7 || f > 1.6 {
		t.Errorf("IntensityFactor() = %v, want in [0.7, 1.6]", f)
	}
}

func TestQuoteSizeFactorShrinksUnderHighVol(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	mid := 100.0
	for i := 0; i < 50; i++ {
		// large oscillations to push sigma well above the 0.001 baseline
		if i%2 == 0 {
			mid *= 1.05
		} else {
			mid *= 0.95
		}
		c.Update(mid, 1.0, 1.0)
	}
	f := c.QuoteSizeFactor()
	if f < 0.2 || f > 1.0 {
		t.Errorf("QuoteSizeFactor() = %v, want in [0.2, 1.0]", f)
	}
}

func TestQuoteSizeFactorNeutralBelowBaseline(t *testing.T) {
	t.Parallel()

	c := New(10.0) // absurdly high baseline, current sigma will never exceed it
	c.Update(100, 1.0, 1.0)
	c.Update(100.001, 1.0, 1.0)
	c.Update(100.002, 1.0, 1.0)
	c.Update(100.003, 1.0, 1.0)
	if f := c.QuoteSizeFactor(); f != 1.0 {
		t.Errorf("QuoteSizeFactor() = %v, want 1.0 when sigma <= fallback", f)
	}
}

func TestWindowNClampedRange(t *testing.T) {
	t.Parallel()

	c := New(0.001)
	c.SetWindows(0.2, 1) // tiny window -> clamp to floor of 10
	if n := c.windowN(); n != 10 {
		t.Errorf("windowN() = %d, want 10 (clamped floor)", n)
	}
	c.SetWindows(0.2, 10000) // huge window -> clamp to ceiling of 600
	if n := c.windowN(); n != 600 {
		t.Errorf("windowN() = %d, want 600 (clamped ceiling)", n)
	}
}
