// Package flatten implements the Shutdown Flattener (§4.8): a retry-driven
// taker close of residual inventory, invoked whenever the engine stops or
// halts. It cancels resting orders once, then repeatedly attempts a taker
// flatten until the position is within epsilon of flat or the venue reports
// the residual as dust.
package flatten

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/internal/events"
	"perp-mm/pkg/types"
)

// Adapter is the subset of the exchange capability set the flattener drives.
type Adapter interface {
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchPosition(ctx context.Context, symbol string) (types.PositionSnapshot, error)
	FlattenPositionTaker(ctx context.Context, symbol string) error
}

// Config parameterizes the retry backoff and the flat-enough threshold.
type Config struct {
	EpsilonBase    decimal.Decimal
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AlertMinGap    time.Duration
}

// Result summarizes how the flatten loop terminated.
type Result struct {
	Dust         bool
	MinCloseSize decimal.Decimal
	Attempts     int
}

// Flattener runs the shutdown close-out loop for one symbol at a time.
type Flattener struct {
	adapter Adapter
	bus     *events.Bus
	gate    *events.AlertGate
	logger  *slog.Logger
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration)
}

// New builds a Flattener. sleep defaults to a context-aware time.Sleep and is
// overridable in tests to avoid real delays.
func New(adapter Adapter, bus *events.Bus, gate *events.AlertGate, logger *slog.Logger, cfg Config) *Flattener {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.AlertMinGap <= 0 {
		cfg.AlertMinGap = time.Minute
	}
	return &Flattener{
		adapter: adapter,
		bus:     bus,
		gate:    gate,
		logger:  logger.With("component", "flatten"),
		cfg:     cfg,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Run cancels all resting orders for symbol, then loops taker-flatten
// attempts until the position is flat, dust, or ctx is cancelled. ctx
// cancellation (from a caller-side deadline, not the engine's own stop
// signal — the flattener is deliberately not tied to the loop task's
// cancellation per §5) stops the retry loop early with the last known
// Result.
func (f *Flattener) Run(ctx context.Context, symbol string) Result {
	if err := f.adapter.CancelAllOrders(ctx, symbol); err != nil {
		f.logger.Warn("cancel_all_orders failed during flatten", "symbol", symbol, "error", err)
	}

	cfg := f.cfg
	delay := cfg.BaseDelay
	attempts := 0

	for {
		pos, err := f.adapter.FetchPosition(ctx, symbol)
		if err == nil && pos.BasePosition.Abs().LessThanOrEqual(cfg.EpsilonBase) {
			f.publish(events.TypeCloseDone, map[string]any{"symbol": symbol, "attempts": attempts})
			key := events.Key("", "info", events.AlertPositionFlat)
			if f.gate.Allow(key, cfg.AlertMinGap, timeNow()) {
				f.publish(events.TypeError, map[string]any{"alert": events.AlertPositionFlat, "symbol": symbol})
			}
			return Result{Attempts: attempts}
		}

		select {
		case <-ctx.Done():
			return Result{Attempts: attempts}
		default:
		}

		attempts++
		f.publish(events.TypeCloseAttempt, map[string]any{"symbol": symbol, "attempt": attempts})

		flattenErr := f.adapter.FlattenPositionTaker(ctx, symbol)
		if flattenErr == nil {
			continue // re-check position at top of loop
		}

		if dust, ok := flattenErr.(*types.ErrDust); ok {
			f.publish(events.TypeCloseDone, map[string]any{
				"symbol":         symbol,
				"dust":           true,
				"min_close_size": dust.MinCloseSize,
				"attempts":       attempts,
			})
			return Result{Dust: true, MinCloseSize: dust.MinCloseSize, Attempts: attempts}
		}

		f.logger.Warn("flatten_position_taker failed, retrying", "symbol", symbol, "attempt", attempts, "error", flattenErr)
		f.publish(events.TypeCloseRetry, map[string]any{"symbol": symbol, "attempt": attempts, "error": flattenErr.Error()})

		key := events.Key("", "warn", events.AlertPositionFlattenRetry)
		if f.gate.Allow(key, cfg.AlertMinGap, timeNow()) {
			f.publish(events.TypeError, map[string]any{"alert": events.AlertPositionFlattenRetry, "symbol": symbol})
		}

		wait := delay
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		f.sleep(ctx, wait)

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func (f *Flattener) publish(eventType string, payload map[string]any) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(events.Event{Type: eventType, Payload: payload, Timestamp: timeNow()})
}

var timeNow = time.Now
