// Package engine implements the Strategy Engine: the idle/running/halted
// state machine (§4.4) and its per-tick loop body (§4.5) that wires the
// Adaptive Controller, the AS Quote Model, the Order Reconciler, the
// Inventory side-mode hysteresis, the Risk Guard, the Monitoring aggregator
// and the Shutdown Flattener into one control loop per symbol.
//
// Lifecycle: New() -> Start() -> [ticks until stop/halt] -> Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"perp-mm/internal/adaptive"
	"perp-mm/internal/config"
	"perp-mm/internal/events"
	"perp-mm/internal/exchange"
	"perp-mm/internal/flatten"
	"perp-mm/internal/inventory"
	"perp-mm/internal/monitoring"
	"perp-mm/internal/quote"
	"perp-mm/internal/reconcile"
	"perp-mm/internal/risk"
	"perp-mm/pkg/types"
)

// Engine owns one symbol's control loop. EngineState is single-writer by
// convention (the loop task between start and stop/halt); the mutex exists
// because Start/Stop/Mode are called from other goroutines too.
type Engine struct {
	mu    sync.Mutex
	state types.EngineState

	cfg     *config.Config
	adapter exchange.Adapter

	controller *adaptive.Controller
	riskGuard  *risk.Guard
	sideGuard  *inventory.SideGuard
	bus        *events.Bus
	alertGate  *events.AlertGate
	monitor    *monitoring.Aggregator
	flattener  *flatten.Flattener
	logger     *slog.Logger
	rnd        *rand.Rand

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New wires one engine instance from cfg and adapter. The caller owns
// adapter construction (fake or REST) so tests can swap it freely.
func New(cfg *config.Config, adapter exchange.Adapter, logger *slog.Logger) *Engine {
	logger = logger.With("component", "engine", "symbol", cfg.Runtime.Symbol)

	bus := events.NewBus(128)
	alertGate := events.NewAlertGate()

	flattenCfg := flatten.Config{
		EpsilonBase: decimal.NewFromFloat(cfg.Runtime.ClosePositionEpsilonBase),
		BaseDelay:   durationFromSec(cfg.Runtime.CloseRetryBaseDelaySec),
		MaxDelay:    durationFromSec(cfg.Runtime.CloseRetryMaxDelaySec),
		AlertMinGap: time.Minute,
	}

	return &Engine{
		state:      types.EngineState{Mode: types.ModeIdle},
		cfg:        cfg,
		adapter:    adapter,
		controller: adaptive.New(cfg.Runtime.ASSigma),
		riskGuard: risk.NewGuard(risk.Config{
			MaxConsecutiveFailures: cfg.Runtime.MaxConsecutiveFailures,
			DrawdownKillPct:        cfg.Runtime.DrawdownKillPct,
			VolatilityKillZScore:   cfg.Runtime.VolatilityKillZScore,
		}, logger),
		sideGuard: inventory.NewSideGuard(),
		bus:       bus,
		alertGate: alertGate,
		monitor:   monitoring.NewAggregator(),
		flattener: flatten.New(adapter, bus, alertGate, logger, flattenCfg),
		logger:    logger,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func durationFromSec(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Bus exposes the outbound event stream for dashboards, loggers, or tests to
// subscribe to.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Monitor exposes the Prometheus-backed diagnostics aggregator.
func (e *Engine) Monitor() *monitoring.Aggregator { return e.monitor }

// State returns a copy of the engine's current state.
func (e *Engine) State() types.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Mode reports the current state-machine mode.
func (e *Engine) Mode() types.EngineMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Mode
}

// ReplaceAdapter swaps the exchange adapter. Only permitted outside running
// mode (§5); resets exchange_connected so the next tick re-verifies
// connectivity.
func (e *Engine) ReplaceAdapter(adapter exchange.Adapter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Mode == types.ModeRunning {
		return fmt.Errorf("cannot replace adapter while running")
	}
	e.adapter = adapter
	e.state.ExchangeConnected = false
	return nil
}

// Start transitions idle -> running: pings the adapter, resets session
// state, spawns the loop task, and emits ENGINE_START. A ping failure halts
// without ever entering running. Idempotent while already running.
func (e *Engine) Start(ctx context.Context) error {
	if e.Mode() == types.ModeRunning {
		return nil
	}

	ok, err := e.adapter.Ping(ctx)
	if err != nil || !ok {
		reason := "exchange unreachable"
		if err != nil {
			reason = fmt.Sprintf("exchange unreachable: %v", err)
		}
		e.mu.Lock()
		e.state.Mode = types.ModeHalted
		e.state.KillReason = reason
		e.mu.Unlock()
		e.publishEngine("halted", reason)
		e.sendAlert(events.AlertKillSwitch, reason)
		if err != nil {
			return err
		}
		return errors.New(reason)
	}

	startedAt := time.Now()
	e.mu.Lock()
	e.state = types.EngineState{
		Mode:              types.ModeRunning,
		ExchangeConnected: true,
		EngineStartedAt:   &startedAt,
	}
	e.mu.Unlock()

	e.riskGuard.Reset()
	e.sideGuard.Reset()
	e.alertGate.Reset()
	e.monitor.ResetSession(startedAt)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	go e.runLoop(loopCtx)

	e.publishEngine("running", "")
	e.sendAlert(events.AlertEngineStart, "engine started")
	e.publishConfig()
	return nil
}

// publishConfig emits the runtime config currently in effect. Called once on
// every Start so subscribers always see the config a new run will quote
// with.
func (e *Engine) publishConfig() {
	r := e.cfg.Runtime
	e.bus.Publish(events.Event{
		Type: events.TypeConfig,
		Payload: map[string]any{
			"symbol":                     r.Symbol,
			"goal":                       e.cfg.Goal,
			"equity_risk_pct":            r.EquityRiskPct,
			"effective_leverage":         r.EffectiveLeverage,
			"min_spread_bps":             r.MinSpreadBps,
			"max_spread_bps":             r.MaxSpreadBps,
			"drawdown_kill_pct":          r.DrawdownKillPct,
			"volatility_kill_zscore":     r.VolatilityKillZScore,
			"max_consecutive_failures":   r.MaxConsecutiveFailures,
			"max_inventory_equity_ratio": r.MaxInventoryEquityRatio,
			"quote_interval_sec":         r.QuoteIntervalSec,
			"dry_run":                    e.cfg.DryRun,
		},
		Timestamp: time.Now(),
	})
}

// Stop is the external stop path: running -> idle cancels the loop,
// cancels resting orders, flattens, and emits ENGINE_STOP. halted -> idle
// flattens idempotently. idle -> idle is a safe no-op (re-entrant).
func (e *Engine) Stop(reason string) {
	switch e.Mode() {
	case types.ModeRunning:
		if e.loopCancel != nil {
			e.loopCancel()
		}
		if e.loopDone != nil {
			<-e.loopDone
		}
		e.cancelAllSwallow(context.Background())
		e.flattener.Run(context.Background(), e.cfg.Runtime.Symbol)
		e.mu.Lock()
		e.state.Mode = types.ModeIdle
		e.mu.Unlock()
		e.publishEngine("idle", reason)
		e.sendAlert(events.AlertEngineStop, reason)
	case types.ModeHalted:
		e.flattener.Run(context.Background(), e.cfg.Runtime.Symbol)
		e.mu.Lock()
		e.state.Mode = types.ModeIdle
		e.mu.Unlock()
		e.publishEngine("idle", reason)
	default:
		// idle: nothing to do.
	}
}

// haltInternal is the risk-trip path: running -> halted, cancel_all,
// flatten, emit KILL_SWITCH. Called from within the loop task itself, which
// then returns — no external cancellation is needed.
func (e *Engine) haltInternal(reason string) {
	e.mu.Lock()
	e.state.Mode = types.ModeHalted
	e.state.KillReason = reason
	e.mu.Unlock()

	e.cancelAllSwallow(context.Background())
	e.flattener.Run(context.Background(), e.cfg.Runtime.Symbol)
	e.publishEngine("halted", reason)
	e.sendAlert(events.AlertKillSwitch, reason)
}

func (e *Engine) cancelAllSwallow(ctx context.Context) {
	if err := e.adapter.CancelAllOrders(ctx, e.cfg.Runtime.Symbol); err != nil {
		e.logger.Warn("cancel_all_orders failed", "error", err)
	}
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		tickStart := time.Now()
		if halted := e.tick(ctx, tickStart); halted {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		elapsed := time.Since(tickStart).Seconds()
		sleepSec := math.Max(0.01, e.cfg.Runtime.QuoteIntervalSec-elapsed)
		timer := time.NewTimer(durationFromSec(sleepSec))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick runs one iteration of §4.5's loop body. It returns true when a risk
// trip halted the engine mid-tick, signalling runLoop to stop.
func (e *Engine) tick(ctx context.Context, tickStart time.Time) bool {
	r := e.cfg.Runtime
	symbol := r.Symbol

	// 1. tune adaptive windows from the freshly read runtime config.
	e.controller.SetWindows(r.QuoteIntervalSec, r.SigmaWindowSec)
	e.controller.SetSigmaBaseline(r.ASSigma)

	// 2. market snapshot.
	snapshot, err := e.adapter.FetchMarketSnapshot(ctx, symbol)
	if err != nil {
		e.handleLoopError(err)
		return false
	}

	// 3. account funds and position, concurrently.
	var funds types.AccountFunds
	var position types.PositionSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		funds, ferr = e.adapter.FetchAccountFunds(gctx)
		return ferr
	})
	g.Go(func() error {
		var perr error
		position, perr = e.adapter.FetchPosition(gctx, symbol)
		return perr
	})
	if err := g.Wait(); err != nil {
		e.handleLoopError(err)
		return false
	}

	e.mu.Lock()
	e.state.ExchangeConnected = true
	e.rollEquityLocked(funds.Equity)
	e.mu.Unlock()

	equity, _ := funds.Equity.Float64()
	free, _ := funds.Free.Float64()
	mid, _ := snapshot.Mid.Float64()
	positionBase, _ := position.BasePosition.Float64()

	// 5. adaptive update.
	sigma, z := e.controller.Update(mid, snapshot.DepthScore, snapshot.TradeIntensity)
	depthFactor := e.controller.DepthFactor()
	intensityFactor := e.controller.IntensityFactor()
	sizeFactor := e.controller.QuoteSizeFactor()

	// 6. sizing.
	capacity := math.Max(free*r.EffectiveLeverage, 1e-9)
	var inventoryCapNotional float64
	if r.MaxInventoryNotionalPct > 0 {
		inventoryCapNotional = math.Max(0, capacity*r.MaxInventoryNotionalPct)
	} else {
		inventoryCapNotional = r.MaxInventoryNotional
	}
	var inventoryCapBase float64
	if mid > 0 {
		inventoryCapBase = inventoryCapNotional / mid
	}
	minNotionalBuffer := mid * r.MinOrderSizeBase * 1.05
	quoteNotional := math.Max(minNotionalBuffer, math.Min(r.MaxSingleOrderNotional, equity*r.EquityRiskPct)*sizeFactor)

	// 7-8. effective spread floor and effective k.
	effectiveSpreadFloor := clamp(r.MinSpreadBps*depthFactor*intensityFactor, 0.1, r.MaxSpreadBps-0.05)
	effectiveK := clamp(r.LiquidityK*depthFactor, 0.5*r.LiquidityK, 2.0*r.LiquidityK)

	// 9. AS model.
	result := quote.Compute(quote.Inputs{
		Mid:               mid,
		Sigma:             sigma,
		InventoryBase:     positionBase,
		MaxInventoryBase:  inventoryCapBase,
		BaseGamma:         r.BaseGamma,
		GammaMin:          r.GammaMin,
		GammaMax:          r.GammaMax,
		LiquidityK:        effectiveK,
		HorizonSec:        r.OrderTTLSec,
		MinSpreadBps:      effectiveSpreadFloor,
		MaxSpreadBps:      r.MaxSpreadBps,
		QuoteSizeNotional: quoteNotional,
	})
	quoteSizeBase := math.Max(result.QuoteSizeBase, r.MinOrderSizeBase)

	bidDec, askDec := reconcile.PostOnlyTickGuard(
		snapshot.BestBid, snapshot.BestAsk,
		decimal.NewFromFloat(result.BidPrice), decimal.NewFromFloat(result.AskPrice),
	)
	decision := types.QuoteDecision{
		BidPrice:          bidDec,
		AskPrice:          askDec,
		QuoteSizeBase:     decimal.NewFromFloat(quoteSizeBase),
		QuoteSizeNotional: decimal.NewFromFloat(quoteNotional),
		SpreadBps:         decimal.NewFromFloat(result.SpreadBps),
		Gamma:             result.Gamma,
		ReservationPrice:  decimal.NewFromFloat(result.ReservationPrice),
	}

	// inventory side-mode hysteresis (§4.6).
	inventoryNotional := positionBase * mid
	mode := e.sideGuard.Update(positionBase, inventoryNotional, inventoryCapNotional, r.MaxInventoryEquityRatio, r.SingleSideRecoverRatio)
	e.mu.Lock()
	e.state.InventorySideMode = mode
	e.mu.Unlock()
	desiredSides := inventory.DesiredSides(mode)

	// 10. reconcile while running.
	var openOrders []types.OrderSnapshot
	requoteReason := "none"
	if e.Mode() == types.ModeRunning {
		openOrders, err = e.adapter.FetchOpenOrders(ctx, symbol)
		if err != nil {
			e.handleLoopError(err)
			return false
		}
		actions := reconcile.Reconcile(time.Now(), openOrders, decision, desiredSides, reconcile.Config{
			OrderTTLSec:                 r.OrderTTLSec,
			RequoteThresholdBps:         r.RequoteThresholdBps,
			RequoteSizeThresholdRatio:   r.RequoteSizeThresholdRatio,
			MinOrderAgeBeforeRequoteSec: r.MinOrderAgeBeforeRequoteSec,
		})
		if len(actions) > 0 {
			requoteReason = actions[0].Reason
		}
		if err := e.executeActions(ctx, symbol, actions); err != nil {
			e.handleLoopError(err)
			return false
		}
	}
	if mode != types.SideModeNone {
		if requoteReason == "none" {
			requoteReason = inventory.ReasonInventoryLimit
		} else {
			requoteReason = inventory.ReasonInventoryLimit + "," + requoteReason
		}
	}
	e.monitor.RecordOrders(openOrders)

	// 11. recent trades, fetched for monitoring/flow diagnostics and pushed
	// into the aggregator's session totals and maker-fill-rate window.
	recentTrades, err := e.adapter.FetchRecentTrades(ctx, symbol, 20)
	if err != nil {
		e.handleLoopError(err)
		return false
	}
	e.monitor.RecordTrades(recentTrades)

	// 12/14. risk evaluation happens once; its drawdown feeds the tick event
	// published before the trip (if any) is acted on.
	e.mu.Lock()
	failures := e.state.ConsecutiveFailures
	initialEquity := e.state.InitialEquity
	dayStartEquity := e.state.DayStartEquity
	e.mu.Unlock()
	triggered, reason := e.riskGuard.Evaluate(failures, equity, z)
	drawdown := e.riskGuard.DrawdownPct()

	var pnlTotal, pnlDaily float64
	if initialEquity != nil {
		v, _ := initialEquity.Float64()
		pnlTotal = equity - v
	}
	if dayStartEquity != nil {
		v, _ := dayStartEquity.Float64()
		pnlDaily = equity - v
	}

	reservation, _ := decision.ReservationPrice.Float64()
	bidPrice, _ := decision.BidPrice.Float64()
	askPrice, _ := decision.AskPrice.Float64()
	var distanceBidBps, distanceAskBps float64
	if mid > 0 {
		distanceBidBps = (reservation - bidPrice) / mid * 10000
		distanceAskBps = (askPrice - reservation) / mid * 10000
	}

	loopMs := float64(time.Since(tickStart).Microseconds()) / 1000.0
	tickInput := monitoring.TickInput{
		Timestamp:           time.Now(),
		Mid:                 mid,
		SpreadBps:           result.SpreadBps,
		DistanceBidBps:      distanceBidBps,
		DistanceAskBps:      distanceAskBps,
		Sigma:               sigma,
		SigmaZScore:         z,
		InventoryBase:       positionBase,
		InventoryNotional:   inventoryNotional,
		Equity:              equity,
		PnL:                 pnlTotal,
		PnLTotal:            pnlTotal,
		PnLDaily:            pnlDaily,
		QuoteSizeBase:       quoteSizeBase,
		QuoteSizeNotional:   quoteNotional,
		DrawdownPct:         drawdown,
		Mode:                e.Mode(),
		ConsecutiveFailures: failures,
		RequoteReason:       requoteReason,
	}
	e.monitor.RecordTick(tickInput, loopMs)

	e.bus.Publish(events.Event{
		Type: events.TypeTick,
		Payload: map[string]any{
			"symbol":      symbol,
			"summary":     e.monitor.Summary(),
			"open_orders": openOrders,
			"diagnostics": map[string]any{
				"inventory_side_mode": string(mode),
				"sigma":               sigma,
				"sigma_zscore":        z,
				"loop_ms":             loopMs,
				"distance_bid_bps":    distanceBidBps,
				"distance_ask_bps":    distanceAskBps,
			},
		},
		Timestamp: time.Now(),
	})

	// 13. heartbeat.
	if r.HeartbeatEnabled {
		key := events.Key("", "info", events.AlertHeartbeat)
		if e.alertGate.Allow(key, durationFromSec(r.HeartbeatIntervalSec), time.Now()) {
			hbNow := time.Now()
			e.mu.Lock()
			e.state.LastHeartbeatAt = &hbNow
			e.mu.Unlock()
			e.bus.Publish(events.Event{Type: events.TypeEngine, Payload: map[string]any{"alert": events.AlertHeartbeat}, Timestamp: hbNow})
		}
	}

	// 14. halt on trip; a tick that reaches here without error and without
	// tripping resets the consecutive-failure streak.
	if triggered {
		e.monitor.RecordKillSwitchTrip()
		e.haltInternal(reason)
		return true
	}
	e.mu.Lock()
	e.state.ConsecutiveFailures = 0
	e.mu.Unlock()
	return false
}

// rollEquityLocked initializes initial/peak equity and rolls day_start_equity
// on a UTC date change. Caller holds e.mu.
func (e *Engine) rollEquityLocked(equity decimal.Decimal) {
	if e.state.InitialEquity == nil {
		eq := equity
		e.state.InitialEquity = &eq
	}
	if e.state.PeakEquity == nil {
		eq := equity
		e.state.PeakEquity = &eq
	}
	day := time.Now().UTC().Format("2006-01-02")
	if e.state.EquityDay != day {
		e.state.EquityDay = day
		eq := equity
		e.state.DayStartEquity = &eq
	}
}

// executeActions applies place/replace/cancel decisions in order,
// place-before-cancel on every replace (§5) to avoid a naked one-sided book.
func (e *Engine) executeActions(ctx context.Context, symbol string, actions []reconcile.Action) error {
	for _, a := range actions {
		switch a.Kind {
		case reconcile.Place:
			if err := e.placeOrder(ctx, symbol, a); err != nil {
				return err
			}
		case reconcile.Replace:
			if err := e.placeOrder(ctx, symbol, a); err != nil {
				return err
			}
			if err := e.adapter.CancelOrder(ctx, symbol, a.ExistingOrderID); err != nil {
				return err
			}
			e.monitor.RecordCancel(time.Now())
		case reconcile.Cancel:
			if err := e.adapter.CancelOrder(ctx, symbol, a.ExistingOrderID); err != nil {
				return err
			}
			e.monitor.RecordCancel(time.Now())
		}
	}
	return nil
}

func (e *Engine) placeOrder(ctx context.Context, symbol string, a reconcile.Action) error {
	constraints, err := e.adapter.InstrumentConstraints(ctx, symbol)
	if err != nil {
		return err
	}
	size, err := reconcile.QuantizeSize(a.Size, constraints)
	if err != nil {
		return err
	}
	clientOrderID := reconcile.GenerateClientOrderID(a.Side, time.Now(), e.rnd)
	_, err = e.adapter.PlaceLimitOrder(ctx, symbol, a.Side, a.Price, size, true, clientOrderID)
	return err
}

// handleLoopError implements §7's propagation policy: count, classify,
// publish, rate-limited alert, continue. It never panics the loop.
func (e *Engine) handleLoopError(err error) {
	e.mu.Lock()
	e.state.ConsecutiveFailures++
	e.state.LastError = err.Error()
	e.state.ExchangeConnected = false
	failures := e.state.ConsecutiveFailures
	e.mu.Unlock()

	category := classifyError(err)
	e.monitor.RecordError(category)
	e.logger.Warn("loop error", "category", category, "consecutive_failures", failures, "error", err)

	e.bus.Publish(events.Event{
		Type: events.TypeError,
		Payload: map[string]any{
			"message":              err.Error(),
			"category":             category,
			"consecutive_failures": failures,
		},
		Timestamp: time.Now(),
	})

	key := events.Key("", "error", category)
	if e.alertGate.Allow(key, 60*time.Second, time.Now()) {
		e.sendAlert(events.AlertEngineError, fmt.Sprintf("%s: %s", category, err.Error()))
	}
}

// classifyError buckets a loop error into §7's kinds by substring match on
// the error message, since adapters surface venue errors as plain strings.
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return "auth"
	case strings.Contains(msg, "order_id") || strings.Contains(msg, "client_order_id") || strings.Contains(msg, "order id") || strings.Contains(msg, "constraints"):
		return "order_id"
	case strings.Contains(msg, "market") || strings.Contains(msg, "snapshot") || strings.Contains(msg, "depth") || strings.Contains(msg, "ticker") || strings.Contains(msg, "book"):
		return "market_data"
	default:
		return "unknown"
	}
}

func (e *Engine) publishEngine(status, reason string) {
	e.bus.Publish(events.Event{
		Type:      events.TypeEngine,
		Payload:   map[string]any{"status": status, "reason": reason, "mode": status},
		Timestamp: time.Now(),
	})
}

func (e *Engine) sendAlert(name, reason string) {
	key := events.Key("", "alert", name)
	if !e.alertGate.Allow(key, time.Second, time.Now()) {
		return
	}
	e.logger.Info("alert", "name", name, "reason", reason)
	e.bus.Publish(events.Event{
		Type:      events.TypeEngine,
		Payload:   map[string]any{"alert": name, "reason": reason},
		Timestamp: time.Now(),
	})
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
